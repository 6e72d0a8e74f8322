package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEncoding() EncodingConfig {
	return EncodingConfig{
		Workers:            2,
		ChunkThreshold:     5 * time.Minute,
		SegmentLength:      4 * time.Minute,
		MinimumResolutions: []int{144, 240},
		RetryBackoff:       30 * time.Second,
		StaleAfter:         2 * time.Hour,
		StaleSweepInterval: 5 * time.Minute,
		PollInterval:       5 * time.Second,
		PrimaryContainers:  []string{"mp4", "webm"},
		ChunkClaimLease:    30 * time.Minute,
		TaskConcurrency:    1,
	}
}

func validConfig() *Config {
	return &Config{
		App:      AppConfig{Environment: "development"},
		Logger:   LoggerConfig{Level: "info"},
		Storage:  StorageConfig{DataPath: "/srv/reelhouse"},
		Encoding: validEncoding(),
	}
}

func newFlagSet() *flag.FlagSet {
	return flag.NewFlagSet("test", flag.ContinueOnError)
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_AllEnvironments(t *testing.T) {
	tests := []struct {
		env   string
		valid bool
	}{
		{"development", true},
		{"staging", true},
		{"production", true},
		{"test", false},
		{"", false},
		{"DEVELOPMENT", false}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := validConfig()
			cfg.App.Environment = tt.env

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_LogLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "INFO"} {
		cfg := validConfig()
		cfg.Logger.Level = level
		assert.NoError(t, cfg.Validate(), level)
	}

	cfg := validConfig()
	cfg.Logger.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidate_EmptyDataPath(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.DataPath = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data path")
}

func TestValidate_InboxBackend(t *testing.T) {
	for _, backend := range []string{"", "inotify", "fsnotify"} {
		cfg := validConfig()
		cfg.Storage.InboxBackend = backend
		assert.NoError(t, cfg.Validate(), backend)
	}

	cfg := validConfig()
	cfg.Storage.InboxBackend = "kqueue"
	assert.ErrorContains(t, cfg.Validate(), "invalid inbox backend")
}

func TestEncodingValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EncodingConfig)
	}{
		{"segment equals threshold", func(e *EncodingConfig) { e.SegmentLength = e.ChunkThreshold }},
		{"segment longer than threshold", func(e *EncodingConfig) { e.SegmentLength = 10 * time.Minute }},
		{"no workers", func(e *EncodingConfig) { e.Workers = 0 }},
		{"negative retries", func(e *EncodingConfig) { e.MaxRetries = -1 }},
		{"zero stale threshold", func(e *EncodingConfig) { e.StaleAfter = 0 }},
		{"negative sweep interval", func(e *EncodingConfig) { e.StaleSweepInterval = -time.Second }},
		{"zero poll interval", func(e *EncodingConfig) { e.PollInterval = 0 }},
		{"no primary containers", func(e *EncodingConfig) { e.PrimaryContainers = nil }},
		{"zero chunk claim lease", func(e *EncodingConfig) { e.ChunkClaimLease = 0 }},
		{"no task concurrency", func(e *EncodingConfig) { e.TaskConcurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := validEncoding()
			tt.mutate(&enc)
			assert.Error(t, enc.Validate())
		})
	}
}

func TestEncodingConfig_PlannerOptions(t *testing.T) {
	enc := validEncoding()
	opts := enc.PlannerOptions()

	assert.InDelta(t, 300.0, opts.ChunkThreshold, 1e-9)
	assert.InDelta(t, 240.0, opts.SegmentLength, 1e-9)
	assert.Equal(t, []int{144, 240}, opts.MinimumResolutions)

	// The planner options own their slice.
	opts.MinimumResolutions[0] = 1
	assert.Equal(t, 144, enc.MinimumResolutions[0])
}

func TestEncodingConfig_IsPrimaryContainer(t *testing.T) {
	enc := validEncoding()
	assert.True(t, enc.IsPrimaryContainer("mp4"))
	assert.True(t, enc.IsPrimaryContainer("webm"))
	assert.False(t, enc.IsPrimaryContainer("gif"))
}

func TestLoad_Defaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_PATH", dataDir)

	cfg, err := load(newFlagSet(), []string{"-env-file", filepath.Join(dataDir, "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 2, cfg.Encoding.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Encoding.ChunkThreshold)
	assert.Equal(t, 4*time.Minute, cfg.Encoding.SegmentLength)
	assert.Equal(t, []int{144, 240}, cfg.Encoding.MinimumResolutions)
	assert.Equal(t, 0, cfg.Encoding.MaxRetries)
	assert.Equal(t, 2*time.Hour, cfg.Encoding.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Encoding.ChunkClaimLease)
	assert.Equal(t, filepath.Join(dataDir, "encoded"), cfg.Storage.EncodedPath)
	assert.Equal(t, filepath.Join(dataDir, "tmp"), cfg.Storage.TempPath)
	assert.Equal(t, filepath.Join(dataDir, "reelhouse.db"), cfg.Storage.DatabasePath)
	assert.Empty(t, cfg.Storage.InboxPath)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_PATH", dataDir)
	t.Setenv("ENCODE_WORKERS", "8")
	t.Setenv("SEGMENT_LENGTH", "2m")

	cfg, err := load(newFlagSet(), []string{
		"-env-file", filepath.Join(dataDir, "missing.env"),
		"-workers", "3",
		"-minimum-resolutions", "144, 360",
		"-max-retries", "2",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Encoding.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Encoding.SegmentLength)
	assert.Equal(t, []int{144, 360}, cfg.Encoding.MinimumResolutions)
	assert.Equal(t, 2, cfg.Encoding.MaxRetries)
}

func TestLoad_RejectsSegmentNotBelowThreshold(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_PATH", dataDir)

	_, err := load(newFlagSet(), []string{
		"-env-file", filepath.Join(dataDir, "missing.env"),
		"-chunk-threshold", "4m",
		"-segment-length", "4m",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be shorter than chunk threshold")
}

func TestLoad_InvalidDuration(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DATA_PATH", dataDir)

	_, err := load(newFlagSet(), []string{"-env-file", filepath.Join(dataDir, "missing.env"), "-stale-after", "soon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode_stale_after")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandPath("~/media", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "media"), got)

	got, err = expandPath("", "/default")
	require.NoError(t, err)
	assert.Equal(t, "/default", got)

	got, err = expandPath("relative/dir", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}

func TestGetConfigValue_Precedence(t *testing.T) {
	assert.Equal(t, "flag-value", getConfigValue("flag-value", "ENV_KEY", "default-value"))

	t.Setenv("TEST_ENV_KEY", "env-value")
	assert.Equal(t, "env-value", getConfigValue("", "TEST_ENV_KEY", "default-value"))

	assert.Equal(t, "default-value", getConfigValue("", "NONEXISTENT_KEY", "default-value"))
}

func TestGetIntListConfigValue(t *testing.T) {
	def := []int{144, 240}

	assert.Equal(t, def, getIntListConfigValue("", "NONEXISTENT_LIST", def))
	assert.Equal(t, []int{360, 720}, getIntListConfigValue("360,720", "", def))
	assert.Equal(t, def, getIntListConfigValue("360,abc", "", def))
}

func TestLoadEnvFile_ValidFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")

	content := `# Test env file
ENV=staging
LOG_LEVEL=debug
# Comment line
QUOTED_VALUE="some value"
SINGLE_QUOTED='another value'
`
	require.NoError(t, os.WriteFile(envFile, []byte(content), 0o644))

	for _, key := range []string{"ENV", "LOG_LEVEL", "QUOTED_VALUE", "SINGLE_QUOTED"} {
		t.Setenv(key, "")
	}

	require.NoError(t, loadEnvFile(envFile))

	assert.Equal(t, "staging", os.Getenv("ENV"))
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"))
	assert.Equal(t, "some value", os.Getenv("QUOTED_VALUE"))
	assert.Equal(t, "another value", os.Getenv("SINGLE_QUOTED"))
}

func TestLoadEnvFile_InvalidFormat(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("VALID_KEY=v\nINVALID LINE WITHOUT EQUALS\n"), 0o644))

	err := loadEnvFile(envFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLoadEnvFile_ExistingEnvVarsNotOverwritten(t *testing.T) {
	t.Setenv("TEST_VAR", "original-value")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte(`TEST_VAR=new-value`), 0o644))

	require.NoError(t, loadEnvFile(envFile))
	assert.Equal(t, "original-value", os.Getenv("TEST_VAR"))
}

// Package config provides engine configuration with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/reelhouse/reelhouse-server/internal/planner"
)

// Config holds the engine configuration.
type Config struct {
	App      AppConfig
	Logger   LoggerConfig
	Storage  StorageConfig
	Encoding EncodingConfig
	Metrics  MetricsConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
	// WorkerName identifies this process on encoding records (default: hostname).
	WorkerName string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// StorageConfig holds filesystem layout. Every path defaults to a directory under DataPath.
type StorageConfig struct {
	DataPath      string
	OriginalsPath string // {data}/originals
	EncodedPath   string // {data}/encoded
	HLSPath       string // {data}/hls
	ImagesPath    string // {data}/images: thumbnails, sprites, previews
	TempPath      string // {data}/tmp: chunk extracts and concat scratch
	InboxPath     string // Optional drop folder watched for new uploads
	InboxBackend  string // Watcher backend for the inbox: inotify, fsnotify or empty for auto
	DatabasePath  string // {data}/reelhouse.db
}

// EncodingConfig holds the orchestration tunables.
type EncodingConfig struct {
	// Workers is the number of concurrent transcode jobs (default: 2)
	Workers int
	// ChunkThreshold is the duration above which a source is split (default: 5m)
	ChunkThreshold time.Duration
	// SegmentLength is the length of each chunk (default: 4m, must be below ChunkThreshold)
	SegmentLength time.Duration
	// MinimumResolutions are always encoded even when larger than the source (default: 144,240)
	MinimumResolutions []int
	// DoNotTranscode skips renditions entirely; the original is served as is
	DoNotTranscode bool
	// MaxRetries is how often a failed job is requeued before it is marked failed (default: 0)
	MaxRetries int
	// RetryBackoff delays a requeued job (default: 30s)
	RetryBackoff time.Duration
	// StaleAfter is how long a running job may go without a progress update (default: 2h)
	StaleAfter time.Duration
	// StaleSweepInterval is how often stale jobs are looked for (default: 5m, 0 disables)
	StaleSweepInterval time.Duration
	// PollInterval is the fallback queue poll when no notification arrives (default: 5s)
	PollInterval time.Duration
	// PrimaryContainers are the containers whose renditions decide the media status (default: mp4,webm)
	PrimaryContainers []string
	// PlayOriginalWhileEncoding lists pending media using the original upload
	PlayOriginalWhileEncoding bool
	// ChunkClaimLease is how long a chunk group finalization claim holds
	// before another process may take it over (default: 30m)
	ChunkClaimLease time.Duration
	// TaskConcurrency bounds background packaging and trim tasks (default: 1)
	TaskConcurrency int
	// FFmpegPath and FFprobePath override auto-detection
	FFmpegPath  string
	FFprobePath string
}

// MetricsConfig holds the operations endpoint configuration.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// PlannerOptions converts the encoding settings into planner options.
func (e EncodingConfig) PlannerOptions() planner.Options {
	return planner.Options{
		ChunkThreshold:     e.ChunkThreshold.Seconds(),
		SegmentLength:      e.SegmentLength.Seconds(),
		MinimumResolutions: slices.Clone(e.MinimumResolutions),
	}
}

// IsPrimaryContainer reports whether renditions in ext count toward media status.
func (e EncodingConfig) IsPrimaryContainer(ext string) bool {
	return slices.Contains(e.PrimaryContainers, ext)
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	return load(flag.CommandLine, os.Args[1:])
}

func load(fs *flag.FlagSet, args []string) (*Config, error) {
	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	workerName := fs.String("worker-name", "", "Name recorded on encodings run by this process")

	dataPath := fs.String("data-path", "", "Base path for media and database storage")
	inboxPath := fs.String("inbox-path", "", "Drop folder watched for new uploads")
	inboxBackend := fs.String("inbox-backend", "", "Inbox watcher backend: inotify or fsnotify (default: auto)")
	tempPath := fs.String("temp-path", "", "Scratch directory for chunk extracts")

	workers := fs.String("workers", "", "Concurrent transcode jobs (default: 2)")
	chunkThreshold := fs.String("chunk-threshold", "", "Split sources longer than this (default: 5m)")
	segmentLength := fs.String("segment-length", "", "Chunk length (default: 4m)")
	minResolutions := fs.String("minimum-resolutions", "", "Resolutions always encoded (default: 144,240)")
	doNotTranscode := fs.String("do-not-transcode", "", "Skip renditions entirely (default: false)")
	maxRetries := fs.String("max-retries", "", "Requeue attempts for failed jobs (default: 0)")
	retryBackoff := fs.String("retry-backoff", "", "Delay before a requeued job runs (default: 30s)")
	staleAfter := fs.String("stale-after", "", "Running jobs silent this long are stale (default: 2h)")
	staleSweep := fs.String("stale-sweep-interval", "", "How often to sweep stale jobs (default: 5m)")
	playOriginal := fs.String("play-original", "", "List media playing the original while encoding (default: false)")
	ffmpegPath := fs.String("ffmpeg-path", "", "Path to ffmpeg binary (default: auto-detect)")
	ffprobePath := fs.String("ffprobe-path", "", "Path to ffprobe binary (default: auto-detect)")

	metricsEnabled := fs.String("metrics-enabled", "", "Serve /metrics and /health (default: true)")
	metricsAddr := fs.String("metrics-addr", "", "Address of the operations endpoint (default: :9090)")

	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
			WorkerName:  getConfigValue(*workerName, "WORKER_NAME", defaultWorkerName()),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			DataPath:     getConfigValue(*dataPath, "DATA_PATH", ""),
			InboxPath:    getConfigValue(*inboxPath, "INBOX_PATH", ""),
			InboxBackend: getConfigValue(*inboxBackend, "INBOX_BACKEND", ""),
			TempPath:     getConfigValue(*tempPath, "TEMP_PATH", ""),
		},
		Encoding: EncodingConfig{
			Workers:                   getIntConfigValue(*workers, "ENCODE_WORKERS", 2),
			MinimumResolutions:        getIntListConfigValue(*minResolutions, "MINIMUM_RESOLUTIONS", []int{144, 240}),
			DoNotTranscode:            getBoolConfigValue(*doNotTranscode, "DO_NOT_TRANSCODE", false),
			MaxRetries:                getIntConfigValue(*maxRetries, "ENCODE_MAX_RETRIES", 0),
			PrimaryContainers:         []string{"mp4", "webm"},
			PlayOriginalWhileEncoding: getBoolConfigValue(*playOriginal, "PLAY_ORIGINAL_WHILE_ENCODING", false),
			TaskConcurrency:           getIntConfigValue("", "TASK_CONCURRENCY", 1),
			FFmpegPath:                getConfigValue(*ffmpegPath, "FFMPEG_PATH", ""),
			FFprobePath:               getConfigValue(*ffprobePath, "FFPROBE_PATH", ""),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolConfigValue(*metricsEnabled, "METRICS_ENABLED", true),
			Addr:    getConfigValue(*metricsAddr, "METRICS_ADDR", ":9090"),
		},
	}

	durations := []struct {
		flagValue, envKey, def string
		dst                    *time.Duration
	}{
		{*chunkThreshold, "CHUNK_THRESHOLD", "5m", &cfg.Encoding.ChunkThreshold},
		{*segmentLength, "SEGMENT_LENGTH", "4m", &cfg.Encoding.SegmentLength},
		{*retryBackoff, "ENCODE_RETRY_BACKOFF", "30s", &cfg.Encoding.RetryBackoff},
		{*staleAfter, "ENCODE_STALE_AFTER", "2h", &cfg.Encoding.StaleAfter},
		{*staleSweep, "ENCODE_STALE_SWEEP_INTERVAL", "5m", &cfg.Encoding.StaleSweepInterval},
		{"", "ENCODE_POLL_INTERVAL", "5s", &cfg.Encoding.PollInterval},
		{"", "CHUNK_CLAIM_LEASE", "30m", &cfg.Encoding.ChunkClaimLease},
	}
	for _, d := range durations {
		raw := getConfigValue(d.flagValue, d.envKey, d.def)
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", strings.ToLower(d.envKey), raw, err)
		}
		*d.dst = parsed
	}

	if err := cfg.expandStoragePaths(); err != nil {
		return nil, fmt.Errorf("invalid storage path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	if c.App.Environment == "" {
		return errors.New("ENV is required")
	}

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Storage.DataPath == "" {
		return errors.New("data path cannot be empty after expansion")
	}

	switch c.Storage.InboxBackend {
	case "", "inotify", "fsnotify":
	default:
		return fmt.Errorf("invalid inbox backend: %s (must be inotify or fsnotify)", c.Storage.InboxBackend)
	}

	return c.Encoding.Validate()
}

// Validate checks the encoding tunables. A segment length that is not shorter
// than the chunk threshold would produce a single chunk, so it is rejected here.
func (e EncodingConfig) Validate() error {
	if e.Workers < 1 {
		return fmt.Errorf("encode workers must be at least 1, got %d", e.Workers)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", e.MaxRetries)
	}
	if e.StaleAfter <= 0 {
		return fmt.Errorf("stale-after must be positive, got %s", e.StaleAfter)
	}
	if e.StaleSweepInterval < 0 {
		return fmt.Errorf("stale sweep interval cannot be negative, got %s", e.StaleSweepInterval)
	}
	if e.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", e.PollInterval)
	}
	if len(e.PrimaryContainers) == 0 {
		return errors.New("at least one primary container is required")
	}
	if e.ChunkClaimLease <= 0 {
		return fmt.Errorf("chunk claim lease must be positive, got %s", e.ChunkClaimLease)
	}
	if e.TaskConcurrency < 1 {
		return fmt.Errorf("task concurrency must be at least 1, got %d", e.TaskConcurrency)
	}
	return e.PlannerOptions().Validate()
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandStoragePaths resolves the data directory and every path derived from it.
func (c *Config) expandStoragePaths() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	s := &c.Storage
	if s.DataPath, err = expandPath(s.DataPath, filepath.Join(homeDir, "Reelhouse", "data")); err != nil {
		return err
	}

	derived := []struct {
		dst    *string
		subdir string
	}{
		{&s.OriginalsPath, "originals"},
		{&s.EncodedPath, "encoded"},
		{&s.HLSPath, "hls"},
		{&s.ImagesPath, "images"},
		{&s.TempPath, "tmp"},
	}
	for _, d := range derived {
		if *d.dst, err = expandPath(*d.dst, filepath.Join(s.DataPath, d.subdir)); err != nil {
			return err
		}
	}

	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "reelhouse.db")
	}

	// Inbox stays empty unless configured; the watcher is then disabled.
	if s.InboxPath != "" {
		if s.InboxPath, err = expandPath(s.InboxPath, ""); err != nil {
			return err
		}
	}
	return nil
}

func defaultWorkerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "encoderd"
	}
	return host
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(strings.TrimSpace(strValue))
	if err != nil {
		return defaultValue
	}
	return result
}

// getIntListConfigValue parses a comma separated list of ints.
// Malformed entries make the whole value fall back to the default.
func getIntListConfigValue(flagValue, envKey string, defaultValue []int) []int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(strValue, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		// Env vars take precedence over .env file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}

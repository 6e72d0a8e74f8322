package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_Defaults(t *testing.T) {
	opts := Options{}
	opts.setDefaults()

	assert.True(t, opts.IgnoreHidden, "Should ignore hidden files by default")
	assert.Equal(t, 2*time.Second, opts.SettleDelay)
	assert.Contains(t, opts.IgnorePatterns, ".DS_Store")
	assert.Contains(t, opts.IgnorePatterns, "*.part")
	assert.Equal(t, BackendAuto, opts.Backend)
}

func TestOptions_CustomValues(t *testing.T) {
	opts := Options{
		IgnoreHidden:   false,
		SettleDelay:    200 * time.Millisecond,
		IgnorePatterns: []string{"*.bak"},
	}
	opts.setDefaults()

	assert.False(t, opts.IgnoreHidden, "Custom ignore hidden should be preserved")
	assert.Equal(t, 200*time.Millisecond, opts.SettleDelay)
	assert.Equal(t, []string{"*.bak"}, opts.IgnorePatterns)
}

func TestOptions_DefaultsDoNotAlias(t *testing.T) {
	opts := Options{}
	opts.setDefaults()
	opts.IgnorePatterns[0] = "changed"

	assert.Equal(t, ".DS_Store", DefaultIgnorePatterns[0])
}

func TestOptions_ShouldIgnore(t *testing.T) {
	opts := Options{}
	opts.setDefaults()

	tests := []struct {
		name   string
		path   string
		expect bool
	}{
		{"hidden file", "/inbox/.hidden.mp4", true},
		{"hidden directory", "/inbox/.sync/clip.mp4", true},
		{"DS_Store", "/inbox/.DS_Store", true},
		{"browser partial", "/inbox/clip.mp4.crdownload", true},
		{"transfer partial", "/inbox/clip.mkv.part", true},
		{"tmp file", "/inbox/file.tmp", true},
		{"video", "/inbox/clip.mp4", false},
		{"nested video", "/inbox/2024/holiday.mov", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, opts.shouldIgnore(tt.path))
		})
	}
}

func TestOptions_ShouldIgnore_NoIgnoreHidden(t *testing.T) {
	opts := Options{
		IgnoreHidden:   false,
		IgnorePatterns: []string{},
	}
	opts.setDefaults()

	assert.False(t, opts.shouldIgnore("/inbox/.hidden"), "Should not ignore hidden when disabled")
	assert.False(t, opts.shouldIgnore("/inbox/clip.part"), "Empty pattern list ignores nothing")
}

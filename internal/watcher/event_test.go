package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventType_String(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      string
	}{
		{EventAdded, "added"},
		{EventModified, "modified"},
		{EventRemoved, "removed"},
		{EventType(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.eventType.String())
		})
	}
}

func TestFileTracker(t *testing.T) {
	tr := newFileTracker()

	assert.Equal(t, EventAdded, tr.observe("/inbox/a.mp4"))
	assert.Equal(t, EventModified, tr.observe("/inbox/a.mp4"))
	assert.Equal(t, EventAdded, tr.observe("/inbox/b.mp4"))

	tr.forget("/inbox/a.mp4")
	assert.Equal(t, EventAdded, tr.observe("/inbox/a.mp4"))
}

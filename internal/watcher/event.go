package watcher

import "time"

// EventType represents the type of file system event
type EventType int

const (
	// EventAdded is emitted the first time a settled file is seen at a path
	EventAdded EventType = iota
	// EventModified is emitted when a file already reported is written again
	EventModified
	// EventRemoved is emitted when a file is deleted or moved out of a watched directory
	EventRemoved
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event represents a file system event
type Event struct {
	Type EventType
	Path string

	// Inode is the file's inode number, zero for removals and on Windows.
	Inode   uint64
	Size    int64
	ModTime time.Time
}

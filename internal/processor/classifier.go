// Package processor turns inbox file system events into media intake.
package processor

import (
	"path/filepath"
	"strings"

	"github.com/reelhouse/reelhouse-server/internal/domain"
)

// FileType represents the type of file detected by the classifier.
type FileType int

const (
	// FileTypeVideo represents video containers (.mp4, .mkv, .mov, .webm, ...).
	FileTypeVideo FileType = iota
	// FileTypeAudio represents audio files (.mp3, .m4a, .flac, ...).
	FileTypeAudio
	// FileTypeImage represents still images (.jpg, .png, .webp, .gif).
	FileTypeImage
	// FileTypeIgnored represents everything else, including partial downloads.
	FileTypeIgnored
)

// String returns the string representation of a FileType.
func (ft FileType) String() string {
	switch ft {
	case FileTypeVideo:
		return "video"
	case FileTypeAudio:
		return "audio"
	case FileTypeImage:
		return "image"
	case FileTypeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// MediaType maps the file type to the media type it is expected to probe as.
func (ft FileType) MediaType() domain.MediaType {
	switch ft {
	case FileTypeVideo:
		return domain.MediaTypeVideo
	case FileTypeAudio:
		return domain.MediaTypeAudio
	case FileTypeImage:
		return domain.MediaTypeImage
	default:
		return domain.MediaTypeOther
	}
}

var videoExts = map[string]bool{
	".mp4": true, ".m4v": true, ".mkv": true, ".mov": true, ".webm": true,
	".avi": true, ".flv": true, ".wmv": true, ".mpg": true, ".mpeg": true,
	".ts": true, ".mts": true, ".m2ts": true, ".3gp": true, ".ogv": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".flac": true, ".ogg": true, ".opus": true,
	".wav": true, ".aac": true, ".wma": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true,
}

// ClassifyFile determines the type of file based on its extension.
// Classification is case-insensitive. The probe at intake is authoritative;
// this only decides whether an inbox file is worth ingesting.
func ClassifyFile(path string) FileType {
	if path == "" {
		return FileTypeIgnored
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case videoExts[ext]:
		return FileTypeVideo
	case audioExts[ext]:
		return FileTypeAudio
	case imageExts[ext]:
		return FileTypeImage
	default:
		return FileTypeIgnored
	}
}

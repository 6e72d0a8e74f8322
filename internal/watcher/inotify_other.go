//go:build !linux

package watcher

import (
	"errors"
	"log/slog"
)

func newInotifyBackend(_ *slog.Logger, _ Options) (backend, error) {
	return nil, errors.New("inotify is only available on Linux")
}

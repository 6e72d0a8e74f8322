package store

import (
	domainerrors "github.com/reelhouse/reelhouse-server/internal/errors"
)

// Sentinel errors. They carry domain error codes, so errors.Is matches both
// these values and the corresponding internal/errors sentinels.
var (
	ErrNotFound = &domainerrors.Error{
		Code:    domainerrors.CodeNotFound,
		Message: "resource not found",
	}

	ErrAlreadyExists = &domainerrors.Error{
		Code:    domainerrors.CodeAlreadyExists,
		Message: "resource already exists",
	}

	// ErrConflict is returned when a conditional update finds the row in an
	// unexpected state, e.g. finishing a job that is no longer running.
	ErrConflict = &domainerrors.Error{
		Code:    domainerrors.CodeConflict,
		Message: "row changed concurrently",
	}
)

// ErrQueueEmpty is returned by ClaimNextEncoding when nothing is runnable.
var ErrQueueEmpty = domainerrors.New("no runnable encoding")

package domain

// AggregateStatus derives a media item's encoding status from the statuses of
// its primary renditions.
//
// One successful rendition makes the item playable, so success wins over
// anything still running or failed. With no success, running beats queued
// work, and queued work beats failure. No renditions at all reads as pending.
func AggregateStatus(statuses []EncodingStatus) EncodingStatus {
	if len(statuses) == 0 {
		return EncodingPending
	}

	var running, pending bool
	for _, s := range statuses {
		switch s {
		case EncodingSuccess:
			return EncodingSuccess
		case EncodingRunning:
			running = true
		case EncodingPending:
			pending = true
		}
	}

	switch {
	case running:
		return EncodingRunning
	case pending:
		return EncodingPending
	default:
		return EncodingFail
	}
}

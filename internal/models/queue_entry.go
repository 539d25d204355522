package models

import "time"

// QueueEntry wraps a Sample while it is owned by the sample queue.
type QueueEntry struct {
	Sequence    uint64    `json:"seq"`
	Sample      Sample    `json:"sample"`
	Attempts    int       `json:"attempts"`      // failed send attempts so far
	NextRetryAt time.Time `json:"next_retry_at"` // zero means eligible immediately
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Ready reports whether the entry may be sent at now.
func (e QueueEntry) Ready(now time.Time) bool {
	return !now.Before(e.NextRetryAt)
}

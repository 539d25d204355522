package models

import (
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
)

// Event is a structured pipeline event handed to the observability publishers.
type Event struct {
	Type      constants.EventType       `json:"type"`
	DeviceID  string                    `json:"device_id,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
	Sequence  uint64                    `json:"seq,omitempty"`
	Attempts  int                       `json:"attempts,omitempty"`
	Reason    string                    `json:"reason,omitempty"`
	State     constants.ConnectionState `json:"state,omitempty"`
	Backoff   time.Duration             `json:"backoff,omitempty"`
	QueueLen  int                       `json:"queue_len"`
}

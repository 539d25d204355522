package models

import (
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
)

// DeliveryResult is the outcome of a single send attempt. It is never persisted.
type DeliveryResult struct {
	Success    bool                   `json:"success"`
	Kind       constants.DeliveryKind `json:"kind"`
	StatusCode int                    `json:"status_code,omitempty"`
	Err        error                  `json:"-"`
	Latency    time.Duration          `json:"latency"`
}

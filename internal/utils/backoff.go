package utils

import (
	"math/rand/v2"
	"time"
)

// Backoff computes jittered exponential retry delays.
//
// The undelayed value is base * 2^attempt capped at max. Jitter maps it into
// [1.25, 1.75) of that value and the result is capped at max again, so the
// sequence for consecutive attempts never decreases.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// NewBackoff returns a Backoff with the given base and cap.
func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := b.Max
	// Shifting past 62 bits overflows; anything that large is capped anyway.
	if attempt < 62 {
		if d := b.Base << uint(attempt); d > 0 && (b.Max <= 0 || d < b.Max) {
			delay = d
		}
	}
	if b.Max <= 0 && delay <= 0 {
		delay = b.Base
	}

	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	jitter := time.Duration(float64(delay) * (0.5 + r()*0.5))
	delay = time.Duration(float64(delay)*0.75) + jitter

	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

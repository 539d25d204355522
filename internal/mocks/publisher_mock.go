package mocks

import (
	"sync"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/models"
)

// RecordingPublisher captures published events for assertions.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *RecordingPublisher) Publish(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *RecordingPublisher) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the published events of type t, in order.
func (r *RecordingPublisher) OfType(t constants.EventType) []models.Event {
	var out []models.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

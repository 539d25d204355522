package events

import "github.com/benmeehan/traccar-agent/internal/models"

// Publisher receives structured pipeline events. Implementations must not block
// the caller for long; the queue and delivery client publish while holding locks.
type Publisher interface {
	Publish(e models.Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(models.Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e models.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// WithDevice stamps every event with the device id before forwarding it.
func WithDevice(deviceID string, next Publisher) Publisher {
	return deviceStamp{deviceID: deviceID, next: next}
}

type deviceStamp struct {
	deviceID string
	next     Publisher
}

func (d deviceStamp) Publish(e models.Event) {
	if e.DeviceID == "" {
		e.DeviceID = d.deviceID
	}
	d.next.Publish(e)
}

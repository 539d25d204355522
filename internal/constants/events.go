package constants

// EventType names a structured pipeline event.
type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventEvicted      EventType = "evicted"
	EventAcked        EventType = "acked"
	EventRequeued     EventType = "requeued"
	EventDropped      EventType = "dropped"
	EventLost         EventType = "lost"
	EventStateChanged EventType = "state_changed"
	EventSourceFailed EventType = "source_failed"
)

// Queue persistence modes
const (
	PersistenceMemory = "memory"
	PersistenceFile   = "file"
)

// Location provider names
const (
	ProviderNMEA      = "nmea"
	ProviderGoogle    = "google"
	ProviderSynthetic = "synthetic"
)

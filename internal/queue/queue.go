package queue

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/events"
	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Enqueue when the oldest entry had to be evicted to
// make room. The new sample is stored; the error only reports the eviction.
var ErrQueueFull = errors.New("sample queue full")

// Config holds queue limits.
type Config struct {
	Capacity    int
	MaxAttempts int // failed attempts before an entry is abandoned, 0 = unlimited

	// Now stamps enqueue and retry times. Defaults to time.Now.
	Now func() time.Time
}

// SampleQueue is a bounded FIFO of unsent samples. All mutations are serialized
// under one mutex, which is what keeps sequence numbers strictly increasing.
// Entries are kept in sequence order.
type SampleQueue struct {
	mu          sync.Mutex
	entries     []models.QueueEntry
	lastSeq     uint64
	capacity    int
	maxAttempts int

	store     Store
	logger    zerolog.Logger
	publisher events.Publisher
	now       func() time.Time
}

// New creates a queue. When store is non-nil its snapshot is loaded first so
// entries and the sequence counter survive restarts.
func New(cfg Config, store Store, logger zerolog.Logger, publisher events.Publisher) (*SampleQueue, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", cfg.Capacity)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	q := &SampleQueue{
		capacity:    cfg.Capacity,
		maxAttempts: cfg.MaxAttempts,
		store:       store,
		logger:      logger.With().Str("component", "queue").Logger(),
		publisher:   publisher,
		now:         time.Now,
	}
	if cfg.Now != nil {
		q.now = cfg.Now
	}

	if store != nil {
		snap, err := store.Load()
		if err != nil {
			return nil, err
		}
		q.lastSeq = snap.LastSeq
		q.entries = snap.Entries
		slices.SortFunc(q.entries, func(a, b models.QueueEntry) int {
			switch {
			case a.Sequence < b.Sequence:
				return -1
			case a.Sequence > b.Sequence:
				return 1
			}
			return 0
		})
		if n := len(q.entries); n > 0 && q.entries[n-1].Sequence > q.lastSeq {
			q.lastSeq = q.entries[n-1].Sequence
		}
		// Entries restored beyond a reduced capacity are evicted oldest first.
		for len(q.entries) > q.capacity {
			q.evictOldestLocked()
		}
		q.logger.Info().Int("entries", len(q.entries)).Uint64("last_seq", q.lastSeq).Msg("Restored queue from snapshot")
	}

	return q, nil
}

// Enqueue assigns the next sequence number to sample and appends it. When the
// queue is at capacity the oldest entry is evicted and ErrQueueFull is returned
// alongside the new sequence number.
func (q *SampleQueue) Enqueue(sample models.Sample) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var evicted *models.QueueEntry
	if len(q.entries) >= q.capacity {
		e := q.evictOldestLocked()
		evicted = &e
	}

	q.lastSeq++
	now := q.now()
	q.entries = append(q.entries, models.QueueEntry{
		Sequence:    q.lastSeq,
		Sample:      sample.Clone(),
		NextRetryAt: now,
		EnqueuedAt:  now,
	})
	q.persistLocked()

	q.logger.Debug().Uint64("seq", q.lastSeq).Int("queue_len", len(q.entries)).Msg("Sample enqueued")
	q.publishLocked(models.Event{Type: constants.EventEnqueued, Sequence: q.lastSeq})

	if evicted != nil {
		return q.lastSeq, fmt.Errorf("%w: evicted seq %d", ErrQueueFull, evicted.Sequence)
	}
	return q.lastSeq, nil
}

// PeekNextReady returns a copy of the oldest entry if its retry time has passed.
// Only the head is considered, so a younger entry never overtakes an older one
// that is waiting out a backoff.
func (q *SampleQueue) PeekNextReady() (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return models.QueueEntry{}, false
	}
	head := q.entries[0]
	if !head.Ready(q.now()) {
		return models.QueueEntry{}, false
	}
	head.Sample = head.Sample.Clone()
	return head, true
}

// NextRetryAt returns when the head entry becomes eligible, if there is one.
func (q *SampleQueue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].NextRetryAt, true
}

// Ack removes the entry permanently. Acking an absent sequence is a no-op and
// returns false.
func (q *SampleQueue) Ack(seq uint64) (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.removeLocked(seq)
	if !ok {
		return models.QueueEntry{}, false
	}
	q.persistLocked()

	q.logger.Debug().Uint64("seq", seq).Int("attempts", entry.Attempts+1).Msg("Sample acknowledged")
	q.publishLocked(models.Event{Type: constants.EventAcked, Sequence: seq, Attempts: entry.Attempts + 1})
	return entry, true
}

// Requeue records a failed attempt and defers the entry by backoff. When the
// attempt count exceeds the configured maximum the entry is dropped as
// abandoned instead. It reports whether the entry is still queued.
func (q *SampleQueue) Requeue(seq uint64, backoff time.Duration) (models.QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, ok := q.indexLocked(seq)
	if !ok {
		return models.QueueEntry{}, false
	}

	entry := &q.entries[idx]
	entry.Attempts++
	if q.maxAttempts > 0 && entry.Attempts > q.maxAttempts {
		dropped, _ := q.removeLocked(seq)
		q.persistLocked()
		q.logDropLocked(dropped, constants.ReasonDeliveryAbandoned, nil)
		return dropped, false
	}

	entry.NextRetryAt = q.now().Add(backoff)
	q.persistLocked()

	q.logger.Info().Uint64("seq", seq).Int("attempts", entry.Attempts).Dur("backoff", backoff).Msg("Sample requeued")
	q.publishLocked(models.Event{
		Type:     constants.EventRequeued,
		Sequence: seq,
		Attempts: entry.Attempts,
		Backoff:  backoff,
	})
	return *entry, true
}

// Drop removes the entry and logs exactly one event naming the reason.
// It returns false if the sequence was not queued.
func (q *SampleQueue) Drop(seq uint64, reason string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.removeLocked(seq)
	if !ok {
		return false
	}
	q.persistLocked()
	q.logDropLocked(entry, reason, cause)
	return true
}

// ReportLost empties the queue, logging one lost event per remaining sample.
// It is used at shutdown when the queue is not durable.
func (q *SampleQueue) ReportLost() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	lost := q.entries
	q.entries = nil
	for _, e := range lost {
		q.logger.Warn().
			Uint64("seq", e.Sequence).
			Int("attempts", e.Attempts).
			Str("reason", constants.ReasonShutdown).
			Msg("Sample lost at shutdown")
		q.publishLocked(models.Event{
			Type:     constants.EventLost,
			Sequence: e.Sequence,
			Attempts: e.Attempts,
			Reason:   constants.ReasonShutdown,
		})
	}
	return len(lost)
}

// Len returns the number of queued entries.
func (q *SampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Durable reports whether the queue is backed by a store.
func (q *SampleQueue) Durable() bool {
	return q.store != nil
}

// Sequences returns the queued sequence numbers in order.
func (q *SampleQueue) Sequences() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]uint64, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Sequence
	}
	return out
}

// Flush writes the current state to the store. It is a no-op for memory queues.
func (q *SampleQueue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.store == nil {
		return nil
	}
	return q.store.Save(q.snapshotLocked())
}

func (q *SampleQueue) evictOldestLocked() models.QueueEntry {
	oldest := q.entries[0]
	q.entries = slices.Delete(q.entries, 0, 1)
	q.logger.Warn().
		Uint64("seq", oldest.Sequence).
		Int("attempts", oldest.Attempts).
		Str("reason", constants.ReasonQueueFull).
		Int("capacity", q.capacity).
		Msg("Queue full, evicted oldest sample")
	q.publishLocked(models.Event{
		Type:     constants.EventEvicted,
		Sequence: oldest.Sequence,
		Attempts: oldest.Attempts,
		Reason:   constants.ReasonQueueFull,
	})
	return oldest
}

func (q *SampleQueue) logDropLocked(entry models.QueueEntry, reason string, cause error) {
	ev := q.logger.Error().
		Uint64("seq", entry.Sequence).
		Int("attempts", entry.Attempts).
		Str("reason", reason)
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("Sample dropped")

	q.publishLocked(models.Event{
		Type:     constants.EventDropped,
		Sequence: entry.Sequence,
		Attempts: entry.Attempts,
		Reason:   reason,
	})
}

func (q *SampleQueue) indexLocked(seq uint64) (int, bool) {
	return slices.BinarySearchFunc(q.entries, seq, func(e models.QueueEntry, target uint64) int {
		switch {
		case e.Sequence < target:
			return -1
		case e.Sequence > target:
			return 1
		}
		return 0
	})
}

func (q *SampleQueue) removeLocked(seq uint64) (models.QueueEntry, bool) {
	idx, ok := q.indexLocked(seq)
	if !ok {
		return models.QueueEntry{}, false
	}
	entry := q.entries[idx]
	q.entries = slices.Delete(q.entries, idx, idx+1)
	return entry, true
}

func (q *SampleQueue) publishLocked(e models.Event) {
	e.Timestamp = q.now()
	e.QueueLen = len(q.entries)
	q.publisher.Publish(e)
}

// persistLocked saves the snapshot. A failed save leaves the in-memory state
// authoritative; it is logged and retried on the next mutation.
func (q *SampleQueue) persistLocked() {
	if q.store == nil {
		return
	}
	if err := q.store.Save(q.snapshotLocked()); err != nil {
		q.logger.Error().Err(err).Msg("Failed to persist queue snapshot")
	}
}

func (q *SampleQueue) snapshotLocked() Snapshot {
	entries := make([]models.QueueEntry, len(q.entries))
	copy(entries, q.entries)
	return Snapshot{Version: snapshotVersion, LastSeq: q.lastSeq, Entries: entries}
}

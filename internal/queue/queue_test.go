package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/mocks"
	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/benmeehan/traccar-agent/pkg/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, cfg Config, store Store) (*SampleQueue, *fakeClock, *mocks.RecordingPublisher) {
	t.Helper()
	pub := new(mocks.RecordingPublisher)
	q, err := New(cfg, store, zerolog.Nop(), pub)
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	q.now = clock.Now
	return q, clock, pub
}

func sampleAt(lat float64) models.Sample {
	return models.Sample{Latitude: lat, Longitude: 1}
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	_, err := New(Config{Capacity: 0}, nil, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestEnqueue_SequencesStrictlyIncreasing(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{Capacity: 5}, nil)

	var last uint64
	seen := map[uint64]bool{}
	for i := 0; i < 50; i++ {
		seq, err := q.Enqueue(sampleAt(float64(i % 90)))
		if err != nil {
			require.ErrorIs(t, err, ErrQueueFull)
		}
		assert.Greater(t, seq, last)
		assert.False(t, seen[seq])
		seen[seq] = true
		last = seq

		if i%3 == 0 {
			q.Ack(seq)
		}
	}
}

func TestEnqueue_EvictsOldestWhenFull(t *testing.T) {
	q, _, pub := newTestQueue(t, Config{Capacity: 3}, nil)

	a, err := q.Enqueue(sampleAt(1))
	require.NoError(t, err)
	b, _ := q.Enqueue(sampleAt(2))
	c, _ := q.Enqueue(sampleAt(3))

	d, err := q.Enqueue(sampleAt(4))
	assert.ErrorIs(t, err, ErrQueueFull)

	assert.Equal(t, []uint64{b, c, d}, q.Sequences())

	evicted := pub.OfType(constants.EventEvicted)
	require.Len(t, evicted, 1)
	assert.Equal(t, a, evicted[0].Sequence)
	assert.Equal(t, constants.ReasonQueueFull, evicted[0].Reason)
}

func TestEnqueue_CopiesSample(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{Capacity: 3}, nil)

	s := models.Sample{Latitude: 1, Longitude: 2, Attributes: map[string]string{"k": "v"}}
	_, err := q.Enqueue(s)
	require.NoError(t, err)
	s.Attributes["k"] = "mutated"

	head, ok := q.PeekNextReady()
	require.True(t, ok)
	assert.Equal(t, "v", head.Sample.Attributes["k"])
}

func TestPeekNextReady_HeadOfLine(t *testing.T) {
	q, clock, _ := newTestQueue(t, Config{Capacity: 10}, nil)

	first, _ := q.Enqueue(sampleAt(1))
	_, _ = q.Enqueue(sampleAt(2))

	head, ok := q.PeekNextReady()
	require.True(t, ok)
	assert.Equal(t, first, head.Sequence)

	_, queued := q.Requeue(first, 10*time.Second)
	require.True(t, queued)

	_, ok = q.PeekNextReady()
	assert.False(t, ok, "younger entry must not overtake a backed-off head")

	clock.Advance(10 * time.Second)
	head, ok = q.PeekNextReady()
	require.True(t, ok)
	assert.Equal(t, first, head.Sequence)
	assert.Equal(t, 1, head.Attempts)
}

func TestPeekNextReady_Empty(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{Capacity: 1}, nil)
	_, ok := q.PeekNextReady()
	assert.False(t, ok)
	_, ok = q.NextRetryAt()
	assert.False(t, ok)
}

func TestAck_Idempotent(t *testing.T) {
	q, _, pub := newTestQueue(t, Config{Capacity: 3}, nil)
	seq, _ := q.Enqueue(sampleAt(1))
	other, _ := q.Enqueue(sampleAt(2))

	_, ok := q.Ack(seq)
	assert.True(t, ok)
	afterFirst := q.Sequences()

	_, ok = q.Ack(seq)
	assert.False(t, ok)
	assert.Equal(t, afterFirst, q.Sequences())
	assert.Equal(t, []uint64{other}, q.Sequences())
	assert.Len(t, pub.OfType(constants.EventAcked), 1)
}

func TestRequeue_AbandonsAfterMaxAttempts(t *testing.T) {
	q, clock, pub := newTestQueue(t, Config{Capacity: 3, MaxAttempts: 2}, nil)
	seq, _ := q.Enqueue(sampleAt(1))

	for i := 1; i <= 2; i++ {
		entry, queued := q.Requeue(seq, time.Second)
		require.True(t, queued)
		assert.Equal(t, i, entry.Attempts)
		clock.Advance(time.Second)
	}

	entry, queued := q.Requeue(seq, time.Second)
	assert.False(t, queued)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, 0, q.Len())

	dropped := pub.OfType(constants.EventDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, constants.ReasonDeliveryAbandoned, dropped[0].Reason)
	assert.Equal(t, seq, dropped[0].Sequence)
}

func TestRequeue_Absent(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{Capacity: 3}, nil)
	_, queued := q.Requeue(42, time.Second)
	assert.False(t, queued)
}

func TestDrop_ExactlyOneEvent(t *testing.T) {
	q, _, pub := newTestQueue(t, Config{Capacity: 3}, nil)
	seq, _ := q.Enqueue(sampleAt(1))

	assert.True(t, q.Drop(seq, constants.ReasonPermanentRejection, errors.New("400")))
	assert.False(t, q.Drop(seq, constants.ReasonPermanentRejection, nil))

	dropped := pub.OfType(constants.EventDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, constants.ReasonPermanentRejection, dropped[0].Reason)
}

func TestReportLost(t *testing.T) {
	q, _, pub := newTestQueue(t, Config{Capacity: 3}, nil)
	_, _ = q.Enqueue(sampleAt(1))
	_, _ = q.Enqueue(sampleAt(2))

	assert.Equal(t, 2, q.ReportLost())
	assert.Equal(t, 0, q.Len())
	assert.Len(t, pub.OfType(constants.EventLost), 2)
	assert.False(t, q.Durable())
}

func TestFileStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	store := NewFileStore(path, file.NewFileService())

	q, _, _ := newTestQueue(t, Config{Capacity: 10}, store)
	assert.True(t, q.Durable())
	first, _ := q.Enqueue(sampleAt(1))
	second, _ := q.Enqueue(sampleAt(2))
	_, _ = q.Requeue(first, time.Minute)
	q.Ack(second)

	restored, _, _ := newTestQueue(t, Config{Capacity: 10}, NewFileStore(path, file.NewFileService()))
	assert.Equal(t, []uint64{first}, restored.Sequences())

	next, err := restored.Enqueue(sampleAt(3))
	require.NoError(t, err)
	assert.Greater(t, next, second, "sequence numbers are never reused across restarts")
}

func TestFileStore_ShrunkCapacityEvictsOldest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	q, _, _ := newTestQueue(t, Config{Capacity: 5}, NewFileStore(path, file.NewFileService()))
	for i := 0; i < 4; i++ {
		_, _ = q.Enqueue(sampleAt(float64(i)))
	}

	restored, _, _ := newTestQueue(t, Config{Capacity: 2}, NewFileStore(path, file.NewFileService()))
	assert.Equal(t, []uint64{3, 4}, restored.Sequences())
}

func TestFileStore_LoadErrors(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadJsonFile", "q.json", mock.Anything).Return(errors.New("corrupt"))

	_, err := New(Config{Capacity: 1}, NewFileStore("q.json", fileOps), zerolog.Nop(), nil)
	assert.ErrorContains(t, err, "corrupt")
}

func TestFileStore_SaveFailureKeepsMemoryState(t *testing.T) {
	fileOps := new(mocks.MockFileOperations)
	fileOps.On("ReadJsonFile", "q.json", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		args.Get(1).(*Snapshot).Version = snapshotVersion
	})
	fileOps.On("WriteJsonFile", "q.json", mock.Anything).Return(errors.New("disk full"))

	q, _, _ := newTestQueue(t, Config{Capacity: 2}, NewFileStore("q.json", fileOps))
	seq, err := q.Enqueue(sampleAt(1))
	require.NoError(t, err)
	assert.Equal(t, []uint64{seq}, q.Sequences())
	assert.Error(t, q.Flush())
}

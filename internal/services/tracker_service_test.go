package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/delivery"
	"github.com/benmeehan/traccar-agent/internal/mocks"
	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/benmeehan/traccar-agent/internal/queue"
	"github.com/benmeehan/traccar-agent/internal/utils"
	"github.com/benmeehan/traccar-agent/pkg/file"
	"github.com/benmeehan/traccar-agent/pkg/location"
	"github.com/benmeehan/traccar-agent/pkg/osmand"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSender returns the queued results in order, then fallback.
type scriptedSender struct {
	mu       sync.Mutex
	results  []models.DeliveryResult
	fallback models.DeliveryResult
	sent     []string
}

func (s *scriptedSender) Send(_ context.Context, req *osmand.Request) models.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req.Values.Get(osmand.ParamLatitude))
	if len(s.results) == 0 {
		return s.fallback
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *scriptedSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type stubSource struct {
	mu      sync.Mutex
	samples []models.Sample
	errs    []error
	calls   int
}

func (s *stubSource) Next(context.Context) (models.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return models.Sample{}, err
		}
	}
	if len(s.samples) == 0 {
		return models.Sample{Latitude: 1, Longitude: 1}, nil
	}
	sample := s.samples[0]
	s.samples = s.samples[1:]
	return sample, nil
}

var (
	success   = models.DeliveryResult{Success: true, Kind: constants.KindSuccess, StatusCode: 200}
	transient = models.DeliveryResult{Kind: constants.KindTransient, StatusCode: 503, Err: errors.New("server responded 503")}
	permanent = models.DeliveryResult{Kind: constants.KindPermanent, StatusCode: 400, Err: errors.New("server responded 400")}
)

func newTestTracker(t *testing.T, cfg TrackerConfig, q *queue.SampleQueue, src SampleSource, sender Sender) *TrackerService {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	tr, err := NewTrackerService("dev-1", cfg, src, q, sender, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func newTestQueue(t *testing.T, capacity int, store queue.Store) (*queue.SampleQueue, *mocks.RecordingPublisher) {
	t.Helper()
	pub := new(mocks.RecordingPublisher)
	q, err := queue.New(queue.Config{Capacity: capacity, MaxAttempts: 10}, store, zerolog.Nop(), pub)
	require.NoError(t, err)
	return q, pub
}

func enqueueN(t *testing.T, q *queue.SampleQueue, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := q.Enqueue(models.Sample{Latitude: float64(i), Longitude: 1})
		require.NoError(t, err)
	}
}

func farDeadline() time.Time { return time.Now().Add(time.Hour) }

func TestNewTrackerService_Validation(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)

	_, err := NewTrackerService("", TrackerConfig{Interval: time.Second}, &stubSource{}, q, &scriptedSender{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewTrackerService("dev", TrackerConfig{}, &stubSource{}, q, &scriptedSender{}, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	tr, err := NewTrackerService("dev", TrackerConfig{Interval: 10 * time.Second}, &stubSource{}, q, &scriptedSender{}, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, tr.cfg.DrainBudget)
}

func TestDrain_TransientRetriesThenSuccess(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	pub := new(mocks.RecordingPublisher)
	q, err := queue.New(queue.Config{Capacity: 10, MaxAttempts: 10, Now: clock}, nil, zerolog.Nop(), pub)
	require.NoError(t, err)
	enqueueN(t, q, 5)

	sender := &scriptedSender{
		results:  []models.DeliveryResult{success, success, success, success, transient, transient, transient},
		fallback: success,
	}
	tr := newTestTracker(t, TrackerConfig{
		RetryBackoff: utils.Backoff{Base: time.Second, Max: time.Hour, Rand: func() float64 { return 0 }},
	}, q, &stubSource{}, sender)
	tr.now = clock

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	for i := 0; i < 3; i++ {
		// seq 5 is waiting out its backoff, so nothing is sent.
		require.NoError(t, tr.drain(context.Background(), farDeadline()))
		require.Len(t, sender.Sent(), 5+i)

		next, ok := q.NextRetryAt()
		require.True(t, ok)
		now = next
		require.NoError(t, tr.drain(context.Background(), farDeadline()))
	}

	assert.Equal(t, 0, q.Len())

	var (
		attempts []int
		backoffs []time.Duration
	)
	for _, e := range pub.OfType(constants.EventRequeued) {
		assert.Equal(t, uint64(5), e.Sequence)
		attempts = append(attempts, e.Attempts)
		backoffs = append(backoffs, e.Backoff)
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	require.Len(t, backoffs, 3)
	assert.Positive(t, backoffs[0])
	assert.Greater(t, backoffs[1], backoffs[0])
	assert.Greater(t, backoffs[2], backoffs[1])

	acked := pub.OfType(constants.EventAcked)
	require.Len(t, acked, 5)
	assert.Equal(t, uint64(5), acked[4].Sequence)
	assert.Equal(t, 4, acked[4].Attempts)
}

func TestDrain_PermanentRejectionDropsWithoutRequeue(t *testing.T) {
	q, pub := newTestQueue(t, 20, nil)
	enqueueN(t, q, 8)

	results := make([]models.DeliveryResult, 0, 8)
	for i := 1; i <= 8; i++ {
		if i == 7 {
			results = append(results, permanent)
			continue
		}
		results = append(results, success)
	}
	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{}, &scriptedSender{results: results})

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, pub.OfType(constants.EventRequeued))

	dropped := pub.OfType(constants.EventDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(7), dropped[0].Sequence)
	assert.Equal(t, constants.ReasonPermanentRejection, dropped[0].Reason)
	assert.Len(t, pub.OfType(constants.EventAcked), 7)
}

func TestDrain_PermanentLimitIsFatal(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	enqueueN(t, q, 4)

	tr := newTestTracker(t, TrackerConfig{MaxPermanentFailures: 2}, q, &stubSource{}, &scriptedSender{fallback: permanent})

	err := tr.drain(context.Background(), farDeadline())
	require.ErrorIs(t, err, ErrPermanentLimit)
	assert.Equal(t, 2, q.Len())
}

func TestDrain_SuccessResetsPermanentCount(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	enqueueN(t, q, 4)

	sender := &scriptedSender{results: []models.DeliveryResult{permanent, success, permanent, success}}
	tr := newTestTracker(t, TrackerConfig{MaxPermanentFailures: 2}, q, &stubSource{}, sender)

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	assert.Equal(t, 0, q.Len())
}

func TestDrain_ConnectFailureHoldsEntry(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	enqueueN(t, q, 2)

	connectFailed := models.DeliveryResult{Kind: constants.KindConnectFailed, Err: errors.New("connection refused")}
	sender := &scriptedSender{fallback: connectFailed}
	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{}, sender)

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	assert.Len(t, sender.Sent(), 1, "draining stops at the first connect failure")
	assert.Equal(t, []uint64{1, 2}, q.Sequences())
	assert.Empty(t, pub.OfType(constants.EventRequeued))

	entry, ok := q.PeekNextReady()
	require.True(t, ok)
	assert.Equal(t, 0, entry.Attempts)
}

func TestDrain_ConnectExhaustedIsFatal(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	enqueueN(t, q, 1)

	exhausted := models.DeliveryResult{
		Kind: constants.KindConnectFailed,
		Err:  fmt.Errorf("%w after 3 attempts: refused", delivery.ErrConnectExhausted),
	}
	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{}, &scriptedSender{fallback: exhausted})

	err := tr.drain(context.Background(), farDeadline())
	assert.ErrorIs(t, err, delivery.ErrConnectExhausted)
	assert.Equal(t, 1, q.Len())
}

func TestDrain_EncodingErrorDropsAndContinues(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	_, _ = q.Enqueue(models.Sample{Latitude: 200, Longitude: 1})
	_, _ = q.Enqueue(models.Sample{Latitude: 2, Longitude: 1})

	sender := &scriptedSender{fallback: success}
	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{}, sender)

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	assert.Equal(t, []string{"2"}, sender.Sent())

	dropped := pub.OfType(constants.EventDropped)
	require.Len(t, dropped, 1)
	assert.Equal(t, uint64(1), dropped[0].Sequence)
	assert.Equal(t, constants.ReasonEncodingError, dropped[0].Reason)
}

func TestDrain_StopsAtDeadline(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	enqueueN(t, q, 3)

	sender := &scriptedSender{fallback: success}
	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{}, sender)

	require.NoError(t, tr.drain(context.Background(), time.Now().Add(-time.Second)))
	assert.Empty(t, sender.Sent())
	assert.Equal(t, 3, q.Len())
}

func TestDrain_ObserverSeesEveryAttempt(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	enqueueN(t, q, 2)

	obs := &recordingObserver{}
	tr, err := NewTrackerService("dev-1", TrackerConfig{Interval: time.Hour}, &stubSource{}, q,
		&scriptedSender{results: []models.DeliveryResult{success, transient}}, obs, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	assert.Equal(t, []constants.DeliveryKind{constants.KindSuccess, constants.KindTransient}, obs.kinds)
}

type recordingObserver struct{ kinds []constants.DeliveryKind }

func (r *recordingObserver) ObserveDelivery(res models.DeliveryResult) {
	r.kinds = append(r.kinds, res.Kind)
}

func TestPull_SourceFailureBacksOff(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	pub := new(mocks.RecordingPublisher)
	src := &stubSource{errs: []error{fmt.Errorf("%w: no fix", location.ErrSourceUnavailable)}}

	tr, err := NewTrackerService("dev-1", TrackerConfig{
		Interval:      time.Hour,
		SourceBackoff: utils.Backoff{Base: time.Minute, Max: time.Minute, Rand: func() float64 { return 0 }},
	}, src, q, &scriptedSender{}, nil, pub, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.pull(context.Background())
	assert.Equal(t, 0, q.Len())
	failed := pub.OfType(constants.EventSourceFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, time.Minute, failed[0].Backoff)

	tr.pull(context.Background())
	assert.Equal(t, 1, src.calls, "pull is skipped while backing off")

	now = now.Add(time.Minute)
	tr.pull(context.Background())
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, tr.sourceFailures)
}

func TestPull_FilteredFixIsNotAFailure(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	pub := new(mocks.RecordingPublisher)
	src := &stubSource{errs: []error{fmt.Errorf("%w: moved 1m", location.ErrFiltered)}}

	tr, err := NewTrackerService("dev-1", TrackerConfig{Interval: time.Hour}, src, q, &scriptedSender{}, nil, pub, zerolog.Nop())
	require.NoError(t, err)

	tr.pull(context.Background())
	assert.Equal(t, 0, q.Len())
	assert.Empty(t, pub.OfType(constants.EventSourceFailed))
	assert.True(t, tr.nextPullAt.IsZero())
}

func TestPull_QueueFullKeepsNewest(t *testing.T) {
	q, pub := newTestQueue(t, 1, nil)
	enqueueN(t, q, 1)

	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{samples: []models.Sample{{Latitude: 9, Longitude: 9}}}, &scriptedSender{})
	tr.pull(context.Background())

	assert.Equal(t, []uint64{2}, q.Sequences())
	assert.Len(t, pub.OfType(constants.EventEvicted), 1)
}

func TestTrackerService_StartStop(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	sender := &scriptedSender{fallback: success}
	tr := newTestTracker(t, TrackerConfig{Interval: time.Hour, ShutdownGrace: time.Second}, q, &stubSource{}, sender)

	require.NoError(t, tr.Start())
	assert.Error(t, tr.Start())

	assert.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, time.Second, 10*time.Millisecond,
		"the first tick runs immediately")

	require.NoError(t, tr.Stop())
	assert.Error(t, tr.Stop())
	assert.Len(t, pub.OfType(constants.EventAcked), 1)
	assert.Empty(t, pub.OfType(constants.EventLost))
}

func TestTrackerService_StopReportsLostSamples(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	enqueueN(t, q, 2)

	unreachable := models.DeliveryResult{Kind: constants.KindConnectFailed, Err: errors.New("refused")}
	tr := newTestTracker(t, TrackerConfig{ShutdownGrace: 100 * time.Millisecond}, q,
		&stubSource{errs: []error{errors.New("no gps")}}, &scriptedSender{fallback: unreachable})

	require.NoError(t, tr.Start())
	require.NoError(t, tr.Stop())

	assert.Len(t, pub.OfType(constants.EventLost), 2)
	assert.Equal(t, 0, q.Len())
}

func TestTrackerService_StopPersistsDurableQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	q, pub := newTestQueue(t, 10, queue.NewFileStore(path, file.NewFileService()))
	enqueueN(t, q, 2)

	unreachable := models.DeliveryResult{Kind: constants.KindConnectFailed, Err: errors.New("refused")}
	tr := newTestTracker(t, TrackerConfig{}, q, &stubSource{errs: []error{errors.New("no gps")}},
		&scriptedSender{fallback: unreachable})

	require.NoError(t, tr.Start())
	require.NoError(t, tr.Stop())
	assert.Empty(t, pub.OfType(constants.EventLost))

	restored, _ := newTestQueue(t, 10, queue.NewFileStore(path, file.NewFileService()))
	assert.Equal(t, []uint64{1, 2}, restored.Sequences())
}

func TestTrackerService_FatalOnPermanentLimit(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	tr := newTestTracker(t, TrackerConfig{MaxPermanentFailures: 1, ShutdownGrace: time.Second}, q,
		&stubSource{}, &scriptedSender{fallback: permanent})

	require.NoError(t, tr.Start())

	select {
	case err := <-tr.Fatal():
		assert.ErrorIs(t, err, ErrPermanentLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fatal error")
	}
	require.NoError(t, tr.Stop())
}

// gatedSender holds its first send until release is closed or ctx ends.
type gatedSender struct {
	scriptedSender
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSender() *gatedSender {
	return &gatedSender{
		scriptedSender: scriptedSender{fallback: success},
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (g *gatedSender) Send(ctx context.Context, req *osmand.Request) models.DeliveryResult {
	first := false
	g.once.Do(func() {
		first = true
		close(g.started)
	})
	if first {
		select {
		case <-g.release:
		case <-ctx.Done():
			return models.DeliveryResult{Kind: constants.KindCanceled, Err: ctx.Err()}
		}
	}
	return g.scriptedSender.Send(ctx, req)
}

func TestTrackerService_StopLetsInFlightSendFinish(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	enqueueN(t, q, 3)

	sender := newGatedSender()
	tr := newTestTracker(t, TrackerConfig{
		ShutdownGrace: 5 * time.Second,
		RetryBackoff:  utils.Backoff{Base: time.Second, Max: time.Second},
	}, q, &stubSource{errs: []error{errors.New("no gps")}}, sender)

	require.NoError(t, tr.Start())
	<-sender.started

	stopped := make(chan error, 1)
	go func() { stopped <- tr.Stop() }()

	time.Sleep(50 * time.Millisecond)
	close(sender.release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Len(t, sender.Sent(), 3)
	assert.Len(t, pub.OfType(constants.EventAcked), 3)
	assert.Empty(t, pub.OfType(constants.EventRequeued))
	assert.Empty(t, pub.OfType(constants.EventLost))
	assert.Equal(t, 0, q.Len())
}

func TestTrackerService_StopCancelsSendAfterGrace(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	enqueueN(t, q, 2)

	sender := newGatedSender()
	tr := newTestTracker(t, TrackerConfig{ShutdownGrace: 100 * time.Millisecond}, q,
		&stubSource{errs: []error{errors.New("no gps")}}, sender)

	require.NoError(t, tr.Start())
	<-sender.started

	start := time.Now()
	require.NoError(t, tr.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)

	requeued := pub.OfType(constants.EventRequeued)
	require.Len(t, requeued, 1)
	assert.Equal(t, uint64(1), requeued[0].Sequence)
	assert.Equal(t, 1, requeued[0].Attempts)
	assert.Zero(t, requeued[0].Backoff)
	assert.Len(t, pub.OfType(constants.EventLost), 2)
}

func TestFinalDrain_WaitsOutHeadBackoff(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	enqueueN(t, q, 2)

	sender := &scriptedSender{results: []models.DeliveryResult{transient}, fallback: success}
	tr := newTestTracker(t, TrackerConfig{
		RetryBackoff: utils.Backoff{Base: 50 * time.Millisecond, Max: 50 * time.Millisecond},
	}, q, &stubSource{}, sender)

	require.NoError(t, tr.finalDrain(context.Background(), time.Now().Add(2*time.Second)))
	assert.Equal(t, 0, q.Len())
	assert.Len(t, pub.OfType(constants.EventRequeued), 1)
	assert.Len(t, pub.OfType(constants.EventAcked), 2)
}

func TestFinalDrain_GivesUpWhenBackoffOutlastsGrace(t *testing.T) {
	q, _ := newTestQueue(t, 10, nil)
	enqueueN(t, q, 1)

	sender := &scriptedSender{fallback: transient}
	tr := newTestTracker(t, TrackerConfig{
		RetryBackoff: utils.Backoff{Base: time.Hour, Max: time.Hour},
	}, q, &stubSource{}, sender)

	start := time.Now()
	require.NoError(t, tr.finalDrain(context.Background(), time.Now().Add(time.Second)))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Len(t, sender.Sent(), 1)
	assert.Equal(t, 1, q.Len())
}

func TestDrain_CanceledSendIsRetriedImmediately(t *testing.T) {
	q, pub := newTestQueue(t, 10, nil)
	enqueueN(t, q, 1)

	canceled := models.DeliveryResult{Kind: constants.KindCanceled, Err: context.Canceled}
	tr := newTestTracker(t, TrackerConfig{
		RetryBackoff: utils.Backoff{Base: time.Hour, Max: time.Hour},
	}, q, &stubSource{}, &scriptedSender{results: []models.DeliveryResult{canceled}, fallback: success})

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	requeued := pub.OfType(constants.EventRequeued)
	require.Len(t, requeued, 1)
	assert.Zero(t, requeued[0].Backoff)

	require.NoError(t, tr.drain(context.Background(), farDeadline()))
	assert.Equal(t, 0, q.Len())
}

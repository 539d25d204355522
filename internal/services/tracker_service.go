package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/delivery"
	"github.com/benmeehan/traccar-agent/internal/events"
	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/benmeehan/traccar-agent/internal/queue"
	"github.com/benmeehan/traccar-agent/internal/utils"
	"github.com/benmeehan/traccar-agent/pkg/location"
	"github.com/benmeehan/traccar-agent/pkg/osmand"
	"github.com/rs/zerolog"
)

// ErrPermanentLimit is reported on the fatal channel when the server keeps
// rejecting samples, which usually means an unknown device or bad credentials.
var ErrPermanentLimit = errors.New("too many consecutive permanent rejections")

// SampleSource yields one sample per call.
type SampleSource interface {
	Next(ctx context.Context) (models.Sample, error)
}

// Sender delivers one encoded sample.
type Sender interface {
	Send(ctx context.Context, req *osmand.Request) models.DeliveryResult
}

// DeliveryObserver is told about every send attempt.
type DeliveryObserver interface {
	ObserveDelivery(models.DeliveryResult)
}

// TrackerConfig holds the scheduling policy.
type TrackerConfig struct {
	Interval             time.Duration
	DrainBudget          time.Duration // defaults to 80% of Interval
	ShutdownGrace        time.Duration
	MaxPermanentFailures int // 0 = never fatal
	RetryBackoff         utils.Backoff
	SourceBackoff        utils.Backoff
}

// TrackerService pulls samples on a fixed interval, queues them and drains the
// queue through the delivery client.
type TrackerService struct {
	deviceID  string
	cfg       TrackerConfig
	source    SampleSource
	queue     *queue.SampleQueue
	sender    Sender
	observer  DeliveryObserver
	publisher events.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	// Owned by the loop goroutine, read by Stop after it exits.
	sourceFailures    int
	nextPullAt        time.Time
	permanentFailures int
	fatalErr          error

	fatal  chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Sends outlive ctx by up to ShutdownGrace so an in-flight request can finish.
	sendCtx    context.Context
	sendCancel context.CancelFunc
}

// NewTrackerService wires the pipeline together. observer and publisher may be nil.
func NewTrackerService(deviceID string, cfg TrackerConfig, source SampleSource, q *queue.SampleQueue,
	sender Sender, observer DeliveryObserver, publisher events.Publisher, logger zerolog.Logger) (*TrackerService, error) {

	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", cfg.Interval)
	}
	if cfg.DrainBudget <= 0 || cfg.DrainBudget > cfg.Interval {
		cfg.DrainBudget = cfg.Interval * 8 / 10
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	return &TrackerService{
		deviceID:  deviceID,
		cfg:       cfg,
		source:    source,
		queue:     q,
		sender:    sender,
		observer:  observer,
		publisher: publisher,
		logger:    logger.With().Str("component", "tracker").Logger(),
		now:       time.Now,
		fatal:     make(chan error, 1),
	}, nil
}

// Fatal delivers at most one error that should terminate the process.
func (t *TrackerService) Fatal() <-chan error {
	return t.fatal
}

// Start launches the tick loop. The first tick runs immediately.
func (t *TrackerService) Start() error {
	if t.ctx != nil {
		t.logger.Warn().Msg("TrackerService is already running")
		return errors.New("tracker service is already running")
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.sendCtx, t.sendCancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(t.ctx)
	}()

	t.logger.Info().
		Str("device_id", t.deviceID).
		Dur("interval", t.cfg.Interval).
		Int("queued", t.queue.Len()).
		Msg("TrackerService started successfully")
	return nil
}

// Stop stops pulling samples and lets an in-flight send finish. Within the
// shutdown grace period it then drains what it can, waiting out the head's
// backoff if that ends in time, and finally persists or reports whatever is left.
// A send still running when the grace period ends is cancelled and requeued.
func (t *TrackerService) Stop() error {
	if t.ctx == nil {
		t.logger.Warn().Msg("TrackerService is not running")
		return errors.New("tracker service is not running")
	}

	deadline := t.now().Add(t.cfg.ShutdownGrace)
	graceTimer := time.AfterFunc(t.cfg.ShutdownGrace, t.sendCancel)

	t.cancel()
	t.wg.Wait()

	if t.fatalErr == nil && t.cfg.ShutdownGrace > 0 && t.queue.Len() > 0 {
		t.logger.Info().Int("queued", t.queue.Len()).Dur("grace", t.cfg.ShutdownGrace).Msg("Draining queue before shutdown")
		if err := t.finalDrain(t.sendCtx, deadline); err != nil {
			t.logger.Warn().Err(err).Msg("Final drain aborted")
		}
	}
	graceTimer.Stop()
	t.sendCancel()
	t.ctx, t.cancel = nil, nil
	t.sendCtx, t.sendCancel = nil, nil

	var err error
	if t.queue.Durable() {
		if err = t.queue.Flush(); err != nil {
			t.logger.Error().Err(err).Msg("Failed to persist queue")
		} else {
			t.logger.Info().Int("queued", t.queue.Len()).Msg("Queue persisted")
		}
	} else if lost := t.queue.ReportLost(); lost > 0 {
		t.logger.Warn().Int("lost", lost).Msg("Unsent samples discarded at shutdown")
	}

	t.logger.Info().Msg("TrackerService stopped successfully")
	return err
}

func (t *TrackerService) run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	retry := time.NewTimer(t.cfg.Interval)
	retry.Stop()
	defer retry.Stop()

	if err := t.tick(ctx); err != nil {
		t.fail(err)
		return
	}
	t.scheduleRetry(retry)

	for {
		select {
		case <-ticker.C:
			if err := t.tick(ctx); err != nil {
				t.fail(err)
				return
			}
		case <-retry.C:
			if err := t.drain(ctx, t.now().Add(t.cfg.DrainBudget)); err != nil {
				t.fail(err)
				return
			}
		case <-ctx.Done():
			t.logger.Info().Msg("TrackerService stopping gracefully")
			return
		}
		t.scheduleRetry(retry)
	}
}

// tick pulls one sample and drains what it can before the budget runs out.
func (t *TrackerService) tick(ctx context.Context) error {
	deadline := t.now().Add(t.cfg.DrainBudget)
	t.pull(ctx)
	return t.drain(ctx, deadline)
}

// scheduleRetry wakes the loop when the head entry's backoff ends before the next tick.
func (t *TrackerService) scheduleRetry(timer *time.Timer) {
	timer.Stop()
	at, ok := t.queue.NextRetryAt()
	if !ok {
		return
	}
	if wait := at.Sub(t.now()); wait > 0 && wait < t.cfg.Interval {
		timer.Reset(wait)
	}
}

func (t *TrackerService) pull(ctx context.Context) {
	if now := t.now(); now.Before(t.nextPullAt) {
		t.logger.Debug().Dur("remaining", t.nextPullAt.Sub(now)).Msg("Source in backoff, skipping pull")
		return
	}

	sample, err := t.source.Next(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return
	case errors.Is(err, location.ErrFiltered):
		t.sourceFailures = 0
		t.logger.Debug().Err(err).Msg("Fix discarded")
		return
	default:
		t.sourceFailures++
		delay := t.cfg.SourceBackoff.Delay(t.sourceFailures - 1)
		t.nextPullAt = t.now().Add(delay)
		t.logger.Warn().Err(err).Int("failures", t.sourceFailures).Dur("backoff", delay).Msg("Location source failed")
		t.publisher.Publish(models.Event{
			Type:     constants.EventSourceFailed,
			Attempts: t.sourceFailures,
			Reason:   err.Error(),
			Backoff:  delay,
			QueueLen: t.queue.Len(),
		})
		return
	}

	t.sourceFailures = 0
	t.nextPullAt = time.Time{}
	if _, err := t.queue.Enqueue(sample); err != nil && !errors.Is(err, queue.ErrQueueFull) {
		t.logger.Error().Err(err).Msg("Failed to enqueue sample")
	}
}

// drain sends ready entries until the queue has nothing ready, the connection
// is unavailable, ctx ends or deadline passes. A non-nil error is fatal.
func (t *TrackerService) drain(ctx context.Context, deadline time.Time) error {
	for t.now().Before(deadline) && ctx.Err() == nil {
		entry, ok := t.queue.PeekNextReady()
		if !ok {
			return nil
		}
		more, err := t.deliver(ctx, entry)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// finalDrain drains like drain but also waits out the head entry's backoff as
// long as it ends before deadline. It gives up when the server is unreachable.
func (t *TrackerService) finalDrain(ctx context.Context, deadline time.Time) error {
	for {
		if err := t.drain(ctx, deadline); err != nil {
			return err
		}
		at, ok := t.queue.NextRetryAt()
		if !ok || ctx.Err() != nil || !at.Before(deadline) {
			return nil
		}
		wait := at.Sub(t.now())
		if wait <= 0 {
			// Head is ready but drain stopped: no connection.
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// deliver sends one entry and applies the outcome to the queue. It reports
// whether draining may continue.
func (t *TrackerService) deliver(ctx context.Context, entry models.QueueEntry) (bool, error) {
	req, err := osmand.Encode(entry.Sample, t.deviceID)
	if err != nil {
		t.queue.Drop(entry.Sequence, constants.ReasonEncodingError, err)
		return true, nil
	}

	sendCtx := ctx
	if t.sendCtx != nil {
		sendCtx = t.sendCtx
	}
	res := t.sender.Send(sendCtx, req)
	if t.observer != nil {
		t.observer.ObserveDelivery(res)
	}

	switch res.Kind {
	case constants.KindSuccess:
		t.permanentFailures = 0
		t.queue.Ack(entry.Sequence)
		return true, nil

	case constants.KindPermanent:
		t.permanentFailures++
		t.queue.Drop(entry.Sequence, constants.ReasonPermanentRejection, res.Err)
		if t.cfg.MaxPermanentFailures > 0 && t.permanentFailures >= t.cfg.MaxPermanentFailures {
			return false, fmt.Errorf("%w: %d in a row, last status %d", ErrPermanentLimit, t.permanentFailures, res.StatusCode)
		}
		return true, nil

	case constants.KindConnectFailed:
		// The sample was never sent, so it keeps its place and attempt count.
		if errors.Is(res.Err, delivery.ErrConnectExhausted) {
			return false, res.Err
		}
		t.logger.Debug().Err(res.Err).Uint64("seq", entry.Sequence).Msg("Server unreachable, holding queue")
		return false, nil

	case constants.KindCanceled:
		// Cut short by shutdown, not rejected: eligible again right away.
		t.queue.Requeue(entry.Sequence, 0)
		return false, nil

	default:
		t.queue.Requeue(entry.Sequence, t.cfg.RetryBackoff.Delay(entry.Attempts))
		if res.Err != nil {
			t.logger.Debug().Err(res.Err).Uint64("seq", entry.Sequence).Str("kind", string(res.Kind)).Msg("Delivery failed")
		}
		return false, nil
	}
}

func (t *TrackerService) fail(err error) {
	t.fatalErr = err
	t.logger.Error().Err(err).Msg("Tracker cannot continue")
	select {
	case t.fatal <- err:
	default:
	}
}

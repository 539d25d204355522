package location

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/rs/zerolog"
)

var (
	// ErrSourceUnavailable wraps any provider failure; callers retry after backoff.
	ErrSourceUnavailable = errors.New("location source unavailable")
	// ErrFiltered means the fix was read but discarded by the accuracy or distance filter.
	ErrFiltered = errors.New("location filtered")
)

// SourceConfig holds the filtering options applied to provider fixes.
type SourceConfig struct {
	MinDistanceMeters float64
	MinAccuracyMeters float64
	Attributes        map[string]string // static attributes attached to every sample
	DriverUniqueID    string
}

// Source turns provider fixes into Samples. It is lazy: each call to Next reads
// exactly one fix. Reset restarts the sequence by forgetting the last emitted fix.
type Source struct {
	provider Provider
	cfg      SourceConfig
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	last        *models.Sample
	lastBattery *float64
}

// NewSource wraps provider with the given filters.
func NewSource(provider Provider, cfg SourceConfig, logger zerolog.Logger) *Source {
	return &Source{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With().Str("component", "source").Logger(),
		now:      time.Now,
	}
}

// Next reads one fix from the provider and converts it to a Sample.
// Provider failures are returned wrapped in ErrSourceUnavailable and fixes rejected
// by the filters in ErrFiltered.
func (s *Source) Next(ctx context.Context) (models.Sample, error) {
	loc, err := s.provider.GetLocation(ctx)
	if err != nil {
		return models.Sample{}, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if math.IsNaN(loc.Latitude) || math.IsNaN(loc.Longitude) {
		return models.Sample{}, fmt.Errorf("%w: provider returned NaN coordinates", ErrSourceUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if loc.Battery != nil {
		b := *loc.Battery
		s.lastBattery = &b
	}

	if s.cfg.MinAccuracyMeters > 0 && loc.Accuracy != nil && *loc.Accuracy > s.cfg.MinAccuracyMeters {
		s.logger.Debug().Float64("accuracy", *loc.Accuracy).Msg("Discarding fix below accuracy threshold")
		return models.Sample{}, fmt.Errorf("%w: accuracy %.1fm worse than %.1fm", ErrFiltered, *loc.Accuracy, s.cfg.MinAccuracyMeters)
	}

	if s.cfg.MinDistanceMeters > 0 && s.last != nil {
		moved := Distance(s.last.Latitude, s.last.Longitude, loc.Latitude, loc.Longitude)
		if moved < s.cfg.MinDistanceMeters {
			return models.Sample{}, fmt.Errorf("%w: moved %.1fm, need %.1fm", ErrFiltered, moved, s.cfg.MinDistanceMeters)
		}
	}

	sample := s.toSample(loc)
	emitted := sample.Clone()
	s.last = &emitted
	return sample, nil
}

// Reset forgets the last emitted fix so the next one passes the distance filter.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = nil
}

// Close closes the underlying provider.
func (s *Source) Close() error {
	return s.provider.Close()
}

func (s *Source) toSample(loc Location) models.Sample {
	captured := s.now()
	ts := captured.Round(0)
	if !loc.FixTime.IsZero() {
		ts = loc.FixTime
	}

	sample := models.Sample{
		Timestamp:      ts,
		CapturedAt:     captured,
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		Altitude:       loc.Altitude,
		Speed:          loc.Speed,
		Heading:        loc.Heading,
		Accuracy:       loc.Accuracy,
		HDOP:           loc.HDOP,
		Battery:        loc.Battery,
		Charging:       loc.Charging,
		Valid:          loc.Valid,
		DriverUniqueID: s.cfg.DriverUniqueID,
	}
	if sample.Battery == nil && s.lastBattery != nil {
		b := *s.lastBattery
		sample.Battery = &b
	}
	if len(s.cfg.Attributes) > 0 {
		sample.Attributes = make(map[string]string, len(s.cfg.Attributes))
		for k, v := range s.cfg.Attributes {
			sample.Attributes[k] = v
		}
	}
	return sample.Clone()
}

package location

import (
	"context"
	"math"
	"sync"
)

// SyntheticProvider walks a circle around a fixed center, one step per call.
// Output is a pure function of the call count, which makes it suitable for demos and tests.
type SyntheticProvider struct {
	centerLat    float64
	centerLon    float64
	radiusMeters float64
	stepDegrees  float64

	mu   sync.Mutex
	step int
}

// NewSyntheticProvider creates a feed circling (lat, lon) at radiusMeters.
func NewSyntheticProvider(lat, lon, radiusMeters, stepDegrees float64) *SyntheticProvider {
	if stepDegrees == 0 {
		stepDegrees = 10
	}
	return &SyntheticProvider{
		centerLat:    lat,
		centerLon:    lon,
		radiusMeters: radiusMeters,
		stepDegrees:  stepDegrees,
	}
}

// GetLocation returns the next point on the circle.
func (p *SyntheticProvider) GetLocation(ctx context.Context) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	p.mu.Lock()
	step := p.step
	p.step++
	p.mu.Unlock()

	angle := math.Mod(float64(step)*p.stepDegrees, 360)
	rad := angle * math.Pi / 180

	dLat := (p.radiusMeters * math.Cos(rad)) / earthRadiusMeters * 180 / math.Pi
	dLon := (p.radiusMeters * math.Sin(rad)) / (earthRadiusMeters * math.Cos(p.centerLat*math.Pi/180)) * 180 / math.Pi

	heading := math.Mod(angle+90, 360)
	speed := 5.0
	accuracy := 5.0
	battery := math.Max(0, 100-float64(step%100))
	valid := true

	return Location{
		Latitude:  p.centerLat + dLat,
		Longitude: p.centerLon + dLon,
		Speed:     &speed,
		Heading:   &heading,
		Accuracy:  &accuracy,
		Battery:   &battery,
		Valid:     &valid,
	}, nil
}

// Close is a no-op.
func (p *SyntheticProvider) Close() error {
	return nil
}

package location

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"
)

type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GoogleGeolocationProvider resolves a position through the Google Maps
// Geolocation API from nearby WiFi networks, the serving cell and the
// public IP address.
type GoogleGeolocationProvider struct {
	client  geolocator
	scanner radioScanner
	logger  zerolog.Logger
}

// NewGoogleGeolocationProvider builds a provider for apiKey. modemIndex selects
// the ModemManager modem queried for cell data.
func NewGoogleGeolocationProvider(apiKey string, modemIndex int, logger zerolog.Logger) (*GoogleGeolocationProvider, error) {
	if apiKey == "" {
		return nil, errors.New("google geolocation requires an API key")
	}
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleGeolocationProvider{
		client:  c,
		scanner: radioScanner{run: runCommand, modemIndex: modemIndex},
		logger:  logger.With().Str("component", "google_geolocation").Logger(),
	}, nil
}

// GetLocation asks the API for a fix. A failed radio scan only narrows the
// request since the API can still fall back to the IP address.
func (g *GoogleGeolocationProvider) GetLocation(ctx context.Context) (Location, error) {
	req := &maps.GeolocationRequest{ConsiderIP: true}

	if aps, err := g.scanner.wifi(ctx); err != nil {
		g.logger.Debug().Err(err).Msg("WiFi scan unavailable")
	} else {
		req.WiFiAccessPoints = aps
	}
	if towers, err := g.scanner.cells(ctx); err != nil {
		g.logger.Debug().Err(err).Msg("Cell scan unavailable")
	} else {
		req.CellTowers = towers
	}

	resp, err := g.client.Geolocate(ctx, req)
	if err != nil {
		return Location{}, err
	}

	accuracy := resp.Accuracy
	return Location{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  &accuracy,
	}, nil
}

func (g *GoogleGeolocationProvider) Close() error { return nil }

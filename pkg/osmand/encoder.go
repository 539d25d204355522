// Package osmand encodes samples for the Traccar OsmAnd protocol.
//
// The OsmAnd protocol is a flat set of key/value parameters sent either as the
// query of a GET request or as a form body of a POST request. Unset optional
// fields are omitted, never sent as sentinel values.
package osmand

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"

	"github.com/benmeehan/traccar-agent/internal/models"
)

// Version identifies the wire layout produced by this encoder.
const Version = "osmand/1"

// ErrEncoding is returned for malformed samples: NaN or out-of-range numbers, missing id.
var ErrEncoding = errors.New("osmand encoding error")

// Parameter names understood by the Traccar OsmAnd decoder.
const (
	ParamID             = "id"
	ParamLatitude       = "lat"
	ParamLongitude      = "lon"
	ParamTimestamp      = "timestamp"
	ParamSpeed          = "speed"
	ParamBearing        = "bearing"
	ParamAltitude       = "altitude"
	ParamAccuracy       = "accuracy"
	ParamHDOP           = "hdop"
	ParamBattery        = "batt"
	ParamCharge         = "charge"
	ParamValid          = "valid"
	ParamDriverUniqueID = "driverUniqueId"
)

var reserved = map[string]struct{}{
	ParamID: {}, ParamLatitude: {}, ParamLongitude: {}, ParamTimestamp: {},
	ParamSpeed: {}, ParamBearing: {}, ParamAltitude: {}, ParamAccuracy: {},
	ParamHDOP: {}, ParamBattery: {}, ParamCharge: {}, ParamValid: {},
	ParamDriverUniqueID: {},
}

// Request is an encoded position report.
type Request struct {
	Version string
	Values  url.Values
	// Payload is Values in canonical form: keys sorted, percent-encoded.
	Payload string
}

// Encode converts a sample into an OsmAnd request for deviceID. It is pure and
// deterministic: the same inputs always produce the same Payload.
func Encode(sample models.Sample, deviceID string) (*Request, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrEncoding)
	}
	if err := checkRange("lat", sample.Latitude, -90, 90); err != nil {
		return nil, err
	}
	if err := checkRange("lon", sample.Longitude, -180, 180); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set(ParamID, deviceID)
	values.Set(ParamLatitude, formatFloat(sample.Latitude))
	values.Set(ParamLongitude, formatFloat(sample.Longitude))

	if !sample.Timestamp.IsZero() {
		values.Set(ParamTimestamp, strconv.FormatInt(sample.Timestamp.UnixMilli(), 10))
	}

	optional := []struct {
		key   string
		value *float64
		min   float64
		max   float64
	}{
		{ParamSpeed, sample.Speed, 0, math.Inf(1)},
		{ParamBearing, sample.Heading, 0, 360},
		{ParamAltitude, sample.Altitude, math.Inf(-1), math.Inf(1)},
		{ParamAccuracy, sample.Accuracy, 0, math.Inf(1)},
		{ParamHDOP, sample.HDOP, 0, math.Inf(1)},
		{ParamBattery, sample.Battery, 0, 100},
	}
	for _, field := range optional {
		if field.value == nil {
			continue
		}
		if err := checkRange(field.key, *field.value, field.min, field.max); err != nil {
			return nil, err
		}
		values.Set(field.key, formatFloat(*field.value))
	}

	if sample.Charging != nil {
		values.Set(ParamCharge, strconv.FormatBool(*sample.Charging))
	}
	if sample.Valid != nil {
		values.Set(ParamValid, strconv.FormatBool(*sample.Valid))
	}
	if sample.DriverUniqueID != "" {
		values.Set(ParamDriverUniqueID, sample.DriverUniqueID)
	}

	for key, value := range sample.Attributes {
		if key == "" {
			continue
		}
		if _, taken := reserved[key]; taken {
			continue
		}
		values.Set(key, value)
	}

	return &Request{
		Version: Version,
		Values:  values,
		Payload: values.Encode(),
	}, nil
}

func checkRange(name string, v, min, max float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s is not a finite number", ErrEncoding, name)
	}
	if v < min || v > max {
		return fmt.Errorf("%w: %s %v outside [%v, %v]", ErrEncoding, name, v, min, max)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package models

import (
	"maps"
	"time"
)

// Sample is one timestamped location/telemetry reading.
// Optional fields are nil when the provider did not report them.
// Treat a Sample as read-only once created; use Clone before handing it to another owner.
type Sample struct {
	// Timestamp is the wall-clock time of the fix, from the receiver when it reports one.
	Timestamp  time.Time `json:"timestamp"`
	// CapturedAt is the local read time. It carries a monotonic reading until serialized.
	CapturedAt time.Time `json:"captured_at"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`

	Altitude *float64 `json:"altitude,omitempty"` // meters
	Speed    *float64 `json:"speed,omitempty"`    // knots
	Heading  *float64 `json:"heading,omitempty"`  // degrees, 0-360
	Accuracy *float64 `json:"accuracy,omitempty"` // meters
	HDOP     *float64 `json:"hdop,omitempty"`
	Battery  *float64 `json:"battery,omitempty"` // percent, 0-100
	Charging *bool    `json:"charging,omitempty"`
	Valid    *bool    `json:"valid,omitempty"`

	DriverUniqueID string            `json:"driver_unique_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy so the receiver cannot be mutated through the result.
func (s Sample) Clone() Sample {
	out := s
	out.Altitude = cloneFloat(s.Altitude)
	out.Speed = cloneFloat(s.Speed)
	out.Heading = cloneFloat(s.Heading)
	out.Accuracy = cloneFloat(s.Accuracy)
	out.HDOP = cloneFloat(s.HDOP)
	out.Battery = cloneFloat(s.Battery)
	out.Charging = cloneBool(s.Charging)
	out.Valid = cloneBool(s.Valid)
	if s.Attributes != nil {
		out.Attributes = maps.Clone(s.Attributes)
	}
	return out
}

// Float returns a pointer to v, for populating optional fields.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v, for populating optional fields.
func Bool(v bool) *bool { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

package location

import "time"

// Location is a single fix as reported by a provider. Optional readings are nil
// when the provider cannot measure them.
type Location struct {
	Latitude  float64
	Longitude float64

	Altitude *float64 // meters
	Speed    *float64 // knots
	Heading  *float64 // degrees
	Accuracy *float64 // meters
	HDOP     *float64
	Battery  *float64 // percent
	Charging *bool
	Valid    *bool

	// FixTime is the time reported by the receiver, zero when unknown.
	FixTime time.Time
}

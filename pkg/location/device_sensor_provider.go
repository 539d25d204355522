package location

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/tarm/serial"
)

// maxSentences bounds how many lines are read while waiting for a complete fix.
const maxSentences = 64

var errNoFix = errors.New("no valid GPS data found")

// DeviceSensorProvider is responsible for retrieving location data from a GPS device connected via serial port.
type DeviceSensorProvider struct {
	port        string        // Serial port to which the GPS device is connected
	baudRate    int           // Baud rate for the serial communication
	readTimeout time.Duration // Per-read timeout on the serial port
}

// NewDeviceSensorProvider creates a new instance of DeviceSensorProvider with the specified port and baud rate.
func NewDeviceSensorProvider(port string, baudRate int, readTimeout time.Duration) *DeviceSensorProvider {
	return &DeviceSensorProvider{
		port:        port,
		baudRate:    baudRate,
		readTimeout: readTimeout,
	}
}

// GetLocation reads GPS data from the device and returns the device's location.
func (d *DeviceSensorProvider) GetLocation(ctx context.Context) (Location, error) {
	c := &serial.Config{Name: d.port, Baud: d.baudRate, ReadTimeout: d.readTimeout}
	s, err := serial.OpenPort(c)
	if err != nil {
		return Location{}, err
	}
	defer s.Close() // Ensure the port is closed when done

	return ReadNMEAFix(ctx, s)
}

// Close is a no-op; the serial port is opened per read.
func (d *DeviceSensorProvider) Close() error {
	return nil
}

// ReadNMEAFix scans NMEA sentences from r until it has both an RMC and a GGA
// sentence, then merges them into a Location. A GGA-only fix is returned when
// the stream ends before an RMC arrives.
func ReadNMEAFix(ctx context.Context, r io.Reader) (Location, error) {
	var (
		rmc    *nmea.RMC
		gga    *nmea.GGA
		parsed int
	)

	scanner := bufio.NewScanner(r)
	for parsed < maxSentences && scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Location{}, err
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		parsed++

		sentence, err := nmea.Parse(line)
		if err != nil {
			// Unsupported sentence types and checksum errors are expected on a live feed
			continue
		}

		switch v := sentence.(type) {
		case nmea.RMC:
			rmc = &v
		case nmea.GGA:
			gga = &v
		}

		if rmc != nil && gga != nil {
			break
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrNoProgress) {
		return Location{}, err
	}

	return mergeFix(rmc, gga)
}

func mergeFix(rmc *nmea.RMC, gga *nmea.GGA) (Location, error) {
	switch {
	case rmc == nil && gga == nil:
		return Location{}, errNoFix
	case rmc != nil && rmc.Validity != nmea.ValidRMC && gga == nil:
		return Location{}, errNoFix
	case rmc == nil && gga.FixQuality == nmea.Invalid:
		return Location{}, errNoFix
	}

	var loc Location
	if rmc != nil {
		loc.Latitude = rmc.Latitude
		loc.Longitude = rmc.Longitude
		speed, course := rmc.Speed, rmc.Course
		loc.Speed = &speed
		loc.Heading = &course
		valid := rmc.Validity == nmea.ValidRMC
		loc.Valid = &valid
		if rmc.Date.Valid && rmc.Time.Valid {
			loc.FixTime = time.Date(nmeaYear(rmc.Date.YY), time.Month(rmc.Date.MM), rmc.Date.DD,
				rmc.Time.Hour, rmc.Time.Minute, rmc.Time.Second, rmc.Time.Millisecond*int(time.Millisecond), time.UTC)
		}
	}
	if gga != nil {
		if rmc == nil {
			loc.Latitude = gga.Latitude
			loc.Longitude = gga.Longitude
			valid := gga.FixQuality != nmea.Invalid
			loc.Valid = &valid
		}
		altitude, hdop := gga.Altitude, gga.HDOP
		loc.Altitude = &altitude
		loc.HDOP = &hdop
	}
	return loc, nil
}

// nmeaYear expands the two-digit RMC year using an 1980 pivot.
func nmeaYear(yy int) int {
	if yy < 80 {
		return 2000 + yy
	}
	return 1900 + yy
}

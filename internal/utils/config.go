package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/pkg/file"
	"github.com/go-playground/validator/v10"
)

// Environment variables that override values from the configuration file.
const (
	EnvServerURL = "TRACCAR_URL"
	EnvDeviceID  = "TRACCAR_DEVICE_ID"
	EnvInterval  = "TRACCAR_INTERVAL" // Go duration ("30s") or whole seconds ("30")
)

// Config represents the structure of the configuration file.
type Config struct {
	Logging struct {
		Level  string `yaml:"level" validate:"oneof=trace debug info warn error"` // Minimum log level
		Pretty bool   `yaml:"pretty"`                                             // Human readable console output instead of JSON
	} `yaml:"logging"`

	Identity struct {
		DeviceID   string `yaml:"device_id"`   // Traccar device identifier; generated when empty
		DeviceFile string `yaml:"device_file"` // Path to the device identity file
	} `yaml:"identity"`

	Server struct {
		URL                  string            `yaml:"url" validate:"required,url"` // OsmAnd endpoint, e.g. http://host:5055
		Method               string            `yaml:"method" validate:"oneof=GET POST"`
		Timeout              time.Duration     `yaml:"timeout" validate:"gt=0"`         // Wait for the server's answer
		ConnectTimeout       time.Duration     `yaml:"connect_timeout" validate:"gt=0"` // TCP connect check
		Username             string            `yaml:"username"`
		Password             string            `yaml:"password"`
		Headers              map[string]string `yaml:"headers"`
		RetryableStatusCodes []int             `yaml:"retryable_status_codes" validate:"dive,gte=400,lt=500"` // 4xx codes treated as transient
	} `yaml:"server"`

	Delivery struct {
		ConnectBackoffBase time.Duration `yaml:"connect_backoff_base" validate:"gt=0"`
		ConnectBackoffMax  time.Duration `yaml:"connect_backoff_max" validate:"gtefield=ConnectBackoffBase"`
		MaxConnectFailures int           `yaml:"max_connect_failures" validate:"gte=0"` // 0 = retry forever
	} `yaml:"delivery"`

	Queue struct {
		Capacity         int           `yaml:"capacity" validate:"gt=0"`
		MaxAttempts      int           `yaml:"max_attempts" validate:"gte=0"` // 0 = retry forever
		Persistence      string        `yaml:"persistence" validate:"oneof=memory file"`
		File             string        `yaml:"file" validate:"required_if=Persistence file"`
		RetryBackoffBase time.Duration `yaml:"retry_backoff_base" validate:"gt=0"`
		RetryBackoffMax  time.Duration `yaml:"retry_backoff_max" validate:"gtefield=RetryBackoffBase"`
	} `yaml:"queue"`

	Tracker struct {
		Interval             time.Duration `yaml:"interval" validate:"gt=0"`      // Time between samples
		DrainBudget          time.Duration `yaml:"drain_budget" validate:"gte=0"` // 0 = 80% of interval
		ShutdownGrace        time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
		MaxPermanentFailures int           `yaml:"max_permanent_failures" validate:"gte=0"` // 0 = never fatal
		SourceBackoffBase    time.Duration `yaml:"source_backoff_base" validate:"gt=0"`
		SourceBackoffMax     time.Duration `yaml:"source_backoff_max" validate:"gtefield=SourceBackoffBase"`
	} `yaml:"tracker"`

	Location struct {
		Provider          string            `yaml:"provider" validate:"oneof=nmea google synthetic"`
		MinDistanceMeters float64           `yaml:"min_distance_meters" validate:"gte=0"`
		MinAccuracyMeters float64           `yaml:"min_accuracy_meters" validate:"gte=0"`
		DriverUniqueID    string            `yaml:"driver_unique_id"`
		Attributes        map[string]string `yaml:"attributes"`

		// Only the selected provider's block is validated.
		NMEA      NMEAConfig      `yaml:"nmea" validate:"-"`
		Google    GoogleConfig    `yaml:"google" validate:"-"`
		Synthetic SyntheticConfig `yaml:"synthetic" validate:"-"`
	} `yaml:"location"`

	MQTT struct {
		Enabled        bool          `yaml:"enabled"`
		Broker         string        `yaml:"broker" validate:"required_if=Enabled true"` // MQTT broker address
		ClientID       string        `yaml:"client_id"`                                  // Prefix, the device id is appended
		CACertificate  string        `yaml:"ca_certificate"`                             // Path to the CA certificate
		Username       string        `yaml:"username"`
		Password       string        `yaml:"password"`
		Topic          string        `yaml:"topic" validate:"required_if=Enabled true"`
		QOS            int           `yaml:"qos" validate:"gte=0,lte=2"`
		BufferSize     int           `yaml:"buffer_size" validate:"gte=0"`
		PublishTimeout time.Duration `yaml:"publish_timeout" validate:"gte=0"`
	} `yaml:"mqtt"`

	Metrics struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr" validate:"required_if=Enabled true"`
	} `yaml:"metrics"`
}

// NMEAConfig configures a serial GPS receiver.
type NMEAConfig struct {
	Port        string        `yaml:"port" validate:"required"` // UNIX port where the GPS sensor is mounted
	BaudRate    int           `yaml:"baud_rate" validate:"gt=0"`
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gt=0"`
}

// GoogleConfig configures network geolocation.
type GoogleConfig struct {
	APIKey     string `yaml:"api_key" validate:"required"` // Google maps API key
	ModemIndex int    `yaml:"modem_index" validate:"gte=0"`
}

// SyntheticConfig configures the generated circular route.
type SyntheticConfig struct {
	Latitude     float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
	RadiusMeters float64 `yaml:"radius_meters" validate:"gt=0"`
	StepDegrees  float64 `yaml:"step_degrees" validate:"gt=0"`
}

// DefaultConfig returns the configuration used for keys missing from the file.
func DefaultConfig() *Config {
	var c Config

	c.Logging.Level = "info"
	c.Identity.DeviceFile = "data/device.json"

	c.Server.URL = "http://localhost:5055"
	c.Server.Method = "GET"
	c.Server.Timeout = 10 * time.Second
	c.Server.ConnectTimeout = 5 * time.Second

	c.Delivery.ConnectBackoffBase = time.Second
	c.Delivery.ConnectBackoffMax = time.Minute

	c.Queue.Capacity = 1000
	c.Queue.MaxAttempts = 10
	c.Queue.Persistence = constants.PersistenceMemory
	c.Queue.File = "data/queue.json"
	c.Queue.RetryBackoffBase = 2 * time.Second
	c.Queue.RetryBackoffMax = 5 * time.Minute

	c.Tracker.Interval = 30 * time.Second
	c.Tracker.ShutdownGrace = 10 * time.Second
	c.Tracker.MaxPermanentFailures = 5
	c.Tracker.SourceBackoffBase = 5 * time.Second
	c.Tracker.SourceBackoffMax = 5 * time.Minute

	c.Location.Provider = constants.ProviderSynthetic
	c.Location.NMEA.BaudRate = 9600
	c.Location.NMEA.ReadTimeout = 2 * time.Second
	c.Location.Synthetic.RadiusMeters = 200
	c.Location.Synthetic.StepDegrees = 10

	c.MQTT.ClientID = "traccar-agent"
	c.MQTT.QOS = 1
	c.MQTT.BufferSize = 256
	c.MQTT.PublishTimeout = 5 * time.Second

	c.Metrics.ListenAddr = ":9100"
	return &c
}

// LoadConfig loads the YAML configuration from the specified file on top of the
// defaults, applies environment overrides and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	return loadConfig(filename, fileClient, os.LookupEnv)
}

func loadConfig(filename string, fileClient file.FileOperations, lookupEnv func(string) (string, bool)) (*Config, error) {
	config := DefaultConfig()
	// An empty file leaves the defaults in place.
	if err := fileClient.ReadYamlFile(filename, config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	config.Server.Method = strings.ToUpper(config.Server.Method)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv(EnvServerURL); ok && v != "" {
		c.Server.URL = v
	}
	if v, ok := lookupEnv(EnvDeviceID); ok && v != "" {
		c.Identity.DeviceID = v
	}
	if v, ok := lookupEnv(EnvInterval); ok && v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvInterval, err)
		}
		c.Tracker.Interval = d
	}
	return nil
}

func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks field constraints, including the settings of the selected
// location provider.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var provider any
	switch c.Location.Provider {
	case constants.ProviderNMEA:
		provider = c.Location.NMEA
	case constants.ProviderGoogle:
		provider = c.Location.Google
	case constants.ProviderSynthetic:
		provider = c.Location.Synthetic
	}
	if err := v.Struct(provider); err != nil {
		return fmt.Errorf("invalid %s location settings: %w", c.Location.Provider, err)
	}
	if c.Tracker.DrainBudget > c.Tracker.Interval {
		return fmt.Errorf("invalid configuration: drain_budget %s exceeds interval %s", c.Tracker.DrainBudget, c.Tracker.Interval)
	}
	return nil
}

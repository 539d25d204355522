package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/delivery"
	"github.com/benmeehan/traccar-agent/internal/events"
	"github.com/benmeehan/traccar-agent/internal/metrics"
	"github.com/benmeehan/traccar-agent/internal/queue"
	"github.com/benmeehan/traccar-agent/internal/service_registry"
	"github.com/benmeehan/traccar-agent/internal/utils"
	"github.com/benmeehan/traccar-agent/pkg/file"
	"github.com/benmeehan/traccar-agent/pkg/identity"
	"github.com/benmeehan/traccar-agent/pkg/location"
	"github.com/benmeehan/traccar-agent/pkg/mqtt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Bootstrap logger until the configured level is known
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		logger.Error().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
		return 1
	}
	logger = newLogger(config)

	// Settle the device identifier
	deviceID, err := resolveDevice(identity.NewDeviceStore(config.Identity.DeviceFile, fileClient), config.Identity.DeviceID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve device identity")
		return 1
	}
	logger = logger.With().Str("device_id", deviceID).Logger()
	logger.Info().Msg("Device identity resolved")

	// Event sinks: Prometheus and the optional MQTT mirror
	var sinks events.Multi
	var (
		promMetrics *metrics.Metrics
		gatherer    prometheus.Gatherer
	)
	if config.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promMetrics, err = metrics.New(reg)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to register metrics")
			return 1
		}
		gatherer = reg
		sinks = append(sinks, promMetrics)
	}

	var mirror *events.MQTTPublisher
	if config.MQTT.Enabled {
		mqttClient := mqtt.NewMqttService(fileClient, logger)
		err := mqttClient.Initialize(mqtt.Options{
			Broker:         config.MQTT.Broker,
			ClientID:       config.MQTT.ClientID + "-" + deviceID,
			CACertPath:     config.MQTT.CACertificate,
			Username:       config.MQTT.Username,
			Password:       config.MQTT.Password,
			ConnectTimeout: config.MQTT.PublishTimeout,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to initialize MQTT connection")
			return 1
		}
		defer mqttClient.Disconnect(250)

		mirror = events.NewMQTTPublisher(config.MQTT.Topic, config.MQTT.QOS, config.MQTT.BufferSize,
			config.MQTT.PublishTimeout, mqttClient, logger)
		sinks = append(sinks, mirror)
	}
	publisher := events.WithDevice(deviceID, sinks)

	// Sample queue, durable when configured
	var store queue.Store
	if config.Queue.Persistence == constants.PersistenceFile {
		store = queue.NewFileStore(config.Queue.File, fileClient)
	}
	sampleQueue, err := queue.New(queue.Config{
		Capacity:    config.Queue.Capacity,
		MaxAttempts: config.Queue.MaxAttempts,
	}, store, logger, publisher)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create sample queue")
		return 1
	}

	client, err := delivery.NewClient(delivery.Config{
		URL:                  config.Server.URL,
		Method:               config.Server.Method,
		Timeout:              config.Server.Timeout,
		ConnectTimeout:       config.Server.ConnectTimeout,
		Username:             config.Server.Username,
		Password:             config.Server.Password,
		Headers:              config.Server.Headers,
		ConnectBackoff:       utils.NewBackoff(config.Delivery.ConnectBackoffBase, config.Delivery.ConnectBackoffMax),
		MaxConnectFailures:   config.Delivery.MaxConnectFailures,
		RetryableStatusCodes: config.Server.RetryableStatusCodes,
	}, logger, publisher)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create delivery client")
		return 1
	}
	defer client.Close()

	provider, err := newProvider(config, logger)
	if err != nil {
		logger.Error().Err(err).Str("provider", config.Location.Provider).Msg("Failed to create location provider")
		return 1
	}
	source := location.NewSource(provider, location.SourceConfig{
		MinDistanceMeters: config.Location.MinDistanceMeters,
		MinAccuracyMeters: config.Location.MinAccuracyMeters,
		Attributes:        config.Location.Attributes,
		DriverUniqueID:    config.Location.DriverUniqueID,
	}, logger)
	defer source.Close()

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(logger)
	err = serviceRegistry.RegisterServices(config, service_registry.Dependencies{
		DeviceID:  deviceID,
		Source:    source,
		Queue:     sampleQueue,
		Sender:    client,
		Publisher: publisher,
		Mirror:    mirror,
		Metrics:   promMetrics,
		Gatherer:  gatherer,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register services")
		return 1
	}

	if err := serviceRegistry.StartServices(); err != nil {
		logger.Error().Err(err).Msg("Failed to start services")
		return 1
	}
	logger.Info().
		Str("server", config.Server.URL).
		Str("provider", config.Location.Provider).
		Str("persistence", config.Queue.Persistence).
		Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-stopCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	case err := <-serviceRegistry.Fatal():
		logger.Error().Err(err).Msg("Fatal condition, shutting down")
		exitCode = 1
	}

	if err := serviceRegistry.StopServices(); err != nil {
		exitCode = 1
	}
	return exitCode
}

// resolveDevice settles the id samples are reported under.
func resolveDevice(resolver identity.Resolver, configured string) (string, error) {
	device, err := resolver.Resolve(configured)
	if err != nil {
		return "", err
	}
	if device.ID == "" {
		return "", errors.New("resolved device id is empty")
	}
	return device.ID, nil
}

func newLogger(config *utils.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Logging.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func newProvider(config *utils.Config, logger zerolog.Logger) (location.Provider, error) {
	switch config.Location.Provider {
	case constants.ProviderNMEA:
		nmea := config.Location.NMEA
		return location.NewDeviceSensorProvider(nmea.Port, nmea.BaudRate, nmea.ReadTimeout), nil
	case constants.ProviderGoogle:
		return location.NewGoogleGeolocationProvider(config.Location.Google.APIKey, config.Location.Google.ModemIndex, logger)
	case constants.ProviderSynthetic:
		s := config.Location.Synthetic
		return location.NewSyntheticProvider(s.Latitude, s.Longitude, s.RadiusMeters, s.StepDegrees), nil
	}
	return nil, fmt.Errorf("unknown location provider %q", config.Location.Provider)
}

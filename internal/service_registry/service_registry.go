package service_registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benmeehan/traccar-agent/internal/events"
	"github.com/benmeehan/traccar-agent/internal/metrics"
	"github.com/benmeehan/traccar-agent/internal/queue"
	"github.com/benmeehan/traccar-agent/internal/registry"
	"github.com/benmeehan/traccar-agent/internal/services"
	"github.com/benmeehan/traccar-agent/internal/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Dependencies are the components built before services are registered.
type Dependencies struct {
	DeviceID  string
	Source    services.SampleSource
	Queue     *queue.SampleQueue
	Sender    services.Sender
	Publisher events.Publisher

	Mirror   *events.MQTTPublisher // nil when the MQTT mirror is disabled
	Metrics  *metrics.Metrics      // nil when metrics are disabled
	Gatherer prometheus.Gatherer
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	Logger      zerolog.Logger
	base        zerolog.Logger // handed to constructed services

	fatal    chan error
	done     chan struct{}
	stopOnce sync.Once
}

// NewServiceRegistry initializes a new, empty service registry.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]registry.Service),
		Logger:   logger.With().Str("component", "registry").Logger(),
		base:     logger,
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Services returns the registered service names in start order.
func (sr *ServiceRegistry) Services() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// Fatal delivers the first fatal error reported by any started service.
func (sr *ServiceRegistry) Fatal() <-chan error {
	return sr.fatal
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)

		if reporter, ok := svc.(registry.FatalReporter); ok {
			go sr.forwardFatal(name, reporter.Fatal())
		}
	}

	return nil
}

func (sr *ServiceRegistry) forwardFatal(name string, ch <-chan error) {
	select {
	case err := <-ch:
		select {
		case sr.fatal <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	case <-sr.done:
	}
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	sr.stopOnce.Do(func() { close(sr.done) })

	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
// The events mirror starts first and stops last so it carries the tracker's
// shutdown events.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, deps Dependencies) error {
	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "events",
			enabled: config.MQTT.Enabled && deps.Mirror != nil,
			constructor: func() (registry.Service, error) {
				return deps.Mirror, nil
			},
		},
		{
			name:    "metrics",
			enabled: config.Metrics.Enabled,
			constructor: func() (registry.Service, error) {
				if deps.Gatherer == nil {
					return nil, errors.New("metrics enabled without a gatherer")
				}
				return metrics.NewServer(config.Metrics.ListenAddr, deps.Gatherer, sr.base), nil
			},
		},
		{
			name:    "tracker",
			enabled: true,
			constructor: func() (registry.Service, error) {
				var observer services.DeliveryObserver
				if deps.Metrics != nil {
					observer = deps.Metrics
				}
				return services.NewTrackerService(
					deps.DeviceID,
					services.TrackerConfig{
						Interval:             config.Tracker.Interval,
						DrainBudget:          config.Tracker.DrainBudget,
						ShutdownGrace:        config.Tracker.ShutdownGrace,
						MaxPermanentFailures: config.Tracker.MaxPermanentFailures,
						RetryBackoff:         utils.NewBackoff(config.Queue.RetryBackoffBase, config.Queue.RetryBackoffMax),
						SourceBackoff:        utils.NewBackoff(config.Tracker.SourceBackoffBase, config.Tracker.SourceBackoffMax),
					},
					deps.Source,
					deps.Queue,
					deps.Sender,
					observer,
					deps.Publisher,
					sr.base,
				)
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		} else {
			sr.Logger.Debug().Str("service", svc.name).Msg("Service is disabled, skipping")
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}

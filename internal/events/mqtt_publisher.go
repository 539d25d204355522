package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/benmeehan/traccar-agent/pkg/mqtt"
	"github.com/rs/zerolog"
)

// MQTTPublisher mirrors pipeline events to an MQTT topic. Publish only enqueues;
// a single worker goroutine performs the network I/O. When the buffer is full
// the event is discarded and counted, the pipeline never waits on the broker.
type MQTTPublisher struct {
	topic          string
	qos            int
	publishTimeout time.Duration

	mqttClient mqtt.MQTTClient
	logger     zerolog.Logger

	buffer  chan models.Event
	dropped atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMQTTPublisher creates a publisher writing to topic. Call Start before use.
func NewMQTTPublisher(topic string, qos int, bufferSize int, publishTimeout time.Duration,
	mqttClient mqtt.MQTTClient, logger zerolog.Logger) *MQTTPublisher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &MQTTPublisher{
		topic:          topic,
		qos:            qos,
		publishTimeout: publishTimeout,
		mqttClient:     mqttClient,
		logger:         logger.With().Str("component", "mqtt_events").Logger(),
		buffer:         make(chan models.Event, bufferSize),
	}
}

// Start launches the publishing worker.
func (p *MQTTPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		p.logger.Warn().Msg("MQTT event publisher is already running")
		return errors.New("mqtt event publisher is already running")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run()
	}()

	p.logger.Info().Str("topic", p.topic).Int("qos", p.qos).Msg("MQTT event publisher started")
	return nil
}

// Stop flushes buffered events and stops the worker.
func (p *MQTTPublisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return errors.New("mqtt event publisher is not running")
	}
	p.cancel()
	p.wg.Wait()
	p.ctx, p.cancel = nil, nil

	p.logger.Info().Uint64("discarded", p.dropped.Load()).Msg("MQTT event publisher stopped")
	return nil
}

// Publish queues e for delivery to the broker.
func (p *MQTTPublisher) Publish(e models.Event) {
	select {
	case p.buffer <- e:
	default:
		p.dropped.Add(1)
	}
}

// Discarded reports how many events were dropped because the buffer was full.
func (p *MQTTPublisher) Discarded() uint64 {
	return p.dropped.Load()
}

func (p *MQTTPublisher) run() {
	for {
		select {
		case e := <-p.buffer:
			p.send(e)
		case <-p.ctx.Done():
			for {
				select {
				case e := <-p.buffer:
					p.send(e)
				default:
					return
				}
			}
		}
	}
}

func (p *MQTTPublisher) send(e models.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to serialize event")
		return
	}

	token := p.mqttClient.Publish(p.topic, byte(p.qos), false, payload)
	if !token.WaitTimeout(p.publishTimeout) {
		p.logger.Warn().Str("topic", p.topic).Str("event", string(e.Type)).Msg("Timed out publishing event")
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn().Err(fmt.Errorf("publish %s: %w", e.Type, err)).Msg("Failed to publish event")
	}
}

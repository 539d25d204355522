// Package mqtt holds the broker connection used to mirror agent events.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/traccar-agent/pkg/file"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTClient is the subset of a paho client the agent publishes through.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configures the broker connection.
type Options struct {
	Broker         string
	ClientID       string
	CACertPath     string // empty disables TLS
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 10 * time.Second

// MqttService owns one auto-reconnecting broker connection.
type MqttService struct {
	client     mqtt.Client
	fileClient file.FileOperations
	logger     zerolog.Logger
}

// NewMqttService creates a new MqttService instance.
func NewMqttService(fileClient file.FileOperations, logger zerolog.Logger) *MqttService {
	return &MqttService{
		fileClient: fileClient,
		logger:     logger.With().Str("component", "mqtt").Logger(),
	}
}

// Initialize builds the client and waits for the first connection. Later
// connection losses are retried in the background by paho.
func (s *MqttService) Initialize(o Options) error {
	opts, err := s.clientOptions(o)
	if err != nil {
		return err
	}
	s.client = mqtt.NewClient(opts)

	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("timed out connecting to %s after %s", o.Broker, timeout)
	}
	return token.Error()
}

func (s *MqttService) clientOptions(o Options) (*mqtt.ClientOptions, error) {
	if o.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOnConnectHandler(func(mqtt.Client) {
			s.logger.Info().Str("broker", o.Broker).Msg("Connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn().Err(err).Str("broker", o.Broker).Msg("MQTT connection lost, reconnecting")
		})
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	if o.Username != "" {
		opts.SetUsername(o.Username).SetPassword(o.Password)
	}

	if o.CACertPath != "" {
		pem, err := s.fileClient.ReadFileRaw(o.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", o.CACertPath)
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12})
	}
	return opts, nil
}

// Connect connects to the MQTT broker.
func (s *MqttService) Connect() mqtt.Token {
	return s.client.Connect()
}

// Publish sends a message to the specified topic.
func (s *MqttService) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return s.client.Publish(topic, qos, retained, payload)
}

// Disconnect waits up to quiesce milliseconds for pending work, then closes the connection.
func (s *MqttService) Disconnect(quiesce uint) {
	if s.client != nil {
		s.client.Disconnect(quiesce)
	}
}

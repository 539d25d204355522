package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/events"
	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/benmeehan/traccar-agent/internal/utils"
	"github.com/benmeehan/traccar-agent/pkg/osmand"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectExhausted is wrapped into the result error once the configured
	// number of consecutive connection failures is reached.
	ErrConnectExhausted = errors.New("connection attempts exhausted")
	// ErrConnectBackoff means the client is still waiting out its reconnect delay.
	ErrConnectBackoff = errors.New("waiting for reconnect backoff")
)

const userAgentPrefix = "traccar-agent"

// Config holds the server endpoint and transport policy.
type Config struct {
	URL                  string
	Method               string // GET or POST
	Timeout              time.Duration
	ConnectTimeout       time.Duration
	Username             string
	Password             string
	Headers              map[string]string
	ConnectBackoff       utils.Backoff
	MaxConnectFailures   int // 0 = never give up
	RetryableStatusCodes []int
}

// session is the live transport to the server. It is owned by Client and
// replaced whenever the connection is lost.
type session struct {
	httpClient *http.Client
	transport  *http.Transport
}

func (s *session) close() {
	s.transport.CloseIdleConnections()
}

// Client sends encoded samples to the tracking server, one at a time.
//
// State machine: disconnected -> connecting -> connected -> (sending <-> connected),
// and back to disconnected on any transport failure.
type Client struct {
	cfg      Config
	endpoint *url.URL
	dialAddr string

	logger    zerolog.Logger
	publisher events.Publisher
	now       func() time.Time
	dialer    func(ctx context.Context, network, address string) (net.Conn, error)

	// sendMu enforces at most one request in flight.
	sendMu sync.Mutex

	mu              sync.Mutex
	state           constants.ConnectionState
	session         *session
	connectFailures int
	nextConnectAt   time.Time
}

// NewClient validates cfg and returns a disconnected client.
func NewClient(cfg Config, logger zerolog.Logger, publisher events.Publisher) (*Client, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.URL)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("invalid server url %q: missing host", cfg.URL)
	}

	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Method != http.MethodGet && cfg.Method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %q", cfg.Method)
	}
	if len(cfg.RetryableStatusCodes) == 0 {
		cfg.RetryableStatusCodes = []int{http.StatusRequestTimeout, http.StatusTooManyRequests}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}

	port := endpoint.Port()
	if port == "" {
		port = "80"
		if endpoint.Scheme == "https" {
			port = "443"
		}
	}

	dialer := &net.Dialer{}
	return &Client{
		cfg:       cfg,
		endpoint:  endpoint,
		dialAddr:  net.JoinHostPort(endpoint.Hostname(), port),
		logger:    logger.With().Str("component", "delivery").Str("server", endpoint.Host).Logger(),
		publisher: publisher,
		now:       time.Now,
		dialer:    dialer.DialContext,
		state:     constants.StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() constants.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send transmits one encoded sample and waits for the server's answer, bounded
// by the configured timeout and by ctx. Concurrent calls are serialized.
func (c *Client) Send(ctx context.Context, req *osmand.Request) models.DeliveryResult {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	start := c.now()

	// Nothing reached the server on these paths, so the sample is not charged an attempt.
	if err := ctx.Err(); err != nil {
		return models.DeliveryResult{Kind: constants.KindConnectFailed, Err: err}
	}
	sess, err := c.ensureSession(ctx)
	if err != nil {
		return models.DeliveryResult{Kind: constants.KindConnectFailed, Err: err, Latency: c.now().Sub(start)}
	}

	c.setState(constants.StateSending, "")

	sendCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := c.buildRequest(sendCtx, req)
	if err != nil {
		c.setState(constants.StateConnected, "")
		return models.DeliveryResult{Kind: constants.KindPermanent, Err: err, Latency: c.now().Sub(start)}
	}

	resp, err := sess.httpClient.Do(httpReq)
	if err != nil {
		kind := constants.KindTransient
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = constants.KindCanceled
		}
		c.dropSession(fmt.Sprintf("transport error: %v", err))
		return models.DeliveryResult{Kind: kind, Err: err, Latency: c.now().Sub(start)}
	}
	defer resp.Body.Close()

	// Read a bounded amount so the connection can be reused and errors carry the server's reason.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	c.setState(constants.StateConnected, "")

	result := models.DeliveryResult{
		StatusCode: resp.StatusCode,
		Latency:    c.now().Sub(start),
	}
	switch kind := c.classify(resp.StatusCode); kind {
	case constants.KindSuccess:
		result.Success = true
		result.Kind = kind
	default:
		result.Kind = kind
		result.Err = fmt.Errorf("server responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return result
}

// Close tears down the session.
func (c *Client) Close() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	c.setState(constants.StateDisconnected, "closed")
}

func (c *Client) classify(status int) constants.DeliveryKind {
	switch {
	case status >= 200 && status < 300:
		return constants.KindSuccess
	case status >= 500:
		return constants.KindTransient
	}
	if slices.Contains(c.cfg.RetryableStatusCodes, status) {
		return constants.KindTransient
	}
	return constants.KindPermanent
}

func (c *Client) buildRequest(ctx context.Context, req *osmand.Request) (*http.Request, error) {
	target := *c.endpoint

	var (
		httpReq *http.Request
		err     error
	)
	switch c.cfg.Method {
	case http.MethodPost:
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(req.Payload))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	default:
		target.RawQuery = req.Payload
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set("User-Agent", userAgentPrefix+" "+req.Version)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return httpReq, nil
}

// ensureSession returns the live session, connecting first if needed.
func (c *Client) ensureSession(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.session != nil {
		sess := c.session
		c.mu.Unlock()
		return sess, nil
	}
	if wait := c.nextConnectAt.Sub(c.now()); wait > 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s remaining", ErrConnectBackoff, wait.Round(time.Millisecond))
	}
	c.mu.Unlock()

	c.setState(constants.StateConnecting, "")

	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dialer(dialCtx, "tcp", c.dialAddr)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by the caller, not a failure of the server.
			c.setState(constants.StateDisconnected, "connect cancelled")
			return nil, ctx.Err()
		}
		return nil, c.connectFailed(err)
	}
	_ = conn.Close()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = c.dialer
	transport.MaxIdleConnsPerHost = 1
	transport.ResponseHeaderTimeout = c.cfg.Timeout

	sess := &session{
		httpClient: &http.Client{
			Transport: transport,
			// OsmAnd endpoints do not redirect; a redirect means a misconfigured URL.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		transport: transport,
	}

	c.mu.Lock()
	c.session = sess
	c.connectFailures = 0
	c.nextConnectAt = time.Time{}
	c.mu.Unlock()

	c.setState(constants.StateConnected, "")
	return sess, nil
}

func (c *Client) connectFailed(cause error) error {
	c.mu.Lock()
	c.connectFailures++
	failures := c.connectFailures
	delay := c.cfg.ConnectBackoff.Delay(failures - 1)
	c.nextConnectAt = c.now().Add(delay)
	c.mu.Unlock()

	c.logger.Warn().
		Err(cause).
		Int("failures", failures).
		Dur("retry_in", delay).
		Msg("Failed to connect to tracking server")
	c.setState(constants.StateDisconnected, "connect failed")

	err := fmt.Errorf("connect %s: %w", c.dialAddr, cause)
	if c.cfg.MaxConnectFailures > 0 && failures >= c.cfg.MaxConnectFailures {
		return fmt.Errorf("%w after %d attempts: %w", ErrConnectExhausted, failures, err)
	}
	return err
}

func (c *Client) dropSession(reason string) {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	c.setState(constants.StateDisconnected, reason)
}

func (c *Client) setState(next constants.ConnectionState, reason string) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()

	if prev == next {
		return
	}
	// sending <-> connected flips on every request; only log real session changes.
	routine := (prev == constants.StateSending && next == constants.StateConnected) ||
		(prev == constants.StateConnected && next == constants.StateSending)
	if routine {
		return
	}
	c.logger.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Str("reason", reason).
		Msg("Connection state changed")
	c.publisher.Publish(models.Event{
		Type:      constants.EventStateChanged,
		Timestamp: c.now(),
		State:     next,
		Reason:    reason,
	})
}

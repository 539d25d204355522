package metrics

import (
	"github.com/benmeehan/traccar-agent/internal/constants"
	"github.com/benmeehan/traccar-agent/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

var connectionStates = []constants.ConnectionState{
	constants.StateDisconnected,
	constants.StateConnecting,
	constants.StateConnected,
	constants.StateSending,
}

// Metrics turns pipeline events and delivery results into Prometheus series.
type Metrics struct {
	events     *prometheus.CounterVec
	drops      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	queueLen   prometheus.Gauge
	connState  *prometheus.GaugeVec
	latency    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traccar_agent_events_total",
			Help: "Pipeline events by type.",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traccar_agent_samples_dropped_total",
			Help: "Samples removed without delivery, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traccar_agent_delivery_attempts_total",
			Help: "Send attempts by outcome kind.",
		}, []string{"kind"}),
		queueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traccar_agent_queue_length",
			Help: "Samples currently waiting in the queue.",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "traccar_agent_connection_state",
			Help: "1 for the current delivery connection state, 0 otherwise.",
		}, []string{"state"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "traccar_agent_delivery_latency_seconds",
			Help:    "Time from request start to server response.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}

	for _, c := range []prometheus.Collector{m.events, m.drops, m.deliveries, m.queueLen, m.connState, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	m.setState(constants.StateDisconnected)
	return m, nil
}

// Publish implements events.Publisher.
func (m *Metrics) Publish(e models.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case constants.EventStateChanged:
		m.setState(e.State)
		return
	case constants.EventDropped, constants.EventEvicted, constants.EventLost:
		m.drops.WithLabelValues(e.Reason).Inc()
	case constants.EventSourceFailed:
		return
	}
	m.queueLen.Set(float64(e.QueueLen))
}

// ObserveDelivery records the outcome of one send attempt.
func (m *Metrics) ObserveDelivery(r models.DeliveryResult) {
	m.deliveries.WithLabelValues(string(r.Kind)).Inc()
	if r.StatusCode != 0 {
		m.latency.Observe(r.Latency.Seconds())
	}
}

func (m *Metrics) setState(current constants.ConnectionState) {
	for _, s := range connectionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connState.WithLabelValues(string(s)).Set(v)
	}
}

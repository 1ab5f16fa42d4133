package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for one Client.
type Metrics struct {
	// Connection metrics
	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter

	// Frame metrics
	framesReceived *prometheus.CounterVec // by command
	framesDropped  *prometheus.CounterVec // by reason

	// Outbound metrics
	published        *prometheus.CounterVec // by destination kind
	publishesDropped *prometheus.CounterVec // by reason

	// Subscription metrics
	activeSubscriptions prometheus.Gauge

	// Resolver metrics
	resolverHits   prometheus.Counter
	resolverMisses prometheus.Counter

	// History metrics
	pagesFetched *prometheus.CounterVec // "latest" or "older"
}

// NewMetrics creates the instruments and registers them with reg.
// A nil reg produces working but unregistered instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatsync_connection_state",
				Help: "1 for the current realtime connection state, 0 for the others",
			},
			[]string{"state"},
		),
		reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_reconnects_total",
				Help: "Total number of scheduled reconnect attempts",
			},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_received_total",
				Help: "Total number of frames received from the server by command",
			},
			[]string{"command"},
		),
		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_dropped_total",
				Help: "Total number of inbound frames dropped by reason",
			},
			[]string{"reason"},
		),
		published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_frames_published_total",
				Help: "Total number of frames written to the server by kind",
			},
			[]string{"kind"},
		),
		publishesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_publishes_dropped_total",
				Help: "Total number of outbound frames dropped by reason",
			},
			[]string{"reason"},
		),
		activeSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatsync_active_subscriptions",
				Help: "Current number of registered destinations",
			},
		),
		resolverHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_resolver_cache_hits_total",
				Help: "Total number of conversation resolutions served from cache",
			},
		),
		resolverMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_resolver_cache_misses_total",
				Help: "Total number of conversation resolutions that went to the server",
			},
		),
		pagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_history_pages_fetched_total",
				Help: "Total number of history pages fetched",
			},
			[]string{"kind"},
		),
	}
}

var connectionStates = []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

// RecordState marks s as the current connection state.
func (m *Metrics) RecordState(s ConnectionState) {
	for _, st := range connectionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) RecordReconnect() { m.reconnects.Inc() }

func (m *Metrics) RecordFrame(command string) { m.framesReceived.WithLabelValues(command).Inc() }

func (m *Metrics) RecordFrameDropped(reason string) { m.framesDropped.WithLabelValues(reason).Inc() }

func (m *Metrics) RecordPublish(kind string) { m.published.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordPublishDropped(reason string) {
	m.publishesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveSubscriptions(n int) { m.activeSubscriptions.Set(float64(n)) }

func (m *Metrics) RecordResolve(hit bool) {
	if hit {
		m.resolverHits.Inc()
		return
	}
	m.resolverMisses.Inc()
}

func (m *Metrics) RecordPage(kind string) { m.pagesFetched.WithLabelValues(kind).Inc() }

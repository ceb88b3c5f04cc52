package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the companion's Prometheus collectors on a private registry.
// All Record methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	UtterancesTotal   *prometheus.CounterVec
	UtteranceDuration prometheus.Histogram
	TurnsTotal        *prometheus.CounterVec
	TurnLatency       prometheus.Histogram
	ErrorsTotal       *prometheus.CounterVec
	SessionState      *prometheus.GaugeVec
	CommandsTotal     *prometheus.CounterVec
	ToolCallsTotal    *prometheus.CounterVec
	BridgeClients     prometheus.Gauge
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "companion"
	}
	registry := prometheus.NewRegistry()

	utterances := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Finalized utterances by outcome",
		},
		[]string{"outcome"},
	)
	utteranceDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of sent utterances",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
	turns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Server turns received by kind",
		},
		[]string{"kind"},
	)
	turnLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Time from sending an utterance to its server turn",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		},
		[]string{"kind"},
	)
	state := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the voice session's current state, 0 otherwise",
		},
		[]string{"state"},
	)
	commands := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands relayed to the background process by action and status",
		},
		[]string{"action", "status"},
	)
	toolCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls served by the background process",
		},
		[]string{"tool", "status"},
	)
	bridgeClients := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_clients",
			Help:      "Connected UI bridge clients",
		},
	)

	registry.MustRegister(
		utterances,
		utteranceDuration,
		turns,
		turnLatency,
		errorsTotal,
		state,
		commands,
		toolCalls,
		bridgeClients,
	)

	return &Metrics{
		registry:          registry,
		UtterancesTotal:   utterances,
		UtteranceDuration: utteranceDuration,
		TurnsTotal:        turns,
		TurnLatency:       turnLatency,
		ErrorsTotal:       errorsTotal,
		SessionState:      state,
		CommandsTotal:     commands,
		ToolCallsTotal:    toolCalls,
		BridgeClients:     bridgeClients,
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordUtterance counts an utterance outcome ("sent", "short", "discarded",
// "long"); d is observed only for sent utterances.
func (m *Metrics) RecordUtterance(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UtterancesTotal.WithLabelValues(outcome).Inc()
	if outcome == "sent" {
		m.UtteranceDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordTurn(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(kind).Inc()
	if latency > 0 {
		m.TurnLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// SetState marks current as the only active state among all.
func (m *Metrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) RecordCommand(action, status string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) RecordToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) BridgeClientConnected() {
	if m == nil {
		return
	}
	m.BridgeClients.Inc()
}

func (m *Metrics) BridgeClientGone() {
	if m == nil {
		return
	}
	m.BridgeClients.Dec()
}

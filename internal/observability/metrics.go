package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	PendingRequests   *prometheus.GaugeVec
	Interactions      *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	HumanWait         *prometheus.HistogramVec
	UIClients         prometheus.Gauge
	WSMessages        *prometheus.CounterVec
	CommentsDelivered *prometheus.CounterVec

	waits *waitBoard
}

// NewMetrics registers the instruments with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PendingRequests: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests currently waiting on the human, by kind.",
		}, []string{"kind"}),
		Interactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Finished human interactions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Agent tool calls by tool and result.",
		}, []string{"tool", "result"}),
		HumanWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "human_wait_seconds",
			Help:      "Time the agent waited for the human, by kind.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800, 3600},
		}, []string{"kind"}),
		UIClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ui_clients",
			Help:      "Connected UI clients.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		CommentsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comments_delivered_total",
			Help:      "Task comments handed to the agent, by sweep.",
		}, []string{"sweep"}),
		waits: newWaitBoard(256),
	}
}

// StartWait marks a request of kind as waiting on the human until the
// returned func is called.
func (m *Metrics) StartWait(kind string) (done func()) {
	if m == nil {
		return func() {}
	}
	gauge := m.PendingRequests.WithLabelValues(kind)
	gauge.Inc()
	end := m.waits.begin(kind)
	var once sync.Once
	return func() {
		once.Do(func() {
			gauge.Dec()
			end()
		})
	}
}

// ObserveInteraction records a finished interaction and how long it waited.
func (m *Metrics) ObserveInteraction(kind, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(kind, outcome).Inc()
	m.HumanWait.WithLabelValues(kind).Observe(waited.Seconds())
	m.waits.finish(kind, outcome, waited)
}

// CountEvent counts a notable event shown next to the wait stats.
func (m *Metrics) CountEvent(name string) {
	if m == nil {
		return
	}
	m.waits.count(name)
}

func (m *Metrics) ObserveToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, result).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) SetUIClients(n int) {
	if m == nil {
		return
	}
	m.UIClients.Set(float64(n))
}

func (m *Metrics) ObserveCommentsDelivered(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CommentsDelivered.WithLabelValues(sweep).Add(float64(n))
}

// SnapshotWaits reports open waits and recent outcomes per kind.
func (m *Metrics) SnapshotWaits() WaitSnapshot {
	if m == nil {
		return WaitSnapshot{GeneratedAt: time.Now().UTC(), Kinds: []KindWaits{}}
	}
	return m.waits.snapshot()
}

func (m *Metrics) ResetWaits() {
	if m == nil {
		return
	}
	m.waits.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"Assembler-Bus/internal/core/protocol"
	"Assembler-Bus/internal/core/registry"
)

const (
	metricsNamespace = "upbus"
	metricsSubsystem = "transport"

	pathSubscriber = "subscriber"
	pathQueryable  = "queryable"
	pathReply      = "reply"

	outcomeDelivered = "delivered"
	outcomeDropped   = "dropped"
)

type metrics struct {
	sent    *prometheus.CounterVec
	inbound *prometheus.CounterVec
	calls   *prometheus.CounterVec
	expired prometheus.Counter
	pending prometheus.GaugeFunc
}

func newMetrics(listeners *registry.Listeners) *metrics {
	return &metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sent_total",
			Help:      "Outbound messages by kind and resulting status code.",
		}, []string{"kind", "code"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "inbound_total",
			Help:      "Inbound samples, queries and replies by path and outcome.",
		}, []string{"path", "outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rpc_calls_total",
			Help:      "Blocking RPC calls by resulting status code.",
		}, []string{"code"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_queries_expired_total",
			Help:      "Inbound requests evicted before a response was sent.",
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_queries",
			Help:      "Inbound requests waiting for a response.",
		}, func() float64 { return float64(listeners.PendingQueries()) }),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.sent, m.inbound, m.calls, m.expired, m.pending} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) observeSend(kind protocol.Kind, err error) {
	m.sent.WithLabelValues(kind.String(), protocol.CodeOf(err).String()).Inc()
}

func (m *metrics) observeCall(err error) {
	m.calls.WithLabelValues(protocol.CodeOf(err).String()).Inc()
}

func (m *metrics) delivered(path string) {
	m.inbound.WithLabelValues(path, outcomeDelivered).Inc()
}

func (m *metrics) dropped(path string) {
	m.inbound.WithLabelValues(path, outcomeDropped).Inc()
}

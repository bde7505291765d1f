package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fisync/fisync/pkg/coalesce"
	"github.com/fisync/fisync/pkg/protocol"
)

const namespace = "fisync"

// Metrics holds the server's collectors, registered on a registry owned by
// the server.
type Metrics struct {
	registry *prometheus.Registry

	authFailures     prometheus.Counter
	unauthenticated  prometheus.Counter
	rejected         prometheus.Counter
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	sendErrors       *prometheus.CounterVec
	decodeErrors     prometheus.Counter
	panics           prometheus.Counter
	flushes          *prometheus.CounterVec
	batchEntries     *prometheus.HistogramVec
	flushDuration    *prometheus.HistogramVec
	dataRequests     *prometheus.CounterVec
	dataBytes        prometheus.Counter
}

func newMetrics(r *Registry) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_pending",
		Help:      "Connections awaiting authentication.",
	}, func() float64 { return float64(r.PendingCount()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_authenticated",
		Help:      "Authenticated connections.",
	}, func() float64 { return float64(r.AuthenticatedCount()) })

	return &Metrics{
		registry: reg,
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts.",
		}),
		unauthenticated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthenticated_messages_total",
			Help:      "Non-authentication messages ignored from pending clients.",
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused because the session limit was reached.",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by message type.",
		}, []string{"message_type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages queued by message type.",
		}, []string{"message_type"}),
		sendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Outbound messages that could not be queued, by reason.",
		}, []string{"reason"}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped by the decoder.",
		}),
		panics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered message handler panics.",
		}),
		flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Non-empty coalescer flushes by module.",
		}, []string{"module_id"}),
		batchEntries: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_entries",
			Help:      "Entries per flushed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"module_id"}),
		flushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent building and broadcasting a batch.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"module_id"}),
		dataRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_requests_total",
			Help:      "Slice requests by outcome.",
		}, []string{"status"}),
		dataBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_bytes_sent_total",
			Help:      "Slice payload bytes sent.",
		}),
	}
}

// Registry returns the Prometheus registry holding the server metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeFlush(info coalesce.FlushInfo) {
	m.flushes.WithLabelValues(info.ModuleID).Inc()
	m.batchEntries.WithLabelValues(info.ModuleID).Observe(float64(info.Entries))
	m.flushDuration.WithLabelValues(info.ModuleID).Observe(info.Duration.Seconds())
}

func (m *Metrics) observeSend(msg protocol.Message, err error) {
	if err != nil {
		m.sendErrors.WithLabelValues(sendErrorReason(err)).Inc()
		return
	}
	m.messagesSent.WithLabelValues(messageTypeLabel(msg.Type())).Inc()
}

// messageTypeLabel bounds label cardinality to the known message types.
func messageTypeLabel(t string) string {
	switch t {
	case protocol.TypeAuthentication, protocol.TypeModuleList, protocol.TypeModule, protocol.TypeData:
		return t
	default:
		return "unknown"
	}
}

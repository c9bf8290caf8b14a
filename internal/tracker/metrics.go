package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/timmy/chronos/internal/domain"
)

// Metrics holds the tracker's prometheus instruments. A nil *Metrics is valid and
// records nothing, which keeps tests free of global registry state.
type Metrics struct {
	transitions       *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	created           prometheus.Counter
	evicted           prometheus.Counter
	observers         prometheus.Gauge
	observersDropped  *prometheus.CounterVec
	deliveryRetries   prometheus.Counter
	deliveriesSkipped prometheus.Counter
}

// NewMetrics registers the tracker instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "transitions_accepted_total",
			Help:      "Accepted job transitions by resulting status.",
		}, []string{"status"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "transitions_rejected_total",
			Help:      "Rejected proposals by rejection code.",
		}, []string{"code"}),
		created: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "jobs_created_total",
			Help:      "Jobs created from archive submissions.",
		}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "jobs_evicted_total",
			Help:      "Retired jobs removed from the recent view.",
		}),
		observers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chronos",
			Name:      "observers_connected",
			Help:      "Observers currently subscribed to the job stream.",
		}),
		observersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "observers_removed_total",
			Help:      "Observers removed from the job stream by reason.",
		}, []string{"reason"}),
		deliveryRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "delivery_retries_total",
			Help:      "Event sends retried after a transport failure.",
		}),
		deliveriesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chronos",
			Name:      "deliveries_deduplicated_total",
			Help:      "Job updates skipped because the observer already held that revision.",
		}),
	}
}

func (m *Metrics) transitionAccepted(status domain.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) transitionRejected(err error) {
	if m == nil {
		return
	}
	code := domain.ReasonCode(err)
	if code == "" {
		code = "other"
	}
	m.rejections.WithLabelValues(code).Inc()
}

func (m *Metrics) jobCreated() {
	if m == nil {
		return
	}
	m.created.Inc()
}

func (m *Metrics) jobEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}

func (m *Metrics) observerJoined() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) observerRemoved(reason RemoveReason) {
	if m == nil {
		return
	}
	m.observers.Dec()
	m.observersDropped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) deliveryRetried() {
	if m == nil {
		return
	}
	m.deliveryRetries.Inc()
}

func (m *Metrics) deliverySkipped() {
	if m == nil {
		return
	}
	m.deliveriesSkipped.Inc()
}

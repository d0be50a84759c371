package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process collectors. A nil *Metrics is valid and
// records nothing, so components can be built without it in tests.
type Metrics struct {
	Registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	Retries        *prometheus.CounterVec
	Throttled      prometheus.Counter
	Pulled         *prometheus.CounterVec
	Skipped        *prometheus.CounterVec
	Acknowledged   *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	Cycles         *prometheus.CounterVec
	SchedulerState prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_upstream_requests_total",
			Help: "Upstream API calls by operation and outcome",
		}, []string{"op", "outcome"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_upstream_retries_total",
			Help: "Upstream call retries by reason",
		}, []string{"reason"}),
		Throttled: f.NewCounter(prometheus.CounterOpts{
			Name: "dnbwatch_upstream_throttled_total",
			Help: "HTTP 429 responses received",
		}),
		Pulled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_notifications_pulled_total",
			Help: "Notifications normalized and handed to the router",
		}, []string{"registration"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_notifications_skipped_total",
			Help: "Records dropped before delivery",
		}, []string{"registration", "reason"}),
		Acknowledged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_pages_acknowledged_total",
			Help: "Notification pages acknowledged upstream",
		}, []string{"registration"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_sink_deliveries_total",
			Help: "Per-sink notification deliveries by outcome",
		}, []string{"sink", "outcome"}),
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dnbwatch_pull_cycles_total",
			Help: "Pull cycles by registration and outcome",
		}, []string{"registration", "outcome"}),
		SchedulerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "dnbwatch_scheduler_state",
			Help: "0 stopped, 1 running, 2 error",
		}),
	}
}

func (m *Metrics) Request(op, outcome string) {
	if m != nil {
		m.Requests.WithLabelValues(op, outcome).Inc()
	}
}

func (m *Metrics) Retry(reason string) {
	if m != nil {
		m.Retries.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Throttle() {
	if m != nil {
		m.Throttled.Inc()
	}
}

func (m *Metrics) AddPulled(ref string, n int) {
	if m != nil && n > 0 {
		m.Pulled.WithLabelValues(ref).Add(float64(n))
	}
}

func (m *Metrics) AddSkipped(ref, reason string, n int) {
	if m != nil && n > 0 {
		m.Skipped.WithLabelValues(ref, reason).Add(float64(n))
	}
}

func (m *Metrics) Ack(ref string) {
	if m != nil {
		m.Acknowledged.WithLabelValues(ref).Inc()
	}
}

func (m *Metrics) AddDeliveries(sink, outcome string, n int) {
	if m != nil && n > 0 {
		m.Deliveries.WithLabelValues(sink, outcome).Add(float64(n))
	}
}

func (m *Metrics) Cycle(ref, outcome string) {
	if m != nil {
		m.Cycles.WithLabelValues(ref, outcome).Inc()
	}
}

func (m *Metrics) SetSchedulerState(v int) {
	if m != nil {
		m.SchedulerState.Set(float64(v))
	}
}

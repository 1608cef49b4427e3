package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported on relay_events_dropped_total.
const (
	DropRetriesExhausted = "retries_exhausted"
	DropSerialization    = "serialization"
	DropShutdown         = "shutdown"
	DropPanic            = "panic"
	DropPersistence      = "persistence"
)

// Metrics holds the pipeline instruments, labelled by direction.
type Metrics struct {
	Fetched      *prometheus.CounterVec
	Duplicates   *prometheus.CounterVec
	Enqueued     *prometheus.CounterVec
	Forwarded    *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	FetchErrors  *prometheus.CounterVec
	Watermark    *prometheus.GaugeVec
	ChannelDepth *prometheus.GaugeVec
}

// NewMetrics registers the pipeline instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Fetched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_fetched_total",
			Help: "Events returned by the source or received from the stream.",
		}, []string{"direction"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_duplicate_total",
			Help: "Events skipped because the ledger already held their id.",
		}, []string{"direction"}),
		Enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_enqueued_total",
			Help: "Events recorded in the ledger and queued for forwarding.",
		}, []string{"direction"}),
		Forwarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_forwarded_total",
			Help: "Events delivered to the destination.",
		}, []string{"direction"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forward_retries_total",
			Help: "Forward attempts that failed and were retried.",
		}, []string{"direction"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_dropped_total",
			Help: "Queued events that were never delivered.",
		}, []string{"direction", "reason"}),
		FetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_fetch_errors_total",
			Help: "Failed fetch or persistence cycles.",
		}, []string{"direction"}),
		Watermark: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_watermark",
			Help: "Last persisted watermark.",
		}, []string{"direction"}),
		ChannelDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_channel_depth",
			Help: "Events waiting in the forwarding channel.",
		}, []string{"direction"}),
	}
}

// Pipelines without metrics skip every instrument below.

func (p *Pipeline) counter(vec func(*Metrics) *prometheus.CounterVec) prometheus.Counter {
	if p.metrics == nil {
		return nil
	}
	return vec(p.metrics).WithLabelValues(string(p.cfg.Direction))
}

func (p *Pipeline) fetchedCounter() prometheus.Counter {
	return p.counter(func(m *Metrics) *prometheus.CounterVec { return m.Fetched })
}

func (p *Pipeline) duplicateCounter() prometheus.Counter {
	return p.counter(func(m *Metrics) *prometheus.CounterVec { return m.Duplicates })
}

func (p *Pipeline) forwardedCounter() prometheus.Counter {
	return p.counter(func(m *Metrics) *prometheus.CounterVec { return m.Forwarded })
}

func (p *Pipeline) retryCounter() prometheus.Counter {
	return p.counter(func(m *Metrics) *prometheus.CounterVec { return m.Retries })
}

func (p *Pipeline) count(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

func (p *Pipeline) countFetchError() {
	p.count(p.counter(func(m *Metrics) *prometheus.CounterVec { return m.FetchErrors }), 1)
}

func (p *Pipeline) countEnqueued(depth int) {
	p.count(p.counter(func(m *Metrics) *prometheus.CounterVec { return m.Enqueued }), 1)
	p.setDepth(depth)
}

func (p *Pipeline) setDepth(depth int) {
	if p.metrics != nil {
		p.metrics.ChannelDepth.WithLabelValues(string(p.cfg.Direction)).Set(float64(depth))
	}
}

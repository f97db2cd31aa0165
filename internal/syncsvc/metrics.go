package syncsvc

import (
	"github.com/prometheus/client_golang/prometheus"

	"collabtext/diam/internal/viewport"
)

const (
	resultOK           = "ok"
	resultInvalid      = "invalid"
	resultUnauthorized = "unauthorized"
	resultError        = "error"

	pathSubscribe = "subscribe"
	pathNotify    = "notify"
)

// Metrics collects counters about the synchronization service.
type Metrics struct {
	subscribes      *prometheus.CounterVec
	renderFailures  *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	updates         prometheus.Counter
	publishFailures prometheus.Counter
	catchUps        prometheus.Counter
	viewports       prometheus.Collector
}

// NewMetrics returns an unregistered set of metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		subscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diam",
			Name:      "subscribes_total",
			Help:      "Subscribe requests by result.",
		}, []string{"result"}),
		renderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diam",
			Name:      "render_failures_total",
			Help:      "Failed render cycles by the path that triggered them.",
		}, []string{"path"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diam",
			Name:      "viewport_evictions_total",
			Help:      "Viewports removed from the registry by reason.",
		}, []string{"reason"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diam",
			Name:      "updates_published_total",
			Help:      "Patches published to viewport topics.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diam",
			Name:      "publish_failures_total",
			Help:      "Patches the publisher refused.",
		}),
		catchUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diam",
			Name:      "catchup_patches_total",
			Help:      "Patches sent to existing subscribers when a new subscriber re-rendered their viewport.",
		}),
	}
}

// TrackRegistry adds a gauge reporting the number of cached viewports.
func (m *Metrics) TrackRegistry(r *viewport.Registry) {
	m.viewports = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "diam",
		Name:      "viewports",
		Help:      "Viewports currently cached.",
	}, func() float64 { return float64(r.Len()) })
}

// Evicted is a viewport.RegistryConfig.OnEvict callback.
func (m *Metrics) Evicted(_ viewport.Key, reason viewport.EvictReason) {
	m.evictions.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) collectors() []prometheus.Collector {
	cs := []prometheus.Collector{
		m.subscribes, m.renderFailures, m.evictions,
		m.updates, m.publishFailures, m.catchUps,
	}
	if m.viewports != nil {
		cs = append(cs, m.viewports)
	}
	return cs
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

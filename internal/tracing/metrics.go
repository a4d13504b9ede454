package tracing

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
	metricsOn    bool
)

// InitRegistry creates the Prometheus registry metrics are recorded
// against. Must be called before NewRuntimeMetrics; until it runs,
// NewRuntimeMetrics returns nil.
func InitRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		metricsOn = true
	})
	return registry
}

// IsMetricsEnabled reports whether InitRegistry has run.
func IsMetricsEnabled() bool { return metricsOn }

// GetRegistry returns the registry created by InitRegistry, or nil.
func GetRegistry() *prometheus.Registry { return registry }

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format, for pkg/config.MetricsConfig.Port to listen on.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}

// RuntimeMetrics holds the gauges and counters for one rank's events in
// flight, pool usage, and current epoch. pkg/runtime does not create or
// update one.
type RuntimeMetrics struct {
	eventsPending prometheus.Gauge
	poolLive      prometheus.Gauge
	poolAllocs    prometheus.Counter
	poolFrees     prometheus.Counter
	currentEpoch  *prometheus.GaugeVec
}

// NewRuntimeMetrics registers the runtime gauges against the registry
// created by InitRegistry. Returns nil when metrics are disabled; every
// method on a nil *RuntimeMetrics is a no-op, mirroring the nil-receiver
// pattern the rest of the example pack's metrics types use.
func NewRuntimeMetrics(rank int) *RuntimeMetrics {
	if !IsMetricsEnabled() {
		return nil
	}
	reg := GetRegistry()
	labels := prometheus.Labels{"rank": strconv.Itoa(rank)}

	return &RuntimeMetrics{
		eventsPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "vt_events_pending",
			Help:        "Number of events not yet triggered in this rank's event system.",
			ConstLabels: labels,
		}),
		poolLive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "vt_pool_live_blocks",
			Help:        "Number of pool blocks currently allocated and not yet freed.",
			ConstLabels: labels,
		}),
		poolAllocs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vt_pool_allocs_total",
			Help:        "Total number of pool allocations.",
			ConstLabels: labels,
		}),
		poolFrees: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name:        "vt_pool_frees_total",
			Help:        "Total number of pool frees.",
			ConstLabels: labels,
		}),
		currentEpoch: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "vt_termination_current_epoch",
			Help: "Most recently observed termination-detection epoch, by rank.",
		}, []string{"rank"}),
	}
}

func (m *RuntimeMetrics) SetEventsPending(n int) {
	if m == nil {
		return
	}
	m.eventsPending.Set(float64(n))
}

func (m *RuntimeMetrics) SetPoolLive(n uint64) {
	if m == nil {
		return
	}
	m.poolLive.Set(float64(n))
}

func (m *RuntimeMetrics) AddPoolAllocs(n uint64) {
	if m == nil {
		return
	}
	m.poolAllocs.Add(float64(n))
}

func (m *RuntimeMetrics) AddPoolFrees(n uint64) {
	if m == nil {
		return
	}
	m.poolFrees.Add(float64(n))
}

func (m *RuntimeMetrics) SetCurrentEpoch(rank int, epoch uint64) {
	if m == nil {
		return
	}
	m.currentEpoch.WithLabelValues(strconv.Itoa(rank)).Set(float64(epoch))
}

package s3db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements Metrics using Prometheus client_golang.
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, uses the default Prometheus registry.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricObjectOps] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "object",
			Name:      "operations_total",
			Help:      "Total number of object client operations",
		},
		[]string{"operation", "backend"},
	)

	p.counters[MetricObjectErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "object",
			Name:      "errors_total",
			Help:      "Total number of object client errors",
		},
		[]string{"operation", "backend", "error_type"},
	)

	p.counters[MetricPartitionDrift] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "partition",
			Name:      "drift_total",
			Help:      "Total number of partition.drift events observed",
		},
		[]string{"resource", "partition"},
	)

	p.counters[MetricCacheHits] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of partition cache hits",
		},
		[]string{"resource", "partition"},
	)

	p.counters[MetricCacheMisses] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of partition cache misses",
		},
		[]string{"resource", "partition"},
	)

	p.counters[MetricCoordinatorHeartbeat] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "coordinator",
			Name:      "heartbeats_total",
			Help:      "Total number of coordinator heartbeats sent",
		},
		[]string{"namespace", "worker"},
	)

	p.counters[MetricCoordinatorElection] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "coordinator",
			Name:      "elections_total",
			Help:      "Total number of leader election attempts",
		},
		[]string{"namespace"},
	)

	p.counters[MetricCoordinatorLeaderChange] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "s3db",
			Subsystem: "coordinator",
			Name:      "leader_changes_total",
			Help:      "Total number of leader changes observed",
		},
		[]string{"namespace"},
	)

	p.histograms[MetricObjectLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "s3db",
			Subsystem: "object",
			Name:      "operation_duration_seconds",
			Help:      "Object client operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "backend"},
	)

	p.histograms[MetricQueryDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "s3db",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Resource query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"resource"},
	)

	p.histograms[MetricQueryResults] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "s3db",
			Subsystem: "query",
			Name:      "results",
			Help:      "Number of results returned by a resource query",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		},
		[]string{"resource"},
	)

	p.histograms[MetricConsolidationDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "s3db",
			Subsystem: "ec",
			Name:      "consolidation_duration_seconds",
			Help:      "Eventual-consistency consolidation round duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource", "field"},
	)

	p.gauges[MetricLockActive] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "s3db",
			Subsystem: "lock",
			Name:      "active",
			Help:      "Number of currently held locks",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter, creating a dynamic one on
// first use for any metric name not predeclared above.
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "s3db",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value.
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "s3db",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram.
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "s3db",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram (in seconds).
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// sanitizeMetricName strips the "s3db." prefix tags already add via the
// Namespace option, so dynamic metrics don't end up double-prefixed.
func sanitizeMetricName(name string) string {
	const prefix = "s3db."
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r == '.' || r == '-' {
			out = append(out, '_')
			continue
		}
		out = append(out, byte(r))
	}
	return string(out)
}

// GetRegistry returns the underlying Prometheus registry.
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// prometheusMetrics implements the Metrics facade on a dedicated
// Prometheus registry. Keys are registered lazily on first use, so
// components do not need to declare their metrics up front.
type prometheusMetrics struct {
	prefix   string
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

func newPrometheus(o Options) *prometheusMetrics {
	r := prometheus.NewRegistry()
	if o.EnableRuntimeMetrics {
		r.MustRegister(collectors.NewGoCollector())
		r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	return &prometheusMetrics{
		prefix:     o.Prefix,
		registry:   r,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// sanitize converts a facade key into a valid Prometheus metric name.
func (p *prometheusMetrics) sanitize(key string) string {
	name := p.prefix + key
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func (p *prometheusMetrics) counter(key string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.counters[key]
	if !ok {
		c = prometheus.NewCounter(prometheus.CounterOpts{Name: p.sanitize(key) + "_total"})
		p.registry.MustRegister(c)
		p.counters[key] = c
	}

	return c
}

func (p *prometheusMetrics) gauge(key string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gauges[key]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: p.sanitize(key)})
		p.registry.MustRegister(g)
		p.gauges[key] = g
	}

	return g
}

func (p *prometheusMetrics) histogram(key string) prometheus.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.histograms[key]
	if !ok {
		h = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    p.sanitize(key) + "_seconds",
			Buckets: prometheus.DefBuckets,
		})
		p.registry.MustRegister(h)
		p.histograms[key] = h
	}

	return h
}

func (p *prometheusMetrics) MeasureSince(key string, start time.Time) {
	p.histogram(key).Observe(time.Since(start).Seconds())
}

func (p *prometheusMetrics) IncCounter(key string) {
	p.counter(key).Inc()
}

func (p *prometheusMetrics) IncCounterBy(key string, value int64) {
	p.counter(key).Add(float64(value))
}

func (p *prometheusMetrics) UpdateGauge(key string, value float64) {
	p.gauge(key).Set(value)
}

func (p *prometheusMetrics) handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

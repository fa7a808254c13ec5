// Package metrics implements collection of common performance metrics
// for the gateway. The collected metrics include route lookup and
// backend latencies, rate limiter and cache store query outcomes, and
// counters for the terminal pipeline outcomes.
//
// The package provides a facade interface, implemented on Prometheus.
// Components should use the facade so that tests can substitute the
// mock implementation from the metricstest package.
package metrics

import (
	"net/http"
	"time"
)

// Metrics is the facade used by the gateway components.
type Metrics interface {
	MeasureSince(key string, start time.Time)
	IncCounter(key string)
	IncCounterBy(key string, value int64)
	UpdateGauge(key string, value float64)
}

// Common metric keys.
const (
	KeyRouteLookup   = "routing.lookup"
	KeyRouteRefresh  = "routing.refresh"
	KeyProxyBackend  = "proxy.backend"
	KeyProxyTotal    = "proxy.total"
	KeyIncludeLookup = "jsonapi.include.lookup"
)

// Options for initializing metrics collection.
type Options struct {
	// Common prefix for the keys of the collected metrics.
	Prefix string

	// EnableRuntimeMetrics collects Go runtime metrics in
	// addition to the gateway traffic metrics.
	EnableRuntimeMetrics bool
}

// Default is the facade used by components that are not constructed
// with an explicit Metrics instance. It is a noop implementation until
// Init is called.
var Default Metrics = Void

// Void is a noop implementation of the Metrics interface.
var Void Metrics = &voidMetrics{}

type voidMetrics struct{}

func (voidMetrics) MeasureSince(string, time.Time) {}
func (voidMetrics) IncCounter(string)              {}
func (voidMetrics) IncCounterBy(string, int64)     {}
func (voidMetrics) UpdateGauge(string, float64)    {}

// Init initializes the collection of metrics with a Prometheus
// backend and installs it as the Default facade. It returns the
// handler serving the scrape endpoint.
func Init(o Options) (Metrics, http.Handler) {
	if o.Prefix == "" {
		o.Prefix = "tollgate."
	}

	p := newPrometheus(o)
	Default = p
	return p, p.handler()
}

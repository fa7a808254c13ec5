// Package ratelimit implements the per-tenant request quota
// enforcement of the gateway.
//
// Requests are counted per (tenant, route class) key in a shared redis
// store within a rolling time window: the counter is incremented and
// fetched on every request, and expires with the window so that
// rollover happens through the store's TTL, never through an explicit
// reset. Exceeding the tenant's governor limit rejects the request
// before it is forwarded upstream.
//
// Failure policy: the limiter FAILS OPEN. When the counter store is
// unreachable, requests are allowed and the error is logged and
// counted. Losing rate enforcement for the duration of a store outage
// is preferred over rejecting all traffic.
package ratelimit

import (
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxHits is the global default quota for tenants
	// without an explicit governor limit.
	DefaultMaxHits = 1000

	// DefaultTimeWindow is the window of the global default
	// quota.
	DefaultTimeWindow = time.Minute

	// DefaultIPMaxHits is the per-client-address quota applied to
	// public endpoints that carry no tenant context.
	DefaultIPMaxHits = 100

	// DefaultIPTimeWindow is the window of the per-client-address
	// quota.
	DefaultIPTimeWindow = time.Minute
)

// Settings is the quota of a single tenant: MaxHits requests per
// TimeWindow.
type Settings struct {
	MaxHits    int64
	TimeWindow time.Duration
}

func (s Settings) valid() bool {
	return s.MaxHits > 0 && s.TimeWindow > 0
}

// Limits holds the governor limits per tenant. The map is replaced
// wholesale on refresh, readers always see a complete set. The
// per-client-address quota for public endpoints is kept separately and
// survives refreshes.
type Limits struct {
	def Settings
	ip  atomic.Pointer[Settings]
	m   atomic.Pointer[map[string]Settings]
}

// NewLimits returns a limit registry with the given default for
// tenants that have no explicit limit.
func NewLimits(def Settings) *Limits {
	if !def.valid() {
		def = Settings{MaxHits: DefaultMaxHits, TimeWindow: DefaultTimeWindow}
	}

	l := &Limits{def: def}
	empty := map[string]Settings{}
	l.m.Store(&empty)
	ip := Settings{MaxHits: DefaultIPMaxHits, TimeWindow: DefaultIPTimeWindow}
	l.ip.Store(&ip)
	return l
}

// SetIPLimit overrides the per-client-address quota. Invalid settings
// are ignored.
func (l *Limits) SetIPLimit(s Settings) {
	if s.valid() {
		l.ip.Store(&s)
	}
}

// GetIP returns the per-client-address quota for public endpoints.
func (l *Limits) GetIP() Settings {
	return *l.ip.Load()
}

// Replace installs a new complete set of tenant limits.
func (l *Limits) Replace(m map[string]Settings) {
	if m == nil {
		m = map[string]Settings{}
	}
	l.m.Store(&m)
}

// Get returns the governor limit of the tenant, falling back to the
// global default.
func (l *Limits) Get(tenantID string) Settings {
	if s, ok := (*l.m.Load())[tenantID]; ok && s.valid() {
		return s
	}

	return l.def
}

package routing

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/metrics"
)

// Snapshot is the complete set of routes active at a point in time,
// together with a monotonically increasing generation. Snapshots are
// immutable after construction.
type Snapshot struct {
	Generation uint64

	routes []*Route
}

// NewSnapshot compiles the route definitions into a snapshot. Routes
// that fail to compile are dropped with a log entry, a single bad
// definition must not invalidate the rest of the set. The definitions
// are copied, callers may reuse them for later snapshots.
func NewSnapshot(generation uint64, routes []*Route) *Snapshot {
	compiled := make([]*Route, 0, len(routes))
	for _, r := range routes {
		c := *r
		if err := c.compile(); err != nil {
			log.Errorf("dropping route %s (%s): %v", c.ID, c.Path, err)
			continue
		}
		compiled = append(compiled, &c)
	}

	return &Snapshot{Generation: generation, routes: compiled}
}

// Len returns the number of routes in the snapshot.
func (s *Snapshot) Len() int { return len(s.routes) }

// Routes returns the routes of the snapshot in declaration order. The
// returned slice must not be modified.
func (s *Snapshot) Routes() []*Route { return s.routes }

// lookup returns the best matching route. Most specific pattern wins,
// an exact tenant match beats a wildcard of equal specificity, and
// remaining ties are broken by declaration order.
func (s *Snapshot) lookup(tenantID, path string) *Route {
	segs := splitPath(path)

	var (
		best      *Route
		bestScore = -1
	)

	for _, r := range s.routes {
		if !r.matchesTenant(tenantID) {
			continue
		}

		n, ok := r.matches(segs)
		if !ok {
			continue
		}

		// two specificity dimensions: literal segments, then
		// exact over wildcard tenant
		score := n << 1
		if r.TenantID != "" && r.TenantID != TenantWildcard {
			score++
		}

		if score > bestScore {
			best, bestScore = r, score
		}
	}

	return best
}

// Registry holds the currently installed route snapshot. Replace is an
// atomic pointer swap, Lookup never blocks on a concurrent replace.
type Registry struct {
	live    atomic.Pointer[Snapshot]
	metrics metrics.Metrics
}

// NewRegistry returns a registry with an installed empty snapshot, so
// that Lookup is safe to call before the first replace.
func NewRegistry(m metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.Default
	}

	r := &Registry{metrics: m}
	r.live.Store(NewSnapshot(0, nil))
	return r
}

// Replace installs the snapshot as the live one. Snapshots with a
// generation not newer than the installed one are rejected, protecting
// against replays of stale refresh results.
func (r *Registry) Replace(s *Snapshot) bool {
	for {
		cur := r.live.Load()
		if cur != nil && s.Generation <= cur.Generation && cur.Len() > 0 {
			log.Warnf("rejecting stale route snapshot: generation %d <= %d",
				s.Generation, cur.Generation)
			return false
		}

		if r.live.CompareAndSwap(cur, s) {
			log.Infof("installed route snapshot: generation %d, %d routes",
				s.Generation, s.Len())
			return true
		}
	}
}

// Snapshot returns the currently installed snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.live.Load()
}

// Lookup returns the best matching route of the live snapshot for the
// tenant and path, or ErrNotFound.
func (r *Registry) Lookup(tenantID, path string) (*Route, error) {
	start := time.Now()
	defer r.metrics.MeasureSince(metrics.KeyRouteLookup, start)

	if rt := r.live.Load().lookup(tenantID, path); rt != nil {
		return rt, nil
	}

	return nil, ErrNotFound
}

// LookupCollection returns the first route serving the named
// collection, used by include resolution to find the owning backend.
func (r *Registry) LookupCollection(collection string) (*Route, error) {
	for _, rt := range r.live.Load().routes {
		if rt.CollectionName == collection {
			return rt, nil
		}
	}

	return nil, ErrNotFound
}

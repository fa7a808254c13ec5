// Package routing implements the dynamic route table of the gateway.
//
// The complete set of routes is kept in an immutable Snapshot. Request
// handling always reads the currently installed snapshot through an
// atomic pointer, while refresh builds a new snapshot out of band and
// swaps it in wholesale. A reader either sees the previous or the next
// snapshot, never a partially updated one.
package routing

import (
	"errors"
	"strings"
)

// TenantWildcard matches any tenant in a route definition.
const TenantWildcard = "*"

var (
	// ErrNotFound is returned by Lookup when no route matches.
	ErrNotFound = errors.New("no matching route")

	// ErrInvalidRoute is returned for route definitions without a
	// usable path pattern.
	ErrInvalidRoute = errors.New("invalid route definition")
)

// Route maps a path pattern of a tenant to an upstream backend. Routes
// are immutable once constructed, only complete snapshots get replaced.
type Route struct {
	// ID is the route identifier, typically the id of the
	// collection record the route was derived from.
	ID string

	// TenantID restricts the route to a single tenant. The
	// TenantWildcard value (or empty) matches all tenants.
	TenantID string

	// Path is the match pattern: a literal path, optionally with
	// a trailing "/**" segment matching any suffix.
	Path string

	// BackendURL is the upstream target base URL.
	BackendURL string

	// CollectionName names the collection served by the backend,
	// used for include resolution and cache keys.
	CollectionName string

	// PolicyID identifies the authorization policy required for
	// the route. Empty means no policy check.
	PolicyID string

	segments []string
	prefix   bool
}

// compile precomputes the segment form of the path pattern.
func (r *Route) compile() error {
	if r.Path == "" || r.Path[0] != '/' {
		return ErrInvalidRoute
	}

	p := strings.Trim(r.Path, "/")
	var segs []string
	if p != "" {
		segs = strings.Split(p, "/")
	}

	if n := len(segs); n > 0 && segs[n-1] == "**" {
		r.prefix = true
		segs = segs[:n-1]
	}

	for _, s := range segs {
		if s == "" || s == "**" {
			return ErrInvalidRoute
		}
	}

	r.segments = segs
	return nil
}

// matches reports whether the pattern matches the path, and how many
// literal segments matched. More literal segments means a more
// specific route.
func (r *Route) matches(pathSegs []string) (int, bool) {
	if r.prefix {
		if len(pathSegs) < len(r.segments) {
			return 0, false
		}
	} else if len(pathSegs) != len(r.segments) {
		return 0, false
	}

	for i, s := range r.segments {
		if pathSegs[i] != s {
			return 0, false
		}
	}

	return len(r.segments), true
}

// matchesTenant reports whether the route applies to the tenant.
func (r *Route) matchesTenant(tenantID string) bool {
	return r.TenantID == "" || r.TenantID == TenantWildcard || r.TenantID == tenantID
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

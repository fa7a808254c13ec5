package jsonapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/metrics"
	"github.com/tollgate-io/tollgate/routing"
)

// DefaultMaxDepth bounds transitive include resolution. Include paths
// with more hops are truncated, preventing unbounded fan-out.
const DefaultMaxDepth = 3

// RouteSource finds the route serving a collection, used to locate the
// owning backend of a resource type.
type RouteSource interface {
	LookupCollection(collection string) (*routing.Route, error)
}

// ResolverOptions configure a Resolver.
type ResolverOptions struct {
	// Cache is the shared related-resource cache.
	Cache *ResourceCache

	// Routes locates the owning backend per resource type.
	Routes RouteSource

	// Client performs the backend fetches on cache misses. When
	// nil, a client with a 5 second timeout is used.
	Client *http.Client

	// MaxDepth bounds nested include resolution, defaults to
	// DefaultMaxDepth.
	MaxDepth int

	Metrics metrics.Metrics
}

// Resolver expands include directives into materialized related
// resources.
//
// Resolution is cache-first: every referenced (type, id) pair is
// looked up in the shared cache and fetched from the owning backend
// only on a miss, populating the cache for subsequent requests. A
// reference whose target no longer exists is omitted from the result,
// a deleted record is not an error. Cache store outages degrade to
// backend fetches.
type Resolver struct {
	opts ResolverOptions
}

func NewResolver(o ResolverOptions) *Resolver {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &Resolver{opts: o}
}

// ParseIncludeParam splits a comma separated include query parameter
// into the individual relationship paths.
func ParseIncludeParam(param string) []string {
	var paths []string
	for _, p := range strings.Split(param, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}

	return paths
}

// Resolve materializes the resources referenced by the include paths
// from the primary data. Nested paths ("comments.author") resolve
// transitively, deduplicating repeated references across all paths and
// hops.
func (r *Resolver) Resolve(ctx context.Context, includePaths []string, primary []*ResourceObject) []*ResourceObject {
	if len(includePaths) == 0 || len(primary) == 0 {
		return nil
	}

	start := time.Now()
	defer r.opts.Metrics.MeasureSince(metrics.KeyIncludeLookup, start)

	st := &resolveState{
		skip:         make(map[ResourceIdentifier]bool),
		materialized: make(map[ResourceIdentifier]*ResourceObject),
	}
	for _, ro := range primary {
		st.skip[ro.Identifier()] = true
	}

	var included []*ResourceObject
	for _, path := range splitPaths(includePaths, r.opts.MaxDepth) {
		r.resolvePath(ctx, path, primary, st, &included)
	}
	return included
}

// splitPaths splits dot separated include paths and truncates them to
// the depth bound.
func splitPaths(includePaths []string, maxDepth int) [][]string {
	var paths [][]string
	for _, p := range includePaths {
		segs := strings.Split(p, ".")
		if len(segs) > maxDepth {
			log.Warnf("truncating include path %q to %d hops", p, maxDepth)
			segs = segs[:maxDepth]
		}
		paths = append(paths, segs)
	}

	return paths
}

// resolveState carries the dedup bookkeeping shared across include
// paths: primary resources are never re-included, and a resource
// materialized by one path is reused, not re-added, when another path
// reaches it.
type resolveState struct {
	skip         map[ResourceIdentifier]bool
	materialized map[ResourceIdentifier]*ResourceObject
}

// resolvePath resolves one include path hop by hop. Each hop matches
// only the resources materialized by the previous hop of the same
// path, relationships of resources pulled in by other paths are not
// followed.
func (r *Resolver) resolvePath(ctx context.Context, segs []string, resources []*ResourceObject, st *resolveState, out *[]*ResourceObject) {
	if len(segs) == 0 || len(resources) == 0 {
		return
	}

	var next []*ResourceObject
	for _, ri := range extractIdentifiers(segs[:1], resources) {
		if st.skip[ri] {
			continue
		}

		if ro, ok := st.materialized[ri]; ok {
			if ro != nil {
				next = append(next, ro)
			}
			continue
		}

		ro := r.lookup(ctx, ri)
		st.materialized[ri] = ro
		if ro == nil {
			// target gone, treated as soft-deleted
			continue
		}

		*out = append(*out, ro)
		next = append(next, ro)
	}

	r.resolvePath(ctx, segs[1:], next, st, out)
}

// extractIdentifiers collects the relationship targets for the
// requested include names. A name matches a relationship by exact key,
// by case-insensitive key, or by the target resource type, in that
// order.
func extractIdentifiers(includeNames []string, resources []*ResourceObject) []ResourceIdentifier {
	var (
		ids   []ResourceIdentifier
		dedup = make(map[ResourceIdentifier]bool)
	)

	add := func(rel Relationship) {
		for _, ri := range rel.identifiers() {
			if !dedup[ri] {
				dedup[ri] = true
				ids = append(ids, ri)
			}
		}
	}

	for _, ro := range resources {
		if len(ro.Relationships) == 0 {
			continue
		}

		for _, name := range includeNames {
			if rel, ok := ro.Relationships[name]; ok {
				add(rel)
				continue
			}

			found := false
			for key, rel := range ro.Relationships {
				if strings.EqualFold(key, name) {
					add(rel)
					found = true
					break
				}
			}
			if found {
				continue
			}

			for _, rel := range ro.Relationships {
				if strings.EqualFold(rel.targetType(), name) {
					add(rel)
				}
			}
		}
	}

	return ids
}

// lookup returns the referenced resource from the cache, or from the
// owning backend on a miss.
func (r *Resolver) lookup(ctx context.Context, ri ResourceIdentifier) *ResourceObject {
	if ro := r.opts.Cache.Get(ctx, ri); ro != nil {
		r.opts.Metrics.IncCounter("jsonapi.cache.hit")
		return ro
	}

	r.opts.Metrics.IncCounter("jsonapi.cache.miss")
	return r.fetch(ctx, ri)
}

// fetch retrieves the resource from the backend owning its collection
// and populates the cache. Any failure resolves to a missing resource,
// one unreachable record must not fail the whole response.
func (r *Resolver) fetch(ctx context.Context, ri ResourceIdentifier) *ResourceObject {
	route, err := r.opts.Routes.LookupCollection(ri.Type)
	if err != nil {
		log.Warnf("no route for collection %s, omitting included resource %s:%s",
			ri.Type, ri.Type, ri.ID)
		return nil
	}

	url := fmt.Sprintf("%s/api/collections/%s/%s", route.BackendURL, ri.Type, ri.ID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		log.Warnf("building backend request for %s:%s: %v", ri.Type, ri.ID, err)
		return nil
	}

	rsp, err := r.opts.Client.Do(req)
	if err != nil {
		log.Warnf("backend fetch failed for %s:%s: %v", ri.Type, ri.ID, err)
		return nil
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		log.Debugf("backend returned %d for %s:%s", rsp.StatusCode, ri.Type, ri.ID)
		return nil
	}

	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		log.Warnf("reading backend response for %s:%s: %v", ri.Type, ri.ID, err)
		return nil
	}

	doc, err := ParseDocument(body)
	if err != nil {
		log.Warnf("parsing backend response for %s:%s: %v", ri.Type, ri.ID, err)
		return nil
	}

	resources, err := doc.Resources()
	if err != nil || len(resources) == 0 {
		log.Debugf("backend returned no data for %s:%s", ri.Type, ri.ID)
		return nil
	}

	ro := resources[0]
	r.opts.Cache.Set(ctx, ro)
	return ro
}

package routing

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/metrics"
)

// DataClient provides the full route set from the configuration
// backend. Implementations live outside this package, see the
// controlplane package.
type DataClient interface {
	LoadRoutes(ctx context.Context) ([]*Route, error)
}

// RefresherOptions configure a Refresher.
type RefresherOptions struct {
	// Client fetches the route set.
	Client DataClient

	// Registry to publish snapshots to.
	Registry *Registry

	// StaticRoutes are installed ahead of the fetched routes in
	// every snapshot, e.g. the control plane route itself.
	StaticRoutes []*Route

	// Timeout bounds a single fetch. Defaults to 10 seconds.
	Timeout time.Duration

	// PostRefresh, when set, runs after every successfully
	// published snapshot, including bootstrap.
	PostRefresh func()

	Metrics metrics.Metrics
}

// Refresher performs the synchronous bootstrap and the event-driven
// refresh of the route table. Refresh triggers are coalesced: while a
// refresh is running, any number of additional triggers collapse into
// a single follow-up refresh.
type Refresher struct {
	opts       RefresherOptions
	generation uint64
	trigger    chan struct{}
}

const defaultRefreshTimeout = 10 * time.Second

func NewRefresher(o RefresherOptions) *Refresher {
	if o.Timeout <= 0 {
		o.Timeout = defaultRefreshTimeout
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}

	return &Refresher{
		opts:    o,
		trigger: make(chan struct{}, 1),
	}
}

// Bootstrap fetches and installs the initial snapshot. An error here
// is fatal for the caller: the gateway must not serve traffic without
// route knowledge.
func (rf *Refresher) Bootstrap(ctx context.Context) error {
	if err := rf.refresh(ctx); err != nil {
		return fmt.Errorf("route bootstrap: %w", err)
	}

	return nil
}

// Trigger requests a refresh. It never blocks, pending triggers are
// coalesced.
func (rf *Refresher) Trigger() {
	select {
	case rf.trigger <- struct{}{}:
	default:
	}
}

// Run consumes refresh triggers until the context is cancelled. A
// failed refresh keeps the previous snapshot live and is logged, it
// never propagates to request handling.
func (rf *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rf.trigger:
			if err := rf.refresh(ctx); err != nil {
				log.Warnf("route refresh failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

func (rf *Refresher) refresh(ctx context.Context) error {
	start := time.Now()
	defer rf.opts.Metrics.MeasureSince(metrics.KeyRouteRefresh, start)

	ctx, cancel := context.WithTimeout(ctx, rf.opts.Timeout)
	defer cancel()

	fetched, err := rf.opts.Client.LoadRoutes(ctx)
	if err != nil {
		rf.opts.Metrics.IncCounter(metrics.KeyRouteRefresh + ".failure")
		return err
	}

	routes := make([]*Route, 0, len(rf.opts.StaticRoutes)+len(fetched))
	routes = append(routes, rf.opts.StaticRoutes...)
	routes = append(routes, fetched...)

	rf.generation++
	if !rf.opts.Registry.Replace(NewSnapshot(rf.generation, routes)) {
		return fmt.Errorf("snapshot generation %d rejected", rf.generation)
	}

	rf.opts.Metrics.IncCounter(metrics.KeyRouteRefresh + ".success")

	if rf.opts.PostRefresh != nil {
		rf.opts.PostRefresh()
	}

	return nil
}

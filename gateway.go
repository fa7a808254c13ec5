// Package tollgate implements a multi-tenant API gateway.
//
// The gateway authenticates requests, routes them to dynamically
// discovered upstream targets, enforces per-tenant governor limits,
// applies object and field level authorization, and resolves JSON:API
// include parameters. Routes, tenant mappings and quotas change at
// runtime without a restart: configuration is bootstrapped from the
// control plane at startup and refreshed through change events.
package tollgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/auth"
	"github.com/tollgate-io/tollgate/authz"
	"github.com/tollgate-io/tollgate/controlplane"
	"github.com/tollgate-io/tollgate/events"
	"github.com/tollgate-io/tollgate/jsonapi"
	"github.com/tollgate-io/tollgate/logging"
	"github.com/tollgate-io/tollgate/metrics"
	"github.com/tollgate-io/tollgate/net"
	"github.com/tollgate-io/tollgate/proxy"
	"github.com/tollgate-io/tollgate/ratelimit"
	"github.com/tollgate-io/tollgate/routing"
	"github.com/tollgate-io/tollgate/tenant"
)

const (
	// ControlPlaneRouteID is the id of the static route serving
	// the control plane through the gateway.
	ControlPlaneRouteID = "00000000-0000-0000-0000-000000000100"

	controlPlanePath       = "/control/**"
	controlPlaneCollection = "__control-plane"
)

// Options to start the gateway.
type Options struct {
	// Address the gateway listens on.
	Address string

	// SupportListener serves the metrics scrape endpoint.
	SupportListener string

	// ControlPlaneURL is the base URL of the configuration
	// backend.
	ControlPlaneURL string

	// RedisAddrs are the shards of the shared counter/cache
	// store. When empty, rate limiting and include resolution
	// caching are disabled.
	RedisAddrs []string

	// RedisPassword for the shared store.
	RedisPassword string

	// PublicPaths are exempt from tenant and authentication
	// requirements.
	PublicPaths []string

	// DefaultMaxHits and DefaultTimeWindow are the governor limit
	// for tenants without an explicit one.
	DefaultMaxHits    int64
	DefaultTimeWindow time.Duration

	// SlugRefreshInterval of the periodic tenant slug refresh.
	SlugRefreshInterval time.Duration

	// BackendTimeout bounds a forwarded request.
	BackendTimeout time.Duration

	// TokenValidator validates bearer tokens. Required.
	TokenValidator auth.TokenValidator

	// Policies evaluates route policies, defaults to allowing.
	Policies authz.PolicyEvaluator

	// Fields filters response bodies, defaults to passthrough.
	Fields authz.FieldFilter

	// EventSource delivers change events. Optional, the route
	// table is then refreshed only via the periodic slug cycle
	// and explicit triggers.
	EventSource events.Source

	// ApplicationLogPrefix, AccessLogDisabled and LogLevel
	// configure logging.
	ApplicationLogPrefix string
	AccessLogDisabled    bool
	LogLevel             string

	// MetricsPrefix for the collected metrics.
	MetricsPrefix        string
	EnableRuntimeMetrics bool
}

// refreshClient loads a full configuration snapshot and distributes
// its side data: every successful route refresh also replaces the
// governor limits and the slug map wholesale.
type refreshClient struct {
	cp     *controlplane.Client
	limits *ratelimit.Limits
	slugs  *tenant.SlugCache
}

func (c *refreshClient) LoadRoutes(ctx context.Context) ([]*routing.Route, error) {
	cfg, err := c.cp.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}

	limits := make(map[string]ratelimit.Settings, len(cfg.GovernorLimits))
	for _, l := range cfg.GovernorLimits {
		limits[l.TenantID] = ratelimit.Settings{
			MaxHits:    int64(l.RequestsPerWindow),
			TimeWindow: time.Duration(l.WindowSeconds) * time.Second,
		}
	}
	c.limits.Replace(limits)
	c.slugs.Replace(cfg.TenantSlugs)

	return controlplane.Convert(cfg.Routes), nil
}

// Run starts the gateway and blocks until SIGINT/SIGTERM. Bootstrap
// failure is fatal: the gateway does not serve traffic without route
// knowledge.
func Run(o Options) error {
	if o.ControlPlaneURL == "" {
		return errors.New("control plane URL required")
	}
	if o.TokenValidator == nil {
		return errors.New("token validator required")
	}

	logging.Init(logging.Options{
		ApplicationLogPrefix: o.ApplicationLogPrefix,
		AccessLogDisabled:    o.AccessLogDisabled,
		Level:                o.LogLevel,
	})

	m, metricsHandler := metrics.Init(metrics.Options{
		Prefix:               o.MetricsPrefix,
		EnableRuntimeMetrics: o.EnableRuntimeMetrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cp := controlplane.New(controlplane.Options{URL: o.ControlPlaneURL})

	var redisClient *net.RedisRingClient
	if len(o.RedisAddrs) > 0 {
		redisClient = net.NewRedisRingClient(&net.RedisOptions{
			Addrs:    o.RedisAddrs,
			Password: o.RedisPassword,
		})
		defer redisClient.Close()
		if !redisClient.RingAvailable() {
			log.Warn("redis not reachable at startup, rate limiting fails open until it recovers")
		}
		redisClient.StartMetricsCollection()
	}

	limits := ratelimit.NewLimits(ratelimit.Settings{
		MaxHits:    o.DefaultMaxHits,
		TimeWindow: o.DefaultTimeWindow,
	})

	slugs := tenant.NewSlugCache(tenant.SlugCacheOptions{
		Source:          cp,
		RefreshInterval: o.SlugRefreshInterval,
	})

	registry := routing.NewRegistry(m)

	refresher := routing.NewRefresher(routing.RefresherOptions{
		Client:   &refreshClient{cp: cp, limits: limits, slugs: slugs},
		Registry: registry,
		StaticRoutes: []*routing.Route{{
			ID:             ControlPlaneRouteID,
			TenantID:       routing.TenantWildcard,
			Path:           controlPlanePath,
			BackendURL:     o.ControlPlaneURL,
			CollectionName: controlPlaneCollection,
		}},
		Metrics: m,
	})

	if err := refresher.Bootstrap(ctx); err != nil {
		return err
	}
	log.Infof("route bootstrap completed with %d routes", registry.Snapshot().Len())

	go refresher.Run(ctx)
	go slugs.Run(ctx)

	var (
		limiter  *ratelimit.ClusterLimit
		resolver *jsonapi.Resolver
		cache    *jsonapi.ResourceCache
	)
	if redisClient != nil {
		limiter = ratelimit.NewClusterLimit(redisClient, limits, m)
		cache = jsonapi.NewResourceCache(&jsonapi.RedisStore{Client: redisClient}, 0)
		resolver = jsonapi.NewResolver(jsonapi.ResolverOptions{
			Cache:   cache,
			Routes:  registry,
			Metrics: m,
		})
	}

	if o.EventSource != nil {
		listener := events.NewListener(events.ListenerOptions{
			Source:         o.EventSource,
			TriggerRefresh: refresher.Trigger,
			Invalidate: func(ctx context.Context, collection, id string) error {
				if cache == nil {
					return nil
				}
				return cache.Invalidate(ctx, collection, id)
			},
			Metrics: m,
		})
		go listener.Run(ctx)
	}

	px := proxy.WithParams(proxy.Params{
		Registry:       registry,
		Slugs:          slugs,
		Limiter:        limiter,
		Validator:      o.TokenValidator,
		Policies:       o.Policies,
		Fields:         o.Fields,
		Includes:       resolver,
		PublicPaths:    o.PublicPaths,
		BackendTimeout: o.BackendTimeout,
		Metrics:        m,
	})
	defer px.Close()

	if o.SupportListener != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		go func() {
			if err := http.ListenAndServe(o.SupportListener, mux); err != nil {
				log.Errorf("support listener failed: %v", err)
			}
		}()
	}

	handler := http.Handler(px)
	handler = healthHandler(redisClient, cp, handler)

	server := &http.Server{
		Addr:              o.Address,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("gateway listening on %s", o.Address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// pinger is the reachability probe of a gateway dependency.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler serves the gateway-local health endpoint ahead of the
// pipeline, reporting the reachability of the shared stores.
func healthHandler(redisClient *net.RedisRingClient, cp pinger, next http.Handler) http.Handler {
	probe := func(ctx context.Context, p pinger) string {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return "down"
		}
		return "up"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			next.ServeHTTP(w, r)
			return
		}

		status := map[string]string{"status": "ok"}
		if redisClient != nil {
			status["redis"] = probe(r.Context(), redisClient)
		}
		if cp != nil {
			status["control_plane"] = probe(r.Context(), cp)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
}

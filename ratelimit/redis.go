package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/metrics"
	"github.com/tollgate-io/tollgate/net"
)

const (
	keyFormat      = "ratelimit:%s:%s"
	ipKeyFormat    = "ratelimit:ip:%s"
	dailyKeyFormat = "api-calls-daily:%s:%s"
	dailyKeyTTL    = 48 * time.Hour

	redisMetricsPrefix = "ratelimit.redis."
)

// Result of a single rate limit check.
type Result struct {
	// Allowed reports whether the request may be forwarded.
	Allowed bool

	// Limit is the tenant's requests-per-window quota.
	Limit int64

	// Remaining requests in the current window, 0 when rejected.
	Remaining int64

	// RetryAfter is the wait in seconds until the current window
	// expires, at least 1. It is set on every result so callers can
	// report the window reset, and doubles as the suggested wait
	// when rejected.
	RetryAfter int
}

// ClusterLimit enforces governor limits across all gateway instances
// sharing the redis ring.
type ClusterLimit struct {
	client  *net.RedisRingClient
	limits  *Limits
	metrics metrics.Metrics
}

// NewClusterLimit creates a limiter on the shared counter store.
func NewClusterLimit(client *net.RedisRingClient, limits *Limits, m metrics.Metrics) *ClusterLimit {
	if m == nil {
		m = metrics.Default
	}

	return &ClusterLimit{client: client, limits: limits, metrics: m}
}

func limitKey(tenantID, class string) string {
	return fmt.Sprintf(keyFormat, tenantID, class)
}

// Allow counts the request against the tenant's window and reports
// whether it is within the quota.
//
// The counter is incremented and its expiry set in one transactional
// pipeline, so concurrent gateway instances never lose updates. The
// store error path fails open, see the package documentation.
func (c *ClusterLimit) Allow(ctx context.Context, tenantID, class string) Result {
	return c.allow(ctx, limitKey(tenantID, class), c.limits.Get(tenantID))
}

// AllowIP counts the request against the per-client-address window
// used for public endpoints that have no tenant to count against.
func (c *ClusterLimit) AllowIP(ctx context.Context, addr string) Result {
	return c.allow(ctx, fmt.Sprintf(ipKeyFormat, addr), c.limits.GetIP())
}

func (c *ClusterLimit) allow(ctx context.Context, key string, s Settings) Result {
	c.metrics.IncCounter(redisMetricsPrefix + "total")

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, s.TimeWindow)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("rate limit check failed for %s, allowing request: %v", key, err)
		c.metrics.IncCounter(redisMetricsPrefix + "failopen")
		return Result{
			Allowed:    true,
			Limit:      s.MaxHits,
			Remaining:  s.MaxHits,
			RetryAfter: int(s.TimeWindow / time.Second),
		}
	}

	count := incr.Val()
	reset := resetAfter(ttl.Val(), s)
	if count > s.MaxHits {
		c.metrics.IncCounter(redisMetricsPrefix + "forbids")
		log.Debugf("rate limit exceeded for %s: %d > %d", key, count, s.MaxHits)
		return Result{
			Allowed:    false,
			Limit:      s.MaxHits,
			RetryAfter: reset,
		}
	}

	c.metrics.IncCounter(redisMetricsPrefix + "allows")
	return Result{
		Allowed:    true,
		Limit:      s.MaxHits,
		Remaining:  s.MaxHits - count,
		RetryAfter: reset,
	}
}

// resetAfter derives the wait until the window expires from the TTL of
// the counter key, at least 1 second.
func resetAfter(ttl time.Duration, s Settings) int {
	const minWait = 1

	if ttl <= 0 {
		return int(s.TimeWindow/time.Second) + minWait
	}

	if res := int(ttl / time.Second); res > 0 {
		return res + 1
	}

	return minWait
}

// IncrDaily increments the daily usage counter of the tenant. The
// counter carries today's UTC date in its key and a 48 hour TTL for
// cleanup. Errors are logged only, usage accounting never affects the
// request.
func (c *ClusterLimit) IncrDaily(ctx context.Context, tenantID string) {
	today := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf(dailyKeyFormat, tenantID, today)

	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, dailyKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("failed to increment daily usage counter for tenant %s: %v", tenantID, err)
	}
}

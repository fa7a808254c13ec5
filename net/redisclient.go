package net

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/metrics"
)

// RedisOptions is used to configure the redis.Ring
type RedisOptions struct {
	// Addrs are the list of redis shards
	Addrs []string

	// Password is the password needed to connect to the redis
	// shards.
	Password string

	// ReadTimeout for redis socket reads
	ReadTimeout time.Duration
	// WriteTimeout for redis socket writes
	WriteTimeout time.Duration
	// DialTimeout is the max time.Duration to dial a new connection
	DialTimeout time.Duration

	// PoolTimeout is the max time.Duration to get a connection from pool
	PoolTimeout time.Duration
	// MinIdleConns is the minimum number of socket connections to redis
	MinIdleConns int
	// MaxIdleConns is the maximum number of socket connections to redis
	MaxIdleConns int

	// ConnMetricsInterval defines the frequency of updating the redis
	// connection related metrics. Defaults to 60 seconds.
	ConnMetricsInterval time.Duration
	// MetricsPrefix is the prefix for redis ring client metrics,
	// defaults to "redis." if not set
	MetricsPrefix string
}

// RedisRingClient is a redis ring client with the command surface the
// gateway needs: window counters for rate limiting and the TTL-bounded
// resource cache for include resolution.
type RedisRingClient struct {
	ring          *redis.Ring
	metrics       metrics.Metrics
	metricsPrefix string
	options       *RedisOptions
	quit          chan struct{}
}

const (
	DefaultReadTimeout  = 25 * time.Millisecond
	DefaultWriteTimeout = 25 * time.Millisecond
	DefaultPoolTimeout  = 25 * time.Millisecond
	DefaultDialTimeout  = 25 * time.Millisecond
	DefaultMinConns     = 100
	DefaultMaxConns     = 100

	defaultConnMetricsInterval = 60 * time.Second
	defaultMetricsPrefix       = "redis."
)

func NewRedisRingClient(ro *RedisOptions) *RedisRingClient {
	r := new(RedisRingClient)
	r.quit = make(chan struct{})
	r.metrics = metrics.Default
	r.metricsPrefix = defaultMetricsPrefix

	ringOptions := &redis.RingOptions{
		Addrs: map[string]string{},
	}

	if ro != nil {
		for idx, addr := range ro.Addrs {
			ringOptions.Addrs[fmt.Sprintf("redis%d", idx)] = addr
		}
		ringOptions.Password = ro.Password
		ringOptions.ReadTimeout = ro.ReadTimeout
		ringOptions.WriteTimeout = ro.WriteTimeout
		ringOptions.PoolTimeout = ro.PoolTimeout
		ringOptions.DialTimeout = ro.DialTimeout
		ringOptions.MinIdleConns = ro.MinIdleConns
		ringOptions.PoolSize = ro.MaxIdleConns
		if ro.ConnMetricsInterval <= 0 {
			ro.ConnMetricsInterval = defaultConnMetricsInterval
		}
		if ro.MetricsPrefix != "" {
			r.metricsPrefix = ro.MetricsPrefix
		}

		r.options = ro
		r.ring = redis.NewRing(ringOptions)
	}

	return r
}

// RingAvailable pings the ring with exponential backoff. It is used as
// a startup probe, the gateway does not require it to succeed.
func (r *RedisRingClient) RingAvailable() bool {
	var err error
	err = backoff.Retry(func() error {
		_, err = r.ring.Ping(context.Background()).Result()
		if err != nil {
			log.Infof("Failed to ping redis, retry with backoff: %v", err)
		}
		return err
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 7))

	return err == nil
}

func (r *RedisRingClient) StartMetricsCollection() {
	go func() {
		for {
			select {
			case <-time.After(r.options.ConnMetricsInterval):
				stats := r.ring.PoolStats()
				r.metrics.UpdateGauge(r.metricsPrefix+"hits", float64(stats.Hits))
				r.metrics.UpdateGauge(r.metricsPrefix+"idleconns", float64(stats.IdleConns))
				r.metrics.UpdateGauge(r.metricsPrefix+"misses", float64(stats.Misses))
				r.metrics.UpdateGauge(r.metricsPrefix+"staleconns", float64(stats.StaleConns))
				r.metrics.UpdateGauge(r.metricsPrefix+"timeouts", float64(stats.Timeouts))
				r.metrics.UpdateGauge(r.metricsPrefix+"totalconns", float64(stats.TotalConns))
			case <-r.quit:
				r.ring.Close()
				return
			}
		}
	}()
}

func (r *RedisRingClient) Close() {
	if r != nil {
		close(r.quit)
	}
}

func (r *RedisRingClient) Ping(ctx context.Context) error {
	return r.ring.Ping(ctx).Err()
}

func (r *RedisRingClient) TxPipeline() redis.Pipeliner {
	return r.ring.TxPipeline()
}

func (r *RedisRingClient) Get(ctx context.Context, key string) (string, error) {
	return r.ring.Get(ctx, key).Result()
}

// IsNil reports whether an error returned by Get means a missing key.
func IsNil(err error) bool {
	return err == redis.Nil
}

func (r *RedisRingClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.ring.Set(ctx, key, value, expiration).Err()
}

func (r *RedisRingClient) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.ring.Del(ctx, keys...).Result()
}

func (r *RedisRingClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.ring.TTL(ctx, key).Result()
}

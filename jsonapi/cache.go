package jsonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/net"
)

// DefaultCacheTTL bounds the lifetime of cached related resources.
const DefaultCacheTTL = 10 * time.Minute

const cacheKeyPrefix = "jsonapi:"

// Store is the key-value store used for the related-resource cache.
// The gateway implementation is redis, tests may substitute an
// in-memory one.
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisStore implements Store on the shared redis ring.
type RedisStore struct {
	Client *net.RedisRingClient
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.Client.Get(ctx, key)
	if err != nil {
		if net.IsNil(err) {
			return "", false, nil
		}
		return "", false, err
	}

	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl)
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	_, err := s.Client.Del(ctx, keys...)
	return err
}

// CacheKey returns the store key of a cached resource.
func CacheKey(resourceType, id string) string {
	return fmt.Sprintf("%s%s:%s", cacheKeyPrefix, resourceType, id)
}

// ResourceCache is the TTL-bounded cache of serialized related
// resources.
type ResourceCache struct {
	store Store
	ttl   time.Duration
}

// NewResourceCache wraps the store with the resource key schema. A ttl
// of zero applies DefaultCacheTTL.
func NewResourceCache(store Store, ttl time.Duration) *ResourceCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &ResourceCache{store: store, ttl: ttl}
}

// Get returns the cached resource, or nil on a miss. Store errors and
// undecodable entries are logged and reported as misses, the caller
// falls back to the backend.
func (c *ResourceCache) Get(ctx context.Context, ri ResourceIdentifier) *ResourceObject {
	v, ok, err := c.store.Get(ctx, CacheKey(ri.Type, ri.ID))
	if err != nil {
		log.Warnf("resource cache lookup failed for %s:%s: %v", ri.Type, ri.ID, err)
		return nil
	}
	if !ok {
		return nil
	}

	var ro ResourceObject
	if err := json.Unmarshal([]byte(v), &ro); err != nil {
		log.Warnf("dropping undecodable cached resource %s:%s: %v", ri.Type, ri.ID, err)
		return nil
	}

	return &ro
}

// Set caches the resource with the configured TTL. Errors are logged
// only, a failed cache write must not fail the request.
func (c *ResourceCache) Set(ctx context.Context, ro *ResourceObject) {
	b, err := json.Marshal(ro)
	if err != nil {
		log.Warnf("failed to serialize resource %s:%s for caching: %v", ro.Type, ro.ID, err)
		return
	}

	if err := c.store.Set(ctx, CacheKey(ro.Type, ro.ID), string(b), c.ttl); err != nil {
		log.Warnf("failed to cache resource %s:%s: %v", ro.Type, ro.ID, err)
	}
}

// Invalidate drops the cached entry of (resourceType, id).
func (c *ResourceCache) Invalidate(ctx context.Context, resourceType, id string) error {
	return c.store.Del(ctx, CacheKey(resourceType, id))
}

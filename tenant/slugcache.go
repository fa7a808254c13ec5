// Package tenant implements the slug to tenant id resolution cache.
//
// The cache is read-mostly: request handling resolves slugs from the
// currently installed map, while refresh replaces the whole map
// wholesale. A failed refresh keeps the previous map, stale-but-valid
// beats empty-and-broken.
package tenant

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrEmptySlugMap is returned by Refresh when the backend responds
// with no entries. The previous map is retained.
var ErrEmptySlugMap = errors.New("empty tenant slug map")

// SlugSource fetches the full slug to tenant id map from the
// configuration backend.
type SlugSource interface {
	SlugMap(ctx context.Context) (map[string]string, error)
}

// SlugCacheOptions configure a SlugCache.
type SlugCacheOptions struct {
	Source SlugSource

	// RefreshInterval of the background refresh. Defaults to 5
	// minutes.
	RefreshInterval time.Duration

	// Timeout bounds a single fetch. Defaults to 5 seconds.
	Timeout time.Duration
}

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultFetchTimeout    = 5 * time.Second
)

// SlugCache maps URL tenant slugs to internal tenant ids.
type SlugCache struct {
	opts SlugCacheOptions
	m    atomic.Pointer[map[string]string]
}

func NewSlugCache(o SlugCacheOptions) *SlugCache {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultFetchTimeout
	}

	c := &SlugCache{opts: o}
	empty := map[string]string{}
	c.m.Store(&empty)
	return c
}

// Resolve returns the tenant id for a slug. An empty or blank slug, or
// an unpopulated cache, resolves to absent.
func (c *SlugCache) Resolve(slug string) (string, bool) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return "", false
	}

	id, ok := (*c.m.Load())[slug]
	return id, ok
}

// IsKnown reports whether the slug resolves to a tenant.
func (c *SlugCache) IsKnown(slug string) bool {
	_, ok := c.Resolve(slug)
	return ok
}

// Len returns the number of cached slugs.
func (c *SlugCache) Len() int {
	return len(*c.m.Load())
}

// Replace installs m wholesale. An empty map is ignored, the previous
// entries are kept.
func (c *SlugCache) Replace(m map[string]string) {
	if len(m) == 0 {
		return
	}
	c.m.Store(&m)
}

// Refresh fetches the full slug map and replaces the cached one. On
// any error, including an empty or nil response, the previous map is
// left untouched. The returned error is informational, callers must
// not fail request handling on it.
func (c *SlugCache) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	m, err := c.opts.Source.SlugMap(ctx)
	if err != nil {
		log.Warnf("tenant slug refresh failed, keeping %d entries: %v", c.Len(), err)
		return err
	}

	if len(m) == 0 {
		log.Warnf("tenant slug refresh returned no entries, keeping %d entries", c.Len())
		return ErrEmptySlugMap
	}

	c.m.Store(&m)
	log.Debugf("tenant slug cache refreshed: %d entries", len(m))
	return nil
}

// Run refreshes the cache periodically until the context is
// cancelled.
func (c *SlugCache) Run(ctx context.Context) {
	t := time.NewTicker(c.opts.RefreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = c.Refresh(ctx)
		}
	}
}

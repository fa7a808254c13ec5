// Package controlplane implements the HTTP client for the
// configuration backend. The gateway uses it for the synchronous
// bootstrap at startup and for the out-of-band refresh of routes,
// governor limits and the tenant slug map.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/routing"
)

const (
	bootstrapPath = "/internal/bootstrap"
	slugMapPath   = "/internal/tenants/slug-map"
)

// RouteDoc is a route definition as served by the bootstrap endpoint.
type RouteDoc struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenantId"`
	Path           string `json:"path"`
	BackendURL     string `json:"backendUrl"`
	CollectionName string `json:"collectionName"`
	PolicyID       string `json:"policyId"`
}

// GovernorLimitDoc is a tenant request quota as served by the
// bootstrap endpoint.
type GovernorLimitDoc struct {
	TenantID          string `json:"tenantId"`
	RequestsPerWindow int    `json:"requestsPerWindow"`
	WindowSeconds     int    `json:"windowSeconds"`
}

// BootstrapConfig is the full configuration payload of the bootstrap
// endpoint.
type BootstrapConfig struct {
	Routes         []RouteDoc         `json:"routes"`
	GovernorLimits []GovernorLimitDoc `json:"governorLimits"`
	TenantSlugs    map[string]string  `json:"tenantSlugs"`
}

// Options configure a Client.
type Options struct {
	// URL is the base URL of the configuration backend.
	URL string

	// Timeout bounds a single call. Defaults to 10 seconds.
	Timeout time.Duration
}

// Client calls the configuration backend. It implements
// routing.DataClient and tenant.SlugSource.
type Client struct {
	url    string
	client *http.Client
}

const defaultTimeout = 10 * time.Second

func New(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}

	return &Client{
		url:    o.URL,
		client: &http.Client{Timeout: o.Timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, doc any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.url+path, nil)
	if err != nil {
		return err
	}

	rsp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: unexpected status %d", path, rsp.StatusCode)
	}

	if err := json.NewDecoder(rsp.Body).Decode(doc); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}

// Bootstrap fetches the full bootstrap configuration.
func (c *Client) Bootstrap(ctx context.Context) (*BootstrapConfig, error) {
	var cfg BootstrapConfig
	if err := c.get(ctx, bootstrapPath, &cfg); err != nil {
		return nil, err
	}

	log.Debugf("fetched bootstrap configuration: %d routes, %d limits, %d slugs",
		len(cfg.Routes), len(cfg.GovernorLimits), len(cfg.TenantSlugs))
	return &cfg, nil
}

// LoadRoutes fetches the current route set. It implements
// routing.DataClient for the refresh orchestrator.
func (c *Client) LoadRoutes(ctx context.Context) ([]*routing.Route, error) {
	cfg, err := c.Bootstrap(ctx)
	if err != nil {
		return nil, err
	}

	return Convert(cfg.Routes), nil
}

// Ping reports whether the configuration backend is reachable, used by
// the gateway's health endpoint. The slug map is the cheapest endpoint
// the backend serves.
func (c *Client) Ping(ctx context.Context) error {
	var m map[string]string
	return c.get(ctx, slugMapPath, &m)
}

// SlugMap fetches the full slug to tenant id map. It implements
// tenant.SlugSource.
func (c *Client) SlugMap(ctx context.Context) (map[string]string, error) {
	var m map[string]string
	if err := c.get(ctx, slugMapPath, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// Convert maps route documents to routing definitions.
func Convert(docs []RouteDoc) []*routing.Route {
	routes := make([]*routing.Route, 0, len(docs))
	for _, d := range docs {
		routes = append(routes, &routing.Route{
			ID:             d.ID,
			TenantID:       d.TenantID,
			Path:           d.Path,
			BackendURL:     d.BackendURL,
			CollectionName: d.CollectionName,
			PolicyID:       d.PolicyID,
		})
	}

	return routes
}

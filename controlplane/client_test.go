package controlplane

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootstrapBody = `{
	"routes": [
		{
			"id": "r1",
			"path": "/orders/**",
			"backendUrl": "http://orders.internal",
			"collectionName": "orders",
			"policyId": "p1",
			"tenantId": "*"
		}
	],
	"governorLimits": [
		{"tenantId": "tenant-1", "requestsPerWindow": 100, "windowSeconds": 60}
	],
	"tenantSlugs": {"acme": "tenant-1"}
}`

func testServer(t *testing.T, status int) *httptest.Server {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/internal/bootstrap":
			w.WriteHeader(status)
			fmt.Fprint(w, bootstrapBody)
		case "/internal/tenants/slug-map":
			w.WriteHeader(status)
			fmt.Fprint(w, `{"acme": "tenant-1", "initech": "tenant-2"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func TestBootstrap(t *testing.T) {
	s := testServer(t, http.StatusOK)
	c := New(Options{URL: s.URL})

	cfg, err := c.Bootstrap(context.Background())
	require.NoError(t, err)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "r1", cfg.Routes[0].ID)
	assert.Equal(t, "http://orders.internal", cfg.Routes[0].BackendURL)
	assert.Equal(t, "orders", cfg.Routes[0].CollectionName)
	assert.Equal(t, "p1", cfg.Routes[0].PolicyID)

	require.Len(t, cfg.GovernorLimits, 1)
	assert.Equal(t, "tenant-1", cfg.GovernorLimits[0].TenantID)
	assert.Equal(t, 100, cfg.GovernorLimits[0].RequestsPerWindow)
	assert.Equal(t, 60, cfg.GovernorLimits[0].WindowSeconds)

	assert.Equal(t, map[string]string{"acme": "tenant-1"}, cfg.TenantSlugs)
}

func TestBootstrapErrorStatus(t *testing.T) {
	s := testServer(t, http.StatusInternalServerError)
	c := New(Options{URL: s.URL})

	_, err := c.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestLoadRoutes(t *testing.T) {
	s := testServer(t, http.StatusOK)
	c := New(Options{URL: s.URL})

	routes, err := c.LoadRoutes(context.Background())
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/orders/**", routes[0].Path)
	assert.Equal(t, "*", routes[0].TenantID)
}

func TestPing(t *testing.T) {
	s := testServer(t, http.StatusOK)
	c := New(Options{URL: s.URL})
	assert.NoError(t, c.Ping(context.Background()))

	s = testServer(t, http.StatusInternalServerError)
	c = New(Options{URL: s.URL})
	assert.Error(t, c.Ping(context.Background()))

	c = New(Options{URL: "http://127.0.0.1:1"})
	assert.Error(t, c.Ping(context.Background()))
}

func TestSlugMap(t *testing.T) {
	s := testServer(t, http.StatusOK)
	c := New(Options{URL: s.URL})

	m, err := c.SlugMap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"acme": "tenant-1", "initech": "tenant-2"}, m)
}

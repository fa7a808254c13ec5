package proxy

import (
	stdlibcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate-io/tollgate/auth"
	"github.com/tollgate-io/tollgate/jsonapi"
	"github.com/tollgate-io/tollgate/metrics"
	"github.com/tollgate-io/tollgate/routing"
	"github.com/tollgate-io/tollgate/tenant"
)

type fakeValidator map[string]*auth.Principal

func (v fakeValidator) Validate(_ stdlibcontext.Context, token string) (*auth.Principal, error) {
	if p, ok := v[token]; ok {
		return p, nil
	}
	return nil, auth.ErrInvalidToken
}

type policyFunc func(p *auth.Principal, policyID string) (bool, error)

func (f policyFunc) Evaluate(_ stdlibcontext.Context, p *auth.Principal, policyID string) (bool, error) {
	return f(p, policyID)
}

type fieldFunc func(body []byte) ([]byte, error)

func (f fieldFunc) FilterResponse(_ stdlibcontext.Context, _ *auth.Principal, _ string, body []byte) ([]byte, error) {
	return f(body)
}

func testSlugs() *tenant.SlugCache {
	c := tenant.NewSlugCache(tenant.SlugCacheOptions{})
	c.Replace(map[string]string{"acme": "tenant-1", "initech": "tenant-2"})
	return c
}

func testRegistry(t *testing.T, routes ...*routing.Route) *routing.Registry {
	r := routing.NewRegistry(metrics.Void)
	require.True(t, r.Replace(routing.NewSnapshot(1, routes)))
	return r
}

func newTestProxy(t *testing.T, p Params) *httptest.Server {
	if p.Slugs == nil {
		p.Slugs = testSlugs()
	}
	if p.Validator == nil {
		p.Validator = fakeValidator{"valid-token": {Subject: "user-1", TenantID: "tenant-1"}}
	}
	p.Metrics = metrics.Void

	px := WithParams(p)
	t.Cleanup(px.Close)

	s := httptest.NewServer(px)
	t.Cleanup(s.Close)
	return s
}

func get(t *testing.T, url, token string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest("GET", url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rsp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp, body
}

func decodeError(t *testing.T, body []byte) (status int, code, path string) {
	t.Helper()

	var e struct {
		Error struct {
			Status  int    `json:"status"`
			Code    string `json:"code"`
			Message string `json:"message"`
			Path    string `json:"path"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error.Status, e.Error.Code, e.Error.Path
}

func TestForwardStripsSlugAndSetsHeaders(t *testing.T) {
	var seen *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer backend.Close()

	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**", BackendURL: backend.URL,
		}),
	})

	rsp, body := get(t, s.URL+"/acme/orders/7?include=x", "valid-token")
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.JSONEq(t, `{"ok": true}`, string(body))

	require.NotNil(t, seen)
	assert.Equal(t, "/orders/7", seen.URL.Path)
	assert.Equal(t, "tenant-1", seen.Header.Get("X-Tenant-Id"))
	assert.NotEmpty(t, seen.Header.Get("X-Request-Id"))
	assert.Empty(t, seen.Header.Get("Connection"))
}

func TestUnknownTenant(t *testing.T) {
	s := newTestProxy(t, Params{Registry: testRegistry(t)})

	rsp, body := get(t, s.URL+"/globex/orders", "valid-token")
	require.Equal(t, http.StatusNotFound, rsp.StatusCode)

	status, code, path := decodeError(t, body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "TENANT_NOT_FOUND", code)
	assert.Equal(t, "/globex/orders", path)
}

func TestInvalidSlug(t *testing.T) {
	s := newTestProxy(t, Params{Registry: testRegistry(t)})

	for _, path := range []string{"/", "/X/orders", "/a/orders", "/-bad-/orders"} {
		rsp, body := get(t, s.URL+path, "valid-token")
		require.Equal(t, http.StatusNotFound, rsp.StatusCode, path)
		_, code, _ := decodeError(t, body)
		assert.Equal(t, "TENANT_NOT_FOUND", code, path)
	}
}

func TestMissingToken(t *testing.T) {
	s := newTestProxy(t, Params{Registry: testRegistry(t)})

	rsp, body := get(t, s.URL+"/acme/orders", "")
	require.Equal(t, http.StatusUnauthorized, rsp.StatusCode)
	_, code, _ := decodeError(t, body)
	assert.Equal(t, "UNAUTHENTICATED", code)
}

func TestInvalidToken(t *testing.T) {
	s := newTestProxy(t, Params{Registry: testRegistry(t)})

	rsp, body := get(t, s.URL+"/acme/orders", "wrong")
	require.Equal(t, http.StatusUnauthorized, rsp.StatusCode)
	_, code, _ := decodeError(t, body)
	assert.Equal(t, "UNAUTHENTICATED", code)
}

func TestPublicPathBypassesTenantAndAuth(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "up")
	}))
	defer backend.Close()

	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "status", TenantID: "*", Path: "/status/**", BackendURL: backend.URL,
		}),
		PublicPaths: []string{"/status"},
	})

	rsp, body := get(t, s.URL+"/status/ping", "")
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "up", string(body))
}

func TestRouteNotFound(t *testing.T) {
	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**", BackendURL: "http://unused",
		}),
	})

	rsp, body := get(t, s.URL+"/acme/invoices/7", "valid-token")
	require.Equal(t, http.StatusNotFound, rsp.StatusCode)
	_, code, _ := decodeError(t, body)
	assert.Equal(t, "ROUTE_NOT_FOUND", code)
}

func TestPolicyDenies(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "never")
	}))
	defer backend.Close()

	registry := testRegistry(t, &routing.Route{
		ID: "orders", TenantID: "*", Path: "/orders/**",
		BackendURL: backend.URL, PolicyID: "orders-read",
	})

	for name, policy := range map[string]policyFunc{
		"denied": func(*auth.Principal, string) (bool, error) { return false, nil },
		"error denies": func(*auth.Principal, string) (bool, error) {
			return true, errors.New("policy backend down")
		},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestProxy(t, Params{Registry: registry, Policies: policy})

			rsp, body := get(t, s.URL+"/acme/orders/7", "valid-token")
			require.Equal(t, http.StatusForbidden, rsp.StatusCode)
			_, code, _ := decodeError(t, body)
			assert.Equal(t, "FORBIDDEN", code)
		})
	}
}

func TestPolicyReceivesPrincipal(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	var gotSubject, gotPolicy string
	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**",
			BackendURL: backend.URL, PolicyID: "orders-read",
		}),
		Policies: policyFunc(func(p *auth.Principal, policyID string) (bool, error) {
			gotSubject, gotPolicy = p.Subject, policyID
			return true, nil
		}),
	})

	rsp, _ := get(t, s.URL+"/acme/orders/7", "valid-token")
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "user-1", gotSubject)
	assert.Equal(t, "orders-read", gotPolicy)
}

func TestBackendUnreachable(t *testing.T) {
	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**",
			BackendURL: "http://127.0.0.1:1",
		}),
	})

	rsp, body := get(t, s.URL+"/acme/orders/7", "valid-token")
	require.Equal(t, http.StatusBadGateway, rsp.StatusCode)
	_, code, _ := decodeError(t, body)
	assert.Equal(t, "BAD_GATEWAY", code)
}

func TestBackendTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer backend.Close()

	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**", BackendURL: backend.URL,
		}),
		BackendTimeout: 50 * time.Millisecond,
	})

	rsp, body := get(t, s.URL+"/acme/orders/7", "valid-token")
	require.Equal(t, http.StatusGatewayTimeout, rsp.StatusCode)
	_, code, _ := decodeError(t, body)
	assert.Equal(t, "GATEWAY_TIMEOUT", code)
}

func TestFieldFilterRewritesBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"public": 1, "secret": 2}`)
	}))
	defer backend.Close()

	registry := testRegistry(t, &routing.Route{
		ID: "orders", TenantID: "*", Path: "/orders/**",
		BackendURL: backend.URL, CollectionName: "orders",
	})

	s := newTestProxy(t, Params{
		Registry: registry,
		Fields: fieldFunc(func(body []byte) ([]byte, error) {
			return []byte(strings.Replace(string(body), `"secret": 2`, `"secret": null`, 1)), nil
		}),
	})

	rsp, body := get(t, s.URL+"/acme/orders/7", "valid-token")
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.JSONEq(t, `{"public": 1, "secret": null}`, string(body))
	assert.Equal(t, fmt.Sprint(len(body)), rsp.Header.Get("Content-Length"))
}

func TestFieldFilterFailureForbids(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{}")
	}))
	defer backend.Close()

	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**", BackendURL: backend.URL,
		}),
		Fields: fieldFunc(func([]byte) ([]byte, error) {
			return nil, errors.New("permission store down")
		}),
	})

	rsp, body := get(t, s.URL+"/acme/orders/7", "valid-token")
	require.Equal(t, http.StatusForbidden, rsp.StatusCode)
	_, code, _ := decodeError(t, body)
	assert.Equal(t, "FORBIDDEN", code)
}

func TestIncludeResolution(t *testing.T) {
	related := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/collections/customers/c1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data": {"type": "customers", "id": "c1", "attributes": {"name": "acme"}}}`)
	}))
	defer related.Close()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {
			"type": "orders", "id": "o1",
			"relationships": {"customer": {"data": {"type": "customers", "id": "c1"}}}
		}}`)
	}))
	defer backend.Close()

	registry := testRegistry(t,
		&routing.Route{ID: "orders", TenantID: "*", Path: "/orders/**",
			BackendURL: backend.URL, CollectionName: "orders"},
		&routing.Route{ID: "customers", TenantID: "*", Path: "/customers/**",
			BackendURL: related.URL, CollectionName: "customers"},
	)

	resolver := jsonapi.NewResolver(jsonapi.ResolverOptions{
		Cache:   jsonapi.NewResourceCache(mapStore{}, 0),
		Routes:  registry,
		Metrics: metrics.Void,
	})

	s := newTestProxy(t, Params{Registry: registry, Includes: resolver})

	rsp, body := get(t, s.URL+"/acme/orders/o1?include=customer", "valid-token")
	require.Equal(t, http.StatusOK, rsp.StatusCode)

	var doc struct {
		Included []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"included"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Len(t, doc.Included, 1)
	assert.Equal(t, "c1", doc.Included[0].ID)

	// without the parameter the response passes unchanged
	_, body = get(t, s.URL+"/acme/orders/o1", "valid-token")
	assert.NotContains(t, string(body), "included")
}

// mapStore is a non-synchronized in-memory store, sufficient for the
// sequential requests of these tests.
type mapStore map[string]string

func (s mapStore) Get(_ stdlibcontext.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}

func (s mapStore) Set(_ stdlibcontext.Context, key, value string, _ time.Duration) error {
	s[key] = value
	return nil
}

func (s mapStore) Del(_ stdlibcontext.Context, keys ...string) error {
	for _, k := range keys {
		delete(s, k)
	}
	return nil
}

func TestNonJSONAPIResponsePassesUnchanged(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain text")
	}))
	defer backend.Close()

	registry := testRegistry(t, &routing.Route{
		ID: "orders", TenantID: "*", Path: "/orders/**", BackendURL: backend.URL,
	})

	resolver := jsonapi.NewResolver(jsonapi.ResolverOptions{
		Cache:   jsonapi.NewResourceCache(mapStore{}, 0),
		Routes:  registry,
		Metrics: metrics.Void,
	})

	s := newTestProxy(t, Params{Registry: registry, Includes: resolver})

	rsp, body := get(t, s.URL+"/acme/orders/7?include=customer", "valid-token")
	require.Equal(t, http.StatusOK, rsp.StatusCode)
	assert.Equal(t, "plain text", string(body))
}

func TestBackendStatusIsPreserved(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error": "conflict"}`)
	}))
	defer backend.Close()

	s := newTestProxy(t, Params{
		Registry: testRegistry(t, &routing.Route{
			ID: "orders", TenantID: "*", Path: "/orders/**", BackendURL: backend.URL,
		}),
	})

	rsp, body := get(t, s.URL+"/acme/orders/7", "valid-token")
	assert.Equal(t, http.StatusConflict, rsp.StatusCode)
	assert.JSONEq(t, `{"error": "conflict"}`, string(body))
}

func TestSplitFirstSegment(t *testing.T) {
	for _, tt := range []struct{ path, first, rest string }{
		{"/acme/orders/7", "acme", "/orders/7"},
		{"/acme", "acme", "/"},
		{"/acme/", "acme", "/"},
		{"/", "", "/"},
	} {
		first, rest := splitFirstSegment(tt.path)
		assert.Equal(t, tt.first, first, tt.path)
		assert.Equal(t, tt.rest, rest, tt.path)
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", bearerToken(r))

	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(r))

	r.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", bearerToken(r))
}

func TestRouteClass(t *testing.T) {
	assert.Equal(t, "orders", routeClass("/orders/7/items"))
	assert.Equal(t, "root", routeClass("/"))
}

// Package proxy implements the request pipeline of the gateway.
//
// Every inbound request passes a fixed, ordered chain of stages:
// tenant resolution, authentication, rate limiting, route
// authorization, forwarding, field-level response filtering, and
// include resolution. Each stage may short-circuit with a terminal
// response, in which case no later stage runs. Stage decisions travel
// in a per-request context, shared state is read through atomic
// snapshots only.
package proxy

import (
	"bytes"
	stdlibcontext "context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate/auth"
	"github.com/tollgate-io/tollgate/authz"
	"github.com/tollgate-io/tollgate/jsonapi"
	"github.com/tollgate-io/tollgate/logging"
	"github.com/tollgate-io/tollgate/metrics"
	"github.com/tollgate-io/tollgate/ratelimit"
	"github.com/tollgate-io/tollgate/routing"
	"github.com/tollgate-io/tollgate/tenant"
)

const (
	// DefaultBackendTimeout bounds a single forwarded request.
	DefaultBackendTimeout = 30 * time.Second

	// DefaultStageTimeout bounds the external call of a single
	// non-forwarding stage.
	DefaultStageTimeout = 5 * time.Second

	// The default value set for http.Transport.MaxIdleConnsPerHost.
	DefaultIdleConnsPerHost = 64
)

// slugPattern matches valid tenant slugs in the first path segment.
var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,61}[a-z0-9]$`)

// hopHeaders are removed per RFC 2616 before forwarding.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Params configure and wire a Proxy.
type Params struct {
	// Registry is the live route table.
	Registry *routing.Registry

	// Slugs resolves tenant slugs.
	Slugs *tenant.SlugCache

	// Limiter enforces governor limits. Optional, no rate
	// limiting when nil.
	Limiter *ratelimit.ClusterLimit

	// Validator validates bearer tokens.
	Validator auth.TokenValidator

	// Policies evaluates route policies, defaults to
	// authz.AllowAll.
	Policies authz.PolicyEvaluator

	// Fields filters response bodies, defaults to
	// authz.PassthroughFields.
	Fields authz.FieldFilter

	// Includes resolves JSON:API include directives. Optional.
	Includes *jsonapi.Resolver

	// PublicPaths are path prefixes exempt from tenant and
	// authentication requirements.
	PublicPaths []string

	// BackendTimeout bounds a forwarded request, defaults to
	// DefaultBackendTimeout.
	BackendTimeout time.Duration

	// StageTimeout bounds the external call of the other stages,
	// defaults to DefaultStageTimeout.
	StageTimeout time.Duration

	// IdleConnsPerHost of the backend transport.
	IdleConnsPerHost int

	Metrics metrics.Metrics
}

// Proxy is the gateway's http.Handler.
type Proxy struct {
	p         Params
	transport *http.Transport
}

// WithParams returns a proxy with the given parameters, applying
// defaults for the optional ones.
func WithParams(p Params) *Proxy {
	if p.Policies == nil {
		p.Policies = authz.AllowAll{}
	}
	if p.Fields == nil {
		p.Fields = authz.PassthroughFields{}
	}
	if p.BackendTimeout <= 0 {
		p.BackendTimeout = DefaultBackendTimeout
	}
	if p.StageTimeout <= 0 {
		p.StageTimeout = DefaultStageTimeout
	}
	if p.IdleConnsPerHost <= 0 {
		p.IdleConnsPerHost = DefaultIdleConnsPerHost
	}
	if p.Metrics == nil {
		p.Metrics = metrics.Default
	}

	return &Proxy{
		p: p,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConnsPerHost:   p.IdleConnsPerHost,
			ResponseHeaderTimeout: p.BackendTimeout,
			ExpectContinueTimeout: 30 * time.Second,
		},
	}
}

// Close releases the idle backend connections.
func (p *Proxy) Close() {
	p.transport.CloseIdleConnections()
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := newContext(w, r)
	start := time.Now()

	defer func() {
		p.p.Metrics.MeasureSince(metrics.KeyProxyTotal, start)
		logging.LogAccess(&logging.AccessEntry{
			Request:     r,
			Tenant:      c.tenantLabel(),
			StatusCode:  c.statusCode,
			Duration:    time.Since(start),
			RequestTime: start,
		})
	}()

	for _, stage := range []func(*context) bool{
		p.resolveTenant,
		p.authenticate,
		p.limit,
		p.authorizeRoute,
		p.forward,
		p.filterFields,
		p.resolveIncludes,
	} {
		if !stage(c) {
			return
		}
	}

	p.serveResponse(c)
}

func (p *Proxy) isPublic(path string) bool {
	for _, pp := range p.p.PublicPaths {
		if path == pp || strings.HasPrefix(path, pp+"/") {
			return true
		}
	}

	return false
}

// resolveTenant strips the tenant slug from the first path segment and
// resolves it against the slug cache. Public paths pass without a
// tenant, any other request with no or an unknown slug is rejected.
func (p *Proxy) resolveTenant(c *context) bool {
	path := c.request.URL.Path

	if p.isPublic(path) {
		c.public = true
		return true
	}

	first, rest := splitFirstSegment(path)
	if first == "" || !slugPattern.MatchString(first) {
		c.sendError(http.StatusNotFound, codeTenantNotFound,
			"a tenant identifier is required in the URL path")
		return false
	}

	tenantID, ok := p.p.Slugs.Resolve(first)
	if !ok {
		c.sendError(http.StatusNotFound, codeTenantNotFound,
			"tenant not found: "+first)
		return false
	}

	c.tenantSlug = first
	c.tenantID = tenantID
	c.barePath = rest

	if p.isPublic(rest) {
		c.public = true
	}

	return true
}

// authenticate validates the bearer token. Public paths pass without
// credentials.
func (p *Proxy) authenticate(c *context) bool {
	token := bearerToken(c.request)
	if token == "" {
		if c.public {
			return true
		}

		c.sendError(http.StatusUnauthorized, codeUnauthenticated,
			"missing bearer token")
		return false
	}

	ctx, cancel := stdlibcontext.WithTimeout(c.request.Context(), p.p.StageTimeout)
	defer cancel()

	principal, err := p.p.Validator.Validate(ctx, token)
	if err != nil {
		if c.public {
			return true
		}

		log.Debugf("token validation failed: %v", err)
		c.sendError(http.StatusUnauthorized, codeUnauthenticated,
			"invalid bearer token")
		return false
	}

	c.principal = principal
	return true
}

// limit counts the request against the tenant's governor limit.
// Public paths and requests without a tenant context are counted per
// client address instead, unauthenticated endpoints are not left
// unthrottled.
func (p *Proxy) limit(c *context) bool {
	if p.p.Limiter == nil {
		return true
	}

	ctx, cancel := stdlibcontext.WithTimeout(c.request.Context(), p.p.StageTimeout)
	defer cancel()

	var res ratelimit.Result
	if c.public || c.tenantID == "" {
		res = p.p.Limiter.AllowIP(ctx, clientAddr(c.request))
	} else {
		res = p.p.Limiter.Allow(ctx, c.tenantID, routeClass(c.barePath))
	}

	h := c.responseWriter.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(res.RetryAfter)*time.Second).Unix(), 10))

	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfter))
		c.sendError(http.StatusTooManyRequests, codeTooManyRequests,
			"rate limit exceeded, retry after "+strconv.Itoa(res.RetryAfter)+" seconds")
		return false
	}

	if c.tenantID != "" && !c.public {
		// usage accounting is fire and forget
		go func(tenantID string) {
			ctx, cancel := stdlibcontext.WithTimeout(stdlibcontext.Background(), p.p.StageTimeout)
			defer cancel()
			p.p.Limiter.IncrDaily(ctx, tenantID)
		}(c.tenantID)
	}

	return true
}

// authorizeRoute looks up the route and evaluates its policy.
func (p *Proxy) authorizeRoute(c *context) bool {
	route, err := p.p.Registry.Lookup(c.tenantID, c.barePath)
	if err != nil {
		c.sendError(http.StatusNotFound, codeRouteNotFound,
			"no route for path "+c.barePath)
		return false
	}

	if route.PolicyID != "" {
		ctx, cancel := stdlibcontext.WithTimeout(c.request.Context(), p.p.StageTimeout)
		defer cancel()

		ok, err := p.p.Policies.Evaluate(ctx, c.principal, route.PolicyID)
		if err != nil {
			log.Warnf("policy evaluation failed for %s: %v", route.PolicyID, err)
			ok = false
		}

		if !ok {
			c.sendError(http.StatusForbidden, codeForbidden,
				"access denied by route policy")
			return false
		}
	}

	c.route = route
	return true
}

// forward sends the request to the resolved backend. Unreachable
// backends map to 502, timeouts to 504.
func (p *Proxy) forward(c *context) bool {
	target, err := url.Parse(c.route.BackendURL)
	if err != nil {
		log.Errorf("invalid backend url on route %s: %v", c.route.ID, err)
		c.sendError(http.StatusBadGateway, codeBadGateway,
			"invalid upstream target")
		return false
	}

	ctx, cancel := stdlibcontext.WithTimeout(c.request.Context(), p.p.BackendTimeout)
	defer cancel()

	out := c.request.Clone(ctx)
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path = strings.TrimSuffix(target.Path, "/") + c.barePath
	out.Host = target.Host
	out.RequestURI = ""
	out.Close = false

	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	out.Header.Set("X-Request-Id", uuid.NewString())
	if c.tenantID != "" {
		out.Header.Set("X-Tenant-Id", c.tenantID)
	}

	start := time.Now()
	rsp, err := p.transport.RoundTrip(out)
	p.p.Metrics.MeasureSince(metrics.KeyProxyBackend, start)

	if err != nil {
		p.p.Metrics.IncCounter("proxy.backend.failure")

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, stdlibcontext.DeadlineExceeded) {
			log.Warnf("backend timeout for %s: %v", out.URL.Host, err)
			c.sendError(http.StatusGatewayTimeout, codeGatewayTimeout,
				"upstream backend timed out")
			return false
		}

		log.Warnf("backend unreachable for %s: %v", out.URL.Host, err)
		c.sendError(http.StatusBadGateway, codeBadGateway,
			"could not reach upstream backend")
		return false
	}

	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		log.Warnf("reading backend response failed: %v", err)
		c.sendError(http.StatusBadGateway, codeBadGateway,
			"reading upstream response failed")
		return false
	}

	c.response = rsp
	c.body = body
	return true
}

// filterFields applies field-level authorization to the response body
// before include resolution sees it.
func (p *Proxy) filterFields(c *context) bool {
	ctx, cancel := stdlibcontext.WithTimeout(c.request.Context(), p.p.StageTimeout)
	defer cancel()

	filtered, err := p.p.Fields.FilterResponse(ctx, c.principal, c.route.CollectionName, c.body)
	if err != nil {
		log.Warnf("field filtering failed for collection %s: %v", c.route.CollectionName, err)
		c.sendError(http.StatusForbidden, codeForbidden,
			"response filtering failed")
		return false
	}

	c.body = filtered
	return true
}

// resolveIncludes expands the include query parameter on JSON:API
// responses. Responses that are not JSON:API documents pass unchanged.
func (p *Proxy) resolveIncludes(c *context) bool {
	if p.p.Includes == nil {
		return true
	}

	param := c.request.URL.Query().Get("include")
	if param == "" {
		return true
	}

	doc, err := jsonapi.ParseDocument(c.body)
	if err != nil {
		log.Debugf("response is not a json:api document, skipping include resolution: %v", err)
		return true
	}

	primary, err := doc.Resources()
	if err != nil || len(primary) == 0 {
		return true
	}

	ctx, cancel := stdlibcontext.WithTimeout(c.request.Context(), p.p.BackendTimeout)
	defer cancel()

	included := p.p.Includes.Resolve(ctx, jsonapi.ParseIncludeParam(param), primary)
	if len(included) == 0 {
		return true
	}

	merged, err := doc.WithIncluded(included)
	if err != nil {
		log.Warnf("merging included resources failed: %v", err)
		return true
	}

	c.body = merged
	c.response.Header.Del("Content-Length")
	return true
}

// serveResponse writes the backend's (possibly rewritten) response to
// the client.
func (p *Proxy) serveResponse(c *context) {
	h := c.responseWriter.Header()
	for k, vv := range c.response.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	for _, hh := range hopHeaders {
		h.Del(hh)
	}
	h.Set("Content-Length", strconv.Itoa(len(c.body)))

	c.statusCode = c.response.StatusCode
	c.served = true
	c.responseWriter.WriteHeader(c.response.StatusCode)
	io.Copy(c.responseWriter, bytes.NewReader(c.body))
}

func splitFirstSegment(path string) (first, rest string) {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return "", "/"
	}

	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], "/" + strings.TrimPrefix(p[i+1:], "/")
	}

	return p, "/"
}

// routeClass derives the rate window key class from the first segment
// of the bare path.
func routeClass(path string) string {
	first, _ := splitFirstSegment(path)
	if first == "" {
		return "root"
	}

	return first
}

// clientAddr is the originating client address, taken from the first
// X-Forwarded-For entry when present, otherwise from the connection.
func clientAddr(r *http.Request) string {
	if ff := r.Header.Get("X-Forwarded-For"); ff != "" {
		if i := strings.IndexByte(ff, ','); i >= 0 {
			ff = ff[:i]
		}
		if ff = strings.TrimSpace(ff); ff != "" {
			return ff
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}

	return ""
}

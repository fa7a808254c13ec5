package proxy

import (
	"net/http"
	"time"

	"github.com/tollgate-io/tollgate/auth"
	"github.com/tollgate-io/tollgate/routing"
)

// context carries the decisions of the pipeline stages for a single
// request. It lives for the duration of one request only, no stage
// retains cross-request mutable state.
type context struct {
	responseWriter http.ResponseWriter
	request        *http.Request

	// tenant resolution
	tenantSlug string
	tenantID   string
	barePath   string
	public     bool

	// authentication
	principal *auth.Principal

	// routing
	route *routing.Route

	// forwarding
	response *http.Response
	body     []byte

	served     bool
	statusCode int
	startServe time.Time
}

func newContext(w http.ResponseWriter, r *http.Request) *context {
	return &context{
		responseWriter: w,
		request:        r,
		barePath:       r.URL.Path,
		startServe:     time.Now(),
	}
}

func (c *context) tenantLabel() string {
	if c.tenantSlug != "" {
		return c.tenantSlug
	}

	return "-"
}

package proxy

import (
	"encoding/json"
)

// errorEnvelope is the terminal error response of the gateway.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// error codes of the terminal pipeline outcomes
const (
	codeTenantNotFound  = "TENANT_NOT_FOUND"
	codeUnauthenticated = "UNAUTHENTICATED"
	codeForbidden       = "FORBIDDEN"
	codeRouteNotFound   = "ROUTE_NOT_FOUND"
	codeTooManyRequests = "TOO_MANY_REQUESTS"
	codeBadGateway      = "BAD_GATEWAY"
	codeGatewayTimeout  = "GATEWAY_TIMEOUT"
)

// sendError produces the terminal response of a short-circuited stage.
func (c *context) sendError(status int, code, message string) {
	c.statusCode = status
	c.served = true

	body, _ := json.Marshal(errorEnvelope{Error: errorBody{
		Status:  status,
		Code:    code,
		Message: message,
		Path:    c.request.URL.Path,
	}})

	h := c.responseWriter.Header()
	h.Set("Content-Type", "application/json")
	c.responseWriter.WriteHeader(status)
	c.responseWriter.Write(body)
}

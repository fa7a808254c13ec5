// Package authz defines the authorization surfaces of the request
// pipeline. Policy evaluation semantics are external: the pipeline
// only sequences the checks and maps denials to terminal responses.
package authz

import (
	"context"

	"github.com/tollgate-io/tollgate/auth"
)

// PolicyEvaluator decides whether a principal may use a route guarded
// by a policy.
type PolicyEvaluator interface {
	// Evaluate returns false to deny. An error denies as well,
	// evaluation failures must not fail open.
	Evaluate(ctx context.Context, p *auth.Principal, policyID string) (bool, error)
}

// FieldFilter redacts response bodies according to field-level
// permissions before they leave the gateway.
type FieldFilter interface {
	// FilterResponse returns the body with unreadable fields
	// removed. It runs on every forwarded response before include
	// resolution.
	FilterResponse(ctx context.Context, p *auth.Principal, collection string, body []byte) ([]byte, error)
}

// AllowAll is a PolicyEvaluator granting every request. It is the
// default when no policy backend is wired.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, *auth.Principal, string) (bool, error) {
	return true, nil
}

// PassthroughFields is a FieldFilter returning bodies unchanged.
type PassthroughFields struct{}

func (PassthroughFields) FilterResponse(_ context.Context, _ *auth.Principal, _ string, body []byte) ([]byte, error) {
	return body, nil
}

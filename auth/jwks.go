package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"
)

const (
	jwksRefreshInterval = time.Hour
	jwksRefreshTimeout  = 10 * time.Second
)

// NewJWKSKeyfunc resolves signing keys from the JWKS endpoint of an
// identity provider. The key set is fetched once up front and kept
// refreshed in the background until ctx is done, tokens with a kid
// missing from the cached set trigger an immediate refresh.
func NewJWKSKeyfunc(ctx context.Context, jwksURL string) (jwt.Keyfunc, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   jwksRefreshInterval,
		RefreshTimeout:    jwksRefreshTimeout,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.Errorf("jwks refresh failed for %s: %v", jwksURL, err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks from %s: %w", jwksURL, err)
	}

	return jwks.Keyfunc, nil
}

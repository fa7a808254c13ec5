package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"github.com/tollgate-io/tollgate"
	"github.com/tollgate-io/tollgate/auth"
	"github.com/tollgate-io/tollgate/config"
)

const (
	defaultConfigFile      = "tollgate.yaml"
	defaultAddress         = ":9090"
	defaultSupportListener = ":9911"
	defaultMaxHits         = 1000
	defaultTimeWindow      = time.Minute
	defaultBackendTimeout  = 30 * time.Second
	defaultSlugRefresh     = 5 * time.Minute
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config-file", defaultConfigFile, "gateway configuration file")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	o, err := options(cfg)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log.Fatal(tollgate.Run(o))
}

func options(cfg *config.Config) (tollgate.Options, error) {
	if cfg.ControlPlane.URL == "" {
		return tollgate.Options{}, errors.New("control_plane.url is required")
	}
	keyFunc, err := keyFunc(cfg.Auth)
	if err != nil {
		return tollgate.Options{}, err
	}
	validator := auth.NewJWTValidator(keyFunc)

	o := tollgate.Options{
		Address:              cfg.Server.Address,
		SupportListener:      cfg.Server.SupportListener,
		ControlPlaneURL:      cfg.ControlPlane.URL,
		RedisAddrs:           cfg.Redis.Addrs,
		RedisPassword:        cfg.Redis.Password,
		PublicPaths:          cfg.Server.PublicPaths,
		DefaultMaxHits:       cfg.RateLimit.DefaultMaxHits,
		DefaultTimeWindow:    config.Duration(cfg.RateLimit.DefaultWindow, defaultTimeWindow),
		SlugRefreshInterval:  config.Duration(cfg.ControlPlane.SlugRefreshInterval, defaultSlugRefresh),
		BackendTimeout:       config.Duration(cfg.Server.BackendTimeout, defaultBackendTimeout),
		TokenValidator:       validator,
		ApplicationLogPrefix: cfg.Logging.Prefix,
		AccessLogDisabled:    cfg.Logging.AccessLogDisabled,
		LogLevel:             cfg.Logging.Level,
		MetricsPrefix:        cfg.Metrics.Prefix,
		EnableRuntimeMetrics: cfg.Metrics.RuntimeMetrics,
	}

	if o.Address == "" {
		o.Address = defaultAddress
	}
	if o.SupportListener == "" {
		o.SupportListener = defaultSupportListener
	}
	if o.DefaultMaxHits <= 0 {
		o.DefaultMaxHits = defaultMaxHits
	}
	if len(o.PublicPaths) == 0 {
		o.PublicPaths = []string{"/health", "/control/bootstrap"}
	}

	if len(cfg.Redis.Addrs) == 0 {
		log.Warn("no redis shards configured, rate limiting and include caching are disabled")
	}

	return o, nil
}

// keyFunc builds the token verification key source: a shared HMAC
// secret for HS256 tokens, or the JWKS endpoint of an identity
// provider for asymmetrically signed ones.
func keyFunc(cfg config.AuthConfig) (jwt.Keyfunc, error) {
	switch {
	case cfg.HMACSecret != "" && cfg.JWKSURL != "":
		return nil, errors.New("auth.hmac_secret and auth.jwks_url are mutually exclusive")
	case cfg.HMACSecret != "":
		secret := []byte(cfg.HMACSecret)
		return func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		}, nil
	case cfg.JWKSURL != "":
		return auth.NewJWKSKeyfunc(context.Background(), cfg.JWKSURL)
	default:
		return nil, errors.New("one of auth.hmac_secret or auth.jwks_url is required")
	}
}

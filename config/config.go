// Package config loads the gateway configuration from a YAML file and
// the environment. Environment variables prefixed TOLLGATE_ override
// file values, with __ as the nesting separator, e.g.
// TOLLGATE_REDIS__PASSWORD sets redis.password.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TOLLGATE_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	ControlPlane ControlPlaneConfig `koanf:"control_plane"`
	Redis        RedisConfig        `koanf:"redis"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
	Auth         AuthConfig         `koanf:"auth"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

type ServerConfig struct {
	Address         string   `koanf:"address"`
	SupportListener string   `koanf:"support_listener"`
	PublicPaths     []string `koanf:"public_paths"`
	BackendTimeout  string   `koanf:"backend_timeout"`
}

type ControlPlaneConfig struct {
	URL string `koanf:"url"`

	// SlugRefreshInterval of the periodic tenant slug refresh,
	// duration string like "5m".
	SlugRefreshInterval string `koanf:"slug_refresh_interval"`
}

type RedisConfig struct {
	Addrs    []string `koanf:"addrs"`
	Password string   `koanf:"password"`
}

type RateLimitConfig struct {
	// DefaultMaxHits per window for tenants without an explicit
	// governor limit.
	DefaultMaxHits int64 `koanf:"default_max_hits"`

	// DefaultWindow duration string like "1m".
	DefaultWindow string `koanf:"default_window"`
}

type AuthConfig struct {
	// HMACSecret validates HS256 tokens. Exactly one of this and
	// JWKSURL must be set.
	HMACSecret string `koanf:"hmac_secret"`

	// JWKSURL is the JWKS endpoint of the identity provider,
	// used to verify asymmetrically signed tokens.
	JWKSURL string `koanf:"jwks_url"`
}

type LoggingConfig struct {
	Level             string `koanf:"level"`
	Prefix            string `koanf:"prefix"`
	AccessLogDisabled bool   `koanf:"access_log_disabled"`
}

type MetricsConfig struct {
	Prefix         string `koanf:"prefix"`
	RuntimeMetrics bool   `koanf:"runtime_metrics"`
}

// Load reads path, falling back to environment variables only when the
// file does not exist. An explicit but unreadable file is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	if !k.Exists("server.address") {
		k.Set("server.address", ":9090")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Duration parses a duration string, returning def when s is empty or
// invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

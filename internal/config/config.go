// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level imgcache configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Origin    OriginConfig    `yaml:"origin"`
	Cache     CacheConfig     `yaml:"cache"`
	Admin     AdminConfig     `yaml:"admin"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OriginConfig describes the site origin the proxy fronts.
type OriginConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ForceHTTP2   bool          `yaml:"force_http2"`
	DNSCache     bool          `yaml:"dns_cache"`
	DNSRefresh   time.Duration `yaml:"dns_refresh"`
	Auth         *AuthEntry    `yaml:"auth"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the origin circuit breaker. Zero values take the
// breaker's defaults.
type BreakerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ErrorThreshold float64       `yaml:"error_threshold"`
	MinSamples     int           `yaml:"min_samples"`
	Window         time.Duration `yaml:"window"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
}

// Origin auth types.
const (
	AuthNone              = "none"
	AuthHeader            = "header"
	AuthClientCredentials = "oauth2_client_credentials"
	AuthGoogle            = "gcp_adc"
	AuthSigV4             = "aws_sigv4"
)

// AuthEntry configures origin authentication.
type AuthEntry struct {
	Type         string   `yaml:"type"`   // "none", "header", "oauth2_client_credentials", "gcp_adc", "aws_sigv4"
	Header       string   `yaml:"header"` // header auth: header name, default Authorization
	Prefix       string   `yaml:"prefix"` // header auth: value prefix, e.g. "Bearer "
	Key          string   `yaml:"key"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`  // oauth2 and gcp_adc
	Region       string   `yaml:"region"`  // aws_sigv4
	Service      string   `yaml:"service"` // aws_sigv4, default s3
}

// ResolvedAuthType returns the auth type, "none" when no auth block is set.
func (o OriginConfig) ResolvedAuthType() string {
	if o.Auth == nil || o.Auth.Type == "" {
		return AuthNone
	}
	return o.Auth.Type
}

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// CacheConfig holds image cache settings.
type CacheConfig struct {
	Version    string `yaml:"version"` // store generation; bump to invalidate
	Backend    string `yaml:"backend"` // "sqlite" or "memory"
	DSN        string `yaml:"dsn"`     // sqlite file path or ":memory:"
	MaxEntries int    `yaml:"max_entries"`
	WriteQueue int    `yaml:"write_queue"`

	// AssetPrefixes lists the asset roots the cache is meant for. Reported by
	// /admin/status only; requests are filtered by resource kind.
	AssetPrefixes []string `yaml:"asset_prefixes"`
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Key string `yaml:"key"` // bearer key; empty disables the admin API
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Origin: OriginConfig{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 32 << 20,
			ForceHTTP2:   true,
			DNSCache:     true,
			DNSRefresh:   5 * time.Minute,
		},
		Cache: CacheConfig{
			Version:    "ryzup-images-v1",
			Backend:    BackendSQLite,
			DSN:        "imgcache.db",
			MaxEntries: 10_000,
			WriteQueue: 256,
			AssetPrefixes: []string{
				"/assets/images/",
				"/assets/icons/",
				"/assets/logos/",
			},
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 1.0},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error

	if c.Origin.BaseURL == "" {
		errs = append(errs, errors.New("origin.base_url is required"))
	} else if u, err := url.Parse(c.Origin.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("origin.base_url %q must be an absolute http(s) url", c.Origin.BaseURL))
	}

	switch c.Origin.ResolvedAuthType() {
	case AuthNone:
	case AuthHeader:
		if c.Origin.Auth.Key == "" {
			errs = append(errs, errors.New("origin.auth.key is required for header auth"))
		}
	case AuthClientCredentials:
		if c.Origin.Auth.TokenURL == "" || c.Origin.Auth.ClientID == "" {
			errs = append(errs, errors.New("origin.auth.token_url and client_id are required for oauth2_client_credentials"))
		}
	case AuthGoogle:
	case AuthSigV4:
		if c.Origin.Auth.Region == "" {
			errs = append(errs, errors.New("origin.auth.region is required for aws_sigv4"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown origin.auth.type %q", c.Origin.Auth.Type))
	}

	switch c.Cache.Backend {
	case BackendSQLite:
		if c.Cache.DSN == "" {
			errs = append(errs, errors.New("cache.dsn is required for the sqlite backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if c.Cache.Version == "" {
		errs = append(errs, errors.New("cache.version must not be empty"))
	}

	if r := c.Origin.Breaker.ErrorThreshold; r < 0 || r > 1.5 {
		errs = append(errs, fmt.Errorf("origin.breaker.error_threshold %v out of [0,1.5]", r))
	}

	if r := c.Telemetry.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.tracing.sample_rate %v out of [0,1]", r))
	}
	return errors.Join(errs...)
}

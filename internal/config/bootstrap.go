package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/dnscache"

	"github.com/ryzup/imgcache/internal/blobstore"
	"github.com/ryzup/imgcache/internal/blobstore/memory"
	"github.com/ryzup/imgcache/internal/blobstore/sqlite"
	"github.com/ryzup/imgcache/internal/circuitbreaker"
	"github.com/ryzup/imgcache/internal/origin"
)

// OpenStorage opens the configured store backend.
func OpenStorage(cfg CacheConfig) (blobstore.Storage, error) {
	switch cfg.Backend {
	case BackendMemory:
		slog.Info("using in-memory store backend", "max_entries", cfg.MaxEntries)
		return memory.New(cfg.MaxEntries), nil
	case BackendSQLite, "":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		slog.Info("using sqlite store backend", "dsn", cfg.DSN)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// OriginTransport builds the round tripper used for origin traffic. A pooled
// transport dials through resolver when non-nil, sits behind the circuit
// breaker when enabled, and is wrapped by the configured origin auth.
func OriginTransport(ctx context.Context, cfg OriginConfig, resolver *dnscache.Resolver) (http.RoundTripper, error) {
	var rt http.RoundTripper = origin.NewTransport(resolver, cfg.ForceHTTP2)
	if cfg.Breaker.Enabled {
		rt = &circuitbreaker.Transport{Breaker: originBreaker(cfg.Breaker), Base: rt}
	}

	switch cfg.ResolvedAuthType() {
	case AuthNone:
		return rt, nil
	case AuthHeader:
		name := cfg.Auth.Header
		if name == "" {
			name = "Authorization"
		}
		return &origin.HeaderTransport{
			Key:        cfg.Auth.Key,
			HeaderName: name,
			Prefix:     cfg.Auth.Prefix,
			Base:       rt,
		}, nil
	case AuthClientCredentials:
		return origin.NewClientCredentialsTransport(ctx, rt, origin.ClientCredentials{
			TokenURL:     cfg.Auth.TokenURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scopes:       cfg.Auth.Scopes,
		})
	case AuthGoogle:
		return origin.NewGoogleTransport(ctx, rt, cfg.Auth.Scopes...)
	case AuthSigV4:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Auth.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return origin.NewSigV4Transport(rt, awsCfg.Credentials, cfg.Auth.Region, cfg.Auth.Service), nil
	default:
		return nil, fmt.Errorf("unknown origin auth type %q", cfg.Auth.Type)
	}
}

func originBreaker(cfg BreakerConfig) *circuitbreaker.Breaker {
	b := circuitbreaker.New(circuitbreaker.Config{
		ErrorThreshold: cfg.ErrorThreshold,
		MinSamples:     cfg.MinSamples,
		Window:         cfg.Window,
		OpenTimeout:    cfg.OpenTimeout,
	})
	b.OnStateChange = func(from, to circuitbreaker.State) {
		slog.Warn("origin circuit breaker", "from", from.String(), "to", to.String())
	}
	return b
}

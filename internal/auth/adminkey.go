// Package auth implements admin key authentication for the imgcache admin API.
// Failed attempts are tracked per client in a W-TinyLFU cache so that a
// client guessing keys is locked out for a while.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	imgcache "github.com/ryzup/imgcache/internal"
)

const (
	lockoutWindow = time.Minute // failure counts expire this long after the last failure
	maxFailures   = 10
	cacheMaxLen   = 10_000
)

// AdminKeyAuth authenticates admin requests carrying "Authorization: Bearer <key>".
type AdminKeyAuth struct {
	hash     []byte // hex SHA-256 of the configured key
	failures *otter.Cache[string, int]
}

// NewAdminKeyAuth returns an authenticator for key. The plaintext key is not
// retained.
func NewAdminKeyAuth(key string) (*AdminKeyAuth, error) {
	if key == "" {
		return nil, errors.New("admin key must not be empty")
	}
	c, err := otter.New(&otter.Options[string, int]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, int](lockoutWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("create failure cache: %w", err)
	}
	return &AdminKeyAuth{hash: []byte(imgcache.HashKey(key)), failures: c}, nil
}

// Authenticate checks the bearer key of r. It returns ErrUnauthorized for a
// missing or wrong key and ErrRateLimited once the client has failed too often.
func (a *AdminKeyAuth) Authenticate(r *http.Request) error {
	client := clientAddr(r)
	if n, ok := a.failures.GetIfPresent(client); ok && n >= maxFailures {
		return imgcache.ErrRateLimited
	}

	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		a.fail(client)
		return imgcache.ErrUnauthorized
	}

	// Comparing fixed-length hashes keeps the compare independent of key length.
	if subtle.ConstantTimeCompare([]byte(imgcache.HashKey(raw)), a.hash) != 1 {
		a.fail(client)
		return imgcache.ErrUnauthorized
	}
	a.failures.Invalidate(client)
	return nil
}

// fail counts a failed attempt. Compute makes the increment atomic per key so
// concurrent guesses from one client are all counted.
func (a *AdminKeyAuth) fail(client string) {
	a.failures.Compute(client, func(n int, _ bool) (int, otter.ComputeOp) {
		return n + 1, otter.WriteOp
	})
}

// clientAddr returns the remote IP of r, or the raw RemoteAddr when it has no
// port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

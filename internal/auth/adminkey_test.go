package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	imgcache "github.com/ryzup/imgcache/internal"
)

func adminRequest(remote, authz string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	r.RemoteAddr = remote
	if authz != "" {
		r.Header.Set("Authorization", authz)
	}
	return r
}

func TestNewAdminKeyAuth_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := NewAdminKeyAuth(""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	a, err := NewAdminKeyAuth("adm-secret")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		authz string
		want  error
	}{
		{name: "valid", authz: "Bearer adm-secret", want: nil},
		{name: "missing", authz: "", want: imgcache.ErrUnauthorized},
		{name: "wrong key", authz: "Bearer nope", want: imgcache.ErrUnauthorized},
		{name: "no bearer prefix", authz: "adm-secret", want: imgcache.ErrUnauthorized},
		{name: "basic scheme", authz: "Basic adm-secret", want: imgcache.ErrUnauthorized},
		{name: "empty bearer", authz: "Bearer ", want: imgcache.ErrUnauthorized},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Distinct client per case so lockout state does not leak.
			err := a.Authenticate(adminRequest(fmt.Sprintf("10.0.%d.1:4000", i), tt.authz))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAuthenticate_LockoutAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	a, err := NewAdminKeyAuth("adm-secret")
	if err != nil {
		t.Fatal(err)
	}

	for range maxFailures {
		if err := a.Authenticate(adminRequest("192.0.2.7:4000", "Bearer guess")); !errors.Is(err, imgcache.ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
	}

	// Even the right key is refused while locked out.
	if err := a.Authenticate(adminRequest("192.0.2.7:4001", "Bearer adm-secret")); !errors.Is(err, imgcache.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}

	// Other clients are unaffected.
	if err := a.Authenticate(adminRequest("192.0.2.8:4000", "Bearer adm-secret")); err != nil {
		t.Errorf("other client err = %v", err)
	}
}

func TestAuthenticate_ConcurrentFailuresAllCounted(t *testing.T) {
	t.Parallel()

	a, err := NewAdminKeyAuth("adm-secret")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range maxFailures {
		wg.Go(func() {
			_ = a.Authenticate(adminRequest("192.0.2.20:4000", "Bearer guess"))
		})
	}
	wg.Wait()

	if n, _ := a.failures.GetIfPresent("192.0.2.20"); n != maxFailures {
		t.Fatalf("failures = %d, want %d", n, maxFailures)
	}
	if err := a.Authenticate(adminRequest("192.0.2.20:4001", "Bearer adm-secret")); !errors.Is(err, imgcache.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestAuthenticate_SuccessResetsFailures(t *testing.T) {
	t.Parallel()

	a, _ := NewAdminKeyAuth("adm-secret")
	for range maxFailures - 1 {
		_ = a.Authenticate(adminRequest("192.0.2.9:1", "Bearer guess"))
	}
	if err := a.Authenticate(adminRequest("192.0.2.9:1", "Bearer adm-secret")); err != nil {
		t.Fatal(err)
	}
	for range maxFailures - 1 {
		_ = a.Authenticate(adminRequest("192.0.2.9:1", "Bearer guess"))
	}
	if err := a.Authenticate(adminRequest("192.0.2.9:1", "Bearer adm-secret")); err != nil {
		t.Errorf("err = %v, counter should have been reset", err)
	}
}

func TestClientAddr(t *testing.T) {
	t.Parallel()
	if got := clientAddr(adminRequest("203.0.113.5:8080", "")); got != "203.0.113.5" {
		t.Errorf("clientAddr = %q", got)
	}
	if got := clientAddr(adminRequest("unix-socket", "")); got != "unix-socket" {
		t.Errorf("clientAddr = %q", got)
	}
}

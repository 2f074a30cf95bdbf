package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/dnscache"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/circuitbreaker"
)

func TestNewTransportNilResolver(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil, false)

	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", tr.IdleConnTimeout)
	}
	if tr.DialContext != nil {
		t.Error("DialContext should be nil when resolver is nil")
	}
}

func TestNewTransportWithResolver(t *testing.T) {
	t.Parallel()

	tr := NewTransport(&dnscache.Resolver{}, true)
	if tr.DialContext == nil {
		t.Error("DialContext should be set when resolver is non-nil")
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true when forceHTTP2=true")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ryzup.test", "ftp://ryzup.test", "/relative"} {
		if _, err := New(Options{BaseURL: raw}); err == nil {
			t.Errorf("New(%q) should fail", raw)
		}
	}
	c, err := New(Options{BaseURL: "https://ryzup.test/"})
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL().String() != "https://ryzup.test" {
		t.Errorf("base = %q", c.BaseURL())
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	c, _ := New(Options{BaseURL: "https://ryzup.test"})
	r := httptest.NewRequest(http.MethodGet, "http://proxy.local/assets/images/hero.jpg?w=640", nil)
	if got := c.Resolve(r); got != "https://ryzup.test/assets/images/hero.jpg?w=640" {
		t.Errorf("Resolve = %q", got)
	}
}

func newImageRequest(t *testing.T, rawURL string) *imgcache.Request {
	t.Helper()
	req, err := imgcache.NewRequest(http.MethodGet, rawURL, http.Header{"Sec-Fetch-Dest": {"image"}})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestFetch_ClassifiesResponses(t *testing.T) {
	t.Parallel()

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cors.png" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Write([]byte("elsewhere"))
	}))
	t.Cleanup(other.Close)

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/assets/images/hero.jpg":
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Connection", "close")
			w.Write([]byte("hero-bytes"))
		case "/moved.jpg":
			http.Redirect(w, r, "/assets/images/hero.jpg", http.StatusFound)
		case "/away.png":
			http.Redirect(w, r, other.URL+"/away.png", http.StatusFound)
		case "/cors.png":
			http.Redirect(w, r, other.URL+"/cors.png", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(site.Close)

	c, err := New(Options{BaseURL: site.URL})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path     string
		status   int
		wantType imgcache.ResponseType
	}{
		{path: "/assets/images/hero.jpg", status: 200, wantType: imgcache.ResponseBasic},
		{path: "/moved.jpg", status: 200, wantType: imgcache.ResponseBasic},
		{path: "/assets/images/missing.jpg", status: 404, wantType: imgcache.ResponseBasic},
		{path: "/away.png", status: 200, wantType: imgcache.ResponseOpaque},
		{path: "/cors.png", status: 200, wantType: imgcache.ResponseCORS},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			resp, err := c.Fetch(context.Background(), newImageRequest(t, site.URL+tt.path))
			if err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.status {
				t.Errorf("status = %d, want %d", resp.Status, tt.status)
			}
			if resp.Type != tt.wantType {
				t.Errorf("type = %q, want %q", resp.Type, tt.wantType)
			}
			if _, ok := resp.Header["Connection"]; ok {
				t.Error("hop-by-hop header leaked into snapshot")
			}
		})
	}
}

func TestFetch_BodyLimit(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	t.Cleanup(site.Close)

	c, _ := New(Options{BaseURL: site.URL, MaxBodyBytes: 16})
	_, err := c.Fetch(context.Background(), newImageRequest(t, site.URL+"/big.png"))
	if !errors.Is(err, imgcache.ErrBodyTooLarge) {
		t.Errorf("err = %v, want ErrBodyTooLarge", err)
	}
}

func TestFetch_Cancelled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		site.Close()
	})

	c, _ := New(Options{BaseURL: site.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx, newImageRequest(t, site.URL+"/slow.png"))
	if !errors.Is(err, imgcache.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestForward(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Path", r.URL.RequestURI())
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(r.Method + ":" + string(body)))
	}))
	t.Cleanup(site.Close)

	c, _ := New(Options{BaseURL: site.URL})
	r := httptest.NewRequest(http.MethodPost, "/contact?lang=en", strings.NewReader("hello"))
	rec := httptest.NewRecorder()

	if err := c.Forward(context.Background(), rec, r); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if got := rec.Body.String(); got != "POST:hello" {
		t.Errorf("body = %q", got)
	}
	if got := rec.Header().Get("X-Path"); got != "/contact?lang=en" {
		t.Errorf("upstream path = %q", got)
	}
}

func TestForward_RelaysBodyAndHeaders(t *testing.T) {
	t.Parallel()

	page := strings.Repeat("<p>ryzup</p>", 64<<10)
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" || r.Header.Get("Te") != "" {
			t.Errorf("hop-by-hop request headers forwarded: %v", r.Header)
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Write([]byte(page))
	}))
	t.Cleanup(site.Close)

	c, _ := New(Options{BaseURL: site.URL})
	r := httptest.NewRequest(http.MethodGet, "/about", nil)
	r.Header.Set("Te", "trailers")
	rec := httptest.NewRecorder()

	if err := c.Forward(context.Background(), rec, r); err != nil {
		t.Fatal(err)
	}
	if rec.Body.String() != page {
		t.Errorf("body length = %d, want %d", rec.Body.Len(), len(page))
	}
	if rec.Header().Get("Content-Type") != "text/html" || rec.Header().Get("Keep-Alive") != "" {
		t.Errorf("headers = %v", rec.Header())
	}
}

func TestForward_UpstreamDown(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(site.URL)
	site.Close()

	c, _ := New(Options{BaseURL: u.String()})
	rec := httptest.NewRecorder()
	err := c.Forward(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, imgcache.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestFetch_BreakerOpen(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	breaker := circuitbreaker.New(circuitbreaker.Config{MinSamples: 3, OpenTimeout: time.Hour})
	c, err := New(Options{BaseURL: srv.URL, Transport: &circuitbreaker.Transport{Breaker: breaker}})
	if err != nil {
		t.Fatal(err)
	}

	req := newImageRequest(t, srv.URL+"/assets/images/hero.jpg")
	for range 3 {
		resp, err := c.Fetch(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", resp.Status)
		}
	}

	_, err = c.Fetch(context.Background(), req)
	if !errors.Is(err, imgcache.ErrUpstream) || !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("err = %v, want upstream error from open breaker", err)
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("origin hits = %d, want 3", n)
	}
}

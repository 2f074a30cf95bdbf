// Package origin implements the network side of the image cache: fetching
// snapshots from the site origin and forwarding requests the cache does not
// intercept.
package origin

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	imgcache "github.com/ryzup/imgcache/internal"
)

// DefaultMaxBody caps snapshot bodies read into memory.
const DefaultMaxBody = 32 << 20

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Options configures a Client.
type Options struct {
	BaseURL      string            // site origin, e.g. https://ryzup.example
	Transport    http.RoundTripper // nil = http.DefaultTransport
	Timeout      time.Duration     // 0 = no client-side timeout
	MaxBodyBytes int64             // 0 = DefaultMaxBody
}

// Client talks to the site origin.
type Client struct {
	base    *url.URL
	http    *http.Client
	maxBody int64
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute http(s)", opts.BaseURL)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}
	return &Client{
		base:    base,
		http:    &http.Client{Transport: opts.Transport, Timeout: opts.Timeout},
		maxBody: maxBody,
	}, nil
}

// BaseURL returns the configured origin.
func (c *Client) BaseURL() *url.URL { return c.base }

// Resolve maps an incoming request onto the origin: origin scheme and host,
// incoming path and query.
func (c *Client) Resolve(r *http.Request) string {
	u := *c.base
	u.Path = c.base.Path + r.URL.Path
	u.RawPath = ""
	if r.URL.RawPath != "" {
		u.RawPath = c.base.Path + r.URL.RawPath
	}
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	return u.String()
}

// Fetch performs a network fetch of req and snapshots the response. Transport
// failures, cancellation and timeouts are returned as errors wrapping
// ErrUpstream and the underlying cause.
func (c *Client) Fetch(ctx context.Context, req *imgcache.Request) (*imgcache.Response, error) {
	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("origin: create request: %w", err)
	}
	copyHeaders(outReq.Header, req.Header)

	resp, err := c.http.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", imgcache.ErrUpstream, req.Key(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", imgcache.ErrUpstream, req.Key(), err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", imgcache.ErrBodyTooLarge, req.Key(), c.maxBody)
	}

	header := make(http.Header, len(resp.Header))
	copyHeaders(header, resp.Header)

	final := outReq.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return &imgcache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		URL:    final.String(),
		Type:   c.classify(final, resp.Header),
	}, nil
}

// classify assigns the origin classification of a response from its final
// URL: same origin is basic; cross origin is cors when the upstream opted in,
// opaque otherwise.
func (c *Client) classify(final *url.URL, h http.Header) imgcache.ResponseType {
	if sameOrigin(final, c.base) {
		return imgcache.ResponseBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return imgcache.ResponseCORS
	}
	return imgcache.ResponseOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(canonicalHost(a), canonicalHost(b))
}

// canonicalHost returns host:port with the scheme's default port made explicit.
func canonicalHost(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		dst[key] = append([]string(nil), vals...)
	}
}

// Forward proxies a request the cache did not intercept to the origin and
// copies the response back unchanged apart from hop-by-hop headers.
func (c *Client) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	outReq, err := http.NewRequestWithContext(ctx, r.Method, c.Resolve(r), r.Body)
	if err != nil {
		return fmt.Errorf("forward: create request: %w", err)
	}
	copyHeaders(outReq.Header, r.Header)
	outReq.ContentLength = r.ContentLength

	resp, err := c.http.Do(outReq)
	if err != nil {
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return fmt.Errorf("%w: forward: %w", imgcache.ErrUpstream, err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("forward: copy response: %w", err)
	}
	return nil
}

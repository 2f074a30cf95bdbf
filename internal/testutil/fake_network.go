// Package testutil provides configurable test fakes for imgcache collaborators.
package testutil

import (
	"context"
	"net/http"
	"sync"

	imgcache "github.com/ryzup/imgcache/internal"
)

// FakeNetwork is a configurable network collaborator that counts fetches.
type FakeNetwork struct {
	// FetchFn overrides the default behaviour when set.
	FetchFn func(ctx context.Context, req *imgcache.Request) (*imgcache.Response, error)

	mu        sync.Mutex
	responses map[string]*imgcache.Response
	calls     map[string]int
}

// NewFakeNetwork returns a FakeNetwork with no routes. Unknown URLs answer 404.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		responses: make(map[string]*imgcache.Response),
		calls:     make(map[string]int),
	}
}

// Serve registers the response returned for rawURL.
func (n *FakeNetwork) Serve(rawURL string, resp *imgcache.Response) {
	n.mu.Lock()
	n.responses[rawURL] = resp
	n.mu.Unlock()
}

// Fetch records the call and returns a copy of the registered response.
func (n *FakeNetwork) Fetch(ctx context.Context, req *imgcache.Request) (*imgcache.Response, error) {
	n.mu.Lock()
	n.calls[req.Key()]++
	resp, ok := n.responses[req.Key()]
	n.mu.Unlock()

	if n.FetchFn != nil {
		return n.FetchFn(ctx, req)
	}
	if !ok {
		return &imgcache.Response{
			Status: http.StatusNotFound,
			Header: http.Header{"Content-Type": {"text/plain"}},
			Body:   []byte("not found"),
			URL:    req.Key(),
			Type:   imgcache.ResponseBasic,
		}, nil
	}
	return resp.Clone(), nil
}

// Calls returns how many times rawURL was fetched.
func (n *FakeNetwork) Calls(rawURL string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[rawURL]
}

// TotalCalls returns the number of fetches across all URLs.
func (n *FakeNetwork) TotalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// Image returns a qualifying image snapshot with the given body.
func Image(rawURL, body string) *imgcache.Response {
	return &imgcache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"image/jpeg"}},
		Body:   []byte(body),
		URL:    rawURL,
		Type:   imgcache.ResponseBasic,
	}
}

package circuitbreaker

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrOpen is returned for requests rejected while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Transport is an http.RoundTripper that consults a Breaker before each round
// trip and records its outcome.
type Transport struct {
	Breaker *Breaker
	Base    http.RoundTripper // nil = http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ticket, ok := t.Breaker.Allow()
	if !ok {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrOpen, req.URL.Host)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	t.Breaker.Record(ticket, errorWeight(resp, err))
	return resp, err
}

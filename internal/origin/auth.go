package origin

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// HeaderTransport is an http.RoundTripper that injects a static credential
// header on every request to the origin (e.g. a CDN or staging gate token).
type HeaderTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the header.
func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return baseOrDefault(t.Base).RoundTrip(r2)
}

// TokenTransport injects an OAuth2 bearer token on every request. Tokens are
// cached and refreshed by the token source.
type TokenTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// ClientCredentials configures the OAuth2 client-credentials grant.
type ClientCredentials struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewClientCredentialsTransport returns a TokenTransport whose tokens come
// from the client-credentials grant. Token requests use http.DefaultClient
// unless ctx carries an oauth2.HTTPClient.
func NewClientCredentialsTransport(ctx context.Context, base http.RoundTripper, cc ClientCredentials) (*TokenTransport, error) {
	if cc.TokenURL == "" || cc.ClientID == "" {
		return nil, fmt.Errorf("origin auth: token_url and client_id are required")
	}
	cfg := &clientcredentials.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		TokenURL:     cc.TokenURL,
		Scopes:       cc.Scopes,
	}
	return newTokenTransport(base, cfg.TokenSource(ctx)), nil
}

func newTokenTransport(base http.RoundTripper, ts oauth2.TokenSource) *TokenTransport {
	return &TokenTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *TokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("origin auth: obtain token: %w", err)
	}
	r2 := r.Clone(r.Context())
	tok.SetAuthHeader(r2)
	return baseOrDefault(t.base).RoundTrip(r2)
}

func baseOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt != nil {
		return rt
	}
	return http.DefaultTransport
}

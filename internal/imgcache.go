// Package imgcache defines domain types for the imgcache image caching proxy.
// This package has no project imports -- it is the dependency root.
package imgcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// --- Resource kind ---

// Kind is the classification a request declares for what it expects back.
type Kind string

const (
	KindNone     Kind = ""
	KindImage    Kind = "image"
	KindScript   Kind = "script"
	KindStyle    Kind = "style"
	KindDocument Kind = "document"
	KindFont     Kind = "font"
	KindEmpty    Kind = "empty" // fetch()/XHR
)

// secFetchDest is the canonical header browsers use to declare the request
// destination.
const secFetchDest = "Sec-Fetch-Dest"

// ParseKind normalizes a destination token such as a Sec-Fetch-Dest value.
func ParseKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// KindFromHeaders derives the resource kind of a request. Sec-Fetch-Dest wins
// when present; otherwise an Accept header whose first media range is image/*
// marks the request as an image.
func KindFromHeaders(h http.Header) Kind {
	if k := ParseKind(h.Get(secFetchDest)); k != KindNone {
		return k
	}
	accept := h.Get("Accept")
	if accept == "" {
		return KindNone
	}
	first, _, _ := strings.Cut(accept, ",")
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return KindNone
	}
	if strings.HasPrefix(mt, "image/") {
		return KindImage
	}
	return KindNone
}

// --- Request ---

// Request is a normalized request descriptor: the identity a cache entry is
// stored and matched under.
type Request struct {
	Method string
	URL    *url.URL // absolute, fragment stripped
	Header http.Header
	Kind   Kind
}

// NewRequest builds a Request from its parts. The fragment is dropped and the
// kind is derived from the headers.
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrBadRequest, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%w: url %q is not absolute", ErrBadRequest, rawURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if header == nil {
		header = http.Header{}
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: header,
		Kind:   KindFromHeaders(header),
	}, nil
}

// Key returns the store key of the request: its URL without fragment.
func (r *Request) Key() string { return r.URL.String() }

// Cacheable reports whether the request may be matched against or written to
// a store. Only GET requests qualify.
func (r *Request) Cacheable() bool { return r.Method == http.MethodGet }

// IsImage reports whether the request declares an image destination.
func (r *Request) IsImage() bool { return r.Kind == KindImage }

// --- Response ---

// ResponseType is the origin classification of a response.
type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"  // same origin
	ResponseCORS   ResponseType = "cors"   // cross origin, readable
	ResponseOpaque ResponseType = "opaque" // cross origin, unreadable
	ResponseError  ResponseType = "error"
)

// Response is a response snapshot: everything needed to replay it verbatim.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string // final URL after redirects
	Type   ResponseType
}

// OK reports whether the response qualifies for storage: present, status 200
// and same-origin.
func (r *Response) OK() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == ResponseBasic
}

// Clone returns a deep copy. The copy shares no memory with r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   slices.Clone(r.Body),
		URL:    r.URL,
		Type:   r.Type,
	}
}

// --- Vary ---

// VaryFields returns the canonical header names listed in the response's Vary
// header(s). A "*" entry is returned as-is.
func VaryFields(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Vary") {
		for f := range strings.SplitSeq(v, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			if f != "*" {
				f = http.CanonicalHeaderKey(f)
			}
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	return out
}

// VaryHeaders captures the request headers named by the response's Vary list,
// to be stored alongside the entry.
func VaryHeaders(req *Request, resp *Response) http.Header {
	fields := VaryFields(resp.Header)
	if len(fields) == 0 {
		return nil
	}
	h := make(http.Header, len(fields))
	for _, f := range fields {
		if f == "*" {
			continue
		}
		if vals := req.Header.Values(f); len(vals) > 0 {
			h[f] = slices.Clone(vals)
		}
	}
	return h
}

// VaryMatches reports whether req is equivalent to the request a stored
// response was written under. stored holds the headers captured by
// VaryHeaders. Vary: * never matches.
func VaryMatches(req *Request, resp *Response, stored http.Header) bool {
	for _, f := range VaryFields(resp.Header) {
		if f == "*" {
			return false
		}
		if strings.Join(req.Header.Values(f), ",") != strings.Join(stored.Values(f), ",") {
			return false
		}
	}
	return true
}

// --- Fetch outcome ---

// Source tells where a response came from.
type Source int

const (
	SourceBypass  Source = iota // not intercepted
	SourceNetwork               // cache miss, fetched from origin
	SourceStore                 // cache hit
)

// String returns the X-Cache header value for the source.
func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "MISS"
	case SourceStore:
		return "HIT"
	default:
		return "BYPASS"
	}
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// HashKey returns the hex-encoded SHA-256 hash of a raw secret.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

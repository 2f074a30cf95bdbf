package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	imgcache "github.com/ryzup/imgcache/internal"
)

// cacheHeader reports where a proxied response came from: HIT, MISS or BYPASS.
const cacheHeader = "X-Cache"

var (
	hitValue    = []string{imgcache.SourceStore.String()}
	missValue   = []string{imgcache.SourceNetwork.String()}
	bypassValue = []string{imgcache.SourceBypass.String()}
)

// handleProxy runs a request through the image cache. Requests the cache does
// not intercept are forwarded to the origin untouched.
func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	req, err := imgcache.NewRequest(r.Method, s.deps.Origin.Resolve(r), r.Header.Clone())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(http.StatusBadRequest, err.Error()))
		return
	}

	out, err := s.deps.Cache.Fetch(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !out.Intercepted() {
		w.Header()[cacheHeader] = bypassValue
		if err := s.deps.Origin.Forward(r.Context(), w, r); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelWarn, "forward failed",
				slog.String("url", req.Key()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if out.Response == nil {
		writeError(w, r, imgcache.ErrUpstream)
		return
	}
	writeSnapshot(w, r, out.Response, out.Source)
}

// writeSnapshot replays a response snapshot verbatim.
func writeSnapshot(w http.ResponseWriter, r *http.Request, resp *imgcache.Response, src imgcache.Source) {
	h := w.Header()
	for k, vals := range resp.Header {
		h[k] = append([]string(nil), vals...)
	}
	if r.Method != http.MethodHead {
		h["Content-Length"] = []string{strconv.Itoa(len(resp.Body))}
	}
	if src == imgcache.SourceStore {
		h[cacheHeader] = hitValue
	} else {
		h[cacheHeader] = missValue
	}
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(resp.Body); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelDebug, "write response body",
			slog.String("error", err.Error()),
		)
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(status int, msg string) apiError {
	var e apiError
	e.Error.Message = msg
	switch {
	case status == http.StatusBadGateway:
		e.Error.Type = "upstream_error"
	case status >= 500:
		e.Error.Type = "server_error"
	default:
		e.Error.Type = "invalid_request_error"
	}
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, imgcache.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, imgcache.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, imgcache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, imgcache.ErrConflict), errors.Is(err, imgcache.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, imgcache.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, imgcache.ErrNotActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, imgcache.ErrUpstream), errors.Is(err, imgcache.ErrBodyTooLarge):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status. Server-side failures are logged and their
// details withheld from the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status >= 500 {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse(status, msg))
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

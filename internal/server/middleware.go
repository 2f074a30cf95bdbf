package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	imgcache "github.com/ryzup/imgcache/internal"
)

// recovery turns a panic anywhere below it into a 500. It is registered first
// so that a panic in logging or metrics is caught too. If the handler had
// already started the response, the status cannot change any more and the
// client gets a truncated body.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
				slog.Any("error", rec),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			writeJSON(w, http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "internal server error"))
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader is spelled in canonical MIME form. Indexing the header map
// directly with it skips the canonicalization Header.Get and Header.Set do on
// every call; any other spelling would silently miss.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen caps a caller-supplied request ID. Longer or non-printable
// IDs are replaced rather than echoed into logs and response headers.
const maxRequestIDLen = 128

// requestID makes sure every request carries an ID. A well-formed
// X-Request-Id from the caller (typically the CDN in front of us) is kept so
// that log lines correlate across hops; otherwise a UUID v7 is minted, which
// also sorts by arrival time. The ID goes into the context for logging and
// back out on the response.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if vals := r.Header[requestIDHeader]; len(vals) > 0 && validRequestID(vals[0]) {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		next.ServeHTTP(w, r.WithContext(imgcache.ContextWithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// logging emits one line per request once the handler returns. Status and
// byte count come from the wrapping statusWriter; the cache column is read
// back from the X-Cache header the proxy route sets, so forwarded and admin
// requests log it empty.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := acquireStatusWriter(w)
		defer releaseStatusWriter(sw)

		next.ServeHTTP(sw, r)

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.Status()),
			slog.Int64("bytes", sw.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("request_id", imgcache.RequestIDFromContext(r.Context())),
			slog.String("cache", cacheResult(sw.Header())),
		)
	})
}

// authenticate guards the admin routes. Rejections carry the auth error
// text, which is written to be shown to clients.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.AdminAuth.Authenticate(r); err != nil {
			status := errorStatus(err)
			writeJSON(w, status, errorResponse(status, err.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cacheResult returns the X-Cache value set by the proxy route, "" elsewhere.
func cacheResult(h http.Header) string {
	if vals := h[cacheHeader]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

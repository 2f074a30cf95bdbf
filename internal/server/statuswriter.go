package server

import (
	"net/http"
	"sync"
)

// statusWriter records what a handler wrote so that logging and metrics can
// report it after the fact. Both middlewares wrap every request, so the
// wrappers are pooled instead of allocated per request.
//
// Only the first status counts, the same as net/http: a later WriteHeader is
// passed through (net/http logs it as superfluous) but not recorded. A Write
// before any WriteHeader is an implicit 200.
type statusWriter struct {
	http.ResponseWriter
	status int   // 0 until the header is written
	bytes  int64 // body bytes accepted by the underlying writer
}

var statusWriterPool = sync.Pool{
	New: func() any { return new(statusWriter) },
}

// acquireStatusWriter takes a writer from the pool and points it at w. Every
// field is reset here because a pooled writer still holds the counts of the
// request it last served.
func acquireStatusWriter(w http.ResponseWriter) *statusWriter {
	sw := statusWriterPool.Get().(*statusWriter)
	*sw = statusWriter{ResponseWriter: w}
	return sw
}

// releaseStatusWriter hands sw back to the pool. The wrapped writer is
// dropped first so the pool does not keep a finished response (and the
// connection behind it) reachable. sw must not be used afterwards.
func releaseStatusWriter(sw *statusWriter) {
	sw.ResponseWriter = nil
	statusWriterPool.Put(sw)
}

// Status returns the status sent to the client, 200 if the handler wrote
// nothing at all.
func (sw *statusWriter) Status() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) WriteHeader(code int) {
	// 1xx responses are informational; the final status is still to come.
	if sw.status == 0 && code >= http.StatusOK {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer, so Flush,
// Hijack and write deadlines keep working behind the middleware without
// statusWriter re-implementing each optional interface.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

package server

import (
	"errors"
	"log/slog"
	"net/http"

	imgcache "github.com/ryzup/imgcache/internal"
)

var plainCT = []string{"text/plain; charset=utf-8"}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, "ok")
}

// handleReadyz reports 503 until a generation is active and its store
// backend answers.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck == nil {
		writePlain(w, http.StatusOK, "ok")
		return
	}
	if err := s.deps.ReadyCheck(r.Context()); err != nil {
		reason := "store unavailable"
		if errors.Is(err, imgcache.ErrNotActive) {
			reason = "no active generation"
		}
		slog.LogAttrs(r.Context(), slog.LevelWarn, "not ready",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		writePlain(w, http.StatusServiceUnavailable, reason)
		return
	}
	writePlain(w, http.StatusOK, "ok")
}

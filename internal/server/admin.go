package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	imgcache "github.com/ryzup/imgcache/internal"
)

const (
	// maxAdminBody is the maximum allowed admin request body size (1 MB).
	maxAdminBody = 1 << 20
	// deployTimeout bounds a deploy once it has started. A deploy is not tied
	// to the request: a client that disconnects halfway must not leave a
	// half-installed generation behind.
	deployTimeout = 2 * time.Minute
)

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, imgcache.ErrNotFound):
		writeJSON(w, status, errorResponse(status, "not found"))
	case errors.Is(err, imgcache.ErrConflict):
		writeJSON(w, status, errorResponse(status, "conflict: the active store cannot be deleted"))
	case errors.Is(err, imgcache.ErrNotActive):
		writeJSON(w, status, errorResponse(status, "no active generation"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse(status, "internal error"))
	}
}

type listResponse struct {
	Data any `json:"data"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Lifecycle.Status(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := s.deps.Lifecycle.Stores(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Data: stores})
}

func (s *server) handleDeleteStore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Lifecycle.DeleteStore(r.Context(), name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deployResponse struct {
	Generation   string `json:"generation"`
	Version      string `json:"version"`
	CleanupError string `json:"cleanup_error,omitempty"`
}

// handleDeploy installs and activates a new store version. Body:
// {"version": "ryzup-images-v2"}.
func (s *server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(http.StatusBadRequest, "invalid request body"))
		return
	}
	if !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, errorResponse(http.StatusBadRequest, "invalid request body"))
		return
	}
	v := gjson.GetBytes(body, "version")
	if v.Type != gjson.String || v.String() == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(http.StatusBadRequest, "version must be a non-empty string"))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), deployTimeout)
	defer cancel()
	gen, err := s.deps.Lifecycle.Deploy(ctx, v.String())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	resp := deployResponse{Generation: gen.ID, Version: gen.Proxy.Version()}
	if gen.CleanupErr != nil {
		resp.CleanupError = gen.CleanupErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

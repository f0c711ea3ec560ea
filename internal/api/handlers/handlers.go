// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/featherbase/featherbase/internal/api/types"
	"github.com/featherbase/featherbase/internal/auth"
	"github.com/featherbase/featherbase/internal/engine"
	"github.com/featherbase/featherbase/internal/realtime"
	"github.com/featherbase/featherbase/internal/schema"
)

// Handler provides the HTTP handlers over the engine.
type Handler struct {
	engine      *engine.Engine
	auth        *auth.Service
	broadcaster *realtime.Broadcaster
	logger      *slog.Logger

	maxPerPage   int
	maxBatchSize int
}

// Config holds handler configuration.
type Config struct {
	MaxPerPage   int
	MaxBatchSize int
}

// New creates a new Handler.
func New(eng *engine.Engine, authSvc *auth.Service, bc *realtime.Broadcaster, logger *slog.Logger, cfg Config) *Handler {
	if cfg.MaxPerPage <= 0 {
		cfg.MaxPerPage = 100
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	return &Handler{
		engine:       eng,
		auth:         authSvc,
		broadcaster:  bc,
		logger:       logger,
		maxPerPage:   cfg.MaxPerPage,
		maxBatchSize: cfg.MaxBatchSize,
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		ErrorCode: status,
		Message:   message,
	})
}

// handleError maps engine and auth errors onto HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var verr *schema.ValidationError

	switch {
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &verr), errors.Is(err, schema.ErrInvalidCollectionName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, schema.ErrSchemaNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUniqueness), errors.Is(err, engine.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrOverloaded):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// authorizeCollection gates system collections behind a superuser
// token. Regular collections are open to any caller.
func authorizeCollection(r *http.Request, collection string) error {
	if schema.IsSystemCollection(collection) && !auth.IsSuperuser(r.Context()) {
		return auth.ErrForbidden
	}
	return nil
}

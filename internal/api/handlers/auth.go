package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/featherbase/featherbase/internal/api/types"
	"github.com/featherbase/featherbase/internal/auth"
	"github.com/featherbase/featherbase/internal/schema"
)

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Collection == "" {
		req.Collection = schema.UsersCollection
	}

	token, user, err := h.auth.Login(r.Context(), req.Collection, req.Email, req.Password)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.LoginResponse{Token: token, User: user})
}

// GetSchema handles GET /api/collections/{collection}/schema.
// Superuser only.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	if !auth.IsSuperuser(r.Context()) {
		h.handleError(w, auth.ErrForbidden)
		return
	}

	s, err := h.engine.Schemas().Lookup(chi.URLParam(r, "collection"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PutSchema handles PUT /api/collections/{collection}/schema.
// Superuser only.
func (h *Handler) PutSchema(w http.ResponseWriter, r *http.Request) {
	if !auth.IsSuperuser(r.Context()) {
		h.handleError(w, auth.ErrForbidden)
		return
	}

	var s schema.Schema
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.Collection = chi.URLParam(r, "collection")

	if err := h.engine.Schemas().Put(&s); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &s)
}

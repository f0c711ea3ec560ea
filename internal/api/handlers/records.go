package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/featherbase/featherbase/internal/api/types"
	"github.com/featherbase/featherbase/internal/auth"
	"github.com/featherbase/featherbase/internal/engine"
	"github.com/featherbase/featherbase/internal/record"
	"github.com/featherbase/featherbase/internal/schema"
)

// expectedVersionField is the reserved body field carrying the
// optimistic concurrency precondition on PATCH.
const expectedVersionField = "_expectedVersion"

// ListRecords handles GET /api/collections/{collection}/records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := authorizeCollection(r, collection); err != nil {
		h.handleError(w, err)
		return
	}

	opts, err := h.parseListOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.List(r.Context(), collection, opts)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRecord handles GET /api/collections/{collection}/records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := authorizeCollection(r, collection); err != nil {
		h.handleError(w, err)
		return
	}

	rec, err := h.engine.Get(r.Context(), collection, chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/collections/{collection}/records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := authorizeCollection(r, collection); err != nil {
		h.handleError(w, err)
		return
	}

	var data record.Record
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := hashAuthPassword(collection, data); err != nil {
		h.handleError(w, err)
		return
	}

	rec, err := h.engine.Create(r.Context(), collection, data)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// PatchRecord handles PATCH /api/collections/{collection}/records/{id}.
func (h *Handler) PatchRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := authorizeCollection(r, collection); err != nil {
		h.handleError(w, err)
		return
	}

	var patch record.Record
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	expected, err := popExpectedVersion(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := hashAuthPassword(collection, patch); err != nil {
		h.handleError(w, err)
		return
	}

	rec, err := h.engine.Update(r.Context(), collection, chi.URLParam(r, "id"), patch, expected)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/collections/{collection}/records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	if err := authorizeCollection(r, collection); err != nil {
		h.handleError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	var expected *int64
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version parameter")
			return
		}
		expected = &n
	}

	if err := h.engine.Delete(r.Context(), collection, id, expected); err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DeleteResponse{Success: true, ID: id})
}

// Batch handles POST /api/batch: a bounded sequence of create, update,
// and delete operations executed in order. Each result is independent;
// one failure does not abort the rest.
func (h *Handler) Batch(w http.ResponseWriter, r *http.Request) {
	var req types.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}
	if len(req.Requests) > h.maxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch exceeds %d operations", h.maxBatchSize))
		return
	}

	results := make([]types.BatchResult, 0, len(req.Requests))
	for _, op := range req.Requests {
		results = append(results, h.runBatchOp(r, op))
	}
	writeJSON(w, http.StatusOK, types.BatchResponse{Results: results})
}

func (h *Handler) runBatchOp(r *http.Request, op types.BatchOp) types.BatchResult {
	if err := authorizeCollection(r, op.Collection); err != nil {
		return types.BatchResult{Error: err.Error()}
	}
	if err := hashAuthPassword(op.Collection, op.Data); err != nil {
		return types.BatchResult{Error: err.Error()}
	}

	switch strings.ToLower(op.Method) {
	case "create":
		rec, err := h.engine.Create(r.Context(), op.Collection, op.Data)
		if err != nil {
			return types.BatchResult{Error: err.Error()}
		}
		return types.BatchResult{Success: true, Result: rec}
	case "update":
		expected, err := popExpectedVersion(op.Data)
		if err != nil {
			return types.BatchResult{Error: err.Error()}
		}
		rec, err := h.engine.Update(r.Context(), op.Collection, op.ID, op.Data, expected)
		if err != nil {
			return types.BatchResult{Error: err.Error()}
		}
		return types.BatchResult{Success: true, Result: rec}
	case "delete":
		if err := h.engine.Delete(r.Context(), op.Collection, op.ID, nil); err != nil {
			return types.BatchResult{Error: err.Error()}
		}
		return types.BatchResult{Success: true}
	default:
		return types.BatchResult{Error: fmt.Sprintf("unknown method %q", op.Method)}
	}
}

// parseListOptions reads pagination, filter, and sort query params.
// filter is either a JSON object or a single field=value pair.
func (h *Handler) parseListOptions(r *http.Request) (engine.ListOptions, error) {
	q := r.URL.Query()
	opts := engine.ListOptions{Sort: q.Get("sort")}

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, fmt.Errorf("invalid page parameter")
		}
		opts.Page = n
	}
	if v := q.Get("perPage"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return opts, fmt.Errorf("invalid perPage parameter")
		}
		if n > h.maxPerPage {
			n = h.maxPerPage
		}
		opts.PerPage = n
	}

	if raw := q.Get("filter"); raw != "" {
		filter := make(map[string]any)
		if strings.HasPrefix(raw, "{") {
			if err := json.Unmarshal([]byte(raw), &filter); err != nil {
				return opts, fmt.Errorf("invalid filter JSON")
			}
		} else {
			field, value, ok := strings.Cut(raw, "=")
			if !ok || field == "" {
				return opts, fmt.Errorf("invalid filter expression")
			}
			filter[field] = value
		}
		opts.Filter = filter
	}
	return opts, nil
}

// popExpectedVersion extracts the _expectedVersion precondition from a
// patch body, removing it so it never lands in the record.
func popExpectedVersion(patch record.Record) (*int64, error) {
	v, ok := patch[expectedVersionField]
	if !ok {
		return nil, nil
	}
	delete(patch, expectedVersionField)

	switch n := v.(type) {
	case float64:
		ev := int64(n)
		return &ev, nil
	case int64:
		return &n, nil
	case int:
		ev := int64(n)
		return &ev, nil
	}
	return nil, fmt.Errorf("%s must be a number", expectedVersionField)
}

// hashAuthPassword replaces a plaintext password field with its bcrypt
// hash for auth collections. The engine itself stores payloads as-is.
func hashAuthPassword(collection string, data record.Record) error {
	if data == nil || !schema.IsAuthCollection(collection) {
		return nil
	}
	pw, ok := data["password"].(string)
	if !ok || pw == "" {
		return nil
	}
	hash, err := auth.HashPassword(pw)
	if err != nil {
		return err
	}
	data["password"] = hash
	return nil
}

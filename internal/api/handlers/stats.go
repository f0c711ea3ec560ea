package handlers

import (
	"net/http"

	"github.com/featherbase/featherbase/internal/cache"
	"github.com/featherbase/featherbase/internal/engine"
	"github.com/featherbase/featherbase/internal/realtime"
)

// StatsResponse aggregates runtime counters across the components.
type StatsResponse struct {
	Engine   engine.Stats       `json:"engine"`
	Buffer   engine.BufferStats `json:"buffer"`
	Cache    cache.Stats        `json:"cache"`
	Realtime realtime.Stats     `json:"realtime"`
}

// Stats handles GET /api/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Engine:   h.engine.Stats(),
		Buffer:   h.engine.Buffer().Stats(),
		Cache:    h.engine.Cache().Stats(),
		Realtime: h.broadcaster.Stats(),
	})
}

// BufferStats handles GET /api/stats/buffer.
func (h *Handler) BufferStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Buffer().Stats())
}

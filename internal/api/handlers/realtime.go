package handlers

import (
	"fmt"
	"net/http"

	"github.com/featherbase/featherbase/internal/realtime"
)

// Realtime handles GET /api/realtime: a server-sent event stream of
// committed change events. The stream opens with a connected frame and
// carries message and ping frames until the client disconnects or the
// sink is evicted.
func (h *Handler) Realtime(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(sub.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev realtime.Event) {
	if len(ev.Data) == 0 {
		fmt.Fprintf(w, "event: %s\ndata: {}\n\n", ev.Kind)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, ev.Data)
}

package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SSE streams the same batches as the websocket feed as server-sent events.
func (h *Handler) SSE(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		http.Error(w, "live feed disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	_, batches, unsubscribe := h.Hub.Subscribe()
	defer unsubscribe()

	send := func(event string, m feedMessage) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := send("recent", feedMessage{Type: "recent", Count: h.Hub.Count(), Events: h.Hub.Recent()}); err != nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			if err := send("batch", feedMessage{Type: "batch", Count: h.Hub.Count(), Events: batch}); err != nil {
				return
			}
		case <-ticker.C:
			// Heartbeat to keep connection alive
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

package handler

import (
	"net/http"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/notify"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

type feedMessage struct {
	Type   string         `json:"type"`
	Count  int64          `json:"count"`
	Events []notify.Event `json:"events"`
}

// WebSocket streams notification batches. The first message carries the
// recent events so a new viewer is not empty-handed.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		http.Error(w, "live feed disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}
	subID, batches, unsubscribe := h.Hub.Subscribe()
	defer func() {
		unsubscribe()
		_ = conn.Close()
	}()

	write := func(m feedMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(m)
	}
	if err := write(feedMessage{Type: "recent", Count: h.Hub.Count(), Events: h.Hub.Recent()}); err != nil {
		return
	}

	// Keep connection alive by reading messages (ping/pong)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.Log.Warn().Err(err).Str("subscriber", subID).Msg("websocket error")
				}
				return
			}
		}
	}()

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				return
			}
			if err := write(feedMessage{Type: "batch", Count: h.Hub.Count(), Events: batch}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *Handler) Notifications(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeJSON(w, http.StatusOK, feedMessage{Type: "recent", Events: []notify.Event{}})
		return
	}
	writeJSON(w, http.StatusOK, feedMessage{Type: "recent", Count: h.Hub.Count(), Events: h.Hub.Recent()})
}

// ClearNotifications resets the recent list and counter.
func (h *Handler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if h.Hub != nil {
		h.Hub.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

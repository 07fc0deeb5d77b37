package handler

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/PipeOpsHQ/netspy/internal/export"
)

// headers that belong to the original connection, not the request
var replaySkip = map[string]bool{"host": true, "content-length": true, "connection": true}

// ReplayTransaction sends a stored request again. With a recording client the
// replay shows up as a new transaction.
func (h *Handler) ReplayTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}
	tx, err := h.Store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	data, ok := export.RequestPayload(tx)
	if !ok {
		writeError(w, http.StatusConflict, "request body was not fully captured")
		return
	}

	var payload io.Reader
	if len(data) > 0 {
		payload = bytes.NewReader(data)
	}
	newReq, err := http.NewRequestWithContext(r.Context(), tx.Request.Method, tx.Request.URL, payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "failed to create replay request")
		return
	}
	for _, hdr := range tx.Request.Headers {
		if replaySkip[strings.ToLower(hdr.Name)] || hdr.Value == "██" {
			continue
		}
		newReq.Header.Add(hdr.Name, hdr.Value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(newReq)
	if err != nil {
		h.Log.Warn().Err(err).Int64("id", id).Msg("replay failed")
		writeError(w, http.StatusBadGateway, "failed to replay request: "+err.Error())
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	writeJSON(w, http.StatusOK, map[string]any{
		"replayed_from": id,
		"status":        resp.StatusCode,
	})
}

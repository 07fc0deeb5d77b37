package handler

import (
	"encoding/json"
	"net/http"

	"github.com/PipeOpsHQ/netspy/internal/config"
	"github.com/PipeOpsHQ/netspy/internal/retention"
)

// settingsPatch is a partial update; absent fields keep their value.
type settingsPatch struct {
	NotificationsEnabled *bool             `json:"notifications_enabled"`
	MaxContentLength     *int64            `json:"max_content_length"`
	Retention            *retention.Policy `json:"retention"`
	RetainBinary         *bool             `json:"retain_binary"`
	RedactHeaders        *[]string         `json:"redact_headers"`
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if h.Settings == nil {
		writeError(w, http.StatusNotFound, "settings not available")
		return
	}
	writeJSON(w, http.StatusOK, h.Settings.Load())
}

func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	if h.Settings == nil {
		writeError(w, http.StatusNotFound, "settings not available")
		return
	}
	var p settingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	next, err := h.Settings.Update(func(c *config.Capture) {
		if p.NotificationsEnabled != nil {
			c.NotificationsEnabled = *p.NotificationsEnabled
		}
		if p.MaxContentLength != nil {
			c.MaxContentLength = *p.MaxContentLength
		}
		if p.Retention != nil {
			c.Retention = *p.Retention
		}
		if p.RetainBinary != nil {
			c.RetainBinary = *p.RetainBinary
		}
		if p.RedactHeaders != nil {
			c.RedactHeaders = *p.RedactHeaders
		}
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.Log.Info().Str("retention", next.Retention.String()).Int64("max_content_length", next.MaxContentLength).Msg("capture settings updated")
	writeJSON(w, http.StatusOK, next)
}

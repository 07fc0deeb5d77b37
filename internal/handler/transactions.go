package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/PipeOpsHQ/netspy/internal/export"
	"github.com/PipeOpsHQ/netspy/internal/store"
	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/google/uuid"
)

type listResponse struct {
	Transactions []*transaction.Transaction `json:"transactions"`
	Total        int64                      `json:"total"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

func filterFrom(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	f := store.Filter{
		State:  transaction.State(q.Get("state")),
		Method: q.Get("method"),
		Search: q.Get("q"),
	}
	if f.State != "" && !f.State.Valid() {
		return f, fmt.Errorf("unknown state %q", f.State)
	}
	for key, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid %s %q", key, v)
		}
		*dst = n
	}
	if f.Limit == 0 {
		f.Limit = store.DefaultLimit
	}
	if f.Limit > store.MaxLimit {
		f.Limit = store.MaxLimit
	}
	return f, nil
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	txs, err := h.Store.Query(r.Context(), f)
	if err != nil {
		h.storeError(w, err)
		return
	}
	total, err := h.Store.Count(r.Context(), f)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Transactions: txs, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}
	if err := h.Store.Delete(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteAllTransactions(w http.ResponseWriter, r *http.Request) {
	n, err := h.Store.DeleteAll(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	h.Log.Info().Int64("deleted", n).Msg("transactions cleared")
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (h *Handler) ExportTransaction(w http.ResponseWriter, r *http.Request) {
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

	name := fmt.Sprintf("netspy-%d", id)
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		w.Header().Set("Content-Disposition", "attachment; filename="+name+".json")
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(tx)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(export.Text(tx)))
	case "curl":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(export.Curl(tx) + "\n"))
	case "har":
		w.Header().Set("Content-Disposition", "attachment; filename="+name+".har")
		writeJSON(w, http.StatusOK, export.ToHAR([]*transaction.Transaction{tx}, h.Version))
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown export format %q", format))
	}
}

// ExportHAR exports the listing selected by the usual filters as one HAR log.
func (h *Handler) ExportHAR(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = store.MaxLimit
	}
	txs, err := h.Store.Query(r.Context(), f)
	if err != nil {
		h.storeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=netspy-"+uuid.NewString()+".har")
	writeJSON(w, http.StatusOK, export.ToHAR(txs, h.Version))
}

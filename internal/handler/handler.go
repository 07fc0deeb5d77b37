package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/config"
	"github.com/PipeOpsHQ/netspy/internal/notify"
	"github.com/PipeOpsHQ/netspy/internal/observability"
	"github.com/PipeOpsHQ/netspy/internal/store"
	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local inspection tool
	},
}

// Reader is the read and delete side of the transaction store. The query
// surface never changes the lifecycle of a transaction.
type Reader interface {
	Get(ctx context.Context, id int64) (*transaction.Transaction, error)
	Query(ctx context.Context, f store.Filter) ([]*transaction.Transaction, error)
	Count(ctx context.Context, f store.Filter) (int64, error)
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) (int64, error)
}

type Handler struct {
	Store    Reader
	Hub      *notify.Hub
	Settings *config.Settings
	// Client re-issues replayed requests; it should be a recording client.
	Client  *http.Client
	Metrics *observability.Metrics
	Log     zerolog.Logger
	Version string
}

type Option func(*Handler)

func WithHub(hub *notify.Hub) Option { return func(h *Handler) { h.Hub = hub } }

func WithSettings(s *config.Settings) Option { return func(h *Handler) { h.Settings = s } }

func WithClient(c *http.Client) Option { return func(h *Handler) { h.Client = c } }

func WithMetrics(m *observability.Metrics) Option { return func(h *Handler) { h.Metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(h *Handler) { h.Log = l } }

func WithVersion(v string) Option { return func(h *Handler) { h.Version = v } }

func NewHandler(s Reader, opts ...Option) *Handler {
	h := &Handler{Store: s, Log: zerolog.Nop(), Version: "dev"}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the query surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/transactions", h.ListTransactions)
		r.Delete("/transactions", h.DeleteAllTransactions)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Delete("/transactions/{id}", h.DeleteTransaction)
		r.Get("/transactions/{id}/export", h.ExportTransaction)
		r.Post("/transactions/{id}/replay", h.ReplayTransaction)
		r.Get("/export.har", h.ExportHAR)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.PutSettings)
		r.Get("/notifications", h.Notifications)
		r.Delete("/notifications", h.ClearNotifications)
	})
	r.Get("/ws", h.WebSocket)
	r.Get("/events", h.SSE)
	if h.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.Version})
	})
	return r
}

// requestLogger logs API calls. Streaming routes are only logged on open.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" || r.URL.Path == "/events" {
			h.Log.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("live feed opened")
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store failures onto HTTP statuses.
func (h *Handler) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction not found")
	case errors.Is(err, store.ErrUnavailable):
		h.Log.Error().Err(err).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.Log.Error().Err(err).Msg("store failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

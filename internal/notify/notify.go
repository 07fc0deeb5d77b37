// Package notify publishes a summary of every finished transaction to
// interested listeners.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RecentSize is how many events the hub remembers.
const RecentSize = 10

type Event struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	URL    string            `json:"url"`
	State  transaction.State `json:"state"`
	Status int               `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

func EventFor(tx *transaction.Transaction) Event {
	e := Event{
		ID:     tx.ID,
		Method: tx.Request.Method,
		URL:    tx.Request.URL,
		State:  tx.State,
		At:     tx.Request.SentAt,
	}
	if tx.Response != nil {
		e.Status = tx.Response.StatusCode
		e.At = tx.Response.ReceivedAt
	}
	if tx.Failure != nil {
		e.Error = tx.Failure.Error
		e.At = tx.Failure.FailedAt
	}
	return e
}

// Notifier receives one event per finished transaction. Notify must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Hub fans events out to subscribers in batches, at most one batch per
// limiter token.
type Hub struct {
	in      chan Event
	limiter *rate.Limiter
	log     zerolog.Logger
	onDrop  func()

	mu     sync.Mutex
	subs   map[string]chan []Event
	recent []Event
	count  int64
}

type HubOption func(*Hub)

func WithRate(r rate.Limit, burst int) HubOption {
	return func(h *Hub) { h.limiter = rate.NewLimiter(r, burst) }
}

func WithBuffer(n int) HubOption {
	return func(h *Hub) { h.in = make(chan Event, n) }
}

func WithLogger(l zerolog.Logger) HubOption { return func(h *Hub) { h.log = l } }

// WithDropHook is called whenever an event cannot be queued.
func WithDropHook(fn func()) HubOption { return func(h *Hub) { h.onDrop = fn } }

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		in:      make(chan Event, 256),
		limiter: rate.NewLimiter(rate.Limit(4), 1),
		log:     zerolog.Nop(),
		subs:    make(map[string]chan []Event),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Notify records e and queues it for delivery. When the queue is full the
// event is still counted but not delivered.
func (h *Hub) Notify(e Event) {
	h.mu.Lock()
	h.count++
	h.recent = append(h.recent, e)
	if len(h.recent) > RecentSize {
		h.recent = h.recent[len(h.recent)-RecentSize:]
	}
	h.mu.Unlock()

	select {
	case h.in <- e:
	default:
		h.log.Warn().Int64("id", e.ID).Msg("notification queue full, dropping event")
		if h.onDrop != nil {
			h.onDrop()
		}
	}
}

// Run delivers queued events until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		var first Event
		select {
		case <-ctx.Done():
			return
		case first = <-h.in:
		}
		if err := h.limiter.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				h.log.Error().Err(err).Msg("notification delivery stopped")
			}
			return
		}
		batch := []Event{first}
	drain:
		for {
			select {
			case e := <-h.in:
				batch = append(batch, e)
			default:
				break drain
			}
		}
		h.broadcast(batch)
	}
}

func (h *Hub) broadcast(batch []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- batch:
		default:
			h.log.Debug().Str("subscriber", id).Int("events", len(batch)).Msg("subscriber slow, batch skipped")
		}
	}
}

// Subscribe registers a listener. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (string, <-chan []Event, func()) {
	id := uuid.NewString()
	ch := make(chan []Event, 16)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return id, ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Recent returns the last events, newest first.
func (h *Hub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Event, len(h.recent))
	for i, e := range h.recent {
		out[len(h.recent)-1-i] = e
	}
	return out
}

// Count is the number of events seen since the last Clear.
func (h *Hub) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Hub) Clear() {
	h.mu.Lock()
	h.recent = nil
	h.count = 0
	h.mu.Unlock()
}

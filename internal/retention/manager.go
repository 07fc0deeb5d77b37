package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Manager prunes the store after transaction writes, at most once per
// cleanup interval. The policy is read on every trigger so changes apply to
// the next prune.
type Manager struct {
	store    Pruner
	policy   func() Policy
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	onPrune  func(deleted int64)

	mu    sync.Mutex
	last  time.Time
	group singleflight.Group
}

type Option func(*Manager)

// WithInterval overrides the policy's cleanup interval. A negative interval
// prunes on every trigger.
func WithInterval(d time.Duration) Option { return func(m *Manager) { m.interval = d } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithPruneHook is called with the number of rows removed by each prune.
func WithPruneHook(fn func(deleted int64)) Option { return func(m *Manager) { m.onPrune = fn } }

func NewManager(s Pruner, policy func() Policy, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		policy: policy,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Trigger prunes if the cleanup interval for the current policy has passed
// since the last successful prune. Concurrent triggers share one prune.
func (m *Manager) Trigger(ctx context.Context) (int64, error) {
	p := m.policy()
	if _, ok := p.Horizon(); !ok {
		return 0, nil
	}
	now := m.now()
	if !m.due(p, now) {
		return 0, nil
	}
	v, err, _ := m.group.Do("prune", func() (any, error) {
		return m.prune(ctx, p, now)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Run sweeps the store every interval until ctx is done, regardless of
// traffic.
func (m *Manager) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := m.policy()
			if _, err := m.prune(ctx, p, m.now()); err != nil {
				m.log.Error().Err(err).Str("policy", p.String()).Msg("retention sweep failed")
			}
		}
	}
}

func (m *Manager) due(p Policy, now time.Time) bool {
	interval := m.interval
	if interval == 0 {
		interval = p.CleanupInterval()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return interval < 0 || m.last.IsZero() || now.Sub(m.last) >= interval
}

func (m *Manager) prune(ctx context.Context, p Policy, now time.Time) (int64, error) {
	n, err := Prune(ctx, m.store, p, now)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.last = now
	m.mu.Unlock()
	if n > 0 {
		m.log.Debug().Int64("deleted", n).Str("policy", p.String()).Msg("pruned expired transactions")
	}
	if m.onPrune != nil {
		m.onPrune(n)
	}
	return n, nil
}

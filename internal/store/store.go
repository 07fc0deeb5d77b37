package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
)

var (
	ErrNotFound = errors.New("transaction not found")
	// ErrUnavailable wraps any failure of the underlying database.
	ErrUnavailable = errors.New("store unavailable")
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Rows is the row-level persistence primitive the Store is built on. Each
// call must be transactionally safe on its own.
type Rows interface {
	Save(ctx context.Context, r Record) (int64, error)
	Update(ctx context.Context, id int64, r Record) error
	Find(ctx context.Context, p Predicate) ([]Record, error)
	Count(ctx context.Context, p Predicate) (int64, error)
	DeleteWhere(ctx context.Context, p Predicate) (int64, error)
}

// Predicate selects rows. Where and OrderBy are built inside this package
// only; user input goes through Args.
type Predicate struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

func ByID(id int64) Predicate { return Predicate{Where: "id = ?", Args: []any{id}} }

func SentBefore(t time.Time) Predicate {
	return Predicate{Where: "sent_at < ?", Args: []any{toMillis(t)}}
}

func (p Predicate) clause(paged bool) string {
	var b strings.Builder
	if p.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(p.Where)
	}
	if paged {
		if p.OrderBy != "" {
			b.WriteString(" ORDER BY ")
			b.WriteString(p.OrderBy)
		}
		if p.Limit > 0 {
			b.WriteString(" LIMIT ? OFFSET ?")
		}
	}
	return b.String()
}

func (p Predicate) args(paged bool) []any {
	args := append([]any(nil), p.Args...)
	if paged && p.Limit > 0 {
		args = append(args, p.Limit, p.Offset)
	}
	return args
}

// Filter narrows a transaction listing. Zero values match everything.
type Filter struct {
	Limit  int
	Offset int
	State  transaction.State
	Method string
	// Search matches a URL substring or a status code prefix.
	Search string
}

func (f Filter) predicate() Predicate {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, strings.ToUpper(f.Method))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		esc := escapeLike(q)
		where = append(where, `(url LIKE ? ESCAPE '\' OR CAST(response_code AS TEXT) LIKE ? ESCAPE '\')`)
		args = append(args, "%"+esc+"%", esc+"%")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	return Predicate{
		Where:   strings.Join(where, " AND "),
		Args:    args,
		OrderBy: "sent_at DESC, id DESC",
		Limit:   limit,
		Offset:  offset,
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Store holds transactions. Writes are serialized so every update is an
// atomic read-modify-write of its row.
type Store struct {
	rows Rows
	mu   sync.Mutex
}

func New(rows Rows) *Store {
	return &Store{rows: rows}
}

// Close releases the underlying rows if they hold resources.
func (s *Store) Close() error {
	if c, ok := s.rows.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Insert persists tx and assigns its ID.
func (s *Store) Insert(ctx context.Context, tx *transaction.Transaction) (int64, error) {
	if err := tx.Validate(); err != nil {
		return 0, err
	}
	rec, err := toRecord(tx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	id, err := s.rows.Save(ctx, rec)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	tx.ID = id
	return id, nil
}

// Update applies fn to the stored transaction id and persists the result.
// Nothing is written if fn fails or leaves the transaction in an
// impossible state.
func (s *Store) Update(ctx context.Context, id int64, fn func(*transaction.Transaction) error) (*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	if err := next.Validate(); err != nil {
		return nil, err
	}
	rec, err := toRecord(next)
	if err != nil {
		return nil, err
	}
	if err := s.rows.Update(ctx, id, rec); err != nil {
		return nil, err
	}
	return next, nil
}

// Complete moves transaction id to Complete with resp.
func (s *Store) Complete(ctx context.Context, id int64, resp transaction.Response) (*transaction.Transaction, error) {
	return s.Update(ctx, id, func(tx *transaction.Transaction) error {
		return tx.CompleteWithResponse(resp)
	})
}

// Fail moves transaction id to Failed with f.
func (s *Store) Fail(ctx context.Context, id int64, f transaction.Failure) (*transaction.Transaction, error) {
	return s.Update(ctx, id, func(tx *transaction.Transaction) error {
		return tx.CompleteWithFailure(f)
	})
}

func (s *Store) Get(ctx context.Context, id int64) (*transaction.Transaction, error) {
	recs, err := s.rows.Find(ctx, ByID(id))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("get transaction %d: %w", id, ErrNotFound)
	}
	return fromRecord(recs[0])
}

// Query lists transactions newest first.
func (s *Store) Query(ctx context.Context, f Filter) ([]*transaction.Transaction, error) {
	recs, err := s.rows.Find(ctx, f.predicate())
	if err != nil {
		return nil, err
	}
	out := make([]*transaction.Transaction, 0, len(recs))
	for _, r := range recs {
		tx, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// Count returns how many transactions match f, ignoring its paging.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	return s.rows.Count(ctx, f.predicate())
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	n, err := s.rows.DeleteWhere(ctx, ByID(id))
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete transaction %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteOlderThan removes transactions sent before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.DeleteWhere(ctx, SentBefore(cutoff))
}

func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows.DeleteWhere(ctx, Predicate{})
}

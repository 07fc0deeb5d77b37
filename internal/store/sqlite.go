package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/PipeOpsHQ/netspy/internal/store/migrations"
	_ "modernc.org/sqlite"
)

const columns = `id, state, method, url, host, path, scheme, sent_at,
	request_content_type, request_headers, request_body, request_body_meta,
	response_code, response_message, protocol, tls_version, received_at,
	response_content_type, response_headers, response_body, response_body_meta,
	error, failed_at`

// SQLiteRows is the row primitive backed by a SQLite database.
type SQLiteRows struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies migrations.
// ":memory:" gives a private in-memory database.
func Open(path string) (*SQLiteRows, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	memory := path == ":memory:"
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	if !memory {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteRows{db: db}, nil
}

// NewSQLiteRows wraps an already migrated database handle.
func NewSQLiteRows(db *sql.DB) *SQLiteRows {
	return &SQLiteRows{db: db}
}

func (s *SQLiteRows) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteRows) Save(ctx context.Context, r Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			state, method, url, host, path, scheme, sent_at,
			request_content_type, request_headers, request_body, request_body_meta,
			response_code, response_message, protocol, tls_version, received_at,
			response_content_type, response_headers, response_body, response_body_meta,
			error, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.State, r.Method, r.URL, r.Host, r.Path, r.Scheme, r.SentAt,
		r.RequestContentType, r.RequestHeaders, r.RequestBody, r.RequestBodyMeta,
		r.ResponseCode, r.ResponseMessage, r.Protocol, r.TLSVersion, r.ReceivedAt,
		r.ResponseContentType, r.ResponseHeaders, r.ResponseBody, r.ResponseBodyMeta,
		r.Error, r.FailedAt)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w: %w", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert transaction id: %w: %w", ErrUnavailable, err)
	}
	return id, nil
}

// Update rewrites every mutable column of row id. The id and request line
// never change.
func (s *SQLiteRows) Update(ctx context.Context, id int64, r Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			state = ?, request_headers = ?, request_body = ?, request_body_meta = ?,
			response_code = ?, response_message = ?, protocol = ?, tls_version = ?, received_at = ?,
			response_content_type = ?, response_headers = ?, response_body = ?, response_body_meta = ?,
			error = ?, failed_at = ?
		WHERE id = ?
	`, r.State, r.RequestHeaders, r.RequestBody, r.RequestBodyMeta,
		r.ResponseCode, r.ResponseMessage, r.Protocol, r.TLSVersion, r.ReceivedAt,
		r.ResponseContentType, r.ResponseHeaders, r.ResponseBody, r.ResponseBodyMeta,
		r.Error, r.FailedAt, id)
	if err != nil {
		return fmt.Errorf("update transaction %d: %w: %w", id, ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update transaction %d: %w: %w", id, ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("update transaction %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteRows) Find(ctx context.Context, p Predicate) ([]Record, error) {
	query := `SELECT ` + columns + ` FROM transactions` + p.clause(true)
	rows, err := s.db.QueryContext(ctx, query, p.args(true)...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w: %w", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		err := rows.Scan(&r.ID, &r.State, &r.Method, &r.URL, &r.Host, &r.Path, &r.Scheme, &r.SentAt,
			&r.RequestContentType, &r.RequestHeaders, &r.RequestBody, &r.RequestBodyMeta,
			&r.ResponseCode, &r.ResponseMessage, &r.Protocol, &r.TLSVersion, &r.ReceivedAt,
			&r.ResponseContentType, &r.ResponseHeaders, &r.ResponseBody, &r.ResponseBodyMeta,
			&r.Error, &r.FailedAt)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w: %w", ErrUnavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w: %w", ErrUnavailable, err)
	}
	return out, nil
}

func (s *SQLiteRows) Count(ctx context.Context, p Predicate) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions`+p.clause(false), p.args(false)...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w: %w", ErrUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteRows) DeleteWhere(ctx context.Context, p Predicate) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions`+p.clause(false), p.args(false)...)
	if err != nil {
		return 0, fmt.Errorf("delete transactions: %w: %w", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete transactions: %w: %w", ErrUnavailable, err)
	}
	return n, nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
)

// Record is one flat row of the transactions table.
type Record struct {
	ID                  int64
	State               string
	Method              string
	URL                 string
	Host                string
	Path                string
	Scheme              string
	SentAt              int64
	RequestContentType  string
	RequestHeaders      string
	RequestBody         []byte
	RequestBodyMeta     sql.NullString
	ResponseCode        sql.NullInt64
	ResponseMessage     sql.NullString
	Protocol            sql.NullString
	TLSVersion          sql.NullString
	ReceivedAt          sql.NullInt64
	ResponseContentType sql.NullString
	ResponseHeaders     sql.NullString
	ResponseBody        []byte
	ResponseBodyMeta    sql.NullString
	Error               sql.NullString
	FailedAt            sql.NullInt64
}

// bodyMeta is everything about a body except its bytes.
type bodyMeta struct {
	Status       transaction.BodyStatus `json:"status"`
	Truncated    bool                   `json:"truncated,omitempty"`
	OriginalSize int64                  `json:"original_size"`
	Encoding     string                 `json:"encoding,omitempty"`
	Charset      string                 `json:"charset,omitempty"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func toRecord(tx *transaction.Transaction) (Record, error) {
	reqHeaders, err := json.Marshal(orEmpty(tx.Request.Headers))
	if err != nil {
		return Record{}, fmt.Errorf("encode request headers: %w", err)
	}
	rec := Record{
		ID:                 tx.ID,
		State:              string(tx.State),
		Method:             tx.Request.Method,
		URL:                tx.Request.URL,
		Host:               tx.Request.Host,
		Path:               tx.Request.Path,
		Scheme:             tx.Request.Scheme,
		SentAt:             toMillis(tx.Request.SentAt),
		RequestContentType: tx.Request.ContentType,
		RequestHeaders:     string(reqHeaders),
	}
	rec.RequestBody, rec.RequestBodyMeta, err = encodeBody(tx.Request.Body)
	if err != nil {
		return Record{}, err
	}

	if r := tx.Response; r != nil {
		hdrs, err := json.Marshal(orEmpty(r.Headers))
		if err != nil {
			return Record{}, fmt.Errorf("encode response headers: %w", err)
		}
		rec.ResponseCode = sql.NullInt64{Int64: int64(r.StatusCode), Valid: true}
		rec.ResponseMessage = sql.NullString{String: r.Message, Valid: true}
		rec.Protocol = sql.NullString{String: r.Protocol, Valid: true}
		rec.TLSVersion = sql.NullString{String: r.TLSVersion, Valid: true}
		rec.ReceivedAt = sql.NullInt64{Int64: toMillis(r.ReceivedAt), Valid: true}
		rec.ResponseContentType = sql.NullString{String: r.ContentType, Valid: true}
		rec.ResponseHeaders = sql.NullString{String: string(hdrs), Valid: true}
		rec.ResponseBody, rec.ResponseBodyMeta, err = encodeBody(r.Body)
		if err != nil {
			return Record{}, err
		}
	}
	if f := tx.Failure; f != nil {
		rec.Error = sql.NullString{String: f.Error, Valid: true}
		rec.FailedAt = sql.NullInt64{Int64: toMillis(f.FailedAt), Valid: true}
	}
	return rec, nil
}

func fromRecord(rec Record) (*transaction.Transaction, error) {
	tx := &transaction.Transaction{
		ID:    rec.ID,
		State: transaction.State(rec.State),
		Request: transaction.Request{
			Method:      rec.Method,
			URL:         rec.URL,
			Host:        rec.Host,
			Path:        rec.Path,
			Scheme:      rec.Scheme,
			ContentType: rec.RequestContentType,
			SentAt:      fromMillis(rec.SentAt),
		},
	}
	if err := decodeHeaders(rec.RequestHeaders, &tx.Request.Headers); err != nil {
		return nil, fmt.Errorf("decode request headers of %d: %w", rec.ID, err)
	}
	body, err := decodeBody(rec.RequestBody, rec.RequestBodyMeta)
	if err != nil {
		return nil, fmt.Errorf("decode request body of %d: %w", rec.ID, err)
	}
	tx.Request.Body = body

	if rec.ResponseCode.Valid {
		resp := &transaction.Response{
			StatusCode:  int(rec.ResponseCode.Int64),
			Message:     rec.ResponseMessage.String,
			Protocol:    rec.Protocol.String,
			TLSVersion:  rec.TLSVersion.String,
			ContentType: rec.ResponseContentType.String,
			ReceivedAt:  fromMillis(rec.ReceivedAt.Int64),
		}
		if err := decodeHeaders(rec.ResponseHeaders.String, &resp.Headers); err != nil {
			return nil, fmt.Errorf("decode response headers of %d: %w", rec.ID, err)
		}
		if resp.Body, err = decodeBody(rec.ResponseBody, rec.ResponseBodyMeta); err != nil {
			return nil, fmt.Errorf("decode response body of %d: %w", rec.ID, err)
		}
		tx.Response = resp
	}
	if rec.Error.Valid {
		tx.Failure = &transaction.Failure{Error: rec.Error.String, FailedAt: fromMillis(rec.FailedAt.Int64)}
	}
	return tx, nil
}

func orEmpty(h transaction.Headers) transaction.Headers {
	if h == nil {
		return transaction.Headers{}
	}
	return h
}

func decodeHeaders(raw string, out *transaction.Headers) error {
	if raw == "" {
		return nil
	}
	var hs transaction.Headers
	if err := json.Unmarshal([]byte(raw), &hs); err != nil {
		return err
	}
	if len(hs) > 0 {
		*out = hs
	}
	return nil
}

func encodeBody(b *transaction.Body) ([]byte, sql.NullString, error) {
	if b == nil {
		return nil, sql.NullString{}, nil
	}
	meta, err := json.Marshal(bodyMeta{
		Status:       b.Status,
		Truncated:    b.Truncated,
		OriginalSize: b.OriginalSize,
		Encoding:     b.Encoding,
		Charset:      b.Charset,
	})
	if err != nil {
		return nil, sql.NullString{}, fmt.Errorf("encode body meta: %w", err)
	}
	return b.Content, sql.NullString{String: string(meta), Valid: true}, nil
}

func decodeBody(content []byte, meta sql.NullString) (*transaction.Body, error) {
	if !meta.Valid {
		return nil, nil
	}
	var m bodyMeta
	if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
		return nil, err
	}
	b := &transaction.Body{
		Status:       m.Status,
		Truncated:    m.Truncated,
		OriginalSize: m.OriginalSize,
		Encoding:     m.Encoding,
		Charset:      m.Charset,
	}
	if len(content) > 0 {
		b.Content = content
	}
	return b, nil
}

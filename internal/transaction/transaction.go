package transaction

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrInvalidState is returned when a lifecycle transition is attempted on a
// transaction that is no longer pending.
var ErrInvalidState = errors.New("invalid transaction state")

type State string

const (
	Pending  State = "pending"
	Complete State = "complete"
	Failed   State = "failed"
)

func (s State) Valid() bool {
	switch s {
	case Pending, Complete, Failed:
		return true
	}
	return false
}

func (s State) Terminal() bool { return s == Complete || s == Failed }

// BodyStatus describes what was kept of a captured body.
type BodyStatus string

const (
	BodyEmpty       BodyStatus = "empty"
	BodyText        BodyStatus = "text"
	BodyBinary      BodyStatus = "binary"
	BodyUndecodable BodyStatus = "undecodable"
	BodyUnavailable BodyStatus = "unavailable"
)

// UnknownSize marks an OriginalSize that could not be observed.
const UnknownSize int64 = -1

// Body is a bounded snapshot of a request or response body. OriginalSize is
// the size on the wire; for a compressed body it counts the encoded bytes, so
// it can be smaller than len(Content).
type Body struct {
	Content      []byte     `json:"content,omitempty"`
	Status       BodyStatus `json:"status"`
	Truncated    bool       `json:"truncated"`
	OriginalSize int64      `json:"original_size"`
	Encoding     string     `json:"encoding,omitempty"`
	Charset      string     `json:"charset,omitempty"`
}

// Text returns the stored content when it is renderable text.
func (b *Body) Text() (string, bool) {
	if b == nil || b.Status != BodyText {
		return "", false
	}
	return string(b.Content), true
}

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Headers []Header

// HeadersFrom flattens h into a stable order: names sorted, values in the
// order they were added, duplicates kept.
func HeadersFrom(h http.Header) Headers {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make(Headers, 0, len(h))
	for _, k := range names {
		for _, v := range h[k] {
			out = append(out, Header{Name: k, Value: v})
		}
	}
	return out
}

// Get returns the first value for name, case-insensitively.
func (hs Headers) Get(name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// HTTP rebuilds an http.Header, preserving duplicates.
func (hs Headers) HTTP() http.Header {
	out := make(http.Header, len(hs))
	for _, h := range hs {
		out[h.Name] = append(out[h.Name], h.Value)
	}
	return out
}

// Redact replaces the value of every header whose name is listed.
func (hs Headers) Redact(names []string) Headers {
	if len(names) == 0 || len(hs) == 0 {
		return hs
	}
	out := make(Headers, len(hs))
	for i, h := range hs {
		out[i] = h
		for _, n := range names {
			if strings.EqualFold(h.Name, strings.TrimSpace(n)) {
				out[i].Value = "██"
				break
			}
		}
	}
	return out
}

type Request struct {
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Path        string    `json:"path"`
	Scheme      string    `json:"scheme"`
	Headers     Headers   `json:"headers,omitempty"`
	Body        *Body     `json:"body,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

type Response struct {
	StatusCode  int       `json:"status_code"`
	Message     string    `json:"message,omitempty"`
	Protocol    string    `json:"protocol,omitempty"`
	TLSVersion  string    `json:"tls_version,omitempty"`
	Headers     Headers   `json:"headers,omitempty"`
	Body        *Body     `json:"body,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

type Failure struct {
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Transaction is the record of one HTTP exchange. It starts Pending and moves
// to exactly one of Complete or Failed.
type Transaction struct {
	ID       int64     `json:"id"`
	State    State     `json:"state"`
	Request  Request   `json:"request"`
	Response *Response `json:"response,omitempty"`
	Failure  *Failure  `json:"failure,omitempty"`
}

func New(req Request) *Transaction {
	return &Transaction{State: Pending, Request: req}
}

func (t *Transaction) CompleteWithResponse(resp Response) error {
	if t.State != Pending {
		return fmt.Errorf("complete transaction %d in state %s: %w", t.ID, t.State, ErrInvalidState)
	}
	t.Response = &resp
	t.State = Complete
	return nil
}

func (t *Transaction) CompleteWithFailure(f Failure) error {
	if t.State != Pending {
		return fmt.Errorf("fail transaction %d in state %s: %w", t.ID, t.State, ErrInvalidState)
	}
	t.Failure = &f
	t.State = Failed
	return nil
}

// SetRequestBody replaces the request body snapshot of a body that was still
// streaming when the transaction was first written.
func (t *Transaction) SetRequestBody(b *Body) error {
	if t.State != Pending {
		return fmt.Errorf("set request body of transaction %d in state %s: %w", t.ID, t.State, ErrInvalidState)
	}
	t.Request.Body = b
	return nil
}

// Duration is the time between sending the request and receiving the
// response headers. It is zero until the transaction completes.
func (t *Transaction) Duration() time.Duration {
	if t.Response == nil || t.Request.SentAt.IsZero() {
		return 0
	}
	return t.Response.ReceivedAt.Sub(t.Request.SentAt)
}

// Validate reports whether the facets agree with the lifecycle state.
func (t *Transaction) Validate() error {
	switch t.State {
	case Pending:
		if t.Response != nil || t.Failure != nil {
			return fmt.Errorf("pending transaction %d carries an outcome: %w", t.ID, ErrInvalidState)
		}
	case Complete:
		if t.Response == nil || t.Failure != nil {
			return fmt.Errorf("complete transaction %d without a lone response: %w", t.ID, ErrInvalidState)
		}
	case Failed:
		if t.Failure == nil || t.Response != nil {
			return fmt.Errorf("failed transaction %d without a lone failure: %w", t.ID, ErrInvalidState)
		}
	default:
		return fmt.Errorf("transaction %d has unknown state %q: %w", t.ID, t.State, ErrInvalidState)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Request.Headers = append(Headers(nil), t.Request.Headers...)
	c.Request.Body = t.Request.Body.clone()
	if t.Response != nil {
		r := *t.Response
		r.Headers = append(Headers(nil), t.Response.Headers...)
		r.Body = t.Response.Body.clone()
		c.Response = &r
	}
	if t.Failure != nil {
		f := *t.Failure
		c.Failure = &f
	}
	return &c
}

func (b *Body) clone() *Body {
	if b == nil {
		return nil
	}
	c := *b
	if b.Content != nil {
		c.Content = append([]byte(nil), b.Content...)
	}
	return &c
}

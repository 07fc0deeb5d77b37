package export

import (
	"encoding/base64"
	"net/url"
	"sort"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
)

// HAR 1.2 document.
type HAR struct {
	Log HARLog `json:"log"`
}

type HARLog struct {
	Version string     `json:"version"`
	Creator harName    `json:"creator"`
	Entries []harEntry `json:"entries"`
}

type harName struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime time.Time   `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
	Cache           struct{}    `json:"cache"`
	Timings         harTimings  `json:"timings"`
	Comment         string      `json:"comment,omitempty"`
}

type harPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harRequest struct {
	Method      string       `json:"method"`
	URL         string       `json:"url"`
	HTTPVersion string       `json:"httpVersion"`
	Cookies     []harPair    `json:"cookies"`
	Headers     []harPair    `json:"headers"`
	QueryString []harPair    `json:"queryString"`
	PostData    *harPostData `json:"postData,omitempty"`
	HeadersSize int          `json:"headersSize"`
	BodySize    int64        `json:"bodySize"`
}

type harPostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

type harResponse struct {
	Status      int        `json:"status"`
	StatusText  string     `json:"statusText"`
	HTTPVersion string     `json:"httpVersion"`
	Cookies     []harPair  `json:"cookies"`
	Headers     []harPair  `json:"headers"`
	Content     harContent `json:"content"`
	RedirectURL string     `json:"redirectURL"`
	HeadersSize int        `json:"headersSize"`
	BodySize    int64      `json:"bodySize"`
}

type harContent struct {
	Size        int64  `json:"size"`
	Compression int64  `json:"compression,omitempty"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

type harTimings struct {
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
}

// ToHAR converts transactions to a HAR log. Failed and pending exchanges are
// kept with status 0 and a comment.
func ToHAR(txs []*transaction.Transaction, version string) HAR {
	entries := make([]harEntry, 0, len(txs))
	for _, tx := range txs {
		entries = append(entries, harEntryFor(tx))
	}
	return HAR{Log: HARLog{
		Version: "1.2",
		Creator: harName{Name: "netspy", Version: version},
		Entries: entries,
	}}
}

func harEntryFor(tx *transaction.Transaction) harEntry {
	ms := float64(tx.Duration()) / float64(time.Millisecond)
	e := harEntry{
		StartedDateTime: tx.Request.SentAt,
		Time:            ms,
		Request: harRequest{
			Method:      tx.Request.Method,
			URL:         tx.Request.URL,
			HTTPVersion: "HTTP/1.1",
			Cookies:     []harPair{},
			Headers:     pairs(tx.Request.Headers),
			QueryString: query(tx.Request.URL),
			HeadersSize: -1,
			BodySize:    bodySize(tx.Request.Body),
		},
		Response: harResponse{
			Cookies:     []harPair{},
			Headers:     []harPair{},
			HeadersSize: -1,
			BodySize:    -1,
		},
		Timings: harTimings{Send: 0, Wait: ms, Receive: 0},
	}
	if text, ok := tx.Request.Body.Text(); ok {
		e.Request.PostData = &harPostData{MimeType: tx.Request.ContentType, Text: text}
	}
	switch {
	case tx.Response != nil:
		r := tx.Response
		e.Request.HTTPVersion = r.Protocol
		e.Response.Status = r.StatusCode
		e.Response.StatusText = r.Message
		e.Response.HTTPVersion = r.Protocol
		e.Response.Headers = pairs(r.Headers)
		e.Response.RedirectURL = r.Headers.Get("Location")
		e.Response.BodySize = bodySize(r.Body)
		e.Response.Content = content(r.Body, r.ContentType)
	case tx.Failure != nil:
		e.Comment = "failed: " + tx.Failure.Error
	default:
		e.Comment = "pending"
	}
	return e
}

func content(b *transaction.Body, mimeType string) harContent {
	c := harContent{Size: bodySize(b), MimeType: mimeType}
	if b == nil {
		return c
	}
	// content size is the decoded length when the whole body was inflated
	if b.Encoding != "" && !b.Truncated && len(b.Content) > 0 {
		c.Size = int64(len(b.Content))
		c.Compression = c.Size - b.OriginalSize
	}
	switch b.Status {
	case transaction.BodyText:
		c.Text = string(b.Content)
	case transaction.BodyBinary:
		if len(b.Content) > 0 {
			c.Text = base64.StdEncoding.EncodeToString(b.Content)
			c.Encoding = "base64"
		}
	}
	return c
}

func bodySize(b *transaction.Body) int64 {
	if b == nil {
		return 0
	}
	return b.OriginalSize
}

func pairs(hs transaction.Headers) []harPair {
	out := make([]harPair, 0, len(hs))
	for _, h := range hs {
		out = append(out, harPair{Name: h.Name, Value: h.Value})
	}
	return out
}

func query(raw string) []harPair {
	out := []harPair{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			out = append(out, harPair{Name: k, Value: v})
		}
	}
	return out
}

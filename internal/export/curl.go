package export

import (
	"strings"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// skipped by curl itself
var curlSkip = map[string]bool{"host": true, "content-length": true, "connection": true}

// Curl renders the request of tx as a curl command line. A body that was not
// fully captured as text is left out and noted in a trailing comment.
func Curl(tx *transaction.Transaction) string {
	req := tx.Request
	parts := []string{"curl"}
	if req.Method != "" && req.Method != "GET" {
		parts = append(parts, "-X", req.Method)
	}
	compressed := false
	for _, h := range req.Headers {
		if curlSkip[strings.ToLower(h.Name)] {
			continue
		}
		if strings.EqualFold(h.Name, "Accept-Encoding") && strings.Contains(strings.ToLower(h.Value), "gzip") {
			compressed = true
		}
		parts = append(parts, "-H", shellQuote(h.Name+": "+h.Value))
	}

	omitted := false
	if b := req.Body; b != nil && b.Status != transaction.BodyEmpty {
		if text, ok := b.Text(); ok && !b.Truncated && b.Encoding == "" && isUTF8(b.Charset) {
			parts = append(parts, "--data-binary", shellQuote(text))
		} else {
			omitted = true
		}
	}
	if compressed {
		parts = append(parts, "--compressed")
	}
	parts = append(parts, shellQuote(req.URL))

	out := strings.Join(parts, " ")
	if omitted {
		out += " # request body omitted"
	}
	return out
}

// Replayable reports whether the stored request is complete enough to be sent again.
func Replayable(tx *transaction.Transaction) bool {
	_, ok := RequestPayload(tx)
	return ok
}

// RequestPayload returns the request body as it was sent. Text stored after
// charset conversion is encoded back to its declared charset.
func RequestPayload(tx *transaction.Transaction) ([]byte, bool) {
	b := tx.Request.Body
	if b == nil || b.Status == transaction.BodyEmpty {
		return nil, true
	}
	if b.Truncated || b.Encoding != "" {
		return nil, false
	}
	switch b.Status {
	case transaction.BodyBinary:
		return b.Content, len(b.Content) > 0
	case transaction.BodyText:
		if isUTF8(b.Charset) {
			return b.Content, true
		}
		enc, err := htmlindex.Get(b.Charset)
		if err != nil {
			return nil, false
		}
		out, _, err := transform.Bytes(enc.NewEncoder(), b.Content)
		if err != nil {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

func isUTF8(charset string) bool {
	return charset == "" || charset == "utf-8"
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

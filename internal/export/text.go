// Package export renders stored transactions for people and other tools.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/dustin/go-humanize"
)

// Text renders tx as a plain-text report suitable for sharing.
func Text(tx *transaction.Transaction) string {
	var b strings.Builder
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}

	line("URL", tx.Request.URL)
	line("Method", tx.Request.Method)
	line("State", string(tx.State))
	line("Request time", stamp(tx.Request.SentAt))
	if r := tx.Response; r != nil {
		line("Protocol", r.Protocol)
		line("Response", strings.TrimSpace(fmt.Sprintf("%d %s", r.StatusCode, r.Message)))
		line("TLS", r.TLSVersion)
		line("Response time", stamp(r.ReceivedAt))
		line("Duration", tx.Duration().Round(time.Millisecond).String())
	}
	if f := tx.Failure; f != nil {
		line("Error", f.Error)
		line("Failed at", stamp(f.FailedAt))
	}
	line("Request size", size(tx.Request.Body))
	if tx.Response != nil {
		line("Response size", size(tx.Response.Body))
	}

	b.WriteString("\n---------- Request ----------\n\n")
	writeHeaders(&b, tx.Request.Headers)
	writeBody(&b, tx.Request.Body)

	if tx.Response != nil {
		b.WriteString("\n---------- Response ----------\n\n")
		writeHeaders(&b, tx.Response.Headers)
		writeBody(&b, tx.Response.Body)
	}
	return b.String()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC1123)
}

func size(body *transaction.Body) string {
	switch {
	case body == nil:
		return ""
	case body.OriginalSize == transaction.UnknownSize:
		return "unknown"
	}
	if body.Encoding != "" {
		return humanize.Bytes(uint64(body.OriginalSize)) + " " + body.Encoding
	}
	return humanize.Bytes(uint64(body.OriginalSize))
}

func writeHeaders(b *strings.Builder, hs transaction.Headers) {
	for _, h := range hs {
		fmt.Fprintf(b, "%s: %s\n", h.Name, h.Value)
	}
	if len(hs) > 0 {
		b.WriteString("\n")
	}
}

func writeBody(b *strings.Builder, body *transaction.Body) {
	if body == nil {
		return
	}
	switch body.Status {
	case transaction.BodyEmpty:
		return
	case transaction.BodyText:
		b.Write(body.Content)
		b.WriteString("\n")
		if body.Truncated {
			fmt.Fprintf(b, "(truncated, %s stored of %s)\n", humanize.Bytes(uint64(len(body.Content))), size(body))
		}
	case transaction.BodyBinary:
		b.WriteString("(binary body omitted)\n")
	case transaction.BodyUndecodable:
		b.WriteString("(encoded body omitted)\n")
	default:
		b.WriteString("(body not captured)\n")
	}
}

// Package body turns raw HTTP body bytes into bounded, storable snapshots.
package body

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// DefaultMaxContentLength matches the capture default for stored bodies.
const DefaultMaxContentLength int64 = 250000

// ErrDegraded marks a capture that could not snapshot a body. The exchange
// itself is unaffected.
var ErrDegraded = errors.New("capture degraded")

var errUnsupportedEncoding = errors.New("unsupported content encoding")

// probeRunes is how many leading runes are inspected by the text heuristic.
const probeRunes = 64

type Info struct {
	ContentType     string
	ContentEncoding string
	// Total is the number of bytes seen on the wire, or
	// transaction.UnknownSize when the stream was not read to the end.
	Total int64
}

type Options struct {
	MaxContentLength int64
	RetainBinary     bool
}

func (o Options) max() int64 {
	if o.MaxContentLength < 0 {
		return DefaultMaxContentLength
	}
	return o.MaxContentLength
}

// Unavailable is the snapshot recorded when a body could not be captured.
func Unavailable(total int64) *transaction.Body {
	return &transaction.Body{Status: transaction.BodyUnavailable, OriginalSize: total, Truncated: true}
}

// Decode builds a body snapshot from raw, the captured prefix of a body
// whose wire size is info.Total.
func Decode(raw []byte, info Info, opts Options) *transaction.Body {
	limit := opts.max()
	enc := normalizeEncoding(info.ContentEncoding)
	out := &transaction.Body{
		OriginalSize: info.Total,
		Encoding:     enc,
		Truncated:    info.Total == transaction.UnknownSize || info.Total > int64(len(raw)),
	}
	if len(raw) == 0 && info.Total == 0 {
		out.Status = transaction.BodyEmpty
		return out
	}

	content := raw
	if enc != "" {
		dec, err := decompress(enc, raw, limit)
		switch {
		case err == nil:
			content = dec
		case out.Truncated && len(dec) > 0:
			// a cut stream ends early; keep what inflated cleanly
			content = dec
		default:
			out.Status = transaction.BodyUndecodable
			if opts.RetainBinary {
				out.Content = clip(raw, limit)
			}
			return out
		}
	}

	mediaType, params, _ := mime.ParseMediaType(info.ContentType)
	mediaType = strings.ToLower(mediaType)
	if isBinaryMediaType(mediaType) || !looksLikeText(content) {
		out.Status = transaction.BodyBinary
		if opts.RetainBinary {
			out.Content = clip(content, limit)
			out.Truncated = out.Truncated || int64(len(content)) > limit
		}
		return out
	}

	text, name := transcode(content, params["charset"], mediaType, info.ContentType)
	out.Status = transaction.BodyText
	out.Charset = name
	if int64(len(text)) > limit {
		out.Truncated = true
		text = clipText(text, limit)
	}
	out.Content = text
	return out
}

func normalizeEncoding(enc string) string {
	enc = strings.ToLower(strings.TrimSpace(enc))
	if enc == "identity" {
		return ""
	}
	return enc
}

// decompress inflates raw through every coding listed in enc, last applied
// first, reading at most limit+1 decoded bytes.
func decompress(enc string, raw []byte, limit int64) ([]byte, error) {
	codings := strings.Split(enc, ",")
	data := raw
	for i := len(codings) - 1; i >= 0; i-- {
		c := strings.TrimSpace(codings[i])
		if c == "" || c == "identity" {
			continue
		}
		r, closeFn, err := decoder(c, data)
		if err != nil {
			return nil, err
		}
		out, err := io.ReadAll(io.LimitReader(r, limit+1))
		closeFn()
		if err != nil {
			return out, fmt.Errorf("decode %s body: %w", c, err)
		}
		data = out
	}
	return data, nil
}

func decoder(coding string, data []byte) (io.Reader, func(), error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip body: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "deflate":
		// servers disagree on whether deflate means zlib-wrapped or raw
		if zr, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			return zr, func() { _ = zr.Close() }, nil
		}
		fr := flate.NewReader(bytes.NewReader(data))
		return fr, func() { _ = fr.Close() }, nil
	case "br":
		return brotli.NewReader(bytes.NewReader(data)), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, coding)
	}
}

var binaryPrefixes = []string{"image/", "audio/", "video/", "font/"}

var binaryTypes = map[string]bool{
	"application/octet-stream": true,
	"application/pdf":          true,
	"application/zip":          true,
	"application/gzip":         true,
	"application/x-protobuf":   true,
	"application/protobuf":     true,
	"application/grpc":         true,
	"application/wasm":         true,
	"application/x-tar":        true,
}

func isBinaryMediaType(mt string) bool {
	if binaryTypes[mt] {
		return true
	}
	if mt == "image/svg+xml" {
		return false
	}
	for _, p := range binaryPrefixes {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

// looksLikeText inspects the first runes for control characters that never
// appear in text. Invalid UTF-8 sequences are tolerated so legacy charsets pass.
func looksLikeText(b []byte) bool {
	for i := 0; i < probeRunes && len(b) > 0; i++ {
		r, size := utf8.DecodeRune(b)
		b = b[size:]
		if r == utf8.RuneError {
			if len(b) == 0 && size < utf8.UTFMax {
				// cut mid-rune by truncation
				return true
			}
			continue
		}
		if isISOControl(r) && !isSpace(r) {
			return false
		}
	}
	return true
}

func isISOControl(r rune) bool { return r <= 0x1f || (r >= 0x7f && r <= 0x9f) }

func isSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// transcode converts content to UTF-8 when a charset is declared or, for
// HTML, can be sniffed. It returns the charset name it settled on.
func transcode(content []byte, declared, mediaType, contentType string) ([]byte, string) {
	if declared != "" {
		enc, err := htmlindex.Get(declared)
		if err != nil {
			return content, strings.ToLower(declared)
		}
		name, _ := htmlindex.Name(enc)
		if name == "utf-8" {
			return content, name
		}
		out, _, err := transform.Bytes(enc.NewDecoder(), content)
		if err != nil {
			return content, name
		}
		return out, name
	}
	if validUTF8Prefix(content) {
		return content, "utf-8"
	}
	if mediaType == "text/html" {
		enc, name, _ := charset.DetermineEncoding(content, contentType)
		if out, _, err := transform.Bytes(enc.NewDecoder(), content); err == nil {
			return out, name
		}
	}
	return content, ""
}

// validUTF8Prefix is utf8.Valid that forgives a rune cut off at the end.
func validUTF8Prefix(b []byte) bool {
	if utf8.Valid(b) {
		return true
	}
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			return utf8.Valid(b[:len(b)-i])
		}
	}
	return false
}

func clip(b []byte, limit int64) []byte {
	if int64(len(b)) > limit {
		b = b[:limit]
	}
	return append([]byte(nil), b...)
}

// clipText cuts at most limit bytes without splitting a rune.
func clipText(b []byte, limit int64) []byte {
	cut := int(limit)
	if cut >= len(b) {
		return append([]byte(nil), b...)
	}
	for back := 0; back < utf8.UTFMax-1 && cut > 0 && !utf8.RuneStart(b[cut]); back++ {
		cut--
	}
	if !utf8.RuneStart(b[cut]) {
		cut = int(limit)
	}
	return append([]byte(nil), b[:cut]...)
}

package interceptor

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/netspy/internal/body"
	"github.com/PipeOpsHQ/netspy/internal/config"
	"github.com/PipeOpsHQ/netspy/internal/transaction"
)

// requestCapture is the snapshot of an outgoing request plus the request that
// is actually forwarded.
type requestCapture struct {
	snapshot transaction.Request
	forward  *http.Request
	// stream holds what the transport has read of a one-shot body so far.
	stream *body.Buffer
	info   body.Info
	opts   body.Options
}

// streamed decodes a one-shot body from what the transport sent. It reports
// false for bodies snapshotted up front.
func (i *Interceptor) streamed(c *requestCapture) (*transaction.Body, bool) {
	if c.stream == nil {
		return nil, false
	}
	info := c.info
	info.Total = transaction.UnknownSize
	if c.stream.Done() {
		info.Total = c.stream.Total()
	} else if c.stream.Total() == 0 {
		return body.Unavailable(transaction.UnknownSize), true
	}
	return i.decode(c.stream.Bytes(), info, c.opts, "request"), true
}

func (i *Interceptor) captureRequest(req *http.Request, cfg config.Capture) *requestCapture {
	snap := transaction.Request{
		Method:      req.Method,
		URL:         req.URL.String(),
		Host:        hostOf(req),
		Path:        req.URL.EscapedPath(),
		Scheme:      req.URL.Scheme,
		Headers:     transaction.HeadersFrom(req.Header).Redact(cfg.RedactHeaders),
		ContentType: req.Header.Get("Content-Type"),
	}
	if snap.Method == "" {
		snap.Method = http.MethodGet
	}
	c := &requestCapture{snapshot: snap, forward: req}
	info := body.Info{ContentType: snap.ContentType, ContentEncoding: req.Header.Get("Content-Encoding")}
	opts := cfg.BodyOptions()

	switch {
	case req.Body == nil || req.Body == http.NoBody:
		info.Total = 0
		c.snapshot.Body = i.decode(nil, info, opts, "request")
	case req.GetBody != nil:
		c.snapshot.Body = i.replayableBody(req, info, opts)
	default:
		i.streamBody(c, req, info, opts)
	}
	return c
}

// replayableBody reads a fresh copy of the body so the original stays untouched.
func (i *Interceptor) replayableBody(req *http.Request, info body.Info, opts body.Options) *transaction.Body {
	rc, err := req.GetBody()
	if err != nil {
		i.log.Warn().Err(err).Str("url", req.URL.String()).Msg("request body copy unavailable")
		i.degraded("request", transaction.BodyUnavailable)
		return body.Unavailable(req.ContentLength)
	}
	defer func() { _ = rc.Close() }()
	buf := body.NewBuffer(limitOf(opts))
	if _, err := io.Copy(buf, rc); err != nil {
		i.log.Warn().Err(err).Str("url", req.URL.String()).Msg("request body copy failed")
		i.degraded("request", transaction.BodyUnavailable)
		return body.Unavailable(transaction.UnknownSize)
	}
	info.Total = buf.Total()
	return i.decode(buf.Bytes(), info, opts, "request")
}

// streamBody forwards a clone whose body is copied into a bounded buffer as
// the transport reads it. The pending row records the body as unavailable.
func (i *Interceptor) streamBody(c *requestCapture, req *http.Request, info body.Info, opts body.Options) {
	c.stream = body.NewBuffer(limitOf(opts))
	c.info, c.opts = info, opts
	c.snapshot.Body = body.Unavailable(transaction.UnknownSize)

	out := req.Clone(req.Context())
	out.Body = &forwardBody{Reader: &teeReader{r: req.Body, buf: c.stream}, closer: req.Body}
	c.forward = out
}

func (i *Interceptor) decode(raw []byte, info body.Info, opts body.Options, direction string) (b *transaction.Body) {
	defer func() {
		if r := recover(); r != nil {
			i.log.Error().Interface("panic", r).Str("direction", direction).Msg("body decode failed")
			i.degraded(direction, transaction.BodyUnavailable)
			b = body.Unavailable(info.Total)
		}
	}()
	b = body.Decode(raw, info, opts)
	if b.Status == transaction.BodyUndecodable {
		i.log.Debug().Str("direction", direction).Str("encoding", b.Encoding).Err(body.ErrDegraded).Msg("body kept undecoded")
		i.degraded(direction, b.Status)
	}
	return b
}

func (i *Interceptor) responseFacet(resp *http.Response, cfg config.Capture) transaction.Response {
	r := transaction.Response{
		StatusCode:  resp.StatusCode,
		Message:     statusMessage(resp),
		Protocol:    resp.Proto,
		Headers:     transaction.HeadersFrom(resp.Header).Redact(cfg.RedactHeaders),
		ContentType: resp.Header.Get("Content-Type"),
		ReceivedAt:  i.now(),
	}
	if resp.TLS != nil {
		r.TLSVersion = tls.VersionName(resp.TLS.Version)
	}
	return r
}

func statusMessage(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if msg, ok := strings.CutPrefix(resp.Status, code); ok {
		return strings.TrimSpace(msg)
	}
	if resp.Status != "" {
		return resp.Status
	}
	return http.StatusText(resp.StatusCode)
}

func hostOf(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.Host
	}
	return req.Host
}

func limitOf(opts body.Options) int64 {
	if opts.MaxContentLength < 0 {
		return body.DefaultMaxContentLength
	}
	return opts.MaxContentLength
}

// teeReader copies everything read into buf and marks it done on EOF.
type teeReader struct {
	r   io.Reader
	buf *body.Buffer
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		_, _ = t.buf.Write(p[:n])
	}
	if err == io.EOF {
		t.buf.MarkDone()
	}
	return n, err
}

type forwardBody struct {
	io.Reader
	closer io.Closer
}

func (b *forwardBody) Close() error { return b.closer.Close() }

// responseBody tees the response stream into a bounded buffer and finishes
// the transaction exactly once: on EOF, on a read error, or on Close.
type responseBody struct {
	rc     io.ReadCloser
	buf    *body.Buffer
	once   sync.Once
	finish func(buf *body.Buffer, readErr error)
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		_, _ = b.buf.Write(p[:n])
	}
	switch {
	case err == io.EOF:
		b.buf.MarkDone()
		b.done(nil)
	case err != nil:
		b.done(fmt.Errorf("read response body: %w", err))
	}
	return n, err
}

func (b *responseBody) Close() error {
	err := b.rc.Close()
	b.done(nil)
	return err
}

func (b *responseBody) done(err error) {
	b.once.Do(func() { b.finish(b.buf, err) })
}

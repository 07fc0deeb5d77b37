package interceptor

import (
	"net/http"
	"time"
)

// Transport is an http.RoundTripper that records every round trip made
// through Base.
type Transport struct {
	Base        http.RoundTripper
	Interceptor *Interceptor
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if t.Interceptor == nil {
		return base.RoundTrip(req)
	}
	return t.Interceptor.Intercept(req, base.RoundTrip)
}

// CloseIdleConnections forwards to Base when it supports it, so
// http.Client.CloseIdleConnections keeps working on a recording client.
func (t *Transport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if c, ok := base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

// Wrap returns a RoundTripper recording through i. A nil base means
// http.DefaultTransport.
func (i *Interceptor) Wrap(base http.RoundTripper) http.RoundTripper {
	return &Transport{Base: base, Interceptor: i}
}

// NewClient returns a recording copy of c, or of a default client when c is nil.
func NewClient(i *Interceptor, c *http.Client) *http.Client {
	out := &http.Client{Timeout: 30 * time.Second}
	if c != nil {
		cp := *c
		out = &cp
	}
	out.Transport = i.Wrap(out.Transport)
	return out
}

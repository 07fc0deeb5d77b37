package interceptor

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/config"
	"github.com/PipeOpsHQ/netspy/internal/notify"
	"github.com/PipeOpsHQ/netspy/internal/observability"
	"github.com/PipeOpsHQ/netspy/internal/store"
	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	rows, err := store.Open(filepath.Join(t.TempDir(), "netspy.db"))
	require.NoError(t, err)
	s := store.New(rows)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func latest(t *testing.T, s *store.Store) *transaction.Transaction {
	t.Helper()
	txs, err := s.Query(context.Background(), store.Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	return txs[0]
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Auth-Seen", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("echo:"))
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestRecordsWithoutChangingTraffic(t *testing.T) {
	s := newStore(t)
	srv := echoServer(t)
	client := NewClient(New(s, nil), srv.Client())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/items?x=1", strings.NewReader(`{"name":"spy"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, `echo:{"name":"spy"}`, string(got))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	tx := latest(t, s)
	assert.Equal(t, transaction.Complete, tx.State)
	assert.Equal(t, "POST", tx.Request.Method)
	assert.Equal(t, "/items", tx.Request.Path)
	assert.Equal(t, "http", tx.Request.Scheme)
	assert.Equal(t, `{"name":"spy"}`, string(tx.Request.Body.Content))
	assert.Equal(t, int64(14), tx.Request.Body.OriginalSize)
	assert.Equal(t, 202, tx.Response.StatusCode)
	assert.Equal(t, "Accepted", tx.Response.Message)
	assert.Equal(t, "HTTP/1.1", tx.Response.Protocol)
	text, ok := tx.Response.Body.Text()
	assert.True(t, ok)
	assert.Equal(t, string(got), text)
	assert.False(t, tx.Response.Body.Truncated)
}

func TestPendingIsVisibleWhileInFlight(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	req := httptest.NewRequest(http.MethodGet, "https://api.example.com/slow", nil)

	resp, err := i.Intercept(req, func(r *http.Request) (*http.Response, error) {
		tx := latest(t, s)
		assert.Equal(t, transaction.Pending, tx.State)
		assert.Nil(t, tx.Response)
		return &http.Response{
			StatusCode: 200,
			Status:     "200 OK",
			Proto:      "HTTP/1.1",
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("done")),
			Request:    r,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, transaction.Pending, latest(t, s).State, "completes only once the body is consumed")

	_, _ = io.ReadAll(resp.Body)
	assert.Equal(t, transaction.Complete, latest(t, s).State)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, transaction.Complete, latest(t, s).State)
}

func TestTransportFailureIsRecordedAndReturned(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	want := errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	req := httptest.NewRequest(http.MethodGet, "https://down.example.com/", nil)

	resp, err := i.Intercept(req, func(*http.Request) (*http.Response, error) { return nil, want })
	assert.Nil(t, resp)
	assert.Same(t, want, err)

	tx := latest(t, s)
	assert.Equal(t, transaction.Failed, tx.State)
	assert.Equal(t, want.Error(), tx.Failure.Error)
	assert.Nil(t, tx.Response)
}

func TestResponseReadErrorFailsTransaction(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	req := httptest.NewRequest(http.MethodGet, "https://example.com/stream", nil)
	broken := errors.New("connection reset by peer")

	resp, err := i.Intercept(req, func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{},
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("par"), errReader{broken})),
		}, nil
	})
	require.NoError(t, err)
	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, broken)
	_ = resp.Body.Close()

	tx := latest(t, s)
	assert.Equal(t, transaction.Failed, tx.State)
	assert.Contains(t, tx.Failure.Error, "connection reset by peer")
}

func TestTruncatesResponseBody(t *testing.T) {
	s := newStore(t)
	payload := strings.Repeat("abcde", 5)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	settings := config.NewSettings(config.Capture{MaxContentLength: 10})
	client := NewClient(New(s, settings), srv.Client())
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, payload, string(got))

	tx := latest(t, s)
	require.NotNil(t, tx.Response.Body)
	assert.Len(t, tx.Response.Body.Content, 10)
	assert.True(t, tx.Response.Body.Truncated)
	assert.Equal(t, int64(25), tx.Response.Body.OriginalSize)
}

func TestOneShotRequestBodyIsForwardedIntact(t *testing.T) {
	s := newStore(t)
	settings := config.NewSettings(config.Capture{MaxContentLength: 8})
	i := New(s, settings)
	payload := strings.Repeat("0123456789", 4)

	req := httptest.NewRequest(http.MethodPut, "https://example.com/upload", nil)
	req.Body = io.NopCloser(strings.NewReader(payload))
	req.GetBody = nil

	var forwarded string
	resp, err := i.Intercept(req, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, transaction.BodyUnavailable, latest(t, s).Request.Body.Status, "not read ahead of the transport")
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		forwarded = string(data)
		return &http.Response{StatusCode: 204, Header: http.Header{}, Body: http.NoBody}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, payload, forwarded)

	tx := latest(t, s)
	assert.Equal(t, transaction.Complete, tx.State)
	assert.Equal(t, "01234567", string(tx.Request.Body.Content))
	assert.True(t, tx.Request.Body.Truncated)
	assert.Equal(t, int64(40), tx.Request.Body.OriginalSize)
	assert.Equal(t, transaction.BodyEmpty, tx.Response.Body.Status)
}

func TestStreamingUploadIsNotHeldBack(t *testing.T) {
	s := newStore(t)
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		data, _ := io.ReadAll(r.Body)
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("hello "))
		select {
		case <-arrived:
			_, _ = pw.Write([]byte("world"))
			_ = pw.Close()
		case <-time.After(5 * time.Second):
			_ = pw.CloseWithError(errors.New("upload held back until the producer gave up"))
		}
	}()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload", pr)
	require.NoError(t, err)
	client := NewClient(New(s, nil), srv.Client())
	resp, err := client.Do(req)
	require.NoError(t, err)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "hello world", string(got))

	tx := latest(t, s)
	assert.Equal(t, transaction.Complete, tx.State)
	assert.Equal(t, transaction.BodyText, tx.Request.Body.Status)
	assert.Equal(t, "hello world", string(tx.Request.Body.Content))
	assert.Equal(t, int64(11), tx.Request.Body.OriginalSize)
	assert.False(t, tx.Request.Body.Truncated)
}

func TestUnreadOneShotBodyStaysUnavailable(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	req := httptest.NewRequest(http.MethodPost, "https://example.com/", nil)
	req.Body = io.NopCloser(strings.NewReader("never sent"))
	req.GetBody = nil

	_, err := i.Intercept(req, func(*http.Request) (*http.Response, error) { return nil, errors.New("refused") })
	require.Error(t, err)
	tx := latest(t, s)
	assert.Equal(t, transaction.Failed, tx.State)
	assert.Equal(t, transaction.BodyUnavailable, tx.Request.Body.Status)
	assert.Equal(t, transaction.UnknownSize, tx.Request.Body.OriginalSize)
}

type upgradedConn struct {
	io.Reader
	written bytes.Buffer
}

func (c *upgradedConn) Write(p []byte) (int, error) { return c.written.Write(p) }

func (c *upgradedConn) Close() error { return nil }

func TestSwitchingProtocolsLeavesConnectionToCaller(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	conn := &upgradedConn{Reader: strings.NewReader("frame")}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/socket", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	resp, err := i.Intercept(req, func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusSwitchingProtocols,
			Status:     "101 Switching Protocols",
			Header:     http.Header{"Upgrade": {"websocket"}, "Connection": {"Upgrade"}},
			Body:       conn,
		}, nil
	})
	require.NoError(t, err)
	assert.Same(t, conn, resp.Body)
	rw, ok := resp.Body.(io.ReadWriteCloser)
	require.True(t, ok)
	_, err = rw.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", conn.written.String())

	tx := latest(t, s)
	assert.Equal(t, transaction.Complete, tx.State, "completes without waiting for the connection to close")
	assert.Equal(t, http.StatusSwitchingProtocols, tx.Response.StatusCode)
	assert.Equal(t, transaction.BodyUnavailable, tx.Response.Body.Status)
}

type idleCounter struct {
	http.RoundTripper
	closed int
}

func (c *idleCounter) CloseIdleConnections() { c.closed++ }

func TestCloseIdleConnectionsReachesBase(t *testing.T) {
	base := &idleCounter{RoundTripper: http.DefaultTransport}
	client := NewClient(New(newStore(t), nil), &http.Client{Transport: base})
	client.CloseIdleConnections()
	assert.Equal(t, 1, base.closed)
}

func TestGzipResponseIsStoredDecoded(t *testing.T) {
	s := newStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(`{"ok":true}`))
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client := NewClient(New(s, nil), srv.Client())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := client.Do(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err, "caller still receives the compressed bytes")
	_ = zr.Close()

	tx := latest(t, s)
	assert.Equal(t, transaction.BodyText, tx.Response.Body.Status)
	assert.Equal(t, `{"ok":true}`, string(tx.Response.Body.Content))
	assert.Equal(t, "gzip", tx.Response.Body.Encoding)
	assert.Equal(t, int64(len(raw)), tx.Response.Body.OriginalSize)
}

func TestRedactsStoredHeadersOnly(t *testing.T) {
	s := newStore(t)
	srv := echoServer(t)
	settings := config.NewSettings(config.Capture{MaxContentLength: 100, RedactHeaders: []string{"authorization", "x-auth-seen"}})
	client := NewClient(New(s, settings), srv.Client())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := client.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "Bearer secret", resp.Header.Get("X-Auth-Seen"))

	tx := latest(t, s)
	assert.Equal(t, "██", tx.Request.Headers.Get("Authorization"))
	assert.Equal(t, "██", tx.Response.Headers.Get("X-Auth-Seen"))
}

func TestEarlyCloseCompletesWithPartialBody(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	req := httptest.NewRequest(http.MethodGet, "https://example.com/big", nil)
	resp, err := i.Intercept(req, func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("hello world"))}, nil
	})
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	tx := latest(t, s)
	assert.Equal(t, transaction.Complete, tx.State)
	assert.Equal(t, "hello", string(tx.Response.Body.Content))
	assert.True(t, tx.Response.Body.Truncated)
	assert.Equal(t, transaction.UnknownSize, tx.Response.Body.OriginalSize)
}

type orderTrigger struct {
	mu    *sync.Mutex
	order *[]string
}

func (o orderTrigger) Trigger(context.Context) (int64, error) {
	o.mu.Lock()
	*o.order = append(*o.order, "prune")
	o.mu.Unlock()
	return 0, nil
}

func TestNotifiesThenPrunes(t *testing.T) {
	s := newStore(t)
	var mu sync.Mutex
	var order []string
	var events []notify.Event
	n := notify.NotifierFunc(func(e notify.Event) {
		mu.Lock()
		order = append(order, "notify")
		events = append(events, e)
		mu.Unlock()
	})
	i := New(s, nil, WithNotifier(n), WithRetention(orderTrigger{mu: &mu, order: &order}))

	req := httptest.NewRequest(http.MethodDelete, "https://example.com/x", nil)
	_, err := i.Intercept(req, func(*http.Request) (*http.Response, error) { return nil, errors.New("boom") })
	require.Error(t, err)

	assert.Equal(t, []string{"notify", "prune"}, order)
	require.Len(t, events, 1)
	assert.Equal(t, transaction.Failed, events[0].State)
	assert.Equal(t, "boom", events[0].Error)
}

func TestNotificationsCanBeDisabled(t *testing.T) {
	s := newStore(t)
	calls := 0
	settings := config.NewSettings(config.Capture{NotificationsEnabled: false})
	i := New(s, settings, WithNotifier(notify.NotifierFunc(func(notify.Event) { calls++ })))
	_, _ = i.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com", nil),
		func(*http.Request) (*http.Response, error) { return nil, errors.New("x") })
	assert.Zero(t, calls)
}

type brokenStore struct{}

func (brokenStore) Insert(context.Context, *transaction.Transaction) (int64, error) {
	return 0, fmt.Errorf("insert: %w", store.ErrUnavailable)
}

func (brokenStore) Update(context.Context, int64, func(*transaction.Transaction) error) (*transaction.Transaction, error) {
	return nil, fmt.Errorf("update: %w", store.ErrUnavailable)
}

func TestUnavailableStoreDoesNotBreakExchange(t *testing.T) {
	srv := echoServer(t)
	m := observability.NewMetrics()
	client := NewClient(New(brokenStore{}, nil, WithMetrics(m)), srv.Client())

	resp, err := client.Post(srv.URL, "text/plain", strings.NewReader("still works"))
	require.NoError(t, err)
	got, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "echo:still works", string(got))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreErrorsTotal.WithLabelValues("insert")))
}

func TestCancelledCallerStillRecordsFailure(t *testing.T) {
	s := newStore(t)
	i := New(s, nil)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "https://example.com", nil).WithContext(ctx)

	_, err := i.Intercept(req, func(r *http.Request) (*http.Response, error) {
		cancel()
		return nil, r.Context().Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transaction.Failed, latest(t, s).State)
}

func TestConcurrentExchanges(t *testing.T) {
	s := newStore(t)
	srv := echoServer(t)
	m := observability.NewMetrics()
	client := NewClient(New(s, nil, WithMetrics(m)), srv.Client())
	const k = 25

	var g errgroup.Group
	for n := 0; n < k; n++ {
		n := n
		g.Go(func() error {
			resp, err := client.Post(srv.URL+fmt.Sprintf("/%d", n), "text/plain", strings.NewReader(fmt.Sprint(n)))
			if err != nil {
				return err
			}
			got, err := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err != nil {
				return err
			}
			if string(got) != fmt.Sprintf("echo:%d", n) {
				return fmt.Errorf("exchange %d got %q", n, got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	txs, err := s.Query(context.Background(), store.Filter{Limit: store.MaxLimit})
	require.NoError(t, err)
	require.Len(t, txs, k)
	ids := map[int64]bool{}
	for _, tx := range txs {
		ids[tx.ID] = true
		assert.Equal(t, transaction.Complete, tx.State)
		assert.Equal(t, "echo:"+strings.TrimPrefix(tx.Request.Path, "/"), string(tx.Response.Body.Content))
	}
	assert.Len(t, ids, k)
	assert.Equal(t, float64(k), testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("complete")))
	assert.Zero(t, testutil.ToFloat64(m.PendingExchanges))
}

func TestSettingsChangeAppliesToNextExchange(t *testing.T) {
	s := newStore(t)
	settings := config.NewSettings(config.Capture{MaxContentLength: 100})
	i := New(s, settings, WithClock(func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }))
	forward := func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("0123456789"))}, nil
	}

	resp, err := i.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/a", nil), forward)
	require.NoError(t, err)
	_, err = settings.Update(func(c *config.Capture) { c.MaxContentLength = 4 })
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	assert.Len(t, latest(t, s).Response.Body.Content, 10, "in-flight exchange keeps its configuration")

	resp, err = i.Intercept(httptest.NewRequest(http.MethodGet, "https://example.com/b", nil), forward)
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	tx := latest(t, s)
	assert.Len(t, tx.Response.Body.Content, 4)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), tx.Request.SentAt)
}

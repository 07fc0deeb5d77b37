package notify

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/PipeOpsHQ/netspy/internal/transaction"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestEventFor(t *testing.T) {
	sent := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tx := transaction.New(transaction.Request{Method: "POST", URL: "https://example.com/x", SentAt: sent})
	tx.ID = 3
	require.NoError(t, tx.CompleteWithResponse(transaction.Response{StatusCode: 503, ReceivedAt: sent.Add(time.Second)}))

	e := EventFor(tx)
	assert.Equal(t, Event{ID: 3, Method: "POST", URL: "https://example.com/x", State: transaction.Complete, Status: 503, At: sent.Add(time.Second)}, e)

	failed := transaction.New(transaction.Request{Method: "GET", URL: "https://down.example"})
	require.NoError(t, failed.CompleteWithFailure(transaction.Failure{Error: "refused"}))
	assert.Equal(t, "refused", EventFor(failed).Error)
	assert.Zero(t, EventFor(failed).Status)
}

func TestNotifyNeverBlocks(t *testing.T) {
	dropped := 0
	h := NewHub(WithBuffer(1), WithDropHook(func() { dropped++ }))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Notify(Event{ID: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked without a running hub")
	}
	assert.Equal(t, 4, dropped)
	assert.Equal(t, int64(5), h.Count())
}

func TestRecentKeepsLastTen(t *testing.T) {
	h := NewHub()
	for i := 1; i <= 13; i++ {
		h.Notify(Event{ID: int64(i)})
	}
	recent := h.Recent()
	require.Len(t, recent, RecentSize)
	assert.Equal(t, int64(13), recent[0].ID)
	assert.Equal(t, int64(4), recent[RecentSize-1].ID)

	h.Clear()
	assert.Empty(t, h.Recent())
	assert.Zero(t, h.Count())
}

func TestSubscribersReceiveBatches(t *testing.T) {
	h := NewHub(WithRate(rate.Inf, 1))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ch, unsubscribe := h.Subscribe()
	defer unsubscribe()
	assert.Equal(t, 1, h.Subscribers())

	go h.Run(ctx)
	for i := 1; i <= 3; i++ {
		h.Notify(Event{ID: int64(i)})
	}

	var got []int64
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case batch := <-ch:
			for _, e := range batch {
				got = append(got, e.ID)
			}
		case <-deadline:
			t.Fatalf("received %v", got)
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	_, ch, cancel := h.Subscribe()
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())
}

func TestNotifierFunc(t *testing.T) {
	var got Event
	var n Notifier = NotifierFunc(func(e Event) { got = e })
	n.Notify(Event{ID: 9})
	assert.Equal(t, int64(9), got.ID)
}

func TestRunLogsWhenLimiterCannotDeliver(t *testing.T) {
	var logs bytes.Buffer
	h := NewHub(WithRate(rate.Limit(1), 0), WithLogger(zerolog.New(&logs)))
	h.Notify(Event{ID: 1})

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run kept going without a usable limiter")
	}
	assert.Contains(t, logs.String(), "notification delivery stopped")
}

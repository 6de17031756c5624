package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgbus/internal/types"
)

const testPoll = 10 * time.Millisecond

// fakeWaiter scripts raw notifications into the listening loop.
type fakeWaiter struct {
	mu        sync.Mutex
	listened  []string
	closed    bool
	listenErr error

	queue chan *pgconn.Notification
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{queue: make(chan *pgconn.Notification, 16)}
}

func (w *fakeWaiter) Listen(ctx context.Context, channel string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listenErr != nil {
		return w.listenErr
	}
	w.listened = append(w.listened, channel)
	return nil
}

func (w *fakeWaiter) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-w.queue:
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *fakeWaiter) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWaiter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWaiter) listenedChannels() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.listened...)
}

// push emits a raw notification into the loop.
func (w *fakeWaiter) push(channel, payload string) {
	w.queue <- &pgconn.Notification{Channel: channel, Payload: payload}
}

func newTestListener(t *testing.T) (*Listener, *fakeWaiter) {
	t.Helper()
	w := newFakeWaiter()
	l := newListener("testdb", testPoll, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.dial = func(ctx context.Context) (waiter, error) { return w, nil }
	t.Cleanup(func() {
		if l.State() == StateListening {
			_ = l.Stop()
		}
	})
	return l, w
}

// collector records delivered notifications thread-safely.
type collector struct {
	mu   sync.Mutex
	got  []types.Notification
	tags []string
}

func (c *collector) callback(tag string) Callback {
	return func(n types.Notification) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.got = append(c.got, n)
		c.tags = append(c.tags, tag)
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) notifications() []types.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Notification(nil), c.got...)
}

func (c *collector) tagOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tags...)
}

const validPayload = `{"table":"messages","action":"INSERT","data":{"name":"test","value":100},"timestamp":"2026-08-31T12:00:00.123456+00:00"}`

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestListener_StartTwice_AlreadyStarted(t *testing.T) {
	l, _ := newTestListener(t)

	require.NoError(t, l.Start())
	err := l.Start()
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeAlreadyStarted, types.CodeOf(err))
	assert.Equal(t, StateListening, l.State())
}

func TestListener_StopBeforeStart_NotListening(t *testing.T) {
	l, _ := newTestListener(t)

	err := l.Stop()
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotListening, types.CodeOf(err))
}

func TestListener_StopTwice_SecondIsNoOp(t *testing.T) {
	l, w := newTestListener(t)
	require.NoError(t, l.Start())

	done := make(chan error, 2)
	go func() { done <- l.Stop() }()
	go func() { done <- l.Stop() }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Stop blocked")
		}
	}
	assert.Equal(t, StateStopped, l.State())
	assert.True(t, w.isClosed(), "raw connection must be closed on stop")
}

func TestListener_StartAfterStop_AlreadyStarted(t *testing.T) {
	l, _ := newTestListener(t)
	require.NoError(t, l.Start())
	require.NoError(t, l.Stop())

	err := l.Start()
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeAlreadyStarted, types.CodeOf(err))
}

func TestListener_DialFailure_StaysCreated(t *testing.T) {
	l, _ := newTestListener(t)
	l.dial = func(ctx context.Context) (waiter, error) {
		return nil, fmt.Errorf("connection refused")
	}

	err := l.Start()
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	assert.Equal(t, StateCreated, l.State())
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

func TestListener_DeliversDecodedNotification(t *testing.T) {
	l, w := newTestListener(t)
	var c collector
	l.AddCallback("messages", c.callback("a"))
	require.NoError(t, l.Start())

	w.push("messages", validPayload)

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, testPoll)
	n := c.notifications()[0]
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "messages", n.Table)
	assert.Equal(t, "messages", n.Channel)
	assert.Equal(t, types.ActionInsert, n.Action)
	assert.Equal(t, "test", n.Payload["name"])
	assert.Equal(t, float64(100), n.Payload["value"])
	assert.Equal(t, 2026, n.Timestamp.Year())
}

func TestListener_DeliveryPreservesEmissionOrder(t *testing.T) {
	l, w := newTestListener(t)
	var c collector
	l.AddCallback("messages", c.callback("a"))
	require.NoError(t, l.Start())

	for i := 0; i < 5; i++ {
		w.push("messages", fmt.Sprintf(
			`{"table":"messages","action":"UPDATE","data":{"seq":%d},"timestamp":""}`, i))
	}

	require.Eventually(t, func() bool { return c.count() == 5 }, 2*time.Second, testPoll)
	for i, n := range c.notifications() {
		assert.Equal(t, float64(i), n.Payload["seq"])
	}
}

func TestListener_CallbacksInvokedInRegistrationOrder(t *testing.T) {
	l, w := newTestListener(t)
	var c collector
	l.AddCallback("messages", c.callback("first"))
	l.AddCallback("messages", c.callback("second"))
	l.AddCallback("messages", c.callback("third"))
	require.NoError(t, l.Start())

	w.push("messages", validPayload)

	require.Eventually(t, func() bool { return c.count() == 3 }, 2*time.Second, testPoll)
	assert.Equal(t, []string{"first", "second", "third"}, c.tagOrder())
}

func TestListener_MalformedPayloadDroppedLoopSurvives(t *testing.T) {
	l, w := newTestListener(t)
	var c collector
	l.AddCallback("messages", c.callback("a"))
	require.NoError(t, l.Start())

	w.push("messages", `{not json`)
	w.push("messages", `{"table":"messages","action":"TRUNCATE","data":{},"timestamp":""}`)
	w.push("messages", validPayload)

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, testPoll)
	assert.Equal(t, types.ActionInsert, c.notifications()[0].Action)
	assert.Equal(t, StateListening, l.State())
}

func TestListener_ChannelWithoutCallbackNotDelivered(t *testing.T) {
	l, w := newTestListener(t)
	var c collector
	l.AddCallback("messages", c.callback("a"))
	require.NoError(t, l.Start())

	w.push("other_table", validPayload)
	w.push("messages", validPayload)

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, testPoll)
	assert.Equal(t, "messages", c.notifications()[0].Channel)
}

func TestListener_ChannelAddedAfterStartIsPickedUp(t *testing.T) {
	l, w := newTestListener(t)
	require.NoError(t, l.Start())

	var c collector
	l.AddCallback("late_channel", c.callback("a"))

	// The loop LISTENs the new channel at the next poll wakeup.
	require.Eventually(t, func() bool {
		for _, ch := range w.listenedChannels() {
			if ch == "late_channel" {
				return true
			}
		}
		return false
	}, 2*time.Second, testPoll)

	w.push("late_channel", validPayload)
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, testPoll)
}

func TestListener_RemoveCallbackStopsDelivery(t *testing.T) {
	l, w := newTestListener(t)
	var kept, removed collector
	id := l.AddCallback("messages", removed.callback("removed"))
	l.AddCallback("messages", kept.callback("kept"))
	require.NoError(t, l.Start())

	remaining := l.RemoveCallback("messages", id)
	assert.Equal(t, 1, remaining)

	w.push("messages", validPayload)
	require.Eventually(t, func() bool { return kept.count() == 1 }, 2*time.Second, testPoll)
	assert.Zero(t, removed.count())
	assert.Equal(t, 1, l.CallbackCount())
}

func TestListener_NoDeliveryAfterStopReturns(t *testing.T) {
	l, w := newTestListener(t)
	var c collector
	l.AddCallback("messages", c.callback("a"))
	require.NoError(t, l.Start())

	w.push("messages", validPayload)
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, testPoll)

	require.NoError(t, l.Stop())
	seen := c.count()

	w.push("messages", validPayload)
	time.Sleep(5 * testPoll)
	assert.Equal(t, seen, c.count())
}

// Package notify runs the change-notification dispatch layer: one
// background listener per database consumes raw LISTEN/NOTIFY payloads,
// decodes them, and fans them out to registered callbacks per channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"pgbus/internal/registry"
	"pgbus/internal/types"
)

// Callback receives one decoded notification. Callbacks run synchronously
// on the listener goroutine in registration order; a slow callback delays
// delivery of subsequent notifications on the same listener. Callers
// needing isolation must hand off internally.
type Callback func(n types.Notification)

// CallbackID identifies a registered callback for later removal.
type CallbackID uint64

// State is the listener lifecycle state machine: Created -> Listening -> Stopped.
type State int

const (
	StateCreated State = iota
	StateListening
	StateStopped
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultPollInterval bounds how long the loop blocks waiting for a raw
// notification before waking to notice Stop and newly-added channels.
const DefaultPollInterval = time.Second

// waiter is the raw listening connection. An interface so tests can drive
// the loop without a server; production uses the pgx-backed connWaiter.
type waiter interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// dialFunc opens the dedicated raw connection at Start.
type dialFunc func(ctx context.Context) (waiter, error)

type callbackEntry struct {
	id CallbackID
	fn Callback
}

// Listener owns the subscription set and the background listening loop for
// one database. Construct with NewListener, register callbacks, then Start.
type Listener struct {
	database     string
	pollInterval time.Duration
	logger       *slog.Logger
	dial         dialFunc

	mu        sync.Mutex
	state     State
	nextID    CallbackID
	callbacks map[string][]callbackEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener associates a listener with one database. No I/O happens
// until Start. A nil logger falls back to slog.Default().
func NewListener(handle *registry.Handle, pollInterval time.Duration, logger *slog.Logger) *Listener {
	l := newListener(handle.Name(), pollInterval, logger)
	l.dial = func(ctx context.Context) (waiter, error) {
		return dialConn(ctx, handle)
	}
	return l
}

func newListener(database string, pollInterval time.Duration, logger *slog.Logger) *Listener {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		database:     database,
		pollInterval: pollInterval,
		logger:       logger,
		callbacks:    make(map[string][]callbackEntry),
		done:         make(chan struct{}),
	}
}

// Database returns the database name the listener is bound to.
func (l *Listener) Database() string { return l.database }

// State returns the current lifecycle state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AddCallback appends a callback to the ordered list for a channel. All
// callbacks registered for a channel are invoked, in registration order,
// for every notification on it. Channels added while listening are picked
// up at the next poll wakeup.
func (l *Listener) AddCallback(channel string, cb Callback) CallbackID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.callbacks[channel] = append(l.callbacks[channel], callbackEntry{id: id, fn: cb})
	return id
}

// RemoveCallback removes a previously-registered callback. Unknown IDs are
// a no-op. Returns the number of callbacks remaining on the channel.
func (l *Listener) RemoveCallback(channel string, id CallbackID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.callbacks[channel]
	for i, e := range entries {
		if e.id == id {
			l.callbacks[channel] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(l.callbacks[channel]) == 0 {
		delete(l.callbacks, channel)
	}
	return len(l.callbacks[channel])
}

// CallbackCount returns the total number of registered callbacks.
func (l *Listener) CallbackCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entries := range l.callbacks {
		n += len(entries)
	}
	return n
}

// Start dials the dedicated raw connection and begins the background
// listening loop. Valid only from Created; a second call fails with
// already_started. On a dial failure the listener stays Created so the
// caller may retry.
func (l *Listener) Start() error {
	l.mu.Lock()
	if l.state != StateCreated {
		state := l.state
		l.mu.Unlock()
		return types.NewAppError(types.ErrCodeAlreadyStarted,
			fmt.Sprintf("listener for %q already %s", l.database, state), nil)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := l.dial(ctx)
	if err != nil {
		cancel()
		return types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to open listening connection for %q", l.database), err)
	}

	l.mu.Lock()
	if l.state != StateCreated {
		l.mu.Unlock()
		cancel()
		_ = conn.Close(context.Background())
		return types.NewAppError(types.ErrCodeAlreadyStarted,
			fmt.Sprintf("listener for %q already started", l.database), nil)
	}
	l.state = StateListening
	l.cancel = cancel
	l.mu.Unlock()

	go l.run(ctx, conn)
	l.logger.Info("listener started", "database", l.database)
	return nil
}

// Stop transitions Listening -> Stopped, cancels the loop, waits for it to
// exit, and closes the raw connection. Idempotent from Stopped, safe from
// any goroutine, and fails with not_listening when Start was never called.
func (l *Listener) Stop() error {
	l.mu.Lock()
	switch l.state {
	case StateStopped:
		l.mu.Unlock()
		return nil
	case StateCreated:
		l.mu.Unlock()
		return types.NewAppError(types.ErrCodeNotListening,
			fmt.Sprintf("listener for %q was never started", l.database), nil)
	}
	l.state = StateStopped
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	<-l.done
	l.logger.Info("listener stopped", "database", l.database)
	return nil
}

// channelsSnapshot lists channels that currently have callbacks.
func (l *Listener) channelsSnapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	chans := make([]string, 0, len(l.callbacks))
	for ch := range l.callbacks {
		chans = append(chans, ch)
	}
	return chans
}

// run is the background listening loop. It owns the raw connection: it
// subscribes to every channel with callbacks, blocks on notifications with
// a bounded poll timeout, and delivers decoded payloads in order.
func (l *Listener) run(ctx context.Context, conn waiter) {
	defer close(l.done)
	defer func() {
		// The loop context is already canceled here; close with a fresh one.
		if err := conn.Close(context.Background()); err != nil {
			l.logger.Warn("failed to close listening connection",
				"database", l.database, "error", err)
		}
	}()

	listened := make(map[string]bool)
	for {
		if ctx.Err() != nil {
			return
		}

		for _, ch := range l.channelsSnapshot() {
			if listened[ch] {
				continue
			}
			if err := conn.Listen(ctx, ch); err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("failed to LISTEN",
					"database", l.database, "channel", ch, "error", err)
				continue
			}
			listened[ch] = true
		}

		waitCtx, cancel := context.WithTimeout(ctx, l.pollInterval)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() == context.DeadlineExceeded {
				// Poll wakeup: loop around to notice new channels.
				continue
			}
			l.logger.Error("listening connection failed",
				"database", l.database, "error", err)
			return
		}
		l.deliver(n)
	}
}

// wirePayload is the contract with the trigger function's json_build_object.
type wirePayload struct {
	Table     string             `json:"table"`
	Action    types.ChangeAction `json:"action"`
	Data      map[string]any     `json:"data"`
	Timestamp string             `json:"timestamp"`
}

// timestampLayouts covers Postgres now() serialized through json.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999Z07:00",
	time.RFC3339Nano,
}

// deliver decodes one raw notification and invokes the channel's callbacks
// in registration order. Decode failures are logged and the notification
// dropped; the loop itself never terminates on a malformed payload.
func (l *Listener) deliver(raw *pgconn.Notification) {
	var wire wirePayload
	if err := json.Unmarshal([]byte(raw.Payload), &wire); err != nil {
		l.logger.Error("dropping undecodable notification",
			"database", l.database,
			"channel", raw.Channel,
			"error", types.NewAppError(types.ErrCodeDecodeFailure, "malformed payload", err),
		)
		return
	}
	if !wire.Action.Valid() {
		l.logger.Error("dropping notification with unknown action",
			"database", l.database,
			"channel", raw.Channel,
			"action", string(wire.Action),
		)
		return
	}

	ts := time.Time{}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, wire.Timestamp); err == nil {
			ts = parsed
			break
		}
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	n := types.Notification{
		ID:        uuid.New().String(),
		Table:     wire.Table,
		Channel:   raw.Channel,
		Action:    wire.Action,
		Payload:   wire.Data,
		Timestamp: ts,
	}

	l.mu.Lock()
	entries := make([]callbackEntry, len(l.callbacks[raw.Channel]))
	copy(entries, l.callbacks[raw.Channel])
	l.mu.Unlock()

	for _, e := range entries {
		e.fn(n)
	}
}

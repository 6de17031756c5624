package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pgbus/internal/pgtrigger"
	"pgbus/internal/registry"
	"pgbus/internal/types"
)

// Dispatcher owns at most one listener per database and provides the
// scoped Subscribe convenience that ties trigger DDL, listener lifecycle,
// and callback registration together.
type Dispatcher struct {
	pollInterval time.Duration
	logger       *slog.Logger

	// Seams for tests; default to pgtrigger DDL and pgx-backed listeners.
	createTrigger func(ctx context.Context, db registry.DBTX, table string, opts ...pgtrigger.Option) error
	removeTrigger func(ctx context.Context, db registry.DBTX, table string) error
	newListener   func(handle *registry.Handle) *Listener

	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewDispatcher creates an empty dispatcher. A nil logger falls back to
// slog.Default().
func NewDispatcher(pollInterval time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		pollInterval:  pollInterval,
		logger:        logger,
		createTrigger: pgtrigger.CreateChangeTrigger,
		removeTrigger: pgtrigger.DropChangeTrigger,
		listeners:     make(map[string]*Listener),
	}
	d.newListener = func(handle *registry.Handle) *Listener {
		return NewListener(handle, d.pollInterval, d.logger)
	}
	return d
}

// CreateListener returns the listener for the handle's database, creating
// it if needed. The listener is not started; callers register callbacks
// and call Start themselves when not using Subscribe.
func (d *Dispatcher) CreateListener(handle *registry.Handle) *Listener {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listenerLocked(handle)
}

// listenerLocked returns a usable listener for the handle, replacing a
// previously-stopped one. Caller holds d.mu.
func (d *Dispatcher) listenerLocked(handle *registry.Handle) *Listener {
	l := d.listeners[handle.Name()]
	if l == nil || l.State() == StateStopped {
		l = d.newListener(handle)
		d.listeners[handle.Name()] = l
	}
	return l
}

// Listener returns the current listener for a database, if any.
func (d *Dispatcher) Listener(database string) (*Listener, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.listeners[database]
	return l, ok
}

// StopAll stops every running listener. Used at process shutdown.
func (d *Dispatcher) StopAll() {
	d.mu.Lock()
	listeners := make([]*Listener, 0, len(d.listeners))
	for _, l := range d.listeners {
		listeners = append(listeners, l)
	}
	d.listeners = make(map[string]*Listener)
	d.mu.Unlock()

	for _, l := range listeners {
		if l.State() == StateListening {
			_ = l.Stop()
		}
	}
}

// Subscription is the cancellation handle returned by Subscribe. Close
// removes the callback and tears down whatever this subscription was the
// last user of: the table trigger when no callback remains on its channel,
// the listener when no callback remains at all.
type Subscription struct {
	once    sync.Once
	err     error
	cleanup func() error
}

// Close releases the subscription. Idempotent; safe on all exit paths.
func (s *Subscription) Close() error {
	s.once.Do(func() { s.err = s.cleanup() })
	return s.err
}

// Subscribe installs the change trigger for table, ensures a running
// listener for the handle's database, and registers the callback on the
// table's channel. Cleanup is guaranteed through the returned
// Subscription; on error nothing is left registered.
func (d *Dispatcher) Subscribe(ctx context.Context, handle *registry.Handle, table string, cb Callback, opts ...pgtrigger.Option) (*Subscription, error) {
	if err := d.createTrigger(ctx, handle.Pool(), table, opts...); err != nil {
		return nil, err
	}
	channel := pgtrigger.Channel(table)

	d.mu.Lock()
	l := d.listenerLocked(handle)
	d.mu.Unlock()

	id := l.AddCallback(channel, cb)

	if l.State() == StateCreated {
		if err := l.Start(); err != nil && types.CodeOf(err) != types.ErrCodeAlreadyStarted {
			l.RemoveCallback(channel, id)
			d.dropTrigger(handle, table)
			return nil, err
		}
	}

	return &Subscription{cleanup: func() error {
		remaining := l.RemoveCallback(channel, id)
		if remaining == 0 {
			d.dropTrigger(handle, table)
		}
		if l.CallbackCount() == 0 {
			d.mu.Lock()
			if d.listeners[handle.Name()] == l {
				delete(d.listeners, handle.Name())
			}
			d.mu.Unlock()
			return l.Stop()
		}
		return nil
	}}, nil
}

// dropTrigger removes the table trigger with a bounded context of its own,
// since subscription teardown often happens during shutdown when the
// caller's context is already canceled.
func (d *Dispatcher) dropTrigger(handle *registry.Handle, table string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.removeTrigger(ctx, handle.Pool(), table); err != nil {
		d.logger.Warn("failed to drop change trigger",
			"database", handle.Name(), "table", table, "error", err)
	}
}

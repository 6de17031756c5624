// Package updater keeps one database registration alive and current. It
// retries a failed initialization on an interval, swaps registrations when
// new connection settings arrive at runtime, and re-establishes the
// configured change subscriptions after every swap.
package updater

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"pgbus/internal/notify"
	"pgbus/internal/pgtrigger"
	"pgbus/internal/registry"
	"pgbus/internal/session"
	"pgbus/internal/types"
)

// DefaultRetryInterval throttles how often Step attempts initialization.
const DefaultRetryInterval = 5 * time.Second

// Config wires an Updater.
type Config struct {
	// Initial is the database to bring up first. May be null; Apply can
	// deliver settings later.
	Initial types.ConnInfo

	// RetryInterval throttles initialization attempts. Defaults to
	// DefaultRetryInterval.
	RetryInterval time.Duration

	// Tables maps table name to the column subset carried in its change
	// notifications (nil means all columns). Each table is re-subscribed
	// after every successful swap.
	Tables map[string][]string

	// OnNotification receives the change notifications of every
	// subscribed table.
	OnNotification notify.Callback
}

// Updater supervises the registration, session factory, and subscriptions
// for one database. Safe for concurrent Apply against a running Run loop.
type Updater struct {
	reg        *registry.Registry
	sessions   *session.Manager
	dispatcher *notify.Dispatcher
	logger     *slog.Logger

	retryInterval  time.Duration
	tables         map[string][]string
	onNotification notify.Callback
	breaker        *gobreaker.CircuitBreaker[*registry.Handle]

	// Seams for tests; default to registry+ping and dispatcher.Subscribe.
	connect   func(ctx context.Context, info types.ConnInfo) (*registry.Handle, error)
	subscribe func(ctx context.Context, h *registry.Handle, table string, columns []string) (io.Closer, error)

	mu        sync.Mutex
	current   types.ConnInfo
	desired   *types.ConnInfo
	lastRetry time.Time
	subs      []io.Closer
}

// New creates an Updater. Nothing is dialed until the first Step.
func New(reg *registry.Registry, sessions *session.Manager, dispatcher *notify.Dispatcher, cfg Config, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}

	u := &Updater{
		reg:            reg,
		sessions:       sessions,
		dispatcher:     dispatcher,
		logger:         logger,
		retryInterval:  cfg.RetryInterval,
		tables:         cfg.Tables,
		onNotification: cfg.OnNotification,
		current:        cfg.Initial,
	}
	u.breaker = gobreaker.NewCircuitBreaker[*registry.Handle](gobreaker.Settings{
		Name:        "pgbus-connect",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	u.connect = u.defaultConnect
	u.subscribe = u.defaultSubscribe
	return u
}

// Apply delivers new connection settings. The swap happens on the next
// Step; a null info is ignored there with a logged complaint, matching
// the defensiveness of a settings feed that may send empties.
func (u *Updater) Apply(info types.ConnInfo) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.desired = &info
}

// Current returns the settings of the active (or last attempted) database.
func (u *Updater) Current() types.ConnInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

// Step performs at most one initialization or swap attempt, throttled to
// the retry interval unless force is set. Failures are logged and
// retried on a later Step; only the error is returned for observability.
func (u *Updater) Step(ctx context.Context, force bool) error {
	u.mu.Lock()
	if !force && time.Since(u.lastRetry) < u.retryInterval {
		u.mu.Unlock()
		return nil
	}
	u.lastRetry = time.Now()

	target := u.current
	if u.desired != nil {
		target = *u.desired
		u.desired = nil
	}
	u.mu.Unlock()

	if target.IsNull() {
		u.logger.Warn("no usable database settings", "settings", target.Redacted())
		return nil
	}
	if target == u.Current() && u.sessions.IsInitialized(target.Database) {
		return nil
	}

	return u.switchTo(ctx, target)
}

// switchTo tears down the previous registration and brings up target.
func (u *Updater) switchTo(ctx context.Context, target types.ConnInfo) error {
	u.mu.Lock()
	previous := u.current
	subs := u.subs
	u.subs = nil
	u.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			u.logger.Warn("failed to close subscription", "error", err)
		}
	}
	if !previous.IsNull() {
		u.sessions.DropFactory(previous.Database)
		u.reg.Dispose(previous.Database)
	}

	u.logger.Info("initializing database", "settings", target.Redacted())

	h, err := u.breaker.Execute(func() (*registry.Handle, error) {
		return u.connect(ctx, target)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			u.logger.Warn("database connect suppressed by circuit breaker",
				"settings", target.Redacted())
		} else {
			u.logger.Error("failed to initialize database",
				"settings", target.Redacted(), "error", err)
		}
		u.mu.Lock()
		u.current = target
		u.mu.Unlock()
		return err
	}

	if _, err := u.sessions.EnsureFactory(target.Database); err != nil {
		u.logger.Error("failed to initialize session factory",
			"database", target.Database, "error", err)
		return err
	}

	var created []io.Closer
	for table, columns := range u.tables {
		sub, err := u.subscribe(ctx, h, table, columns)
		if err != nil {
			u.logger.Error("failed to subscribe to table changes",
				"database", target.Database, "table", table, "error", err)
			continue
		}
		created = append(created, sub)
	}

	u.mu.Lock()
	u.current = target
	u.subs = created
	u.mu.Unlock()

	u.logger.Info("database ready",
		"database", target.Database, "subscriptions", len(created))
	return nil
}

// Run steps on a one-second ticker until the context is done, then closes
// the remaining subscriptions.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	// Bring the initial database up without waiting a tick.
	_ = u.Step(ctx, true)

	for {
		select {
		case <-ctx.Done():
			u.Close()
			return ctx.Err()
		case <-ticker.C:
			_ = u.Step(ctx, false)
		}
	}
}

// Close releases the updater's subscriptions. Idempotent.
func (u *Updater) Close() {
	u.mu.Lock()
	subs := u.subs
	u.subs = nil
	u.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			u.logger.Warn("failed to close subscription", "error", err)
		}
	}
}

// defaultConnect registers the database and verifies it is reachable. A
// failed ping disposes the registration so the next attempt starts clean
// instead of reusing a create-once handle with stale settings.
func (u *Updater) defaultConnect(ctx context.Context, info types.ConnInfo) (*registry.Handle, error) {
	h, err := u.reg.Register(ctx, info.Database, info.DSN(), registry.Options{})
	if err != nil {
		return nil, err
	}
	if err := h.Pool().Ping(ctx); err != nil {
		u.reg.Dispose(info.Database)
		return nil, err
	}
	return h, nil
}

func (u *Updater) defaultSubscribe(ctx context.Context, h *registry.Handle, table string, columns []string) (io.Closer, error) {
	if len(columns) > 0 {
		return u.dispatcher.Subscribe(ctx, h, table, u.onNotification,
			pgtrigger.WithColumns(columns...))
	}
	return u.dispatcher.Subscribe(ctx, h, table, u.onNotification)
}

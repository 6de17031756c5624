// Package registry owns one pooled PostgreSQL connection handle per named
// database. It is the leaf component of pgbus: sessions, triggers, and the
// notification dispatcher all draw their connections from here.
//
// The registry is an explicit object owned by the composition root and
// passed by reference to collaborators; there are no package-level pools.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pgbus/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// Components accept this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tunes the pool created for one registered database. Zero fields
// fall back to the registry defaults.
type Options struct {
	// PoolSize is the base number of pooled connections.
	PoolSize int

	// MaxOverflow is the number of connections allowed beyond PoolSize
	// under load. PoolSize+MaxOverflow maps to pgxpool's MaxConns.
	MaxOverflow int

	// ConnRecycle closes and replaces connections older than this age.
	ConnRecycle time.Duration

	// PrePing verifies liveness before a connection is handed out.
	PrePing bool

	// prePingSet distinguishes an explicit PrePing=false from the zero value.
	prePingSet bool
}

// WithPrePing returns a copy of the options with the pre-ping check
// explicitly enabled or disabled, overriding the registry default.
func (o Options) WithPrePing(enabled bool) Options {
	o.PrePing = enabled
	o.prePingSet = true
	return o
}

// DefaultOptions mirrors the original pool tuning: 5 base connections,
// 10 overflow, hourly recycle, pre-ping on.
func DefaultOptions() Options {
	return Options{
		PoolSize:    5,
		MaxOverflow: 10,
		ConnRecycle: time.Hour,
		PrePing:     true,
		prePingSet:  true,
	}
}

// withDefaults fills zero fields from the given defaults.
func (o Options) withDefaults(defaults Options) Options {
	if o.PoolSize == 0 {
		o.PoolSize = defaults.PoolSize
	}
	if o.MaxOverflow == 0 {
		o.MaxOverflow = defaults.MaxOverflow
	}
	if o.ConnRecycle == 0 {
		o.ConnRecycle = defaults.ConnRecycle
	}
	if !o.prePingSet {
		o.PrePing = defaults.PrePing
		o.prePingSet = true
	}
	return o
}

// Handle is the pooled connection handle for one registered database.
// Disposal closes the pool and invalidates the handle; dependents must
// re-register before using the name again.
type Handle struct {
	name string
	opts Options
	pool *pgxpool.Pool
}

// Name returns the registry key the handle was registered under.
func (h *Handle) Name() string { return h.name }

// Options returns the resolved pool options.
func (h *Handle) Options() Options { return h.opts }

// Pool returns the underlying pgx pool.
func (h *Handle) Pool() *pgxpool.Pool { return h.pool }

// Registry maps database names to pooled connection handles. Safe for
// concurrent Register/Lookup/Dispose from multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	handles  map[string]*Handle
	defaults Options
	logger   *slog.Logger
}

// New creates an empty registry with the given pool defaults. A nil logger
// falls back to slog.Default().
func New(defaults Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handles:  make(map[string]*Handle),
		defaults: defaults.withDefaults(DefaultOptions()),
		logger:   logger,
	}
}

// Register creates the pool for name on first call and returns the handle.
// Subsequent calls for the same name return the existing handle unchanged;
// the registry is create-once, so options on a repeat call are ignored.
func (r *Registry) Register(ctx context.Context, name, dsn string, opts Options) (*Handle, error) {
	r.mu.RLock()
	if h, ok := r.handles[name]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[name]; ok {
		return h, nil
	}

	resolved := opts.withDefaults(r.defaults)
	pool, err := newPool(ctx, dsn, resolved)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB,
			fmt.Sprintf("failed to create pool for %q", name), err)
	}

	h := &Handle{name: name, opts: resolved, pool: pool}
	r.handles[name] = h
	r.logger.InfoContext(ctx, "database registered",
		"database", name,
		"pool_size", resolved.PoolSize,
		"max_overflow", resolved.MaxOverflow,
		"conn_recycle", resolved.ConnRecycle,
		"pre_ping", resolved.PrePing,
	)
	return h, nil
}

// Lookup returns the handle for name, or an error with code not_registered.
func (r *Registry) Lookup(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotRegistered,
			fmt.Sprintf("database %q is not registered", name), nil)
	}
	return h, nil
}

// Names returns the registered database names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	return names
}

// Dispose closes all pooled connections for name and removes it. A name
// that was never registered is a no-op.
func (r *Registry) Dispose(name string) {
	r.mu.Lock()
	h, ok := r.handles[name]
	delete(r.handles, name)
	r.mu.Unlock()

	if !ok {
		return
	}
	h.pool.Close()
	r.logger.Info("database disposed", "database", name)
}

// DisposeAll disposes every registered handle. Used for full-process reset.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for name, h := range handles {
		h.pool.Close()
		r.logger.Info("database disposed", "database", name)
	}
}

// newPool translates Options onto a pgxpool configuration. The pool is
// created lazily; no connection is established here.
func newPool(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = int32(opts.PoolSize + opts.MaxOverflow)
	cfg.MinConns = 0
	cfg.MaxConnLifetime = opts.ConnRecycle
	if opts.PrePing {
		cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
			return conn.Ping(ctx) == nil
		}
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

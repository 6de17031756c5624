package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"

	"pgbus/internal/registry"
	"pgbus/internal/types"
)

// txBeginner is the only part of *pgxpool.Pool the factory needs. An
// interface so tests can begin fake transactions.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Factory produces sessions for one database. One factory exists per
// database name, created lazily by EnsureFactory.
type Factory struct {
	database string
	pool     txBeginner
}

// Config carries the manager's behavior switches, typically filled from
// the process configuration.
type Config struct {
	// Tolerant downgrades a missing session factory from an error to a
	// logged no-op session.
	Tolerant bool

	// DefaultTenantTag is stamped onto untagged records when the caller
	// does not supply a tag explicitly.
	DefaultTenantTag string

	// AddBackendToTables suffixes TableName results with the tenant tag.
	AddBackendToTables bool
}

// Manager owns the per-database session factories and the scoped session
// acquisition protocol. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]*Factory

	reg    *registry.Registry
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a session manager on top of the given registry.
// A nil logger falls back to slog.Default().
func NewManager(reg *registry.Registry, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factories: make(map[string]*Factory),
		reg:       reg,
		cfg:       cfg,
		logger:    logger,
	}
}

// EnsureFactory creates the session factory for name if it does not exist
// yet. The database must already be registered; otherwise the registry's
// not_registered error is returned. Idempotent.
func (m *Manager) EnsureFactory(name string) (*Factory, error) {
	m.mu.RLock()
	if f, ok := m.factories[name]; ok {
		m.mu.RUnlock()
		return f, nil
	}
	m.mu.RUnlock()

	h, err := m.reg.Lookup(name)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.factories[name]; ok {
		return f, nil
	}
	f := &Factory{database: name, pool: h.Pool()}
	m.factories[name] = f
	return f, nil
}

// IsInitialized reports whether a session factory exists for name.
func (m *Manager) IsInitialized(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.factories[name]
	return ok
}

// DropFactory removes the factory for name, if any. Called when the
// underlying registration is disposed; the next EnsureFactory starts fresh.
func (m *Manager) DropFactory(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.factories, name)
}

// TableName returns the physical table name for a logical base name,
// suffixed with the default tenant tag when AddBackendToTables is set.
func (m *Manager) TableName(base string) string {
	if m.cfg.AddBackendToTables && m.cfg.DefaultTenantTag != "" {
		return fmt.Sprintf("%s_%s", base, m.cfg.DefaultTenantTag)
	}
	return base
}

// options accumulates WithSession call options.
type options struct {
	database  string
	tenantTag string
	tagSet    bool
}

// Option customizes a WithSession call.
type Option func(*options)

// WithDatabase selects the database the session is bound to. Required when
// more than one database has an initialized factory.
func WithDatabase(name string) Option {
	return func(o *options) { o.database = name }
}

// WithTenantTag sets the tenant tag for the session's scope, overriding
// both any ambient tag on the context and the manager default. An empty
// tag explicitly disables stamping for this session.
func WithTenantTag(tag string) Option {
	return func(o *options) {
		o.tenantTag = tag
		o.tagSet = true
	}
}

// sessionCtxKey scopes the live session per (context chain, database).
type sessionCtxKey struct{ database string }

// fromContext returns the live session for the database, if the current
// scope already holds one.
func fromContext(ctx context.Context, database string) *Session {
	s, _ := ctx.Value(sessionCtxKey{database: database}).(*Session)
	return s
}

// WithSession runs fn inside a scoped transactional session.
//
// Exit protocol: on normal return the session is flushed and committed; on
// a transient connectivity error it is rolled back, the failure logged,
// and a transient_connectivity error returned; on any other error it is
// rolled back and the error returned unchanged. The session is released
// on every exit path; re-entering WithSession from inside fn with the same
// database reuses the live session without committing it early.
//
// There is no automatic re-execution: partial writes are rolled back
// atomically and the caller decides whether to re-invoke the whole unit
// of work.
func (m *Manager) WithSession(ctx context.Context, fn func(ctx context.Context, s *Session) error, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	name, err := m.resolveDatabase(o.database)
	if err != nil {
		return err
	}

	// Re-entrancy: the outermost WithSession owns commit and rollback.
	if live := fromContext(ctx, name); live != nil {
		return fn(ctx, live)
	}

	tag := m.resolveTag(ctx, o)

	m.mu.RLock()
	f := m.factories[name]
	m.mu.RUnlock()

	if f == nil {
		appErr := types.NewAppError(types.ErrCodeSessionNotInitialized,
			fmt.Sprintf("session factory for %q is not initialized", name), nil)
		if !m.cfg.Tolerant {
			return appErr
		}
		m.logger.Warn("session factory not initialized, yielding no-op session",
			"database", name)
		s := newNoopSession(name, tag)
		sctx := ctx
		if tag != "" {
			sctx = types.WithTenantTag(sctx, tag)
		}
		sctx = context.WithValue(sctx, sessionCtxKey{database: name}, s)
		// Same exit protocol as the transactional path, so staged records
		// are tenant-stamped here too even though nothing is persisted.
		if err := fn(sctx, s); err != nil {
			s.rollback(ctx)
			return err
		}
		return s.commit(ctx)
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return m.classify(ctx, name, err, "failed to begin session")
	}

	s := newSession(name, tx, tag)
	sctx := ctx
	if tag != "" {
		sctx = types.WithTenantTag(sctx, tag)
	}
	sctx = context.WithValue(sctx, sessionCtxKey{database: name}, s)

	err = func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				s.rollback(ctx)
				panic(p)
			}
		}()
		return fn(sctx, s)
	}()
	if err == nil {
		err = s.commit(ctx)
	}
	if err != nil {
		s.rollback(ctx)
		return m.classify(ctx, name, err, "database operation failed")
	}
	return nil
}

// resolveDatabase maps an optional explicit name to the target database.
// With no explicit name, exactly one initialized factory must exist;
// anything else is ambiguous and must be named by the caller.
func (m *Manager) resolveDatabase(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.factories) > 1 {
		return "", types.NewAppError(types.ErrCodeDatabaseAmbiguous,
			fmt.Sprintf("%d databases are initialized, select one with WithDatabase", len(m.factories)), nil)
	}
	for name := range m.factories {
		return name, nil
	}
	// No factory at all: fall through to the SessionNotInitialized path
	// with an empty name so tolerant mode still applies.
	return "", nil
}

// resolveTag picks the session tenant tag: explicit option, then ambient
// context tag, then the manager default.
func (m *Manager) resolveTag(ctx context.Context, o options) string {
	if o.tagSet {
		return o.tenantTag
	}
	if tag, ok := types.TenantTagFromContext(ctx); ok {
		return tag
	}
	return m.cfg.DefaultTenantTag
}

// classify wraps transient connectivity failures and logs them; all other
// errors pass through unchanged.
func (m *Manager) classify(ctx context.Context, database string, err error, msg string) error {
	if !isTransient(err) {
		return err
	}
	m.logger.ErrorContext(ctx, msg,
		"database", database,
		"error", err,
	)
	return types.NewAppError(types.ErrCodeTransientConnectivity, msg, err)
}

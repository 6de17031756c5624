// Package session hands out scoped, transactional units of work on top of
// the connection registry and stamps newly-created or modified records with
// a tenant tag before they are flushed.
//
// Scope is a context.Context, not a thread: the live session travels in the
// context passed to the caller's function, so exactly one session exists
// per (context chain, database) pair and task-based concurrency cannot leak
// sessions across scopes.
package session

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pgbus/internal/registry"
)

// Record is the collaborator interface the schema/model layer implements
// for anything the session should persist on flush. Implementations are
// expected to be pointers; the session tracks them by identity.
type Record interface {
	// TenantTag returns the record's current owner tag, empty if unset.
	TenantTag() string

	// SetTenantTag stamps the owner tag. Called by the session only when
	// the current tag is empty; a non-empty tag is never overwritten.
	SetTenantTag(tag string)

	// Persist writes the record inside the session's transaction.
	Persist(ctx context.Context, db registry.DBTX) error
}

// EndState describes how a session finished.
type EndState int

const (
	StateActive EndState = iota
	StateCommitted
	StateRolledBack
)

// String returns the lowercase name of the state.
func (s EndState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolledback"
	default:
		return "unknown"
	}
}

// Session is a transactional unit of work bound to one connection drawn
// from the pool. It is never shared across goroutines; the manager
// guarantees at most one live session per scope and database.
type Session struct {
	database  string
	tx        pgx.Tx
	beganAt   time.Time
	tenantTag string
	state     EndState
	noop      bool

	// pending new/dirty records, in staging order; seen dedupes by identity.
	pending []Record
	dirty   map[Record]bool
}

// newSession wraps a begun transaction.
func newSession(database string, tx pgx.Tx, tenantTag string) *Session {
	return &Session{
		database:  database,
		tx:        tx,
		beganAt:   time.Now().UTC(),
		tenantTag: tenantTag,
		dirty:     make(map[Record]bool),
	}
}

// newNoopSession builds the tolerant-mode fallback session: reads see no
// rows, writes are discarded, flush stamps tags but persists nothing.
func newNoopSession(database, tenantTag string) *Session {
	return &Session{
		database:  database,
		tenantTag: tenantTag,
		noop:      true,
		dirty:     make(map[Record]bool),
	}
}

// Database returns the database name the session is bound to.
func (s *Session) Database() string { return s.database }

// BeganAt returns the session begin time (UTC).
func (s *Session) BeganAt() time.Time { return s.beganAt }

// State returns the session end state.
func (s *Session) State() EndState { return s.state }

// NoOp reports whether this is the tolerant-mode fallback session.
func (s *Session) NoOp() bool { return s.noop }

// TenantTag returns the tag stamped onto untagged records at flush.
func (s *Session) TenantTag() string { return s.tenantTag }

// Exec runs a statement inside the session transaction. On a no-op
// session the statement is discarded and reported as successful.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.noop {
		return pgconn.CommandTag{}, nil
	}
	return s.tx.Exec(ctx, sql, args...)
}

// Query runs a query inside the session transaction. On a no-op session
// the result set is empty.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.noop {
		return emptyRows{}, nil
	}
	return s.tx.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query inside the session transaction. On a
// no-op session scanning reports pgx.ErrNoRows.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.noop {
		return noRow{}
	}
	return s.tx.QueryRow(ctx, sql, args...)
}

// Stage adds a newly-created record to the session's pending set. The
// record is persisted, tenant-tagged if untagged, on the next flush.
func (s *Session) Stage(rec Record) {
	if rec == nil || s.dirty[rec] {
		return
	}
	s.dirty[rec] = true
	s.pending = append(s.pending, rec)
}

// MarkDirty adds a modified record to the session's pending set. Identical
// to Stage today; kept separate so call sites state intent.
func (s *Session) MarkDirty(rec Record) {
	s.Stage(rec)
}

// Flush stamps the tenant tag onto every pending record that has no tag
// yet, then persists each record in staging order. It scans only the
// pending set, never whole tables, and clears the set afterwards.
func (s *Session) Flush(ctx context.Context) error {
	if s.tenantTag != "" {
		for _, rec := range s.pending {
			if rec.TenantTag() == "" {
				rec.SetTenantTag(s.tenantTag)
			}
		}
	}
	if !s.noop {
		for _, rec := range s.pending {
			if err := rec.Persist(ctx, s.tx); err != nil {
				return err
			}
		}
	}
	s.pending = nil
	s.dirty = make(map[Record]bool)
	return nil
}

// commit flushes pending records and commits the transaction.
func (s *Session) commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if !s.noop {
		if err := s.tx.Commit(ctx); err != nil {
			return err
		}
	}
	s.state = StateCommitted
	return nil
}

// rollback discards the transaction. Safe to call after a failed commit.
func (s *Session) rollback(ctx context.Context) {
	if !s.noop {
		// pgx returns ErrTxClosed when the tx already finished; nothing
		// useful to do with it here.
		_ = s.tx.Rollback(ctx)
	}
	s.state = StateRolledBack
}

// emptyRows is the no-op session's empty result set.
type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(dest ...any) error                       { return pgx.ErrNoRows }
func (emptyRows) Values() ([]any, error)                       { return nil, pgx.ErrNoRows }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

// noRow is the no-op session's single-row result.
type noRow struct{}

func (noRow) Scan(dest ...any) error { return pgx.ErrNoRows }

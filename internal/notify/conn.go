package notify

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"pgbus/internal/registry"
)

// connWaiter is the production waiter: a raw pgx connection dedicated to
// LISTEN for the listener's lifetime.
type connWaiter struct {
	conn *pgx.Conn
}

// dialConn draws a connection from the pool and hijacks it, so its LISTEN
// subscriptions can never leak back into the shared pool.
func dialConn(ctx context.Context, handle *registry.Handle) (waiter, error) {
	pc, err := handle.Pool().Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &connWaiter{conn: pc.Hijack()}, nil
}

func (w *connWaiter) Listen(ctx context.Context, channel string) error {
	_, err := w.conn.Exec(ctx, listenStatement(channel))
	return err
}

// listenStatement builds the LISTEN statement with the channel quoted as a
// PostgreSQL identifier. Channel names come in through AddCallback
// unvalidated, so an embedded double quote must be doubled rather than
// terminating the identifier.
func listenStatement(channel string) string {
	return "LISTEN " + pgx.Identifier{channel}.Sanitize()
}

func (w *connWaiter) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return w.conn.WaitForNotification(ctx)
}

func (w *connWaiter) Close(ctx context.Context) error {
	return w.conn.Close(ctx)
}

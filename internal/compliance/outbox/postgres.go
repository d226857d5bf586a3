package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the NOTIFY channel raised by the outbox insert trigger.
const Channel = "compliance_outbox"

// ErrNoListener is returned by Wait when the notification connection is gone.
var ErrNoListener = errors.New("outbox listener unavailable")

// PostgresQueue claims outbox rows with FOR UPDATE SKIP LOCKED, so several
// relays can run against one database, and listens on Channel for new rows.
type PostgresQueue struct {
	pool     *pgxpool.Pool
	listener *pgxpool.Conn
}

var _ Queue = (*PostgresQueue)(nil)

func NewPostgresQueue(pool *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

func (q *PostgresQueue) Claim(ctx context.Context, limit int, fn func(ctx context.Context, msgs []Message) error) (int, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin outbox claim: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rows, err := tx.Query(ctx, `
		SELECT id::text, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("claim outbox rows: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Key, &m.EventType, &m.Payload, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return 0, fmt.Errorf("scan outbox rows: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	if err := fn(ctx, msgs); err != nil {
		return len(msgs), err
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET published_at = now() WHERE id = ANY($1::uuid[])`, ids); err != nil {
		return len(msgs), fmt.Errorf("mark outbox rows published: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return len(msgs), fmt.Errorf("commit outbox claim: %w", err)
	}
	return len(msgs), nil
}

// Wait blocks on the LISTEN connection. Timing out is not an error.
func (q *PostgresQueue) Wait(ctx context.Context, d time.Duration) error {
	if q.listener == nil {
		conn, err := q.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoListener, err)
		}
		if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
			conn.Release()
			return fmt.Errorf("%w: %w", ErrNoListener, err)
		}
		q.listener = conn
	}

	waitCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	_, err := q.listener.Conn().WaitForNotification(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	// The connection is unusable after a failed wait; a new one is made next time.
	_ = q.listener.Conn().Close(context.Background())
	q.listener.Release()
	q.listener = nil
	return fmt.Errorf("%w: %w", ErrNoListener, err)
}

// Close releases the LISTEN connection.
func (q *PostgresQueue) Close() {
	if q.listener != nil {
		q.listener.Release()
		q.listener = nil
	}
}

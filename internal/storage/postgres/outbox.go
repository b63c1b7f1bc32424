package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-pricing/internal/outbox"
)

const (
	fetchUnpublishedSQL = `SELECT id, aggregate_id, event_type, payload, created_at
		FROM pricing_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1`

	markPublishedSQL = `UPDATE pricing_outbox SET published_at = $2 WHERE id = ANY($1)`
)

var _ outbox.Store = (*OutboxRepository)(nil)

// OutboxRepository implements outbox.Store backed by PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool, now: time.Now}
}

// FetchUnpublished returns up to limit pending messages in id order.
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]outbox.Message, error) {
	rows, err := r.pool.Query(ctx, fetchUnpublishedSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching unpublished outbox rows: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Message, error) {
		var m outbox.Message
		err := row.Scan(&m.ID, &m.AggregateID, &m.EventType, &m.Payload, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching unpublished outbox rows: %w", err)
	}
	return msgs, nil
}

// MarkPublished sets published_at on the given rows.
func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, markPublishedSQL, ids, r.now()); err != nil {
		return fmt.Errorf("marking %d outbox rows published: %w", len(ids), err)
	}
	return nil
}

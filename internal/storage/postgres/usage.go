package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/outbox"
)

const (
	claimApplicationSQL = `INSERT INTO pricing_rule_applications
			(idempotency_key, cart_id, user_id, rule_ids, total_discount, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`

	incrementRuleUsageSQL = `UPDATE pricing_rules
		SET usage_count = usage_count + 1, updated_at = $2
		WHERE id = $1 AND active AND (max_global_uses IS NULL OR usage_count < max_global_uses)
		RETURNING id`

	ruleStateSQL = `SELECT active FROM pricing_rules WHERE id = $1`

	incrementUserUsageSQL = `INSERT INTO pricing_rule_user_usage AS uu (rule_id, user_id, uses)
		SELECT r.id, $2, 1 FROM pricing_rules r
		WHERE r.id = $1 AND COALESCE(r.per_user_limit, 2147483647) > 0
		ON CONFLICT (rule_id, user_id) DO UPDATE SET uses = uu.uses + 1
		WHERE uu.uses < (SELECT COALESCE(per_user_limit, 2147483647) FROM pricing_rules WHERE id = uu.rule_id)
		RETURNING uses`

	attachAppliedRuleSQL = `INSERT INTO cart_pricing_rules (cart_id, rule_id, attached_at)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM carts WHERE id = $1)
		ON CONFLICT (cart_id, rule_id) DO NOTHING`

	insertOutboxSQL = `INSERT INTO pricing_outbox (aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)`
)

var _ pricing.UsageStore = (*UsageStore)(nil)

// UsageStore implements pricing.UsageStore with one READ COMMITTED
// transaction per batch. Rule rows are locked in id order by conditional
// updates; serialization failures and deadlocks are retried.
type UsageStore struct {
	pool       *pgxpool.Pool
	maxRetries uint64
	baseDelay  time.Duration
}

// NewUsageStore returns a UsageStore that uses the given pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{
		pool:       pool,
		maxRetries: 3,
		baseDelay:  20 * time.Millisecond,
	}
}

// ApplyUsage persists the batch atomically.
func (s *UsageStore) ApplyUsage(ctx context.Context, b pricing.UsageBatch) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.WithJitterPercent(20, retry.NewExponential(s.baseDelay)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return applyBatch(ctx, tx, b)
		})
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, pricing.ErrDuplicateApplication),
		errors.Is(err, pricing.ErrConcurrentLimitExceeded),
		errors.Is(err, pricing.ErrPersistence):
		return err
	default:
		return &pricing.PersistenceError{Op: "apply usage batch " + b.IdempotencyKey, Err: err}
	}
}

func applyBatch(ctx context.Context, tx pgx.Tx, b pricing.UsageBatch) error {
	now := b.Event.RecordedAt
	if now.IsZero() {
		now = time.Now()
	}
	ruleIDs := make([]uuid.UUID, len(b.Increments))
	for i, inc := range b.Increments {
		ruleIDs[i] = inc.RuleID
	}

	tag, err := tx.Exec(ctx, claimApplicationSQL,
		b.IdempotencyKey, nullUUID(b.CartID), nullString(b.UserID), ruleIDs, b.Event.TotalDiscount, now)
	if err != nil {
		return fmt.Errorf("claiming idempotency key %q: %w", b.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return pricing.ErrDuplicateApplication
	}

	for _, inc := range b.Increments {
		if err := incrementRule(ctx, tx, inc.RuleID, now); err != nil {
			return err
		}
		if inc.TrackUser && b.UserID != "" {
			if err := incrementUser(ctx, tx, inc.RuleID, b.UserID); err != nil {
				return err
			}
		}
		if b.CartID != uuid.Nil {
			if _, err := tx.Exec(ctx, attachAppliedRuleSQL, b.CartID, inc.RuleID, now); err != nil {
				return fmt.Errorf("attaching rule %q to cart %q: %w", inc.RuleID, b.CartID, err)
			}
		}
	}

	aggregate := b.IdempotencyKey
	if b.CartID != uuid.Nil {
		aggregate = b.CartID.String()
	}
	if _, err := tx.Exec(ctx, insertOutboxSQL,
		aggregate, pricing.EventRulesApplied, outbox.EncodeUsageEvent(b.Event), now); err != nil {
		return fmt.Errorf("writing outbox event: %w", err)
	}
	return nil
}

func incrementRule(ctx context.Context, tx pgx.Tx, ruleID uuid.UUID, now time.Time) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, incrementRuleUsageSQL, ruleID, now).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("incrementing usage of rule %q: %w", ruleID, err)
	}

	var active bool
	switch err := tx.QueryRow(ctx, ruleStateSQL, ruleID).Scan(&active); {
	case errors.Is(err, pgx.ErrNoRows):
		return &pricing.PersistenceError{Op: "increment usage of rule " + ruleID.String(), Err: pricing.ErrRuleNotFound}
	case err != nil:
		return fmt.Errorf("checking rule %q: %w", ruleID, err)
	case !active:
		return &pricing.LimitExceededError{RuleID: ruleID, Limit: pricing.LimitInactive}
	}
	return &pricing.LimitExceededError{RuleID: ruleID, Limit: pricing.LimitGlobal}
}

func incrementUser(ctx context.Context, tx pgx.Tx, ruleID uuid.UUID, userID string) error {
	var uses int
	err := tx.QueryRow(ctx, incrementUserUsageSQL, ruleID, userID).Scan(&uses)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return &pricing.LimitExceededError{RuleID: ruleID, Limit: pricing.LimitPerUser}
	default:
		return fmt.Errorf("incrementing usage of rule %q by user %q: %w", ruleID, userID, err)
	}
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

const (
	ruleColumns = `r.id, r.name, r.description, r.coupon_code, r.rule_type, r.target_scope, r.target_id,
		r.min_cart_value, r.max_cart_value, r.min_category_value, r.currency, r.user_id,
		r.starts_at, r.ends_at, r.active, r.percentage, r.amount, r.max_discount,
		r.usage_count, r.max_global_uses, r.per_user_limit,
		r.combinable, r.auto_apply, r.priority, r.created_by, r.created_at, r.updated_at,
		COALESCE(u.uses, 0)`

	listAttachedRulesSQL = `SELECT ` + ruleColumns + `
		FROM cart_pricing_rules c
		JOIN pricing_rules r ON r.id = c.rule_id
		LEFT JOIN pricing_rule_user_usage u ON u.rule_id = r.id AND u.user_id = $2
		WHERE c.cart_id = $1
		ORDER BY c.attached_at, r.id`

	findCandidateRulesSQL = `SELECT ` + ruleColumns + `
		FROM pricing_rules r
		LEFT JOIN pricing_rule_user_usage u ON u.rule_id = r.id AND u.user_id = $3
		WHERE r.active
		  AND (r.starts_at IS NULL OR r.starts_at <= $5)
		  AND (r.ends_at IS NULL OR r.ends_at >= $1)
		  AND (r.currency IS NULL OR r.currency = $2)
		  AND (r.user_id IS NULL OR r.user_id = $3)
		  AND (r.coupon_code = ANY($4) OR (r.coupon_code IS NULL AND r.auto_apply))
		ORDER BY r.priority DESC, r.created_at, r.id`

	findRuleByCodeSQL = `SELECT ` + ruleColumns + `
		FROM pricing_rules r
		LEFT JOIN pricing_rule_user_usage u ON FALSE
		WHERE r.coupon_code = $1`

	attachRuleSQL = `INSERT INTO cart_pricing_rules (cart_id, rule_id, attached_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, rule_id) DO NOTHING`

	upsertRuleSQL = `INSERT INTO pricing_rules (
			id, name, description, coupon_code, rule_type, target_scope, target_id,
			min_cart_value, max_cart_value, min_category_value, currency, user_id,
			starts_at, ends_at, active, percentage, amount, max_discount,
			max_global_uses, per_user_limit, combinable, auto_apply, priority,
			created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			coupon_code = EXCLUDED.coupon_code,
			rule_type = EXCLUDED.rule_type,
			target_scope = EXCLUDED.target_scope,
			target_id = EXCLUDED.target_id,
			min_cart_value = EXCLUDED.min_cart_value,
			max_cart_value = EXCLUDED.max_cart_value,
			min_category_value = EXCLUDED.min_category_value,
			currency = EXCLUDED.currency,
			user_id = EXCLUDED.user_id,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			active = EXCLUDED.active,
			percentage = EXCLUDED.percentage,
			amount = EXCLUDED.amount,
			max_discount = EXCLUDED.max_discount,
			max_global_uses = EXCLUDED.max_global_uses,
			per_user_limit = EXCLUDED.per_user_limit,
			combinable = EXCLUDED.combinable,
			auto_apply = EXCLUDED.auto_apply,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at`

	getRuleSQL = `SELECT ` + ruleColumns + `
		FROM pricing_rules r
		LEFT JOIN pricing_rule_user_usage u ON FALSE
		WHERE r.id = $1`
)

// Postgres error codes inspected by the repositories.
const (
	codeForeignKeyViolation  = "23503"
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

var _ pricing.RuleRepository = (*RuleRepository)(nil)

// RuleRepository implements pricing.RuleRepository backed by PostgreSQL.
type RuleRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool, now: time.Now}
}

// ListAttached returns the rules attached to a cart in attachment order.
func (r *RuleRepository) ListAttached(ctx context.Context, cartID uuid.UUID, userID string) ([]pricing.Rule, error) {
	rows, err := r.pool.Query(ctx, listAttachedRulesSQL, cartID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing rules attached to cart %q: %w", cartID, err)
	}
	rules, err := pgx.CollectRows(rows, scanRule(userID))
	if err != nil {
		return nil, fmt.Errorf("listing rules attached to cart %q: %w", cartID, err)
	}
	return rules, nil
}

// FindCandidates returns active automatic or code-matched rules in priority
// order.
func (r *RuleRepository) FindCandidates(ctx context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	codes := f.CouponCodes
	if codes == nil {
		codes = []string{}
	}
	rows, err := r.pool.Query(ctx, findCandidateRulesSQL, f.Now, f.Currency, f.UserID, codes, f.End())
	if err != nil {
		return nil, fmt.Errorf("finding candidate rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanRule(f.UserID))
	if err != nil {
		return nil, fmt.Errorf("finding candidate rules: %w", err)
	}
	return rules, nil
}

// FindByCode looks up a rule by its normalized coupon code.
func (r *RuleRepository) FindByCode(ctx context.Context, code string) (*pricing.Rule, error) {
	code = pricing.NormalizeCode(code)
	rows, err := r.pool.Query(ctx, findRuleByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding rule by code %q: %w", code, err)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanRule(""))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrRuleNotFound
		}
		return nil, fmt.Errorf("finding rule by code %q: %w", code, err)
	}
	return &rule, nil
}

// Get returns a rule by id without per-user counters.
func (r *RuleRepository) Get(ctx context.Context, id uuid.UUID) (*pricing.Rule, error) {
	rows, err := r.pool.Query(ctx, getRuleSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting rule %q: %w", id, err)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanRule(""))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrRuleNotFound
		}
		return nil, fmt.Errorf("getting rule %q: %w", id, err)
	}
	return &rule, nil
}

// Attach adds a rule to a cart's explicit set. It is idempotent.
func (r *RuleRepository) Attach(ctx context.Context, cartID, ruleID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, attachRuleSQL, cartID, ruleID, r.now()); err != nil {
		return mapAttachError(err, cartID, ruleID)
	}
	return nil
}

func mapAttachError(err error, cartID, ruleID uuid.UUID) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		if strings.Contains(pgErr.ConstraintName, "cart_id") {
			return pricing.ErrCartNotFound
		}
		return pricing.ErrRuleNotFound
	}
	return fmt.Errorf("attaching rule %q to cart %q: %w", ruleID, cartID, err)
}

// Upsert inserts a rule or updates its definition. Usage counters are never
// overwritten.
func (r *RuleRepository) Upsert(ctx context.Context, rule *pricing.Rule) error {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}
	now := r.now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	var targetID *int64
	if rule.Target.Scope != pricing.ScopeCart {
		targetID = &rule.Target.ID
	}
	_, err := r.pool.Exec(ctx, upsertRuleSQL,
		rule.ID, rule.Name, rule.Description, nullString(rule.CouponCode),
		rule.Type.String(), rule.Target.Scope.String(), targetID,
		rule.MinCartValue, rule.MaxCartValue, rule.MinCategoryValue,
		nullString(rule.Currency), nullString(rule.UserID),
		rule.StartsAt, rule.EndsAt, rule.Active,
		rule.Percentage, rule.Amount, rule.MaxDiscount,
		rule.MaxGlobalUses, rule.PerUserLimit,
		rule.Combinable, rule.AutoApply, rule.Priority,
		rule.CreatedBy, rule.CreatedAt, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return fmt.Errorf("upserting rule %q: coupon code %q already used: %w", rule.ID, rule.CouponCode, err)
		}
		return fmt.Errorf("upserting rule %q: %w", rule.ID, err)
	}
	return nil
}

func scanRule(userID string) pgx.RowToFunc[pricing.Rule] {
	return func(row pgx.CollectableRow) (pricing.Rule, error) {
		var (
			rule        pricing.Rule
			couponCode  *string
			ruleType    string
			targetScope string
			targetID    *int64
			currency    *string
			ruleUserID  *string
			userUses    int
		)
		err := row.Scan(
			&rule.ID, &rule.Name, &rule.Description, &couponCode, &ruleType, &targetScope, &targetID,
			&rule.MinCartValue, &rule.MaxCartValue, &rule.MinCategoryValue, &currency, &ruleUserID,
			&rule.StartsAt, &rule.EndsAt, &rule.Active, &rule.Percentage, &rule.Amount, &rule.MaxDiscount,
			&rule.UsageCount, &rule.MaxGlobalUses, &rule.PerUserLimit,
			&rule.Combinable, &rule.AutoApply, &rule.Priority, &rule.CreatedBy, &rule.CreatedAt, &rule.UpdatedAt,
			&userUses,
		)
		if err != nil {
			return rule, err
		}

		if rule.Type, err = pricing.ParseRuleType(ruleType); err != nil {
			return rule, err
		}
		scope, err := pricing.ParseScope(targetScope)
		if err != nil {
			return rule, err
		}
		rule.Target = pricing.Target{Scope: scope}
		if targetID != nil {
			rule.Target.ID = *targetID
		}
		rule.CouponCode = deref(couponCode)
		rule.Currency = strings.TrimSpace(deref(currency))
		rule.UserID = deref(ruleUserID)
		if userID != "" {
			rule.UserUsage = map[string]int{userID: userUses}
		}
		return rule, nil
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package pricing

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CandidateFilter narrows the global rule set to automatic candidates:
//
//	active AND window overlaps [Now, Until] AND currency matches
//	AND user matches AND (code IN CouponCodes OR (no code AND auto_apply))
//
// CouponCodes must already be normalized. A zero Until means the single
// instant Now; callers passing a wider range re-check ActiveAt themselves.
type CandidateFilter struct {
	Now         time.Time
	Until       time.Time
	Currency    string
	UserID      string
	CouponCodes []string
}

// End returns the upper bound of the filter's time range.
func (f CandidateFilter) End() time.Time {
	if f.Until.After(f.Now) {
		return f.Until
	}
	return f.Now
}

// RuleRepository provides read access to pricing rules.
type RuleRepository interface {
	// ListAttached returns the rules explicitly attached to a stored cart,
	// ordered by attachment time then rule id. UserUsage is populated for
	// userID when it is not empty.
	ListAttached(ctx context.Context, cartID uuid.UUID, userID string) ([]Rule, error)
	// FindCandidates returns rules matching the filter ordered by priority
	// descending, created_at ascending, id ascending.
	FindCandidates(ctx context.Context, f CandidateFilter) ([]Rule, error)
	// FindByCode returns the rule with the normalized coupon code or
	// ErrRuleNotFound.
	FindByCode(ctx context.Context, code string) (*Rule, error)
	// Attach adds a rule to a cart's explicit set. Attaching twice is a no-op.
	Attach(ctx context.Context, cartID, ruleID uuid.UUID) error
}

// UsageIncrement is one rule's share of a usage batch.
type UsageIncrement struct {
	RuleID uuid.UUID
	// TrackUser is set when the rule has a per-user limit and the cart user
	// is identified.
	TrackUser bool
}

// UsageEvent is the outbox payload describing one recorded application.
type UsageEvent struct {
	IdempotencyKey string
	CartID         uuid.UUID
	UserID         string
	Currency       string
	TotalDiscount  decimal.Decimal
	Rules          []UsageEventRule
	RecordedAt     time.Time
}

// UsageEventRule is one applied rule inside a UsageEvent.
type UsageEventRule struct {
	RuleID uuid.UUID
	Name   string
	Amount decimal.Decimal
	Scope  string
}

// EventRulesApplied is the outbox event type written by ApplyUsage.
const EventRulesApplied = "pricing.rules_applied"

// UsageBatch is everything one commit mutates. Increments are deduplicated
// and sorted by rule id so stores lock rows in a stable order.
type UsageBatch struct {
	IdempotencyKey string
	CartID         uuid.UUID
	UserID         string
	Increments     []UsageIncrement
	Event          UsageEvent
}

// UsageStore applies a usage batch atomically: either every increment,
// attachment and outbox row is persisted or none is.
//
// Implementations return ErrDuplicateApplication when the idempotency key was
// already recorded and *LimitExceededError when a conditional increment
// fails.
type UsageStore interface {
	ApplyUsage(ctx context.Context, b UsageBatch) error
}

func sortIncrements(incs []UsageIncrement) {
	slices.SortFunc(incs, func(a, b UsageIncrement) int {
		return slices.Compare(a.RuleID[:], b.RuleID[:])
	})
}

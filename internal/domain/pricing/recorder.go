package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Receipt summarizes a recording.
type Receipt struct {
	IdempotencyKey string
	RuleIDs        []uuid.UUID
	RecordedAt     time.Time
	// Duplicate is set when the key was already recorded; nothing changed.
	Duplicate bool
}

// Recorder persists the side effects of applying rules to a cart.
type Recorder struct {
	store UsageStore
	now   func() time.Time
	newID func() string
}

// NewRecorder creates a Recorder writing through store.
func NewRecorder(store UsageStore) *Recorder {
	return &Recorder{
		store: store,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Record applies usage increments for every applied rule in one atomic
// batch. An empty key is replaced with a fresh one, which makes the call
// non-idempotent.
//
// Errors: *LimitExceededError when a ceiling was reached after selection,
// *PersistenceError for storage failures. In both cases nothing is persisted.
func (rec *Recorder) Record(ctx context.Context, cart *Cart, applied []AppliedRule, key string) (*Receipt, error) {
	now := rec.now()
	if key == "" {
		key = rec.newID()
	}
	receipt := &Receipt{IdempotencyKey: key, RecordedAt: now}
	if len(applied) == 0 {
		return receipt, nil
	}

	batch := BuildBatch(cart, applied, key, now)
	for _, inc := range batch.Increments {
		receipt.RuleIDs = append(receipt.RuleIDs, inc.RuleID)
	}

	err := rec.store.ApplyUsage(ctx, batch)
	switch {
	case err == nil:
		return receipt, nil
	case errors.Is(err, ErrDuplicateApplication):
		receipt.Duplicate = true
		return receipt, nil
	case errors.Is(err, ErrConcurrentLimitExceeded), errors.Is(err, ErrPersistence):
		return nil, err
	default:
		return nil, &PersistenceError{Op: "apply usage", Err: err}
	}
}

// BuildBatch assembles the usage batch for the applied rules. Rules are
// deduplicated by id and sorted.
func BuildBatch(cart *Cart, applied []AppliedRule, key string, now time.Time) UsageBatch {
	seen := make(map[uuid.UUID]struct{}, len(applied))
	b := UsageBatch{
		IdempotencyKey: key,
		CartID:         cart.ID,
		UserID:         cart.UserID,
		Event: UsageEvent{
			IdempotencyKey: key,
			CartID:         cart.ID,
			UserID:         cart.UserID,
			Currency:       cart.Currency,
			TotalDiscount:  zero,
			RecordedAt:     now,
		},
	}
	for _, a := range applied {
		if _, ok := seen[a.Rule.ID]; ok {
			continue
		}
		seen[a.Rule.ID] = struct{}{}
		b.Increments = append(b.Increments, UsageIncrement{
			RuleID:    a.Rule.ID,
			TrackUser: a.Rule.PerUserLimit != nil && !cart.Anonymous(),
		})
		b.Event.Rules = append(b.Event.Rules, UsageEventRule{
			RuleID: a.Rule.ID,
			Name:   a.Rule.Name,
			Amount: a.Amount,
			Scope:  a.Scope,
		})
		b.Event.TotalDiscount = b.Event.TotalDiscount.Add(a.Amount)
	}
	sortIncrements(b.Increments)
	return b
}

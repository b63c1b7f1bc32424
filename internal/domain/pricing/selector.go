package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

// Selector picks the rules that apply to a cart: explicitly attached rules
// first, in attachment order, then automatic candidates in priority order.
type Selector struct {
	rules RuleRepository
	now   func() time.Time
}

// NewSelector creates a Selector reading rules from repo.
func NewSelector(repo RuleRepository) *Selector {
	return &Selector{rules: repo, now: time.Now}
}

// SelectApplicableRules returns the ordered list of eligible rules for the
// cart. A rule appears at most once. It performs no writes.
func (s *Selector) SelectApplicableRules(ctx context.Context, cart *Cart, codes []string) ([]Rule, error) {
	now := s.now()
	codes = NormalizeCodes(codes)

	var explicit []Rule
	if cart.Stored() {
		attached, err := s.rules.ListAttached(ctx, cart.ID, cart.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "list attached rules")
		}
		explicit = make([]Rule, 0, len(attached))
		for _, r := range attached {
			if r.EligibleFor(cart, now) {
				explicit = append(explicit, r)
			}
		}
	}

	candidates, err := s.rules.FindCandidates(ctx, CandidateFilter{
		Now:         now,
		Currency:    cart.Currency,
		UserID:      cart.UserID,
		CouponCodes: codes,
	})
	if err != nil {
		return nil, errors.Wrap(err, "find candidate rules")
	}

	seen := make(map[uuid.UUID]struct{}, len(explicit)+len(candidates))
	for _, r := range explicit {
		seen[r.ID] = struct{}{}
	}
	selected := explicit
	for _, r := range candidates {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		if !r.EligibleFor(cart, now) {
			continue
		}
		seen[r.ID] = struct{}{}
		selected = append(selected, r)
	}
	return selected, nil
}

// Package memory provides a mutex-guarded in-process implementation of the
// pricing, catalog, cart and API key repositories.
package memory

import (
	"bytes"
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/bazaar-pricing/internal/domain/auth"
	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/domain/product"
)

var (
	_ pricing.RuleRepository  = (*Store)(nil)
	_ pricing.UsageStore      = (*Store)(nil)
	_ checkout.CartRepository = (*Store)(nil)
	_ product.Repository      = (*Store)(nil)
	_ auth.Repository         = (*Store)(nil)
)

type attachment struct {
	ruleID uuid.UUID
	at     time.Time
}

// Store holds every entity in maps behind one mutex. Usage batches validate
// and apply under the same lock, so ceilings hold under concurrent commits.
type Store struct {
	mu sync.Mutex

	rules       map[uuid.UUID]*pricing.Rule
	userUsage   map[uuid.UUID]map[string]int
	attachments map[uuid.UUID][]attachment
	carts       map[uuid.UUID]*pricing.Cart
	variants    map[int64]product.Variant
	apiKeys     map[string]auth.APIKeyInfo
	applied     map[string]struct{}
	events      []pricing.UsageEvent

	now func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		rules:       make(map[uuid.UUID]*pricing.Rule),
		userUsage:   make(map[uuid.UUID]map[string]int),
		attachments: make(map[uuid.UUID][]attachment),
		carts:       make(map[uuid.UUID]*pricing.Cart),
		variants:    make(map[int64]product.Variant),
		apiKeys:     make(map[string]auth.APIKeyInfo),
		applied:     make(map[string]struct{}),
		now:         time.Now,
	}
}

// PutRule inserts or replaces a rule. Its UserUsage seeds per-user counters.
func (s *Store) PutRule(r pricing.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Normalize()
	usage := maps.Clone(r.UserUsage)
	if usage == nil {
		usage = make(map[string]int)
	}
	r.UserUsage = nil
	s.rules[r.ID] = &r
	s.userUsage[r.ID] = usage
}

// Upsert writes a rule definition. Usage counters of an existing rule are
// kept, matching the Postgres repository.
func (s *Store) Upsert(_ context.Context, r *pricing.Rule) error {
	r.Normalize()
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	next := *r
	next.UserUsage = nil
	if cur, ok := s.rules[r.ID]; ok {
		next.UsageCount = cur.UsageCount
	} else {
		next.UsageCount = 0
		s.userUsage[r.ID] = make(map[string]int)
	}
	s.rules[r.ID] = &next
	return nil
}

// Rule returns a snapshot of a rule with all per-user counters.
func (s *Store) Rule(id uuid.UUID) (pricing.Rule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return pricing.Rule{}, false
	}
	out := *r
	out.UserUsage = maps.Clone(s.userUsage[id])
	return out, true
}

// PutCart inserts or replaces a stored cart.
func (s *Store) PutCart(c pricing.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Lines = slices.Clone(c.Lines)
	s.carts[c.ID] = &c
}

// PutVariant inserts or replaces a catalog variant.
func (s *Store) PutVariant(v product.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[v.ID] = v
}

// PutAPIKey inserts or replaces an API key keyed by its hash.
func (s *Store) PutAPIKey(k auth.APIKeyInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[k.KeyHash] = k
}

// Events returns the usage events recorded so far.
func (s *Store) Events() []pricing.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// snapshot copies a rule with the usage entry of one user. Callers hold mu.
func (s *Store) snapshot(r *pricing.Rule, userID string) pricing.Rule {
	out := *r
	if userID != "" {
		out.UserUsage = map[string]int{userID: s.userUsage[r.ID][userID]}
	}
	return out
}

// ListAttached implements pricing.RuleRepository.
func (s *Store) ListAttached(_ context.Context, cartID uuid.UUID, userID string) ([]pricing.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	atts := slices.Clone(s.attachments[cartID])
	slices.SortStableFunc(atts, func(a, b attachment) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return bytes.Compare(a.ruleID[:], b.ruleID[:])
	})

	out := make([]pricing.Rule, 0, len(atts))
	for _, a := range atts {
		if r, ok := s.rules[a.ruleID]; ok {
			out = append(out, s.snapshot(r, userID))
		}
	}
	return out, nil
}

// FindCandidates implements pricing.RuleRepository.
func (s *Store) FindCandidates(_ context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pricing.Rule
	for _, r := range s.rules {
		if !r.ActiveWithin(f.Now, f.End()) {
			continue
		}
		if r.Currency != "" && r.Currency != f.Currency {
			continue
		}
		if r.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if r.HasCoupon() {
			if !slices.Contains(f.CouponCodes, r.CouponCode) {
				continue
			}
		} else if !r.AutoApply {
			continue
		}
		out = append(out, s.snapshot(r, f.UserID))
	}
	slices.SortFunc(out, compareCandidates)
	return out, nil
}

func compareCandidates(a, b pricing.Rule) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// FindByCode implements pricing.RuleRepository.
func (s *Store) FindByCode(_ context.Context, code string) (*pricing.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = pricing.NormalizeCode(code)
	for _, r := range s.rules {
		if r.CouponCode == code {
			out := s.snapshot(r, "")
			return &out, nil
		}
	}
	return nil, pricing.ErrRuleNotFound
}

// Attach implements pricing.RuleRepository.
func (s *Store) Attach(_ context.Context, cartID, ruleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.carts[cartID]; !ok {
		return pricing.ErrCartNotFound
	}
	if _, ok := s.rules[ruleID]; !ok {
		return pricing.ErrRuleNotFound
	}
	s.attachLocked(cartID, ruleID)
	return nil
}

func (s *Store) attachLocked(cartID, ruleID uuid.UUID) {
	for _, a := range s.attachments[cartID] {
		if a.ruleID == ruleID {
			return
		}
	}
	s.attachments[cartID] = append(s.attachments[cartID], attachment{ruleID: ruleID, at: s.now()})
}

// ApplyUsage implements pricing.UsageStore. Every increment is checked
// before any is applied.
func (s *Store) ApplyUsage(_ context.Context, b pricing.UsageBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applied[b.IdempotencyKey]; ok {
		return pricing.ErrDuplicateApplication
	}

	for _, inc := range b.Increments {
		r, ok := s.rules[inc.RuleID]
		if !ok {
			return &pricing.PersistenceError{Op: "increment usage " + inc.RuleID.String(), Err: pricing.ErrRuleNotFound}
		}
		if !r.Active {
			return &pricing.LimitExceededError{RuleID: r.ID, Limit: pricing.LimitInactive}
		}
		if r.MaxGlobalUses != nil && r.UsageCount >= *r.MaxGlobalUses {
			return &pricing.LimitExceededError{RuleID: r.ID, Limit: pricing.LimitGlobal}
		}
		if inc.TrackUser && r.PerUserLimit != nil && s.userUsage[r.ID][b.UserID] >= *r.PerUserLimit {
			return &pricing.LimitExceededError{RuleID: r.ID, Limit: pricing.LimitPerUser}
		}
	}

	_, cartExists := s.carts[b.CartID]
	for _, inc := range b.Increments {
		r := s.rules[inc.RuleID]
		r.UsageCount++
		if inc.TrackUser {
			s.userUsage[r.ID][b.UserID]++
		}
		if cartExists {
			s.attachLocked(b.CartID, r.ID)
		}
	}
	s.applied[b.IdempotencyKey] = struct{}{}
	s.events = append(s.events, b.Event)
	return nil
}

// GetCart implements checkout.CartRepository.
func (s *Store) GetCart(_ context.Context, id uuid.UUID) (*pricing.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[id]
	if !ok {
		return nil, pricing.ErrCartNotFound
	}
	out := *c
	out.Lines = slices.Clone(c.Lines)
	return &out, nil
}

// GetVariantsByIDs implements product.Repository.
func (s *Store) GetVariantsByIDs(_ context.Context, ids []int64) ([]product.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []product.Variant
	for _, id := range ids {
		if v, ok := s.variants[id]; ok && v.Active && v.Product.Active {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetDefaultVariants implements product.Repository.
func (s *Store) GetDefaultVariants(_ context.Context, productIDs []int64) ([]product.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := make(map[int64]product.Variant, len(productIDs))
	for _, v := range s.variants {
		if !v.Active || !v.Product.Active || !slices.Contains(productIDs, v.Product.ID) {
			continue
		}
		if cur, ok := first[v.Product.ID]; !ok || v.ID < cur.ID {
			first[v.Product.ID] = v
		}
	}
	out := slices.Collect(maps.Values(first))
	slices.SortFunc(out, func(a, b product.Variant) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// FindByHash implements auth.Repository.
func (s *Store) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return &k, nil
}

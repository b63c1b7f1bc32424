package pricing

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Mock implementations ---

type mockRuleRepo struct {
	attached   []Rule
	rules      []Rule
	attachErr  error
	findErr    error
	lastFilter CandidateFilter
	calls      int
}

func (m *mockRuleRepo) ListAttached(_ context.Context, _ uuid.UUID, _ string) ([]Rule, error) {
	return m.attached, m.attachErr
}

// FindCandidates mirrors the storage filter closely enough for selector tests.
func (m *mockRuleRepo) FindCandidates(_ context.Context, f CandidateFilter) ([]Rule, error) {
	m.calls++
	m.lastFilter = f
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []Rule
	for _, r := range m.rules {
		if r.ActiveAt(f.Now) != Eligible {
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
		out = append(out, r)
	}
	slices.SortStableFunc(out, func(a, b Rule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *mockRuleRepo) FindByCode(_ context.Context, code string) (*Rule, error) {
	for _, r := range m.rules {
		if r.CouponCode == code {
			return &r, nil
		}
	}
	return nil, ErrRuleNotFound
}

func (m *mockRuleRepo) Attach(_ context.Context, _, _ uuid.UUID) error {
	return nil
}

type mockUsageStore struct {
	batches []UsageBatch
	err     error
}

func (m *mockUsageStore) ApplyUsage(_ context.Context, b UsageBatch) error {
	m.batches = append(m.batches, b)
	return m.err
}

// --- Helpers ---

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(dec(s))
}

func intPtr(n int) *int {
	return &n
}

func line(productID, categoryID int64, price string, qty int) Line {
	return Line{
		ProductID:  productID,
		VariantID:  productID * 10,
		CategoryID: categoryID,
		UnitPrice:  dec(price),
		Quantity:   qty,
	}
}

func newCart(lines ...Line) *Cart {
	return &Cart{
		ID:       uuid.New(),
		Currency: "USD",
		UserID:   "user-1",
		Lines:    lines,
	}
}

// newRule returns an active, automatic, exclusive rule of the given type.
func newRule(name string, t RuleType, target Target) Rule {
	return Rule{
		ID:        uuid.New(),
		Name:      name,
		Type:      t,
		Target:    target,
		Active:    true,
		AutoApply: true,
		CreatedAt: testNow.Add(-time.Hour),
	}
}

func newTestCalculator(repo RuleRepository) *Calculator {
	s := NewSelector(repo)
	s.now = func() time.Time { return testNow }
	return NewCalculator(s)
}

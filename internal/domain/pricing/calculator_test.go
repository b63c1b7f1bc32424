package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDiscount(t *testing.T) {
	// Subtotal 120.00: product 7 (cat 1) 50.00, product 9 (cat 1) 30.00,
	// product 11 (cat 2) 40.00.
	cart := newCart(line(7, 1, "25.00", 2), line(9, 1, "30.00", 1), line(11, 2, "40.00", 1))

	tests := []struct {
		name     string
		rule     func() Rule
		want     string
		wantWarn bool
	}{
		{
			name: "cart percentage",
			rule: func() Rule {
				r := newRule("R", CartPercentage, CartTarget())
				r.Percentage = nullDec("10")
				return r
			},
			want: "12.00",
		},
		{
			name: "cart fixed",
			rule: func() Rule {
				r := newRule("R", CartFixed, CartTarget())
				r.Amount = nullDec("15")
				return r
			},
			want: "15.00",
		},
		{
			name: "fixed amount limited to base",
			rule: func() Rule {
				r := newRule("R", ProductFixed, ProductTarget(9))
				r.Amount = nullDec("45")
				return r
			},
			want: "30.00",
		},
		{
			name: "category percentage",
			rule: func() Rule {
				r := newRule("R", CategoryPercentage, CategoryTarget(1))
				r.Percentage = nullDec("15")
				return r
			},
			want: "12.00",
		},
		{
			name: "product percentage",
			rule: func() Rule {
				r := newRule("R", ProductPercentage, ProductTarget(7))
				r.Percentage = nullDec("20")
				return r
			},
			want: "10.00",
		},
		{
			name: "capped by max discount",
			rule: func() Rule {
				r := newRule("R", CategoryPercentage, CategoryTarget(2))
				r.Percentage = nullDec("50")
				r.MaxDiscount = nullDec("5")
				return r
			},
			want: "5.00",
		},
		{
			name: "half cent rounds up",
			rule: func() Rule {
				r := newRule("R", ProductPercentage, ProductTarget(9))
				r.Percentage = nullDec("12.35")
				return r
			},
			// 30 * 0.1235 = 3.705
			want: "3.71",
		},
		{
			name: "percentage kind falls back to amount",
			rule: func() Rule {
				r := newRule("R", CartPercentage, CartTarget())
				r.Amount = nullDec("7.5")
				return r
			},
			want: "7.50",
		},
		{
			name: "zero percentage falls back to amount",
			rule: func() Rule {
				r := newRule("R", CartPercentage, CartTarget())
				r.Percentage = nullDec("0")
				r.Amount = nullDec("7.5")
				return r
			},
			want: "7.50",
		},
		{
			name: "zero max discount does not cap",
			rule: func() Rule {
				r := newRule("R", CartFixed, CartTarget())
				r.Amount = nullDec("15")
				r.MaxDiscount = nullDec("0")
				return r
			},
			want: "15.00",
		},
		{
			name: "zero amount discounts nothing",
			rule: func() Rule {
				r := newRule("R", CartFixed, CartTarget())
				r.Amount = nullDec("0")
				return r
			},
			want: "0.00",
		},
		{
			name: "empty base yields zero",
			rule: func() Rule {
				r := newRule("R", CategoryFixed, CategoryTarget(99))
				r.Amount = nullDec("5")
				return r
			},
			want: "0.00",
		},
		{
			name: "no magnitude is a conflict",
			rule: func() Rule {
				r := newRule("R", CartFixed, CartTarget())
				r.Percentage = nullDec("10")
				return r
			},
			want:     "0.00",
			wantWarn: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule()
			got, warn := ComputeDiscount(&r, cart)
			assert.Equal(t, tt.want, FormatMoney(got))
			if tt.wantWarn {
				var conflict *RuleConflictError
				require.ErrorAs(t, warn, &conflict)
				assert.Equal(t, r.ID, conflict.RuleID)
			} else {
				assert.NoError(t, warn)
			}
		})
	}
}

func TestCalculate_ExclusiveAndStackable(t *testing.T) {
	a := newRule("A", CartPercentage, CartTarget())
	a.Percentage = nullDec("10")
	a.MinCartValue = nullDec("100")
	b := newRule("B", CartFixed, CartTarget())
	b.Amount = nullDec("5")
	b.Combinable = true

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{a, b}})
	cart := newCart(line(1, 1, "120.00", 1))

	got, err := calc.Calculate(context.Background(), cart, nil)
	require.NoError(t, err)

	assert.Equal(t, "120.00", FormatMoney(got.Subtotal))
	assert.Equal(t, "17.00", FormatMoney(got.TotalDiscount))
	assert.Equal(t, "103.00", FormatMoney(got.Total))
	require.Len(t, got.Applied, 2)
	assert.Equal(t, a.ID, got.Applied[0].Rule.ID)
	assert.Equal(t, "12.00", FormatMoney(got.Applied[0].Amount))
	assert.Equal(t, b.ID, got.Applied[1].Rule.ID)
	assert.Equal(t, "cart", got.Applied[1].Scope)
}

func TestCalculate_BestExclusiveWins(t *testing.T) {
	ten := newRule("TEN", CartFixed, CartTarget())
	ten.Amount = nullDec("10")
	fifteen := newRule("FIFTEEN", CartFixed, CartTarget())
	fifteen.Amount = nullDec("15")

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{ten, fifteen}})
	got, err := calc.Calculate(context.Background(), newCart(line(1, 1, "100.00", 1)), nil)
	require.NoError(t, err)

	require.Len(t, got.Applied, 1)
	assert.Equal(t, fifteen.ID, got.Applied[0].Rule.ID)
	assert.Equal(t, "15.00", FormatMoney(got.TotalDiscount))
}

func TestCalculate_ExclusiveTieKeepsFirst(t *testing.T) {
	first := newRule("FIRST", CartFixed, CartTarget())
	first.Amount = nullDec("10")
	first.Priority = 10
	second := newRule("SECOND", CartFixed, CartTarget())
	second.Amount = nullDec("10")

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{second, first}})
	got, err := calc.Calculate(context.Background(), newCart(line(1, 1, "100.00", 1)), nil)
	require.NoError(t, err)

	require.Len(t, got.Applied, 1)
	assert.Equal(t, first.ID, got.Applied[0].Rule.ID)
}

func TestCalculate_CouponProductPercentage(t *testing.T) {
	save20 := newRule("SAVE20", ProductPercentage, ProductTarget(7))
	save20.CouponCode = "SAVE20"
	save20.AutoApply = false
	save20.Percentage = nullDec("20")

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{save20}})
	cart := newCart(line(7, 1, "50.00", 1), line(9, 1, "30.00", 1))

	without, err := calc.Calculate(context.Background(), cart, nil)
	require.NoError(t, err)
	assert.Empty(t, without.Applied)
	assert.True(t, without.TotalDiscount.IsZero())

	got, err := calc.Calculate(context.Background(), cart, []string{" save20 "})
	require.NoError(t, err)
	require.Len(t, got.Applied, 1)
	assert.Equal(t, "10.00", FormatMoney(got.TotalDiscount))
	assert.Equal(t, "70.00", FormatMoney(got.Total))
	assert.Equal(t, "item", got.Applied[0].Scope)
}

func TestCalculate_ExplicitRulesFirstAndOnce(t *testing.T) {
	attached := newRule("ATTACHED", CartFixed, CartTarget())
	attached.Amount = nullDec("3")
	attached.Combinable = true
	auto := newRule("AUTO", CartFixed, CartTarget())
	auto.Amount = nullDec("2")
	auto.Combinable = true
	auto.Priority = 100

	repo := &mockRuleRepo{
		attached: []Rule{attached},
		rules:    []Rule{auto, attached},
	}
	calc := newTestCalculator(repo)

	got, err := calc.Calculate(context.Background(), newCart(line(1, 1, "50.00", 1)), nil)
	require.NoError(t, err)
	require.Len(t, got.Applied, 2)
	assert.Equal(t, attached.ID, got.Applied[0].Rule.ID)
	assert.Equal(t, auto.ID, got.Applied[1].Rule.ID)
	assert.Equal(t, "5.00", FormatMoney(got.TotalDiscount))
}

func TestCalculate_AdHocCartSkipsAttached(t *testing.T) {
	attached := newRule("ATTACHED", CartFixed, CartTarget())
	attached.Amount = nullDec("3")

	calc := newTestCalculator(&mockRuleRepo{attached: []Rule{attached}, attachErr: errors.New("must not be called")})
	cart := newCart(line(1, 1, "50.00", 1))
	cart.ID = uuid.Nil

	got, err := calc.Calculate(context.Background(), cart, nil)
	require.NoError(t, err)
	assert.Empty(t, got.Applied)
}

func TestCalculate_TotalIdentity(t *testing.T) {
	r1 := newRule("R1", CategoryPercentage, CategoryTarget(1))
	r1.Percentage = nullDec("33.33")
	r1.Combinable = true
	r2 := newRule("R2", ProductFixed, ProductTarget(2))
	r2.Amount = nullDec("1.99")
	r2.Combinable = true
	r3 := newRule("R3", CartPercentage, CartTarget())
	r3.Percentage = nullDec("7")

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{r1, r2, r3}})
	got, err := calc.Calculate(context.Background(), newCart(
		line(1, 1, "19.99", 3),
		line(2, 2, "0.99", 7),
		line(3, 1, "4.45", 1),
	), nil)
	require.NoError(t, err)

	assert.True(t, got.Subtotal.Sub(got.TotalDiscount).Equal(got.Total))
	sum := decimal.Zero
	for _, a := range got.Applied {
		sum = sum.Add(a.Amount)
	}
	assert.True(t, sum.Equal(got.TotalDiscount))
}

func TestCalculate_NegativeTotalNotClamped(t *testing.T) {
	r1 := newRule("R1", CartFixed, CartTarget())
	r1.Amount = nullDec("8")
	r1.Combinable = true
	r2 := newRule("R2", CartFixed, CartTarget())
	r2.Amount = nullDec("8")
	r2.Combinable = true

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{r1, r2}})
	got, err := calc.Calculate(context.Background(), newCart(line(1, 1, "10.00", 1)), nil)
	require.NoError(t, err)
	assert.Equal(t, "-6.00", FormatMoney(got.Total))
}

func TestCalculate_WarningsForConflicts(t *testing.T) {
	broken := newRule("BROKEN", CartFixed, CartTarget())

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{broken}})
	got, err := calc.Calculate(context.Background(), newCart(line(1, 1, "10.00", 1)), nil)
	require.NoError(t, err)
	assert.Empty(t, got.Applied)
	require.Len(t, got.Warnings, 1)
}

func TestCalculate_InvalidCart(t *testing.T) {
	repo := &mockRuleRepo{}
	calc := newTestCalculator(repo)

	tests := []struct {
		name string
		cart *Cart
	}{
		{name: "no lines", cart: newCart()},
		{name: "no currency", cart: &Cart{Lines: []Line{line(1, 1, "1", 1)}}},
		{name: "zero quantity", cart: newCart(line(1, 1, "1", 0))},
		{name: "unknown category", cart: newCart(line(1, 0, "1", 1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.Calculate(context.Background(), tt.cart, nil)
			require.ErrorIs(t, err, ErrInvalidCartState)
		})
	}
	assert.Zero(t, repo.calls)
}

func TestCalculateExcluding(t *testing.T) {
	big := newRule("BIG", CartFixed, CartTarget())
	big.Amount = nullDec("20")
	small := newRule("SMALL", CartFixed, CartTarget())
	small.Amount = nullDec("5")

	calc := newTestCalculator(&mockRuleRepo{rules: []Rule{big, small}})
	got, err := calc.CalculateExcluding(context.Background(), newCart(line(1, 1, "50.00", 1)), nil,
		map[uuid.UUID]struct{}{big.ID: {}})
	require.NoError(t, err)
	require.Len(t, got.Applied, 1)
	assert.Equal(t, small.ID, got.Applied[0].Rule.ID)
}

func TestSelectApplicableRules_Idempotent(t *testing.T) {
	r1 := newRule("R1", CartFixed, CartTarget())
	r1.Amount = nullDec("1")
	r2 := newRule("R2", CartFixed, CartTarget())
	r2.Amount = nullDec("2")
	r2.Priority = 5
	coded := newRule("CODED", CartFixed, CartTarget())
	coded.CouponCode = "CODE"
	coded.Amount = nullDec("3")

	repo := &mockRuleRepo{attached: []Rule{r1}, rules: []Rule{r1, r2, coded}}
	s := NewSelector(repo)
	s.now = func() time.Time { return testNow }
	cart := newCart(line(1, 1, "10.00", 1))

	first, err := s.SelectApplicableRules(context.Background(), cart, []string{"code", "CODE", ""})
	require.NoError(t, err)
	second, err := s.SelectApplicableRules(context.Background(), cart, []string{"code", "CODE", ""})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"CODE"}, repo.lastFilter.CouponCodes)
	ids := make([]uuid.UUID, len(first))
	for i, r := range first {
		ids[i] = r.ID
	}
	assert.Equal(t, []uuid.UUID{r1.ID, r2.ID, coded.ID}, ids)
}

func TestSelectApplicableRules_RepositoryError(t *testing.T) {
	s := NewSelector(&mockRuleRepo{findErr: errors.New("boom")})
	_, err := s.SelectApplicableRules(context.Background(), newCart(line(1, 1, "1", 1)), nil)
	require.Error(t, err)
}

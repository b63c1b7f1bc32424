package pricing

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AppliedRule is a rule that contributed to a calculation.
type AppliedRule struct {
	Rule   Rule
	Amount decimal.Decimal
	// Scope is "cart", "category", "item" or "unknown".
	Scope string
}

// Calculation is the priced view of a cart. Total is Subtotal minus
// TotalDiscount and is not clamped at zero.
type Calculation struct {
	Subtotal      decimal.Decimal
	TotalDiscount decimal.Decimal
	Total         decimal.Decimal
	Applied       []AppliedRule
	// Warnings holds *RuleConflictError values for rules that were selected
	// but could not produce a discount.
	Warnings []error
}

// Calculator turns selected rules into discount amounts.
type Calculator struct {
	selector *Selector
}

// NewCalculator creates a Calculator on top of a Selector.
func NewCalculator(s *Selector) *Calculator {
	return &Calculator{selector: s}
}

// Calculate prices the cart with every applicable rule.
func (c *Calculator) Calculate(ctx context.Context, cart *Cart, codes []string) (*Calculation, error) {
	return c.CalculateExcluding(ctx, cart, codes, nil)
}

// CalculateExcluding prices the cart as Calculate does, ignoring the rules
// whose ids are in excluded.
func (c *Calculator) CalculateExcluding(
	ctx context.Context,
	cart *Cart,
	codes []string,
	excluded map[uuid.UUID]struct{},
) (*Calculation, error) {
	if err := cart.Validate(); err != nil {
		return nil, err
	}

	rules, err := c.selector.SelectApplicableRules(ctx, cart, codes)
	if err != nil {
		return nil, errors.Wrap(err, "select rules")
	}
	if len(excluded) > 0 {
		kept := rules[:0:0]
		for _, r := range rules {
			if _, skip := excluded[r.ID]; !skip {
				kept = append(kept, r)
			}
		}
		rules = kept
	}

	return Apply(cart, rules), nil
}

// Apply computes the discounts of already selected rules against the cart.
// The single best exclusive rule wins (first on ties, none when its amount
// is zero); every stackable rule with a positive amount is added on top.
// Every amount is computed against the original cart, not a discounted one.
func Apply(cart *Cart, rules []Rule) *Calculation {
	calc := &Calculation{
		Subtotal:      cart.Subtotal(),
		TotalDiscount: zero,
	}

	var (
		best       *Rule
		bestAmount = zero
	)
	var stackable []AppliedRule
	for i := range rules {
		r := &rules[i]
		amount, warn := ComputeDiscount(r, cart)
		if warn != nil {
			calc.Warnings = append(calc.Warnings, warn)
		}
		if !r.Combinable {
			if amount.GreaterThan(bestAmount) {
				best, bestAmount = r, amount
			}
			continue
		}
		if amount.IsPositive() {
			stackable = append(stackable, AppliedRule{Rule: *r, Amount: amount, Scope: AppliedScope(r.Target)})
		}
	}

	if best != nil {
		calc.Applied = append(calc.Applied, AppliedRule{Rule: *best, Amount: bestAmount, Scope: AppliedScope(best.Target)})
	}
	calc.Applied = append(calc.Applied, stackable...)
	for _, a := range calc.Applied {
		calc.TotalDiscount = calc.TotalDiscount.Add(a.Amount)
	}
	calc.Total = calc.Subtotal.Sub(calc.TotalDiscount)
	return calc
}

// Base returns the amount a rule's discount is computed over.
func Base(t Target, cart *Cart) decimal.Decimal {
	switch t.Scope {
	case ScopeCart:
		return cart.Subtotal()
	case ScopeCategory:
		return cart.CategoryTotal(t.ID)
	case ScopeProduct:
		return cart.ProductTotal(t.ID)
	default:
		return zero
	}
}

// ComputeDiscount returns the quantized discount of one rule against the
// cart. Zero magnitudes count as unset: a zero percentage falls back to the
// amount and a zero MaxDiscount does not cap. A rule with no magnitude field
// for its kind yields zero and a *RuleConflictError.
func ComputeDiscount(r *Rule, cart *Cart) (decimal.Decimal, error) {
	base := Base(r.Target, cart)
	if !base.IsPositive() {
		return zero, nil
	}

	percentage := r.Type.Kind == KindPercentage && r.Percentage.Valid
	var amount decimal.Decimal
	switch {
	case percentage && r.Percentage.Decimal.IsPositive():
		amount = base.Mul(r.Percentage.Decimal).Div(hundred)
	case r.Amount.Valid && r.Amount.Decimal.IsPositive():
		amount = decimal.Min(r.Amount.Decimal, base)
	case percentage || r.Amount.Valid:
		return zero, nil
	default:
		return zero, &RuleConflictError{RuleID: r.ID, Reason: "rule has no discount magnitude for type " + r.Type.String()}
	}

	if r.MaxDiscount.Valid && r.MaxDiscount.Decimal.IsPositive() && amount.GreaterThan(r.MaxDiscount.Decimal) {
		amount = r.MaxDiscount.Decimal
	}
	return Quantize(amount), nil
}

// AppliedScope returns the reporting label for a target.
func AppliedScope(t Target) string {
	switch t.Scope {
	case ScopeCart:
		return "cart"
	case ScopeCategory:
		return "category"
	case ScopeProduct:
		return "item"
	default:
		return "unknown"
	}
}

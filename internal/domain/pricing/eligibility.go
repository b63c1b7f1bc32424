package pricing

import "time"

// Ineligibility names the first condition a rule failed. The empty value
// means the rule is eligible.
type Ineligibility string

const (
	Eligible              Ineligibility = ""
	NotActive             Ineligibility = "inactive"
	NotStarted            Ineligibility = "not_started"
	Expired               Ineligibility = "expired"
	CurrencyMismatch      Ineligibility = "currency_mismatch"
	GlobalLimitReached    Ineligibility = "global_limit_reached"
	UserLimitReached      Ineligibility = "user_limit_reached"
	BelowMinCartValue     Ineligibility = "below_min_cart_value"
	AboveMaxCartValue     Ineligibility = "above_max_cart_value"
	BelowMinCategoryValue Ineligibility = "below_min_category_value"
	UserMismatch          Ineligibility = "user_mismatch"
)

// ActiveAt reports whether the rule is enabled and now falls inside its
// window. Nil bounds are open.
func (r *Rule) ActiveAt(now time.Time) Ineligibility {
	if !r.Active {
		return NotActive
	}
	if r.StartsAt != nil && now.Before(*r.StartsAt) {
		return NotStarted
	}
	if r.EndsAt != nil && now.After(*r.EndsAt) {
		return Expired
	}
	return Eligible
}

// ActiveWithin reports whether the rule is enabled at some instant of
// [from, to].
func (r *Rule) ActiveWithin(from, to time.Time) bool {
	if !r.Active {
		return false
	}
	if r.StartsAt != nil && r.StartsAt.After(to) {
		return false
	}
	return r.EndsAt == nil || !r.EndsAt.Before(from)
}

// Check evaluates the eligibility predicate of the rule against the cart at
// the given instant. It reads the cart and rule only.
//
// Per-user limits are enforced for identified users only; anonymous carts
// skip that check. A rule restricted to a single user never applies to an
// anonymous cart.
func (r *Rule) Check(cart *Cart, now time.Time) Ineligibility {
	if reason := r.ActiveAt(now); reason != Eligible {
		return reason
	}
	if r.Currency != "" && r.Currency != cart.Currency {
		return CurrencyMismatch
	}
	if r.MaxGlobalUses != nil && r.UsageCount >= *r.MaxGlobalUses {
		return GlobalLimitReached
	}
	if r.PerUserLimit != nil && !cart.Anonymous() && r.UsesBy(cart.UserID) >= *r.PerUserLimit {
		return UserLimitReached
	}

	subtotal := cart.Subtotal()
	if r.MinCartValue.Valid && subtotal.LessThan(r.MinCartValue.Decimal) {
		return BelowMinCartValue
	}
	if r.MaxCartValue.Valid && subtotal.GreaterThan(r.MaxCartValue.Decimal) {
		return AboveMaxCartValue
	}
	if r.Target.Scope == ScopeCategory && r.MinCategoryValue.Valid &&
		cart.CategoryTotal(r.Target.ID).LessThan(r.MinCategoryValue.Decimal) {
		return BelowMinCategoryValue
	}
	if r.UserID != "" && r.UserID != cart.UserID {
		return UserMismatch
	}
	return Eligible
}

// EligibleFor is shorthand for Check(cart, now) == Eligible.
func (r *Rule) EligibleFor(cart *Cart, now time.Time) bool {
	return r.Check(cart, now) == Eligible
}

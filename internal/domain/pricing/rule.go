package pricing

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Scope is the portion of the cart a rule's base amount is computed over.
type Scope uint8

const (
	ScopeCart Scope = iota + 1
	ScopeCategory
	ScopeProduct
)

func (s Scope) String() string {
	switch s {
	case ScopeCart:
		return "cart"
	case ScopeCategory:
		return "category"
	case ScopeProduct:
		return "product"
	default:
		return "unknown"
	}
}

// ParseScope converts a stored scope name into a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "cart":
		return ScopeCart, nil
	case "category":
		return ScopeCategory, nil
	case "product":
		return ScopeProduct, nil
	default:
		return 0, errors.Errorf("unknown rule scope %q", s)
	}
}

// Kind selects how the discount magnitude is interpreted.
type Kind uint8

const (
	KindPercentage Kind = iota + 1
	KindFixed
)

func (k Kind) String() string {
	switch k {
	case KindPercentage:
		return "percentage"
	case KindFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// RuleType is the closed set of (Scope, Kind) pairs a rule may have.
type RuleType struct {
	Scope Scope
	Kind  Kind
}

// The six supported rule types.
var (
	CartPercentage     = RuleType{ScopeCart, KindPercentage}
	CartFixed          = RuleType{ScopeCart, KindFixed}
	CategoryPercentage = RuleType{ScopeCategory, KindPercentage}
	CategoryFixed      = RuleType{ScopeCategory, KindFixed}
	ProductPercentage  = RuleType{ScopeProduct, KindPercentage}
	ProductFixed       = RuleType{ScopeProduct, KindFixed}
)

var ruleTypeNames = map[string]RuleType{
	"cart_percentage":     CartPercentage,
	"cart_fixed":          CartFixed,
	"category_percentage": CategoryPercentage,
	"category_fixed":      CategoryFixed,
	"product_percentage":  ProductPercentage,
	"product_fixed":       ProductFixed,
}

// ParseRuleType converts a wire name such as "category_fixed" into a RuleType.
func ParseRuleType(name string) (RuleType, error) {
	t, ok := ruleTypeNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return RuleType{}, errors.Errorf("unknown rule type %q", name)
	}
	return t, nil
}

// String returns the wire name, e.g. "cart_percentage".
func (t RuleType) String() string {
	return t.Scope.String() + "_" + t.Kind.String()
}

// Label returns a human-readable name, e.g. "Cart - Percentage".
func (t RuleType) Label() string {
	var scope, kind string
	switch t.Scope {
	case ScopeCart:
		scope = "Cart"
	case ScopeCategory:
		scope = "Category"
	case ScopeProduct:
		scope = "Product"
	default:
		return "Unknown"
	}
	switch t.Kind {
	case KindPercentage:
		kind = "Percentage"
	case KindFixed:
		kind = "Fixed amount"
	default:
		return "Unknown"
	}
	return scope + " - " + kind
}

// Target identifies what a rule discounts: the whole cart, one category or
// one product. ID is zero for cart targets.
type Target struct {
	Scope Scope
	ID    int64
}

// CartTarget targets the whole cart.
func CartTarget() Target { return Target{Scope: ScopeCart} }

// CategoryTarget targets lines whose product belongs to the category.
func CategoryTarget(id int64) Target { return Target{Scope: ScopeCategory, ID: id} }

// ProductTarget targets lines of a single product.
func ProductTarget(id int64) Target { return Target{Scope: ScopeProduct, ID: id} }

// Rule is a discount definition with eligibility conditions and a magnitude.
type Rule struct {
	ID          uuid.UUID
	Name        string
	Description string
	CouponCode  string

	Type   RuleType
	Target Target

	MinCartValue     decimal.NullDecimal
	MaxCartValue     decimal.NullDecimal
	MinCategoryValue decimal.NullDecimal
	Currency         string
	UserID           string
	StartsAt         *time.Time
	EndsAt           *time.Time
	Active           bool

	Percentage  decimal.NullDecimal
	Amount      decimal.NullDecimal
	MaxDiscount decimal.NullDecimal

	UsageCount    int
	MaxGlobalUses *int
	PerUserLimit  *int
	// UserUsage maps user id to the number of recorded uses. Repositories
	// populate at least the entry of the user being priced.
	UserUsage map[string]int

	Combinable bool
	AutoApply  bool
	Priority   int

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCode trims and uppercases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeCodes normalizes codes, dropping blanks and duplicates while
// keeping first-seen order.
func NormalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		n := NormalizeCode(c)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Normalize applies the canonical form to the rule's code and name.
func (r *Rule) Normalize() {
	r.CouponCode = NormalizeCode(r.CouponCode)
	r.Name = strings.ToUpper(strings.TrimSpace(r.Name))
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
}

// HasCoupon reports whether the rule is only applied through a coupon code.
func (r *Rule) HasCoupon() bool {
	return r.CouponCode != ""
}

// UsesBy returns the recorded use count for a user.
func (r *Rule) UsesBy(userID string) int {
	if r.UserUsage == nil {
		return 0
	}
	return r.UserUsage[userID]
}

// Validate checks that the rule definition is internally consistent. It is
// used when rules are written, not when they are evaluated.
func (r *Rule) Validate() error {
	if _, ok := ruleTypeNames[r.Type.String()]; !ok {
		return errors.Errorf("rule %s: invalid type", r.ID)
	}
	if r.Target.Scope != r.Type.Scope {
		return errors.Errorf("rule %s: target scope %s does not match type %s", r.ID, r.Target.Scope, r.Type)
	}
	if r.Target.Scope != ScopeCart && r.Target.ID == 0 {
		return errors.Errorf("rule %s: %s target requires an id", r.ID, r.Target.Scope)
	}
	if r.Percentage.Valid && (r.Percentage.Decimal.IsNegative() || r.Percentage.Decimal.GreaterThan(hundred)) {
		return errors.Errorf("rule %s: percentage %s out of range 0-100", r.ID, r.Percentage.Decimal)
	}
	for name, v := range map[string]decimal.NullDecimal{
		"discount amount":    r.Amount,
		"max discount":       r.MaxDiscount,
		"min cart value":     r.MinCartValue,
		"max cart value":     r.MaxCartValue,
		"min category value": r.MinCategoryValue,
	} {
		if v.Valid && v.Decimal.IsNegative() {
			return errors.Errorf("rule %s: %s must not be negative", r.ID, name)
		}
	}
	if r.MinCartValue.Valid && r.MaxCartValue.Valid && r.MinCartValue.Decimal.GreaterThan(r.MaxCartValue.Decimal) {
		return errors.Errorf("rule %s: min cart value exceeds max cart value", r.ID)
	}
	if r.StartsAt != nil && r.EndsAt != nil && r.StartsAt.After(*r.EndsAt) {
		return errors.Errorf("rule %s: starts_at is after ends_at", r.ID)
	}
	if r.MaxGlobalUses != nil && *r.MaxGlobalUses < 0 {
		return errors.Errorf("rule %s: max global uses must not be negative", r.ID)
	}
	if r.PerUserLimit != nil && *r.PerUserLimit < 0 {
		return errors.Errorf("rule %s: per user limit must not be negative", r.ID)
	}
	if r.UsageCount < 0 {
		return errors.Errorf("rule %s: usage count must not be negative", r.ID)
	}
	return nil
}

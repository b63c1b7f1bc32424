package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/domain/product"
)

// Policy decides what Commit does when a rule ran out of uses between
// pricing and recording.
type Policy string

const (
	// PolicyFail returns the limit error to the caller.
	PolicyFail Policy = "fail"
	// PolicyDrop removes the exhausted rule, recomputes and retries.
	PolicyDrop Policy = "drop"
)

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFail, PolicyDrop:
		return p, nil
	default:
		return "", errors.Errorf("unknown commit policy %q", s)
	}
}

// CartRepository loads stored cart snapshots.
type CartRepository interface {
	// GetCart returns the cart with its lines or pricing.ErrCartNotFound.
	GetCart(ctx context.Context, id uuid.UUID) (*pricing.Cart, error)
}

// ItemRequest is one requested preview line. VariantID wins over ProductID.
type ItemRequest struct {
	ProductID int64
	VariantID int64
	Quantity  int
}

// PreviewRequest holds the input of an ad-hoc preview.
type PreviewRequest struct {
	UserID      string
	Items       []ItemRequest
	CouponCodes []string
}

// PricedItem is a resolved preview line.
type PricedItem struct {
	Variant  product.Variant
	Quantity int
	Subtotal decimal.Decimal
}

// PreviewResult holds a priced cart.
type PreviewResult struct {
	Cart        *pricing.Cart
	Items       []PricedItem
	Calculation *pricing.Calculation
}

// CommitRequest holds the input of a commit.
type CommitRequest struct {
	CartID         uuid.UUID
	CouponCodes    []string
	IdempotencyKey string
}

// CommitResult holds the recorded calculation.
type CommitResult struct {
	Cart        *pricing.Cart
	Calculation *pricing.Calculation
	Receipt     *pricing.Receipt
	// Dropped lists rules removed under PolicyDrop.
	Dropped []uuid.UUID
}

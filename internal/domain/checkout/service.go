package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/domain/product"
)

// Service orchestrates previews and commits on top of the pricing engine.
type Service struct {
	products   product.Repository
	carts      CartRepository
	rules      pricing.RuleRepository
	calculator *pricing.Calculator
	recorder   *pricing.Recorder
	policy     Policy
	now        func() time.Time
}

// NewService creates a checkout Service with the required dependencies.
func NewService(
	products product.Repository,
	carts CartRepository,
	rules pricing.RuleRepository,
	calculator *pricing.Calculator,
	recorder *pricing.Recorder,
	policy Policy,
) *Service {
	return &Service{
		products:   products,
		carts:      carts,
		rules:      rules,
		calculator: calculator,
		recorder:   recorder,
		policy:     policy,
		now:        time.Now,
	}
}

// Preview resolves the requested items against the catalog, builds an
// ad-hoc cart and prices it. Ad-hoc carts have no attached rules.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	if len(req.Items) == 0 {
		return nil, &pricing.InvalidCartStateError{Reason: "cart has no items"}
	}

	var variantIDs, productIDs []int64
	for i, item := range req.Items {
		switch {
		case item.Quantity <= 0:
			return nil, &pricing.InvalidCartStateError{Reason: "line quantity must be greater than 0", Line: i}
		case item.VariantID != 0:
			variantIDs = append(variantIDs, item.VariantID)
		case item.ProductID != 0:
			productIDs = append(productIDs, item.ProductID)
		default:
			return nil, &pricing.InvalidCartStateError{Reason: "line requires product_id or variant_id", Line: i}
		}
	}

	byVariant := make(map[int64]product.Variant, len(variantIDs))
	if len(variantIDs) > 0 {
		found, err := s.products.GetVariantsByIDs(ctx, variantIDs)
		if err != nil {
			return nil, errors.Wrap(err, "get variants")
		}
		for _, v := range found {
			byVariant[v.ID] = v
		}
	}
	byProduct := make(map[int64]product.Variant, len(productIDs))
	if len(productIDs) > 0 {
		found, err := s.products.GetDefaultVariants(ctx, productIDs)
		if err != nil {
			return nil, errors.Wrap(err, "get default variants")
		}
		for _, v := range found {
			byProduct[v.Product.ID] = v
		}
	}

	cart := &pricing.Cart{UserID: req.UserID}
	items := make([]PricedItem, 0, len(req.Items))
	for i, item := range req.Items {
		var (
			v  product.Variant
			ok bool
		)
		if item.VariantID != 0 {
			v, ok = byVariant[item.VariantID]
		} else {
			v, ok = byProduct[item.ProductID]
		}
		if !ok {
			return nil, &pricing.InvalidCartStateError{
				Reason: fmt.Sprintf("no active variant for product %d variant %d", item.ProductID, item.VariantID),
				Line:   i,
				Err:    product.ErrNotFound,
			}
		}
		if cart.Currency == "" {
			cart.Currency = v.Currency
		} else if cart.Currency != v.Currency {
			return nil, &pricing.InvalidCartStateError{Reason: "cart mixes currencies", Line: i}
		}
		if v.Stock < item.Quantity {
			return nil, &pricing.InvalidCartStateError{
				Reason: fmt.Sprintf("insufficient stock for variant %s", v.SKU),
				Line:   i,
			}
		}

		l := pricing.Line{
			ProductID:  v.Product.ID,
			VariantID:  v.ID,
			CategoryID: v.Product.CategoryID,
			UnitPrice:  v.Price,
			Quantity:   item.Quantity,
		}
		cart.Lines = append(cart.Lines, l)
		items = append(items, PricedItem{Variant: v, Quantity: item.Quantity, Subtotal: l.Subtotal()})
	}

	calc, err := s.calculator.Calculate(ctx, cart, req.CouponCodes)
	if err != nil {
		return nil, errors.Wrap(err, "calculate")
	}
	return &PreviewResult{Cart: cart, Items: items, Calculation: calc}, nil
}

// PreviewCart prices a stored cart, including its attached rules.
func (s *Service) PreviewCart(ctx context.Context, cartID uuid.UUID, codes []string) (*PreviewResult, error) {
	cart, err := s.carts.GetCart(ctx, cartID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	calc, err := s.calculator.Calculate(ctx, cart, codes)
	if err != nil {
		return nil, errors.Wrap(err, "calculate")
	}
	return &PreviewResult{Cart: cart, Calculation: calc}, nil
}

// Commit prices a stored cart and records the applied rules. When a rule
// reached its ceiling after pricing, PolicyDrop excludes it and retries;
// each applied rule can be dropped at most once.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	cart, err := s.carts.GetCart(ctx, req.CartID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}

	excluded := make(map[uuid.UUID]struct{})
	result := &CommitResult{Cart: cart}
	for {
		calc, err := s.calculator.CalculateExcluding(ctx, cart, req.CouponCodes, excluded)
		if err != nil {
			return nil, errors.Wrap(err, "calculate")
		}

		receipt, err := s.recorder.Record(ctx, cart, calc.Applied, req.IdempotencyKey)
		if err == nil {
			result.Calculation = calc
			result.Receipt = receipt
			return result, nil
		}

		var limitErr *pricing.LimitExceededError
		if s.policy != PolicyDrop || !errors.As(err, &limitErr) {
			return nil, errors.Wrap(err, "record usage")
		}
		if _, dropped := excluded[limitErr.RuleID]; dropped {
			return nil, errors.Wrap(err, "record usage")
		}
		excluded[limitErr.RuleID] = struct{}{}
		result.Dropped = append(result.Dropped, limitErr.RuleID)
	}
}

// AttachCoupon adds the active rule with the code to a stored cart's
// explicit rules. Attaching an already attached coupon is a no-op.
func (s *Service) AttachCoupon(ctx context.Context, cartID uuid.UUID, code string) (*pricing.Rule, error) {
	code = pricing.NormalizeCode(code)
	if code == "" {
		return nil, errors.Wrap(pricing.ErrRuleNotFound, "empty coupon code")
	}
	if _, err := s.carts.GetCart(ctx, cartID); err != nil {
		return nil, errors.Wrap(err, "get cart")
	}

	rule, err := s.rules.FindByCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "find rule by code")
	}
	if rule.ActiveAt(s.now()) != pricing.Eligible {
		return nil, errors.Wrapf(pricing.ErrRuleNotFound, "coupon %q is not active", code)
	}

	if err := s.rules.Attach(ctx, cartID, rule.ID); err != nil {
		return nil, errors.Wrap(err, "attach rule")
	}
	return rule, nil
}

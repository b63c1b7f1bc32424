package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/domain/product"
)

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("message", func(e *jx.Encoder) { e.Str(message) })
	})
	writeJSON(w, status, e)
}

func money(e *jx.Encoder, d decimal.Decimal) {
	e.Str(pricing.FormatMoney(d))
}

// encodeCalculation writes the fields shared by preview and commit
// responses into the currently open object.
func encodeCalculation(e *jx.Encoder, cart *pricing.Cart, calc *pricing.Calculation) {
	e.Field("currency", func(e *jx.Encoder) { e.Str(cart.Currency) })
	e.Field("subtotal", func(e *jx.Encoder) { money(e, calc.Subtotal) })
	e.Field("total_discount", func(e *jx.Encoder) { money(e, calc.TotalDiscount) })
	e.Field("total", func(e *jx.Encoder) { money(e, calc.Total) })
	e.Field("applied_rules", func(e *jx.Encoder) {
		e.ArrStart()
		for _, a := range calc.Applied {
			e.Obj(func(e *jx.Encoder) {
				e.Field("id", func(e *jx.Encoder) { e.Str(a.Rule.ID.String()) })
				e.Field("name", func(e *jx.Encoder) { e.Str(a.Rule.Name) })
				if a.Rule.CouponCode != "" {
					e.Field("coupon_code", func(e *jx.Encoder) { e.Str(a.Rule.CouponCode) })
				}
				e.Field("type", func(e *jx.Encoder) { e.Str(a.Rule.Type.Label()) })
				e.Field("discount", func(e *jx.Encoder) { money(e, a.Amount) })
				e.Field("applied_to", func(e *jx.Encoder) { e.Str(a.Scope) })
				e.Field("combinable", func(e *jx.Encoder) { e.Bool(a.Rule.Combinable) })
			})
		}
		e.ArrEnd()
	})
	e.Field("warnings", func(e *jx.Encoder) {
		e.ArrStart()
		for _, w := range calc.Warnings {
			e.Str(w.Error())
		}
		e.ArrEnd()
	})
}

func encodePreview(res *checkout.PreviewResult) *jx.Encoder {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		if res.Cart.Stored() {
			e.Field("cart_id", func(e *jx.Encoder) { e.Str(res.Cart.ID.String()) })
		}
		encodeCalculation(e, res.Cart, res.Calculation)
		e.Field("items", func(e *jx.Encoder) {
			e.ArrStart()
			if len(res.Items) > 0 {
				for _, it := range res.Items {
					encodeItem(e, it.Variant, it.Quantity, it.Subtotal)
				}
			} else {
				for _, l := range res.Cart.Lines {
					encodeItem(e, product.Variant{
						ID:      l.VariantID,
						Product: product.Product{ID: l.ProductID, CategoryID: l.CategoryID},
						Price:   l.UnitPrice,
					}, l.Quantity, l.Subtotal())
				}
			}
			e.ArrEnd()
		})
	})
	return e
}

func encodeItem(e *jx.Encoder, v product.Variant, qty int, subtotal decimal.Decimal) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("product_id", func(e *jx.Encoder) { e.Int64(v.Product.ID) })
		e.Field("variant_id", func(e *jx.Encoder) { e.Int64(v.ID) })
		if v.Product.Name != "" {
			e.Field("name", func(e *jx.Encoder) { e.Str(v.Product.Name) })
		}
		if v.SKU != "" {
			e.Field("sku", func(e *jx.Encoder) { e.Str(v.SKU) })
		}
		e.Field("category_id", func(e *jx.Encoder) { e.Int64(v.Product.CategoryID) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(qty) })
		e.Field("price", func(e *jx.Encoder) { money(e, v.Price) })
		e.Field("subtotal", func(e *jx.Encoder) { money(e, subtotal) })
	})
}

func encodeCommit(res *checkout.CommitResult) *jx.Encoder {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("cart_id", func(e *jx.Encoder) { e.Str(res.Cart.ID.String()) })
		encodeCalculation(e, res.Cart, res.Calculation)
		e.Field("idempotency_key", func(e *jx.Encoder) { e.Str(res.Receipt.IdempotencyKey) })
		e.Field("duplicate", func(e *jx.Encoder) { e.Bool(res.Receipt.Duplicate) })
		if !res.Receipt.RecordedAt.IsZero() {
			e.Field("recorded_at", func(e *jx.Encoder) {
				e.Str(res.Receipt.RecordedAt.UTC().Format(time.RFC3339Nano))
			})
		}
		e.Field("dropped_rules", func(e *jx.Encoder) {
			e.ArrStart()
			for _, id := range res.Dropped {
				e.Str(id.String())
			}
			e.ArrEnd()
		})
	})
	return e
}

func encodeAttached(rule *pricing.Rule) *jx.Encoder {
	e := &jx.Encoder{}
	e.Obj(func(e *jx.Encoder) {
		e.Field("rule_id", func(e *jx.Encoder) { e.Str(rule.ID.String()) })
		e.Field("name", func(e *jx.Encoder) { e.Str(rule.Name) })
		e.Field("coupon_code", func(e *jx.Encoder) { e.Str(rule.CouponCode) })
		e.Field("type", func(e *jx.Encoder) { e.Str(rule.Type.Label()) })
	})
	return e
}

// errorStatus maps domain errors to HTTP statuses and client messages.
// Internal failures never leak their cause.
func errorStatus(err error) (int, string) {
	var (
		cartErr  *pricing.InvalidCartStateError
		limitErr *pricing.LimitExceededError
		valErrs  validator.ValidationErrors
	)
	switch {
	case errors.As(err, &valErrs):
		return http.StatusBadRequest, valErrs.Error()
	case errors.As(err, &cartErr):
		return http.StatusUnprocessableEntity, cartErr.Error()
	case errors.As(err, &limitErr):
		return http.StatusConflict, limitErr.Error()
	case errors.Is(err, pricing.ErrCartNotFound):
		return http.StatusNotFound, pricing.ErrCartNotFound.Error()
	case errors.Is(err, pricing.ErrRuleNotFound):
		return http.StatusNotFound, "coupon not found"
	case errors.Is(err, pricing.ErrDuplicateApplication):
		return http.StatusConflict, pricing.ErrDuplicateApplication.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// fail maps err to a response and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Pricing request failed", zap.Error(err))
	}
	writeError(w, status, msg)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, msg)
}

package handler

import (
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

// IdempotencyKeyHeader wins over the idempotency_key body field.
const IdempotencyKeyHeader = "Idempotency-Key"

// PreviewPricing prices an ad-hoc cart built from catalog items.
func (h *Handler) PreviewPricing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := h.readBody(w, r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := decodePreviewRequest(data)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, err)
		return
	}

	items := make([]checkout.ItemRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = checkout.ItemRequest{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity}
	}
	res, err := h.checkout.Preview(ctx, checkout.PreviewRequest{
		UserID:      req.UserID,
		Items:       items,
		CouponCodes: req.CouponCodes,
	})
	h.metrics.preview(ctx, "adhoc", calculation(res), err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logWarnings(r, res.Calculation)
	writeJSON(w, http.StatusOK, encodePreview(res))
}

// PreviewCart prices a stored cart, including its attached coupons.
func (h *Handler) PreviewCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cartID, err := cartIDParam(r)
	if err != nil {
		badRequest(w, "invalid cart id")
		return
	}
	data, err := h.readBody(w, r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := decodeCartPreviewRequest(data)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.checkout.PreviewCart(ctx, cartID, req.CouponCodes)
	h.metrics.preview(ctx, "cart", calculation(res), err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logWarnings(r, res.Calculation)
	writeJSON(w, http.StatusOK, encodePreview(res))
}

// Commit prices a stored cart and records the applied rules. Replays with
// the same idempotency key return the recomputed calculation with
// duplicate set and change nothing.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cartID, err := cartIDParam(r)
	if err != nil {
		badRequest(w, "invalid cart id")
		return
	}
	data, err := h.readBody(w, r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := decodeCommitRequest(data)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if key := r.Header.Get(IdempotencyKeyHeader); key != "" {
		req.IdempotencyKey = key
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.checkout.Commit(ctx, checkout.CommitRequest{
		CartID:         cartID,
		CouponCodes:    req.CouponCodes,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.metrics.commit(ctx, nil, 0, err)
		h.fail(w, r, err)
		return
	}
	h.metrics.commit(ctx, res.Calculation, len(res.Dropped), nil)
	if len(res.Dropped) > 0 {
		zctx.From(ctx).Warn("Exhausted rules dropped at commit",
			zap.Stringer("cart_id", cartID),
			zap.Stringers("rules", res.Dropped),
		)
	}
	h.logWarnings(r, res.Calculation)

	status := http.StatusCreated
	if res.Receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, encodeCommit(res))
}

// AttachCoupon adds a coupon to a stored cart's explicit rules.
func (h *Handler) AttachCoupon(w http.ResponseWriter, r *http.Request) {
	cartID, err := cartIDParam(r)
	if err != nil {
		badRequest(w, "invalid cart id")
		return
	}
	data, err := h.readBody(w, r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	req, err := decodeAttachRequest(data)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, err)
		return
	}

	rule, err := h.checkout.AttachCoupon(r.Context(), cartID, req.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeAttached(rule))
}

// logWarnings reports malformed rules that were selected but contributed
// nothing.
func (h *Handler) logWarnings(r *http.Request, calc *pricing.Calculation) {
	for _, warn := range calc.Warnings {
		zctx.From(r.Context()).Warn("Rule produced no discount", zap.Error(warn))
	}
}

func calculation(res *checkout.PreviewResult) *pricing.Calculation {
	if res == nil {
		return nil
	}
	return res.Calculation
}

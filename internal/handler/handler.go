// Package handler exposes the pricing engine over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/xenking/bazaar-pricing/internal/domain/auth"
	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

// Checkout is the subset of *checkout.Service used by the handlers.
type Checkout interface {
	Preview(ctx context.Context, req checkout.PreviewRequest) (*checkout.PreviewResult, error)
	PreviewCart(ctx context.Context, cartID uuid.UUID, codes []string) (*checkout.PreviewResult, error)
	Commit(ctx context.Context, req checkout.CommitRequest) (*checkout.CommitResult, error)
	AttachCoupon(ctx context.Context, cartID uuid.UUID, code string) (*pricing.Rule, error)
}

var _ Checkout = (*checkout.Service)(nil)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// MaxBodyBytes limits request bodies. Zero means 1 MiB.
	MaxBodyBytes int64
}

// Handler serves the pricing API.
type Handler struct {
	checkout Checkout
	metrics  *Metrics
	validate *validator.Validate
	maxBody  int64
}

// NewHandler constructs a Handler. A nil metrics disables instrumentation.
func NewHandler(cfg HandlerConfig, svc Checkout, metrics *Metrics) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Handler{
		checkout: svc,
		metrics:  metrics,
		validate: newValidator(),
		maxBody:  cfg.MaxBodyBytes,
	}
}

// Routes returns the API router. Middlewares run inside the router, after
// the route is matched.
func (h *Handler) Routes(keys *KeyAuth, middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/pricing/preview", h.PreviewPricing)
		r.Route("/carts/{cartID}", func(r chi.Router) {
			r.Post("/preview", h.PreviewCart)
			r.With(keys.Require(auth.ScopeCommit)).Post("/commit", h.Commit)
			r.With(keys.Require(auth.ScopeAttach)).Post("/coupons", h.AttachCoupon)
		})
	})
	return r
}

func cartIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "cartID"))
}

//go:build integration

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-pricing/internal/domain/auth"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/domain/product"
	"github.com/xenking/bazaar-pricing/internal/storage/postgres"
)

const (
	testPepper = "test-pepper-for-integration"
	testAPIKey = "integration-test-key"
)

var databaseURL string

// Response types are defined locally to keep the assertions black-box.

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type appliedRule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Discount string `json:"discount"`
}

type pricingResponse struct {
	CartID         string        `json:"cart_id"`
	Subtotal       string        `json:"subtotal"`
	TotalDiscount  string        `json:"total_discount"`
	Total          string        `json:"total"`
	AppliedRules   []appliedRule `json:"applied_rules"`
	IdempotencyKey string        `json:"idempotency_key"`
	Duplicate      bool          `json:"duplicate"`
}

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("pricing"),
		tcpostgres.WithUsername("pricing"),
		tcpostgres.WithPassword("pricing"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	databaseURL, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}
	if err := postgres.RunMigrations(databaseURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	return m.Run()
}

type fixture struct {
	server *httptest.Server
	cartID uuid.UUID
	ruleID uuid.UUID
	code   string
}

func setupApp(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := &Config{
		DatabaseURL:  databaseURL,
		APIKeyPepper: testPepper,
		CommitPolicy: "fail",
		RateLimit:    RateLimitConfig{Max: 1000, Window: time.Minute},
	}
	svc, err := newService(ctx, zap.NewNop(), cfg, metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	require.NoError(t, err)
	t.Cleanup(svc.close)

	svc.health.Start(ctx, time.Second)
	svc.health.SetReady(true)
	t.Cleanup(svc.health.Stop)

	server := httptest.NewServer(svc.handler)
	t.Cleanup(server.Close)

	pool, err := postgres.NewPool(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	products := postgres.NewProductRepository(pool)
	catID, err := products.CreateCategory(ctx, "Integration")
	require.NoError(t, err)
	p := product.Product{Name: "Widget", CategoryID: catID, Active: true}
	require.NoError(t, products.CreateProduct(ctx, &p))
	v := product.Variant{
		Product:  p,
		SKU:      "INT-" + uuid.NewString()[:8],
		Price:    decimal.RequireFromString("50.00"),
		Currency: "USD",
		Stock:    100,
		Active:   true,
	}
	require.NoError(t, products.CreateVariant(ctx, &v))

	cart := pricing.Cart{
		Currency: "USD",
		UserID:   "user-" + uuid.NewString()[:8],
		Lines: []pricing.Line{{
			ProductID: p.ID, VariantID: v.ID, CategoryID: catID, UnitPrice: v.Price, Quantity: 2,
		}},
	}
	require.NoError(t, postgres.NewCartRepository(pool).Create(ctx, &cart))

	limit := 1
	rule := pricing.Rule{
		ID:           uuid.New(),
		Name:         "Integration coupon",
		CouponCode:   "INT" + uuid.NewString()[:8],
		Type:         pricing.CategoryFixed,
		Target:       pricing.CategoryTarget(catID),
		Amount:       decimal.NewNullDecimal(decimal.RequireFromString("15")),
		PerUserLimit: &limit,
		Active:       true,
	}
	require.NoError(t, postgres.NewRuleRepository(pool).Upsert(ctx, &rule))

	require.NoError(t, postgres.NewAPIKeyRepository(pool).Upsert(ctx, auth.APIKeyInfo{
		ID:      "integration",
		KeyHash: auth.HashKey(testPepper, testAPIKey),
		Name:    "Integration key",
		Scopes:  []string{auth.ScopeCommit, auth.ScopeAttach},
	}))

	return &fixture{server: server, cartID: cart.ID, ruleID: rule.ID, code: rule.CouponCode}
}

// HTTP helpers.

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	f := setupApp(t)

	for _, path := range []string{"/livez", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			resp := f.do(t, http.MethodGet, path, nil, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "ok", decodeJSON[healthResponse](t, resp).Status)
		})
	}
}

func TestCheckoutFlow(t *testing.T) {
	f := setupApp(t)
	cartPath := "/api/carts/" + f.cartID.String()
	keyHeader := map[string]string{"X-API-Key": testAPIKey}

	// Without the coupon nothing applies.
	resp := f.do(t, http.MethodPost, cartPath+"/preview", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decodeJSON[pricingResponse](t, resp)
	assert.Equal(t, "100.00", preview.Subtotal)
	assert.Equal(t, "0.00", preview.TotalDiscount)
	assert.Empty(t, preview.AppliedRules)

	// Attach requires a key.
	resp = f.do(t, http.MethodPost, cartPath+"/coupons", map[string]string{"code": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	t.Run("attach", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, cartPath+"/coupons", map[string]string{"code": strings.ToLower(f.code)}, keyHeader)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = f.do(t, http.MethodPost, cartPath+"/preview", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		preview := decodeJSON[pricingResponse](t, resp)
		assert.Equal(t, "15.00", preview.TotalDiscount)
		assert.Equal(t, "85.00", preview.Total)
	})

	t.Run("commit", func(t *testing.T) {
		headers := map[string]string{"X-API-Key": testAPIKey, "Idempotency-Key": "int-" + uuid.NewString()}

		resp := f.do(t, http.MethodPost, cartPath+"/commit", nil, headers)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		first := decodeJSON[pricingResponse](t, resp)
		assert.Equal(t, "15.00", first.TotalDiscount)
		assert.False(t, first.Duplicate)
		require.Len(t, first.AppliedRules, 1)
		assert.Equal(t, f.ruleID.String(), first.AppliedRules[0].ID)

		// The per-user limit is now reached, so the replay prices without
		// the rule and records nothing.
		resp = f.do(t, http.MethodPost, cartPath+"/commit", nil, headers)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		replay := decodeJSON[pricingResponse](t, resp)
		assert.Equal(t, "0.00", replay.TotalDiscount)
	})
}

func TestPreviewValidation(t *testing.T) {
	f := setupApp(t)

	resp := f.do(t, http.MethodPost, "/api/pricing/preview", map[string]any{"items": []any{}}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/carts/"+uuid.NewString()+"/preview", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/pricing/preview", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/auth"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/domain/product"
	"github.com/xenking/bazaar-pricing/internal/storage/postgres"
	"github.com/xenking/bazaar-pricing/internal/storage/rediscache"
)

// seedNamespace derives stable rule ids so reseeding updates instead of
// duplicating.
var seedNamespace = uuid.MustParse("6f0c3d9e-5a57-4f43-9a5e-2d1f0b6c7e11")

type seedVariant struct {
	sku   string
	price string
	stock int
}

type seedProduct struct {
	name     string
	category string
	variants []seedVariant
}

var catalog = []seedProduct{
	{name: "Wireless Headphones", category: "Electronics", variants: []seedVariant{
		{sku: "ELEC-HP-BLK", price: "149.99", stock: 40},
		{sku: "ELEC-HP-WHT", price: "149.99", stock: 25},
	}},
	{name: "USB-C Charger", category: "Electronics", variants: []seedVariant{
		{sku: "ELEC-CHG-65W", price: "39.90", stock: 120},
	}},
	{name: "Trail Running Shoes", category: "Apparel", variants: []seedVariant{
		{sku: "APP-SHOE-42", price: "89.00", stock: 15},
		{sku: "APP-SHOE-44", price: "89.00", stock: 12},
	}},
	{name: "Merino T-Shirt", category: "Apparel", variants: []seedVariant{
		{sku: "APP-TEE-M", price: "45.00", stock: 60},
	}},
	{name: "Espresso Beans 1kg", category: "Grocery", variants: []seedVariant{
		{sku: "GRO-ESP-1KG", price: "24.50", stock: 200},
	}},
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func limit(n int) *int { return &n }

func main() {
	var (
		databaseURL  string
		redisURL     string
		apiKey       string
		apiKeyPepper string
		currency     string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&redisURL, "redis-url", "", "Redis URL of the candidate cache to invalidate (or PRICING_REDIS_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "API key to seed (or PRICING_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PRICING_API_KEY_PEPPER env)")
	flag.StringVar(&currency, "currency", "USD", "currency of seeded prices and carts")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if redisURL == "" {
		redisURL = os.Getenv("PRICING_REDIS_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("PRICING_SEED_API_KEY")
	}
	if apiKey == "" {
		slog.Error("API key is required: set --api-key or PRICING_SEED_API_KEY")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PRICING_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, redisURL, apiKey, apiKeyPepper, currency); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, redisURL, apiKey, pepper, currency string) error {
	slog.Info("running migrations")

	if err := postgres.RunMigrations(databaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	variants, categories, err := seedCatalog(ctx, postgres.NewProductRepository(pool), currency)
	if err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	var rules ruleWriter = postgres.NewRuleRepository(pool)
	if redisURL != "" {
		cache, err := rediscache.Dial(redisURL, rediscache.Config{})
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()
		rules = rediscache.NewInvalidatingWriter(rules, cache)
	}

	if err := seedRules(ctx, rules, categories, currency); err != nil {
		return errors.Wrap(err, "seed rules")
	}

	if err := seedCart(ctx, postgres.NewCartRepository(pool), variants, currency); err != nil {
		return errors.Wrap(err, "seed cart")
	}

	if err := seedAPIKey(ctx, postgres.NewAPIKeyRepository(pool), apiKey, pepper); err != nil {
		return errors.Wrap(err, "seed api key")
	}

	return nil
}

func seedCatalog(ctx context.Context, repo *postgres.ProductRepository, currency string) ([]product.Variant, map[string]int64, error) {
	slog.Info("seeding catalog", slog.Int("products", len(catalog)))

	categories := make(map[string]int64)
	var variants []product.Variant
	for _, sp := range catalog {
		catID, ok := categories[sp.category]
		if !ok {
			id, err := repo.CreateCategory(ctx, sp.category)
			if err != nil {
				return nil, nil, err
			}
			categories[sp.category] = id
			catID = id
		}

		p := product.Product{Name: sp.name, CategoryID: catID, Active: true}
		if err := repo.CreateProduct(ctx, &p); err != nil {
			return nil, nil, err
		}

		for _, sv := range sp.variants {
			v := product.Variant{
				Product:  p,
				SKU:      sv.sku,
				Price:    money(sv.price),
				Currency: currency,
				Stock:    sv.stock,
				Active:   true,
			}
			if err := repo.CreateVariant(ctx, &v); err != nil {
				return nil, nil, err
			}
			variants = append(variants, v)
		}

		slog.Info("seeded product", slog.Int64("id", p.ID), slog.String("name", p.Name))
	}

	return variants, categories, nil
}

// ruleWriter persists seeded rules.
type ruleWriter interface {
	Upsert(ctx context.Context, rule *pricing.Rule) error
}

func seedRules(ctx context.Context, repo ruleWriter, categories map[string]int64, currency string) error {
	rules := []pricing.Rule{
		{
			Name:         "Big basket 10%",
			Description:  "10% off carts of 200 or more",
			Type:         pricing.CartPercentage,
			Target:       pricing.CartTarget(),
			MinCartValue: decimal.NewNullDecimal(money("200")),
			Percentage:   decimal.NewNullDecimal(money("10")),
			MaxDiscount:  decimal.NewNullDecimal(money("50")),
			AutoApply:    true,
			Priority:     10,
		},
		{
			Name:             "Electronics week",
			Description:      "15% off electronics over 100",
			Type:             pricing.CategoryPercentage,
			Target:           pricing.CategoryTarget(categories["Electronics"]),
			MinCategoryValue: decimal.NewNullDecimal(money("100")),
			Percentage:       decimal.NewNullDecimal(money("15")),
			AutoApply:        true,
			Priority:         20,
		},
		{
			Name:        "Coffee lovers",
			Description: "2 off every grocery order",
			Type:        pricing.CategoryFixed,
			Target:      pricing.CategoryTarget(categories["Grocery"]),
			Amount:      decimal.NewNullDecimal(money("2")),
			Combinable:  true,
			AutoApply:   true,
		},
		{
			Name:          "Welcome coupon",
			Description:   "5 off, once per customer",
			CouponCode:    "WELCOME5",
			Type:          pricing.CartFixed,
			Target:        pricing.CartTarget(),
			Amount:        decimal.NewNullDecimal(money("5")),
			PerUserLimit:  limit(1),
			MaxGlobalUses: limit(1000),
			Combinable:    true,
		},
		{
			Name:        "Flash sale",
			Description: "20% off, first 100 orders",
			CouponCode:  "FLASH20",
			Type:        pricing.CartPercentage,
			Target:      pricing.CartTarget(),
			Percentage:  decimal.NewNullDecimal(money("20")),
			MaxDiscount: decimal.NewNullDecimal(money("40")),
			// Exclusive: competes with the automatic rules for the best discount.
			MaxGlobalUses: limit(100),
			Priority:      5,
		},
	}

	slog.Info("seeding pricing rules", slog.Int("count", len(rules)))

	for i := range rules {
		r := &rules[i]
		r.ID = uuid.NewSHA1(seedNamespace, []byte(r.Name))
		r.Active = true
		r.Currency = currency
		r.CreatedBy = "seed-db"
		if err := repo.Upsert(ctx, r); err != nil {
			return errors.Wrapf(err, "upsert rule %q", r.Name)
		}
		slog.Info("upserted rule",
			slog.String("id", r.ID.String()),
			slog.String("name", r.Name),
			slog.String("type", r.Type.String()),
		)
	}

	return nil
}

func seedCart(ctx context.Context, repo *postgres.CartRepository, variants []product.Variant, currency string) error {
	if len(variants) < 2 {
		return nil
	}
	cart := pricing.Cart{
		Currency: currency,
		UserID:   "demo-user",
		Lines: []pricing.Line{
			{ProductID: variants[0].Product.ID, VariantID: variants[0].ID, CategoryID: variants[0].Product.CategoryID, UnitPrice: variants[0].Price, Quantity: 1},
			{ProductID: variants[len(variants)-1].Product.ID, VariantID: variants[len(variants)-1].ID, CategoryID: variants[len(variants)-1].Product.CategoryID, UnitPrice: variants[len(variants)-1].Price, Quantity: 2},
		},
	}
	if err := repo.Create(ctx, &cart); err != nil {
		return err
	}

	slog.Info("seeded demo cart", slog.String("id", cart.ID.String()), slog.String("user_id", cart.UserID))

	return nil
}

func seedAPIKey(ctx context.Context, repo *postgres.APIKeyRepository, apiKey, pepper string) error {
	slog.Info("seeding default API key")

	if err := repo.Upsert(ctx, auth.APIKeyInfo{
		ID:      "default",
		KeyHash: auth.HashKey(pepper, apiKey),
		Name:    "Default checkout key",
		Scopes:  []string{auth.ScopeCommit, auth.ScopeAttach},
	}); err != nil {
		return errors.Wrap(err, "upsert default API key")
	}

	slog.Info("upserted API key", slog.String("id", "default"), slog.String("name", "Default checkout key"))

	return nil
}

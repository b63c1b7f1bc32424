package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/product"
)

const (
	variantColumns = `v.id, p.id, p.name, p.category_id, p.active, v.sku, v.price, v.currency, v.stock, v.active`

	getVariantsByIDsSQL = `SELECT ` + variantColumns + `
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1) AND v.active AND p.active`

	getDefaultVariantsSQL = `SELECT DISTINCT ON (p.id) ` + variantColumns + `
		FROM products p
		JOIN product_variants v ON v.product_id = p.id
		WHERE p.id = ANY($1) AND v.active AND p.active
		ORDER BY p.id, v.id`

	insertCategorySQL = `INSERT INTO categories (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`

	insertProductSQL = `INSERT INTO products (name, category_id, active) VALUES ($1, $2, $3) RETURNING id`

	insertVariantSQL = `INSERT INTO product_variants (product_id, sku, price, currency, stock, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sku) DO UPDATE SET price = EXCLUDED.price, stock = EXCLUDED.stock, active = EXCLUDED.active
		RETURNING id`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetVariantsByIDs returns active variants of active products by id.
func (r *ProductRepository) GetVariantsByIDs(ctx context.Context, ids []int64) ([]product.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanVariant)
}

// GetDefaultVariants returns the lowest-id active variant of each product.
func (r *ProductRepository) GetDefaultVariants(ctx context.Context, productIDs []int64) ([]product.Variant, error) {
	rows, err := r.pool.Query(ctx, getDefaultVariantsSQL, productIDs)
	if err != nil {
		return nil, fmt.Errorf("getting default variants: %w", err)
	}
	return pgx.CollectRows(rows, scanVariant)
}

// CreateCategory inserts a category by name, returning the existing id when
// the name is taken.
func (r *ProductRepository) CreateCategory(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := r.pool.QueryRow(ctx, insertCategorySQL, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("creating category %q: %w", name, err)
	}
	return id, nil
}

// CreateProduct inserts a product and sets its id.
func (r *ProductRepository) CreateProduct(ctx context.Context, p *product.Product) error {
	if err := r.pool.QueryRow(ctx, insertProductSQL, p.Name, p.CategoryID, p.Active).Scan(&p.ID); err != nil {
		return fmt.Errorf("creating product %q: %w", p.Name, err)
	}
	return nil
}

// CreateVariant inserts or refreshes a variant by SKU and sets its id.
func (r *ProductRepository) CreateVariant(ctx context.Context, v *product.Variant) error {
	err := r.pool.QueryRow(ctx, insertVariantSQL,
		v.Product.ID, v.SKU, v.Price, v.Currency, v.Stock, v.Active,
	).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("creating variant %q: %w", v.SKU, err)
	}
	return nil
}

func scanVariant(row pgx.CollectableRow) (product.Variant, error) {
	var (
		v     product.Variant
		price decimal.Decimal
	)
	err := row.Scan(
		&v.ID, &v.Product.ID, &v.Product.Name, &v.Product.CategoryID, &v.Product.Active,
		&v.SKU, &price, &v.Currency, &v.Stock, &v.Active,
	)
	v.Price = price
	v.Currency = strings.TrimSpace(v.Currency)
	return v, err
}

package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product or variant does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog entry grouping purchasable variants.
type Product struct {
	ID         int64
	Name       string
	CategoryID int64
	Active     bool
}

// Variant is a purchasable SKU of a product with its own price and stock.
type Variant struct {
	ID       int64
	Product  Product
	SKU      string
	Price    decimal.Decimal
	Currency string
	Stock    int
	Active   bool
}

// Repository defines read operations for the catalog.
type Repository interface {
	// GetVariantsByIDs returns active variants of active products matching
	// any of the ids. Missing ids are omitted.
	GetVariantsByIDs(ctx context.Context, ids []int64) ([]Variant, error)
	// GetDefaultVariants returns, for each active product id, its first
	// active variant by id. Products without one are omitted.
	GetDefaultVariants(ctx context.Context, productIDs []int64) ([]Variant, error)
}

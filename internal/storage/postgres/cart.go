package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/bazaar-pricing/internal/domain/checkout"
	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

const (
	getCartSQL = `SELECT currency, COALESCE(user_id, '') FROM carts WHERE id = $1 AND active`

	getCartLinesSQL = `SELECT p.id, v.id, p.category_id, ci.unit_price, ci.quantity
		FROM cart_items ci
		JOIN product_variants v ON v.id = ci.variant_id
		JOIN products p ON p.id = v.product_id
		WHERE ci.cart_id = $1
		ORDER BY ci.added_at, ci.id`

	createCartSQL = `INSERT INTO carts (id, user_id, currency) VALUES ($1, $2, $3)`

	addCartItemSQL = `INSERT INTO cart_items (cart_id, variant_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cart_id, variant_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`
)

var _ checkout.CartRepository = (*CartRepository)(nil)

// CartRepository implements checkout.CartRepository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// GetCart returns an active cart with its lines in insertion order.
func (r *CartRepository) GetCart(ctx context.Context, id uuid.UUID) (*pricing.Cart, error) {
	cart := &pricing.Cart{ID: id}
	err := r.pool.QueryRow(ctx, getCartSQL, id).Scan(&cart.Currency, &cart.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrCartNotFound
		}
		return nil, fmt.Errorf("getting cart %q: %w", id, err)
	}
	cart.Currency = strings.TrimSpace(cart.Currency)

	rows, err := r.pool.Query(ctx, getCartLinesSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting lines of cart %q: %w", id, err)
	}
	cart.Lines, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (pricing.Line, error) {
		var (
			l     pricing.Line
			price decimal.Decimal
		)
		err := row.Scan(&l.ProductID, &l.VariantID, &l.CategoryID, &price, &l.Quantity)
		l.UnitPrice = price
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("getting lines of cart %q: %w", id, err)
	}
	return cart, nil
}

// Create stores a new cart with its lines in one transaction. Lines of the
// same variant are merged.
func (r *CartRepository) Create(ctx context.Context, cart *pricing.Cart) error {
	if cart.ID == uuid.Nil {
		cart.ID = uuid.New()
	}
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createCartSQL, cart.ID, nullString(cart.UserID), cart.Currency); err != nil {
			return err
		}
		for _, l := range cart.Lines {
			if _, err := tx.Exec(ctx, addCartItemSQL, cart.ID, l.VariantID, l.Quantity, l.UnitPrice); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating cart %q: %w", cart.ID, err)
	}
	return nil
}

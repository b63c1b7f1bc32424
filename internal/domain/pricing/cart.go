package pricing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Line is a read-only view of one cart line.
type Line struct {
	ProductID  int64
	VariantID  int64
	CategoryID int64
	UnitPrice  decimal.Decimal
	Quantity   int
}

// Subtotal returns UnitPrice * Quantity.
func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart is the snapshot the engine prices. ID is uuid.Nil for ad-hoc carts
// that are not stored and therefore have no explicitly attached rules.
type Cart struct {
	ID       uuid.UUID
	Currency string
	// UserID is empty for anonymous carts.
	UserID string
	Lines  []Line
}

// Anonymous reports whether the cart has no identified user.
func (c *Cart) Anonymous() bool {
	return c.UserID == ""
}

// Stored reports whether the cart exists in storage.
func (c *Cart) Stored() bool {
	return c.ID != uuid.Nil
}

// Subtotal returns the sum of all line subtotals.
func (c *Cart) Subtotal() decimal.Decimal {
	sum := zero
	for _, l := range c.Lines {
		sum = sum.Add(l.Subtotal())
	}
	return sum
}

// CategoryTotal returns the sum of line subtotals in the category.
func (c *Cart) CategoryTotal(categoryID int64) decimal.Decimal {
	sum := zero
	for _, l := range c.Lines {
		if l.CategoryID == categoryID {
			sum = sum.Add(l.Subtotal())
		}
	}
	return sum
}

// ProductTotal returns the sum of line subtotals for the product.
func (c *Cart) ProductTotal(productID int64) decimal.Decimal {
	sum := zero
	for _, l := range c.Lines {
		if l.ProductID == productID {
			sum = sum.Add(l.Subtotal())
		}
	}
	return sum
}

// Validate fails fast on carts the engine refuses to price.
func (c *Cart) Validate() error {
	if c.Currency == "" {
		return &InvalidCartStateError{Reason: "cart currency is not resolved"}
	}
	if len(c.Lines) == 0 {
		return &InvalidCartStateError{Reason: "cart has no items"}
	}
	for i, l := range c.Lines {
		switch {
		case l.ProductID == 0:
			return &InvalidCartStateError{Reason: "line references an unknown product", Line: i}
		case l.CategoryID == 0:
			return &InvalidCartStateError{Reason: "line references an unknown category", Line: i}
		case l.Quantity <= 0:
			return &InvalidCartStateError{Reason: "line quantity must be greater than 0", Line: i}
		case l.UnitPrice.IsNegative():
			return &InvalidCartStateError{Reason: "line price must not be negative", Line: i}
		}
	}
	return nil
}

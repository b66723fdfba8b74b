// Package catalog exposes read-only product and variant lookups for the rest
// of the application. Catalog writes happen in the storefront admin, which is
// a separate system; this package only answers "which product does this
// variant belong to" style questions.
package catalog

import (
	"errors"

	"github.com/shopspring/decimal"
)

// VariantRef carries the display attributes of a sellable variant.
type VariantRef struct {
	VariantID    int64
	ProductID    int64
	ProductName  string
	SKU          string
	SellingPrice decimal.Decimal
}

// ErrVariantNotFound indicates an unknown variant id.
var ErrVariantNotFound = errors.New("catalog: variant not found")

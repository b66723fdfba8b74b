package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads catalog data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// VariantRefs resolves display attributes for a batch of variant ids.
// Unknown ids are simply absent from the result map.
func (r *Repository) VariantRefs(ctx context.Context, ids []int64) (map[int64]VariantRef, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	if len(ids) == 0 {
		return map[int64]VariantRef{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT v.id, v.product_id, p.name, COALESCE(v.sku, ''), v.selling_price::text
FROM product_variants v
JOIN products p ON p.id = v.product_id
WHERE v.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	refs := make(map[int64]VariantRef, len(ids))
	for rows.Next() {
		var ref VariantRef
		var price string
		if err := rows.Scan(&ref.VariantID, &ref.ProductID, &ref.ProductName, &ref.SKU, &price); err != nil {
			return nil, err
		}
		if ref.SellingPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		refs[ref.VariantID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return refs, nil
}

// VariantRef resolves a single variant.
func (r *Repository) VariantRef(ctx context.Context, id int64) (VariantRef, error) {
	refs, err := r.VariantRefs(ctx, []int64{id})
	if err != nil {
		return VariantRef{}, err
	}
	ref, ok := refs[id]
	if !ok {
		return VariantRef{}, ErrVariantNotFound
	}
	return ref, nil
}

// VariantIDsForProduct lists the variant ids belonging to a product.
func (r *Repository) VariantIDsForProduct(ctx context.Context, productID int64) ([]int64, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM product_variants WHERE product_id = $1 ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// SearchVariantIDs matches variants whose product name, product description
// or SKU contains the given text, case-insensitively.
func (r *Repository) SearchVariantIDs(ctx context.Context, text string) ([]int64, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	pattern := "%" + text + "%"
	rows, err := r.pool.Query(ctx, `SELECT v.id
FROM product_variants v
JOIN products p ON p.id = v.product_id
WHERE p.name ILIKE $1 OR p.description ILIKE $1 OR COALESCE(v.sku, '') ILIKE $1
ORDER BY v.id
LIMIT 500`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

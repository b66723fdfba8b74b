package inventory

import (
	"context"
	"errors"

	"github.com/larkspur-commerce/larkspur/internal/catalog"
	"github.com/larkspur-commerce/larkspur/internal/shared"
)

// QueryRepositoryPort abstracts the read-side repository.
type QueryRepositoryPort interface {
	GetStock(ctx context.Context, variantID int64) (int64, error)
	StockForVariants(ctx context.Context, variantIDs []int64) (int64, error)
	ListInventory(ctx context.Context, filter InventoryFilter) ([]InventoryRow, int, error)
	ListMoves(ctx context.Context, filter MoveFilter, variantIDs []int64) ([]Move, error)
}

// CatalogPort is the external catalog collaborator. It supplies display and
// membership data only; quantity math never depends on it.
type CatalogPort interface {
	VariantRefs(ctx context.Context, ids []int64) (map[int64]catalog.VariantRef, error)
	VariantIDsForProduct(ctx context.Context, productID int64) ([]int64, error)
	SearchVariantIDs(ctx context.Context, query string) ([]int64, error)
}

// InventoryPage is one page of the stock listing.
type InventoryPage struct {
	Items      []InventoryRow    `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// StockQuery is the read side: current stock, listings and move history.
// It never mutates; stock is always derived from lots and moves rather than
// kept in a counter.
type StockQuery struct {
	repo    QueryRepositoryPort
	catalog CatalogPort
	cache   *ListingCache
}

// NewStockQuery builds StockQuery. The cache is optional.
func NewStockQuery(repo QueryRepositoryPort, cat CatalogPort, cache *ListingCache) *StockQuery {
	return &StockQuery{repo: repo, catalog: cat, cache: cache}
}

// GetStock returns current stock for a variant: the sum of lot remainders
// plus lot-less adjustment moves. Variants the core has never seen report
// zero. The figure can go negative when adjustments outrun lot quantities.
func (q *StockQuery) GetStock(ctx context.Context, variantID int64) (int64, error) {
	return q.repo.GetStock(ctx, variantID)
}

// GetStockByProduct sums current stock over the product's variants, with
// membership supplied by the catalog.
func (q *StockQuery) GetStockByProduct(ctx context.Context, productID int64) (int64, error) {
	if q.catalog == nil {
		return 0, errors.New("inventory: catalog lookup not configured")
	}
	ids, err := q.catalog.VariantIDsForProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	return q.repo.StockForVariants(ctx, ids)
}

// ListInventory returns a page of stock rows with free-text search and
// ordering. Pages are served from a short-lived cache that every write
// invalidates; the underlying stock numbers are always recomputed from lots
// and moves when the cache misses.
func (q *StockQuery) ListInventory(ctx context.Context, filter InventoryFilter) (InventoryPage, error) {
	if filter.Scope == "" {
		filter.Scope = ScopeVariant
	}
	filter.Search = catalog.NormalizeQuery(filter.Search)
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	load := func(ctx context.Context) (InventoryPage, error) {
		items, total, err := q.repo.ListInventory(ctx, filter)
		if err != nil {
			return InventoryPage{}, err
		}
		page := filter.Offset/filter.Limit + 1
		return InventoryPage{
			Items:      items,
			Pagination: shared.NewPagination(page, filter.Limit, total),
		}, nil
	}

	if q.cache == nil {
		return load(ctx)
	}
	return q.cache.Fetch(ctx, filter, load)
}

// ListMoves lists ledger entries newest first, enriched with catalog display
// fields. Free text is resolved to matching variants by the catalog before
// the ledger is queried.
func (q *StockQuery) ListMoves(ctx context.Context, filter MoveFilter) ([]MoveRow, error) {
	var variantIDs []int64
	if filter.FreeText != "" {
		if q.catalog == nil {
			return nil, errors.New("inventory: catalog lookup not configured")
		}
		ids, err := q.catalog.SearchVariantIDs(ctx, filter.FreeText)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return []MoveRow{}, nil
		}
		variantIDs = ids
	}

	moves, err := q.repo.ListMoves(ctx, filter, variantIDs)
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return []MoveRow{}, nil
	}

	refs := map[int64]catalog.VariantRef{}
	if q.catalog != nil {
		seen := map[int64]struct{}{}
		ids := make([]int64, 0, len(moves))
		for _, mv := range moves {
			if _, ok := seen[mv.VariantID]; ok {
				continue
			}
			seen[mv.VariantID] = struct{}{}
			ids = append(ids, mv.VariantID)
		}
		if refs, err = q.catalog.VariantRefs(ctx, ids); err != nil {
			return nil, err
		}
	}

	rows := make([]MoveRow, 0, len(moves))
	for _, mv := range moves {
		row := MoveRow{Move: mv}
		if ref, ok := refs[mv.VariantID]; ok {
			row.ProductName = ref.ProductName
			row.SKU = ref.SKU
		}
		rows = append(rows, row)
	}
	return rows, nil
}

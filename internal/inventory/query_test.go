package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/larkspur-commerce/larkspur/internal/catalog"
)

type fakeQueryRepo struct {
	stock       map[int64]int64
	items       []InventoryRow
	total       int
	moves       []Move
	listFilter  InventoryFilter
	moveFilter  MoveFilter
	moveIDs     []int64
	movesCalled bool
}

func (f *fakeQueryRepo) GetStock(ctx context.Context, variantID int64) (int64, error) {
	return f.stock[variantID], nil
}

func (f *fakeQueryRepo) StockForVariants(ctx context.Context, variantIDs []int64) (int64, error) {
	var total int64
	for _, id := range variantIDs {
		total += f.stock[id]
	}
	return total, nil
}

func (f *fakeQueryRepo) ListInventory(ctx context.Context, filter InventoryFilter) ([]InventoryRow, int, error) {
	f.listFilter = filter
	return f.items, f.total, nil
}

func (f *fakeQueryRepo) ListMoves(ctx context.Context, filter MoveFilter, variantIDs []int64) ([]Move, error) {
	f.movesCalled = true
	f.moveFilter = filter
	f.moveIDs = variantIDs
	return f.moves, nil
}

type fakeCatalog struct {
	refs      map[int64]catalog.VariantRef
	byProduct map[int64][]int64
	search    map[string][]int64
}

func (f *fakeCatalog) VariantRefs(ctx context.Context, ids []int64) (map[int64]catalog.VariantRef, error) {
	out := make(map[int64]catalog.VariantRef, len(ids))
	for _, id := range ids {
		if ref, ok := f.refs[id]; ok {
			out[id] = ref
		}
	}
	return out, nil
}

func (f *fakeCatalog) VariantIDsForProduct(ctx context.Context, productID int64) ([]int64, error) {
	return f.byProduct[productID], nil
}

func (f *fakeCatalog) SearchVariantIDs(ctx context.Context, query string) ([]int64, error) {
	return f.search[query], nil
}

func TestGetStockByProductSumsVariants(t *testing.T) {
	repo := &fakeQueryRepo{stock: map[int64]int64{1: 5, 2: 7, 3: 100}}
	cat := &fakeCatalog{byProduct: map[int64][]int64{10: {1, 2}}}
	q := NewStockQuery(repo, cat, nil)

	stock, err := q.GetStockByProduct(context.Background(), 10)
	require.NoError(t, err)
	require.EqualValues(t, 12, stock)

	// Products without variants report zero.
	stock, err = q.GetStockByProduct(context.Background(), 99)
	require.NoError(t, err)
	require.EqualValues(t, 0, stock)
}

func TestListInventoryDefaultsAndPagination(t *testing.T) {
	repo := &fakeQueryRepo{
		items: []InventoryRow{{VariantID: 1, ProductID: 1, ProductName: "Monstera", Stock: 4}},
		total: 45,
	}
	q := NewStockQuery(repo, &fakeCatalog{}, nil)

	page, err := q.ListInventory(context.Background(), InventoryFilter{Search: "  Monstera ", Offset: 40})
	require.NoError(t, err)

	require.Equal(t, ScopeVariant, repo.listFilter.Scope)
	require.Equal(t, "Monstera", repo.listFilter.Search)
	require.Equal(t, 20, repo.listFilter.Limit)

	require.Len(t, page.Items, 1)
	require.Equal(t, 3, page.Pagination.Page)
	require.Equal(t, 45, page.Pagination.Total)
	require.Equal(t, 3, page.Pagination.TotalPages)
}

func TestListMovesFreeTextWithoutMatches(t *testing.T) {
	repo := &fakeQueryRepo{}
	cat := &fakeCatalog{search: map[string][]int64{}}
	q := NewStockQuery(repo, cat, nil)

	rows, err := q.ListMoves(context.Background(), MoveFilter{FreeText: "orchid"})
	require.NoError(t, err)
	require.Empty(t, rows)
	require.False(t, repo.movesCalled, "ledger must not be queried when no variant matches")
}

func TestListMovesEnrichesWithCatalogFields(t *testing.T) {
	now := time.Now()
	repo := &fakeQueryRepo{moves: []Move{
		{ID: 2, VariantID: 1, Type: MoveOut, ChangeQty: -5, Reason: ReasonSale, CreatedAt: now},
		{ID: 1, VariantID: 2, Type: MoveIn, ChangeQty: 10, CreatedAt: now.Add(-time.Hour)},
	}}
	cat := &fakeCatalog{
		refs: map[int64]catalog.VariantRef{
			1: {VariantID: 1, ProductID: 10, ProductName: "Monstera", SKU: "MON-S", SellingPrice: decimal.RequireFromString("19.90")},
			2: {VariantID: 2, ProductID: 11, ProductName: "Ficus", SKU: "FIC-M"},
		},
		search: map[string][]int64{"mon": {1}},
	}
	q := NewStockQuery(repo, cat, nil)

	rows, err := q.ListMoves(context.Background(), MoveFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "Monstera", rows[0].ProductName)
	require.Equal(t, "MON-S", rows[0].SKU)
	require.Equal(t, "Ficus", rows[1].ProductName)

	rows, err = q.ListMoves(context.Background(), MoveFilter{FreeText: "mon"})
	require.NoError(t, err)
	require.Equal(t, []int64{1}, repo.moveIDs)
	require.Len(t, rows, 2)
}

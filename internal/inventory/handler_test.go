package inventory

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *memoryRepo, *fakeQueryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	svc := newTestService(repo)
	queryRepo := &fakeQueryRepo{stock: map[int64]int64{}}
	cat := &fakeCatalog{byProduct: map[int64][]int64{}}
	query := NewStockQuery(queryRepo, cat, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(logger, svc, query), repo, queryRepo
}

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/inventory", h.MountRoutes)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleReceiveCreated(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	router := newTestRouter(h)

	rec := postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":10,"unit_cost":"2.50","note":"PO-9"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Lot struct {
			ID           int64  `json:"id"`
			QtyRemaining int64  `json:"qty_remaining"`
			UnitCost     string `json:"unit_cost"`
		} `json:"lot"`
		Move struct {
			Type      string `json:"move_type"`
			ChangeQty int64  `json:"change_qty"`
		} `json:"move"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 10, resp.Lot.QtyRemaining)
	require.True(t, decimal.RequireFromString("2.50").Equal(decimal.RequireFromString(resp.Lot.UnitCost)))
	require.Equal(t, "IN", resp.Move.Type)
	require.EqualValues(t, 10, resp.Move.ChangeQty)
	require.EqualValues(t, 10, repo.stock(1))
}

func TestHandleReceiveRejectsBadPayload(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := newTestRouter(h)

	rec := postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":0,"unit_cost":"2.50"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":5,"unit_cost":"abc"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/inventory/receipts", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIssueInsufficientStock(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := newTestRouter(h)

	rec := postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":3,"unit_cost":"1.00"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/inventory/issues", `{"variant_id":1,"qty":10,"reason":"DAMAGE"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem struct {
		Title string `json:"title"`
		Extra struct {
			Available int64 `json:"available"`
			Requested int64 `json:"requested"`
		} `json:"extra"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Insufficient Stock", problem.Title)
	require.EqualValues(t, 3, problem.Extra.Available)
	require.EqualValues(t, 10, problem.Extra.Requested)
}

func TestHandleIssueAllocations(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := newTestRouter(h)

	require.Equal(t, http.StatusCreated, postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":4,"unit_cost":"1.00"}`).Code)
	require.Equal(t, http.StatusCreated, postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":4,"unit_cost":"2.00"}`).Code)

	rec := postJSON(t, router, "/inventory/issues", `{"variant_id":1,"qty":6,"reason":"SALE","ref_order_detail_id":"`+orderRef+`"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Allocations []struct {
			LotID        int64  `json:"lot_id"`
			AllocatedQty int64  `json:"allocated_qty"`
			UnitCost     string `json:"unit_cost"`
		} `json:"allocations"`
		TotalAllocated int64 `json:"total_allocated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 6, resp.TotalAllocated)
	require.Len(t, resp.Allocations, 2)
	require.EqualValues(t, 4, resp.Allocations[0].AllocatedQty)
	require.EqualValues(t, 2, resp.Allocations[1].AllocatedQty)
}

func TestHandleIssueRejectsSaleWithoutRef(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := newTestRouter(h)

	require.Equal(t, http.StatusCreated, postJSON(t, router, "/inventory/receipts", `{"variant_id":1,"qty":5,"unit_cost":"1.00"}`).Code)

	rec := postJSON(t, router, "/inventory/issues", `{"variant_id":1,"qty":2,"reason":"SALE"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAdjust(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	router := newTestRouter(h)

	rec := postJSON(t, router, "/inventory/adjustments", `{"variant_id":2,"delta":-3,"note":"cycle count"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.EqualValues(t, -3, repo.stock(2))
}

func TestHandleVariantStock(t *testing.T) {
	h, _, queryRepo := newTestHandler(t)
	queryRepo.stock[5] = 42
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/inventory/stock/variants/5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		VariantID int64 `json:"variant_id"`
		Stock     int64 `json:"stock"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 5, resp.VariantID)
	require.EqualValues(t, 42, resp.Stock)

	req = httptest.NewRequest(http.MethodGet, "/inventory/stock/variants/abc", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListMovesRejectsUnknownType(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/inventory/moves?type=BOGUS", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/larkspur-commerce/larkspur/internal/platform/httpx"
	"github.com/larkspur-commerce/larkspur/internal/shared"
)

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	query     *StockQuery
	validator *validator.Validate
}

// NewHandler constructs the inventory handler.
func NewHandler(logger *slog.Logger, service *Service, query *StockQuery) *Handler {
	return &Handler{logger: logger, service: service, query: query, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/receipts", h.handleReceive)
	r.Post("/issues", h.handleIssue)
	r.Post("/adjustments", h.handleAdjust)
	r.Get("/stock/variants/{variantID}", h.handleVariantStock)
	r.Get("/stock/products/{productID}", h.handleProductStock)
	r.Get("/items", h.handleListInventory)
	r.Get("/moves", h.handleListMoves)
}

type receiveRequest struct {
	VariantID  int64      `json:"variant_id" validate:"required,gt=0"`
	Qty        int64      `json:"qty" validate:"required,gt=0"`
	UnitCost   string     `json:"unit_cost" validate:"required"`
	ReceivedAt *time.Time `json:"received_at"`
	Note       string     `json:"note"`
	ActorID    int64      `json:"actor_id"`
}

type issueRequest struct {
	VariantID        int64  `json:"variant_id" validate:"required,gt=0"`
	Qty              int64  `json:"qty" validate:"required,gt=0"`
	Reason           string `json:"reason" validate:"required"`
	RefOrderDetailID string `json:"ref_order_detail_id"`
	Note             string `json:"note"`
	ActorID          int64  `json:"actor_id"`
}

type adjustRequest struct {
	VariantID int64  `json:"variant_id" validate:"required,gt=0"`
	Delta     int64  `json:"delta" validate:"required"`
	Note      string `json:"note"`
	ActorID   int64  `json:"actor_id"`
}

type lotPayload struct {
	ID           int64           `json:"id"`
	VariantID    int64           `json:"variant_id"`
	QtyReceived  int64           `json:"qty_received"`
	QtyRemaining int64           `json:"qty_remaining"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ReceivedAt   time.Time       `json:"received_at"`
	Note         string          `json:"note,omitempty"`
}

type movePayload struct {
	ID               int64           `json:"id"`
	VariantID        int64           `json:"variant_id"`
	LotID            *int64          `json:"lot_id,omitempty"`
	Type             MoveType        `json:"move_type"`
	ChangeQty        int64           `json:"change_qty"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	Reason           ReasonCode      `json:"reason,omitempty"`
	RefOrderDetailID string          `json:"ref_order_detail_id,omitempty"`
	Note             string          `json:"note,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type moveRowPayload struct {
	movePayload
	ProductName string `json:"product_name,omitempty"`
	SKU         string `json:"sku,omitempty"`
}

type receiveResponse struct {
	Lot  lotPayload  `json:"lot"`
	Move movePayload `json:"move"`
}

type issueResponse struct {
	Allocations    []Allocation `json:"allocations"`
	TotalAllocated int64        `json:"total_allocated"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	cost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost is not a valid decimal")
		return
	}
	input := ReceiveInput{
		VariantID:      req.VariantID,
		Qty:            req.Qty,
		UnitCost:       cost,
		Note:           req.Note,
		ActorID:        req.ActorID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	if req.ReceivedAt != nil {
		input.ReceivedAt = *req.ReceivedAt
	}
	result, err := h.service.Receive(r.Context(), input)
	if err != nil {
		h.respondWriteError(w, "receive", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiveResponse{
		Lot:  toLotPayload(result.Lot),
		Move: toMovePayload(result.Move),
	})
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.Issue(r.Context(), IssueInput{
		VariantID:        req.VariantID,
		Qty:              req.Qty,
		Reason:           ReasonCode(req.Reason),
		RefOrderDetailID: req.RefOrderDetailID,
		Note:             req.Note,
		ActorID:          req.ActorID,
		IdempotencyKey:   r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondWriteError(w, "issue", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, issueResponse{
		Allocations:    result.Allocations,
		TotalAllocated: result.TotalAllocated,
	})
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	mv, err := h.service.Adjust(r.Context(), AdjustInput{
		VariantID:      req.VariantID,
		Delta:          req.Delta,
		Note:           req.Note,
		ActorID:        req.ActorID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondWriteError(w, "adjust", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"move": toMovePayload(mv)})
}

func (h *Handler) handleVariantStock(w http.ResponseWriter, r *http.Request) {
	variantID, err := strconv.ParseInt(chi.URLParam(r, "variantID"), 10, 64)
	if err != nil || variantID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "variant id is not valid")
		return
	}
	stock, err := h.query.GetStock(r.Context(), variantID)
	if err != nil {
		h.respondQueryError(w, "get stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"variant_id": variantID, "stock": stock})
}

func (h *Handler) handleProductStock(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product id is not valid")
		return
	}
	stock, err := h.query.GetStockByProduct(r.Context(), productID)
	if err != nil {
		h.respondQueryError(w, "get product stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "stock": stock})
}

func (h *Handler) handleListInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := InventoryFilter{
		Scope:  ScopeVariant,
		Search: q.Get("q"),
		Order:  OrderNewest,
	}
	if scope := q.Get("scope"); scope != "" {
		switch InventoryScope(scope) {
		case ScopeVariant, ScopeProduct:
			filter.Scope = InventoryScope(scope)
		default:
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "scope must be variant or product")
			return
		}
	}
	if order := q.Get("order"); order != "" {
		switch InventoryOrder(order) {
		case OrderLowStockFirst, OrderNewest, OrderNameAsc, OrderNameDesc:
			filter.Order = InventoryOrder(order)
		default:
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown order")
			return
		}
	}
	perPage := 20
	if raw := q.Get("per_page"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 100 {
			perPage = v
		}
	}
	page := 1
	if raw := q.Get("page"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			page = v
		}
	}
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	result, err := h.query.ListInventory(r.Context(), filter)
	if err != nil {
		h.respondQueryError(w, "list inventory", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleListMoves(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := MoveFilter{FreeText: q.Get("q"), Limit: 100}
	if raw := q.Get("variant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "variant_id is not valid")
			return
		}
		filter.VariantID = id
	}
	if raw := q.Get("type"); raw != "" {
		switch MoveType(raw) {
		case MoveIn, MoveOut, MoveAdjust:
			filter.Type = MoveType(raw)
		default:
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "type must be IN, OUT or ADJ")
			return
		}
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from date is not valid")
			return
		}
		filter.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to date is not valid")
			return
		}
		// End of day
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if raw := q.Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 500 {
			filter.Limit = v
		}
	}

	rows, err := h.query.ListMoves(r.Context(), filter)
	if err != nil {
		h.respondQueryError(w, "list moves", err)
		return
	}
	items := make([]moveRowPayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, moveRowPayload{
			movePayload: toMovePayload(row.Move),
			ProductName: row.ProductName,
			SKU:         row.SKU,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) respondWriteError(w http.ResponseWriter, op string, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.ProblemWith(w, http.StatusConflict, "Insufficient Stock", insufficient.Error(), map[string]any{
			"available": insufficient.Available,
			"requested": insufficient.Requested,
		})
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this request was already processed")
	case isValidationError(err):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Storage Unavailable", "")
	}
}

func (h *Handler) respondQueryError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", slog.Any("error", err))
	httpx.Problem(w, http.StatusServiceUnavailable, "Storage Unavailable", "")
}

func isValidationError(err error) bool {
	for _, sentinel := range []error{
		ErrVariantRequired,
		ErrInvalidQuantity,
		ErrInvalidDelta,
		ErrInvalidUnitCost,
		ErrInvalidReason,
		ErrSaleRefRequired,
		ErrInvalidOrderRef,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func toLotPayload(l Lot) lotPayload {
	return lotPayload{
		ID:           l.ID,
		VariantID:    l.VariantID,
		QtyReceived:  l.QtyReceived,
		QtyRemaining: l.QtyRemaining,
		UnitCost:     l.UnitCost,
		ReceivedAt:   l.ReceivedAt,
		Note:         l.Note,
	}
}

func toMovePayload(m Move) movePayload {
	return movePayload{
		ID:               m.ID,
		VariantID:        m.VariantID,
		LotID:            m.LotID,
		Type:             m.Type,
		ChangeQty:        m.ChangeQty,
		UnitCost:         m.UnitCost,
		Reason:           m.Reason,
		RefOrderDetailID: m.RefOrderDetailID,
		Note:             m.Note,
		CreatedAt:        m.CreatedAt,
	}
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/larkspur-commerce/larkspur/internal/platform/db"
)

// Repository persists lots and moves in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the mutating operations available inside one
// transaction. Lots and moves written through it become visible together or
// not at all.
type TxRepository interface {
	CreateLot(ctx context.Context, lot Lot) (Lot, error)
	// ListOpenLotsForUpdate returns lots with remaining quantity for the
	// variant, ordered ascending by (received_at, id), with row locks held.
	// The ordering is the FIFO contract consumed by the issue walk.
	ListOpenLotsForUpdate(ctx context.Context, variantID int64) ([]Lot, error)
	// DecrementLotRemaining reduces qty_remaining by qty. It fails with
	// ErrLotConflict when the lot no longer holds that much, which guards
	// against lost updates from concurrent issues.
	DecrementLotRemaining(ctx context.Context, lotID, qty int64) error
	InsertMove(ctx context.Context, mv Move) (Move, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	return mapConflict(err)
}

func (r *txRepository) CreateLot(ctx context.Context, lot Lot) (Lot, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_lots (variant_id, qty_received, qty_remaining, unit_cost, received_at, note, created_at)
VALUES ($1, $2, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
		lot.VariantID, lot.QtyReceived, lot.UnitCost.String(), lot.ReceivedAt, lot.Note).
		Scan(&lot.ID, &lot.CreatedAt)
	if err != nil {
		return Lot{}, err
	}
	lot.QtyRemaining = lot.QtyReceived
	return lot, nil
}

func (r *txRepository) ListOpenLotsForUpdate(ctx context.Context, variantID int64) ([]Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, variant_id, qty_received, qty_remaining, unit_cost::text, received_at, note, created_at
FROM inventory_lots
WHERE variant_id = $1 AND qty_remaining > 0
ORDER BY received_at ASC, id ASC
FOR UPDATE`, variantID)
	if err != nil {
		return nil, mapConflict(err)
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		var lot Lot
		var cost string
		if err := rows.Scan(&lot.ID, &lot.VariantID, &lot.QtyReceived, &lot.QtyRemaining, &cost, &lot.ReceivedAt, &lot.Note, &lot.CreatedAt); err != nil {
			return nil, err
		}
		if lot.UnitCost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, mapConflict(err)
	}
	return lots, nil
}

func (r *txRepository) DecrementLotRemaining(ctx context.Context, lotID, qty int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_lots SET qty_remaining = qty_remaining - $2
WHERE id = $1 AND qty_remaining >= $2`, lotID, qty)
	if err != nil {
		return mapConflict(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLotConflict
	}
	return nil
}

func (r *txRepository) InsertMove(ctx context.Context, mv Move) (Move, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_moves (variant_id, lot_id, move_type, change_qty, unit_cost, reason_code, ref_order_detail_id, note, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW()) RETURNING id, created_at`,
		mv.VariantID, mv.LotID, string(mv.Type), mv.ChangeQty, mv.UnitCost.String(),
		nullString(string(mv.Reason)), nullString(mv.RefOrderDetailID), mv.Note).
		Scan(&mv.ID, &mv.CreatedAt)
	if err != nil {
		return Move{}, err
	}
	return mv, nil
}

// GetStock returns the authoritative current stock for a variant: remaining
// lot quantities plus lot-less adjustment moves. Unknown variants report zero.
func (r *Repository) GetStock(ctx context.Context, variantID int64) (int64, error) {
	if r == nil {
		return 0, errors.New("inventory repository not initialised")
	}
	var stock int64
	err := r.pool.QueryRow(ctx, `SELECT
  COALESCE((SELECT SUM(qty_remaining) FROM inventory_lots WHERE variant_id = $1), 0)
+ COALESCE((SELECT SUM(change_qty) FROM inventory_moves WHERE variant_id = $1 AND move_type = 'ADJ'), 0)`, variantID).Scan(&stock)
	return stock, err
}

// StockForVariants sums current stock over a set of variants.
func (r *Repository) StockForVariants(ctx context.Context, variantIDs []int64) (int64, error) {
	if r == nil {
		return 0, errors.New("inventory repository not initialised")
	}
	if len(variantIDs) == 0 {
		return 0, nil
	}
	var stock int64
	err := r.pool.QueryRow(ctx, `SELECT
  COALESCE((SELECT SUM(qty_remaining) FROM inventory_lots WHERE variant_id = ANY($1)), 0)
+ COALESCE((SELECT SUM(change_qty) FROM inventory_moves WHERE variant_id = ANY($1) AND move_type = 'ADJ'), 0)`, variantIDs).Scan(&stock)
	return stock, err
}

// ListInventory returns stock listing rows plus the total row count for
// pagination. Search and ordering are pushed down to SQL; catalog tables are
// read (never written) for name and SKU matching.
func (r *Repository) ListInventory(ctx context.Context, filter InventoryFilter) ([]InventoryRow, int, error) {
	if r == nil {
		return nil, 0, errors.New("inventory repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if filter.Search != "" {
		where = "WHERE p.name ILIKE $1 OR p.description ILIKE $1 OR COALESCE(v.sku, '') ILIKE $1"
		args = append(args, "%"+filter.Search+"%")
	}

	base := fmt.Sprintf(`FROM product_variants v
JOIN products p ON p.id = v.product_id
LEFT JOIN (SELECT variant_id, SUM(qty_remaining) AS qty FROM inventory_lots GROUP BY variant_id) l ON l.variant_id = v.id
LEFT JOIN (SELECT variant_id, SUM(change_qty) AS adj FROM inventory_moves WHERE move_type = 'ADJ' GROUP BY variant_id) m ON m.variant_id = v.id
%s`, where)

	var total int
	countQuery := "SELECT COUNT(*) " + base
	if filter.Scope == ScopeProduct {
		countQuery = "SELECT COUNT(DISTINCT p.id) " + base
	}
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var query string
	if filter.Scope == ScopeProduct {
		query = fmt.Sprintf(`SELECT p.id, p.name,
  MIN(v.selling_price)::text,
  COALESCE(SUM(COALESCE(l.qty, 0)), 0) + COALESCE(SUM(COALESCE(m.adj, 0)), 0) AS stock
%s
GROUP BY p.id, p.name
ORDER BY %s
LIMIT $%d OFFSET $%d`, base, orderClause(filter.Order, true), len(args)+1, len(args)+2)
	} else {
		query = fmt.Sprintf(`SELECT v.id, v.product_id, p.name, COALESCE(v.sku, ''), v.selling_price::text,
  COALESCE(l.qty, 0) + COALESCE(m.adj, 0) AS stock
%s
ORDER BY %s
LIMIT $%d OFFSET $%d`, base, orderClause(filter.Order, false), len(args)+1, len(args)+2)
	}
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []InventoryRow{}
	for rows.Next() {
		var row InventoryRow
		var price string
		if filter.Scope == ScopeProduct {
			if err := rows.Scan(&row.ProductID, &row.ProductName, &price, &row.Stock); err != nil {
				return nil, 0, err
			}
		} else {
			if err := rows.Scan(&row.VariantID, &row.ProductID, &row.ProductName, &row.SKU, &price, &row.Stock); err != nil {
				return nil, 0, err
			}
		}
		if row.SellingPrice, err = decimal.NewFromString(price); err != nil {
			return nil, 0, err
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListMoves lists ledger entries newest first. When variantIDs is non-nil the
// result is restricted to those variants (used for free-text matches resolved
// by the catalog).
func (r *Repository) ListMoves(ctx context.Context, filter MoveFilter, variantIDs []int64) ([]Move, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.VariantID != 0 {
		conditions = append(conditions, "variant_id = "+arg(filter.VariantID))
	}
	if filter.Type != "" {
		conditions = append(conditions, "move_type = "+arg(string(filter.Type)))
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at <= "+arg(filter.To))
	}
	if variantIDs != nil {
		conditions = append(conditions, "variant_id = ANY("+arg(variantIDs)+")")
	}

	query := `SELECT id, variant_id, lot_id, move_type, change_qty, unit_cost::text, COALESCE(reason_code, ''), COALESCE(ref_order_detail_id, ''), note, created_at
FROM inventory_moves`
	if len(conditions) > 0 {
		query += "\nWHERE " + strings.Join(conditions, " AND ")
	}
	query += "\nORDER BY created_at DESC, id DESC\nLIMIT " + arg(limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []Move
	for rows.Next() {
		var mv Move
		var cost, reason string
		if err := rows.Scan(&mv.ID, &mv.VariantID, &mv.LotID, &mv.Type, &mv.ChangeQty, &cost, &reason, &mv.RefOrderDetailID, &mv.Note, &mv.CreatedAt); err != nil {
			return nil, err
		}
		if mv.UnitCost, err = decimal.NewFromString(cost); err != nil {
			return nil, err
		}
		mv.Reason = ReasonCode(reason)
		moves = append(moves, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return moves, nil
}

func orderClause(order InventoryOrder, productScope bool) string {
	switch order {
	case OrderLowStockFirst:
		return "stock ASC, p.name ASC"
	case OrderNameAsc:
		return "p.name ASC"
	case OrderNameDesc:
		return "p.name DESC"
	case OrderNewest:
		fallthrough
	default:
		if productScope {
			return "p.id DESC"
		}
		return "v.id DESC"
	}
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// mapConflict translates storage-level serialisation failures into
// ErrLotConflict so the service can retry the whole transaction.
func mapConflict(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return ErrLotConflict
		}
	}
	return err
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/larkspur-commerce/larkspur/internal/jobs"
)

// LowStockPayload configures the low stock scan.
type LowStockPayload struct {
	Threshold int64  `json:"threshold"`
	NotifyTo  string `json:"notify_to,omitempty"`
}

// NewLowStockTask constructs an Asynq task for the low stock scan.
func NewLowStockTask(payload LowStockPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryLowStock, body, asynq.Queue(QueueDefault)), nil
}

// LowStockScanJob reports variants whose derived stock dropped below the
// configured threshold and, when a recipient is set, enqueues a summary mail.
type LowStockScanJob struct {
	Pool    *pgxpool.Pool
	Client  *Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLowStockScanJob initialises the low stock scan handler.
func NewLowStockScanJob(pool *pgxpool.Pool, client *Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *LowStockScanJob {
	return &LowStockScanJob{Pool: pool, Client: client, Logger: logger, Metrics: metrics}
}

type lowStockRow struct {
	VariantID   int64
	ProductName string
	SKU         string
	Stock       int64
}

// Handle executes the low stock scan logic.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Threshold <= 0 {
		payload.Threshold = 5
	}

	tracker := j.metrics().Track(TaskInventoryLowStock)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("threshold", payload.Threshold))
	start := time.Now()

	rows, err := j.scan(ctx, payload.Threshold)
	if err != nil {
		resultErr = err
		logger.Error("low stock scan failed", slog.Any("error", err))
		return resultErr
	}
	for _, row := range rows {
		logger.Warn("variant below threshold",
			slog.Int64("variant_id", row.VariantID),
			slog.String("product", row.ProductName),
			slog.String("sku", row.SKU),
			slog.Int64("stock", row.Stock),
		)
	}
	j.metrics().AddFindings(TaskInventoryLowStock, "low_stock", len(rows))

	if len(rows) > 0 && payload.NotifyTo != "" && j.Client != nil {
		if _, err := j.Client.EnqueueSendEmail(ctx, SendEmailPayload{
			To:      payload.NotifyTo,
			Subject: fmt.Sprintf("Low stock: %d variants below %d", len(rows), payload.Threshold),
			Body:    formatLowStockBody(rows),
		}); err != nil {
			logger.Warn("enqueue low stock mail", slog.Any("error", err))
		}
	}

	logger.Info("completed low stock scan",
		slog.Int("findings", len(rows)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *LowStockScanJob) scan(ctx context.Context, threshold int64) ([]lowStockRow, error) {
	if j.Pool == nil {
		return nil, errors.New("low stock scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT v.id, p.name, COALESCE(v.sku, ''),
  COALESCE(l.qty, 0) + COALESCE(m.adj, 0) AS stock
FROM product_variants v
JOIN products p ON p.id = v.product_id
LEFT JOIN (SELECT variant_id, SUM(qty_remaining) AS qty FROM inventory_lots GROUP BY variant_id) l ON l.variant_id = v.id
LEFT JOIN (SELECT variant_id, SUM(change_qty) AS adj FROM inventory_moves WHERE move_type = 'ADJ' GROUP BY variant_id) m ON m.variant_id = v.id
WHERE COALESCE(l.qty, 0) + COALESCE(m.adj, 0) < $1
ORDER BY stock ASC, p.name ASC`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []lowStockRow
	for rows.Next() {
		var row lowStockRow
		if err := rows.Scan(&row.VariantID, &row.ProductName, &row.SKU, &row.Stock); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func formatLowStockBody(rows []lowStockRow) string {
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%s (%s): %d left\n", row.ProductName, row.SKU, row.Stock)
	}
	return b.String()
}

func (j *LowStockScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryLowStock))
	}
	return slog.Default().With(slog.String("job", TaskInventoryLowStock))
}

func (j *LowStockScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

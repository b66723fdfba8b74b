package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/larkspur-commerce/larkspur/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IntegrityScanPayload carries scheduling metadata.
type IntegrityScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewIntegrityScanTask constructs an Asynq task for the ledger integrity scan.
func NewIntegrityScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(IntegrityScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInventoryIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// IntegrityScanJob cross-checks lots against the move ledger. Findings are
// reported, never repaired: the ledger is append-only and corrections go
// through adjustments.
type IntegrityScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIntegrityScanJob initialises the integrity scan handler.
func NewIntegrityScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityScanJob {
	return &IntegrityScanJob{Pool: pool, Logger: logger, Metrics: metrics}
}

type lotFinding struct {
	LotID        int64
	VariantID    int64
	QtyReceived  int64
	QtyRemaining int64
	OutTotal     int64
}

type driftFinding struct {
	VariantID int64
	Stock     int64
}

// Handle executes the integrity scan logic.
func (j *IntegrityScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("integrity scan: handler not configured")
	}
	var payload IntegrityScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskInventoryIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting inventory integrity scan")
	start := time.Now()

	lotFindings, err := j.scanLots(ctx)
	if err != nil {
		resultErr = err
		logger.Error("lot scan failed", slog.Any("error", err))
		return resultErr
	}
	for _, f := range lotFindings {
		logger.Warn("lot does not reconcile with its moves",
			slog.Int64("lot_id", f.LotID),
			slog.Int64("variant_id", f.VariantID),
			slog.Int64("qty_received", f.QtyReceived),
			slog.Int64("qty_remaining", f.QtyRemaining),
			slog.Int64("out_total", f.OutTotal),
		)
	}
	j.metrics().AddFindings(TaskInventoryIntegrity, "lot_mismatch", len(lotFindings))

	driftFindings, err := j.scanNegativeStock(ctx)
	if err != nil {
		resultErr = err
		logger.Error("drift scan failed", slog.Any("error", err))
		return resultErr
	}
	for _, f := range driftFindings {
		logger.Warn("derived stock below zero",
			slog.Int64("variant_id", f.VariantID),
			slog.Int64("stock", f.Stock),
		)
	}
	j.metrics().AddFindings(TaskInventoryIntegrity, "negative_stock", len(driftFindings))

	logger.Info("completed inventory integrity scan",
		slog.Int("lot_findings", len(lotFindings)),
		slog.Int("negative_stock", len(driftFindings)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

// scanLots flags lots whose consumed quantity disagrees with the sum of their
// OUT moves, plus any lot with an out-of-bounds remainder.
func (j *IntegrityScanJob) scanLots(ctx context.Context) ([]lotFinding, error) {
	if j.Pool == nil {
		return nil, errors.New("integrity scan: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT l.id, l.variant_id, l.qty_received, l.qty_remaining, COALESCE(SUM(-m.change_qty), 0) AS out_total
FROM inventory_lots l
LEFT JOIN inventory_moves m ON m.lot_id = l.id AND m.move_type = 'OUT'
GROUP BY l.id, l.variant_id, l.qty_received, l.qty_remaining
HAVING l.qty_remaining < 0
    OR l.qty_remaining > l.qty_received
    OR l.qty_received - l.qty_remaining <> COALESCE(SUM(-m.change_qty), 0)
ORDER BY l.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []lotFinding
	for rows.Next() {
		var f lotFinding
		if err := rows.Scan(&f.LotID, &f.VariantID, &f.QtyReceived, &f.QtyRemaining, &f.OutTotal); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// scanNegativeStock flags variants whose derived stock has been pushed below
// zero by adjustments.
func (j *IntegrityScanJob) scanNegativeStock(ctx context.Context) ([]driftFinding, error) {
	rows, err := j.Pool.Query(ctx, `SELECT variant_id, SUM(stock) AS stock FROM (
  SELECT variant_id, SUM(qty_remaining) AS stock FROM inventory_lots GROUP BY variant_id
  UNION ALL
  SELECT variant_id, SUM(change_qty) FROM inventory_moves WHERE move_type = 'ADJ' GROUP BY variant_id
) s
GROUP BY variant_id
HAVING SUM(stock) < 0
ORDER BY variant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []driftFinding
	for rows.Next() {
		var f driftFinding
		if err := rows.Scan(&f.VariantID, &f.Stock); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

func (j *IntegrityScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInventoryIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskInventoryIntegrity))
}

func (j *IntegrityScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

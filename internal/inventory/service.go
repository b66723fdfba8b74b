package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/larkspur-commerce/larkspur/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort abstracts the processed-key store.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MetricsPort counts inventory operations.
type MetricsPort interface {
	ObserveInventoryOp(op, outcome string)
}

// InvalidatorPort invalidates derived listings after a write.
type InvalidatorPort interface {
	Bump(ctx context.Context) error
}

// Service is the allocation engine: it owns every mutation of lots and
// moves. Receipts create a lot plus its IN move atomically; issues walk the
// open lots oldest first and append OUT moves priced at each lot's own cost;
// adjustments append a single lot-less ADJ move.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency IdempotencyPort
	metrics     MetricsPort
	invalidator InvalidatorPort
	retryLimit  int
	now         func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// IssueRetryLimit bounds transparent retries after a storage conflict.
	IssueRetryLimit int
	// Clock overrides the time source, mainly for tests.
	Clock func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	retry := cfg.IssueRetryLimit
	if retry <= 0 {
		retry = 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, retryLimit: retry, now: clock}
}

// WithMetrics attaches an operation counter.
func (s *Service) WithMetrics(metrics MetricsPort) *Service {
	s.metrics = metrics
	return s
}

// WithInvalidator attaches a listing cache invalidator.
func (s *Service) WithInvalidator(inv InvalidatorPort) *Service {
	s.invalidator = inv
	return s
}

// Receive records a receipt: a new lot plus its IN move, as one atomic unit.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (ReceiveResult, error) {
	if input.VariantID == 0 {
		return ReceiveResult{}, s.invalid("receive", ErrVariantRequired)
	}
	if input.Qty <= 0 {
		return ReceiveResult{}, s.invalid("receive", ErrInvalidQuantity)
	}
	if input.UnitCost.IsNegative() {
		return ReceiveResult{}, s.invalid("receive", ErrInvalidUnitCost)
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now().UTC()
	}

	insertedKey, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return ReceiveResult{}, err
	}

	var result ReceiveResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, err := tx.CreateLot(ctx, Lot{
			VariantID:   input.VariantID,
			QtyReceived: input.Qty,
			UnitCost:    input.UnitCost,
			ReceivedAt:  receivedAt,
			Note:        input.Note,
		})
		if err != nil {
			return err
		}
		lotID := lot.ID
		mv, err := tx.InsertMove(ctx, Move{
			VariantID: input.VariantID,
			LotID:     &lotID,
			Type:      MoveIn,
			ChangeQty: input.Qty,
			UnitCost:  input.UnitCost,
			Note:      input.Note,
		})
		if err != nil {
			return err
		}
		result = ReceiveResult{Lot: lot, Move: mv}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, insertedKey, input.IdempotencyKey)
		s.observe("receive", "error")
		return ReceiveResult{}, err
	}

	s.afterWrite(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:IN",
		Entity:   "inventory_lot",
		EntityID: fmt.Sprintf("%d", result.Lot.ID),
		Meta: map[string]any{
			"variant_id": input.VariantID,
			"qty":        input.Qty,
			"unit_cost":  input.UnitCost.String(),
			"note":       input.Note,
		},
	})
	s.observe("receive", "ok")
	return result, nil
}

// Issue satisfies a deduction by consuming open lots oldest first. Either the
// full quantity is allocated or nothing is: a request exceeding the total
// open stock aborts the transaction and reports what was available.
func (s *Service) Issue(ctx context.Context, input IssueInput) (IssueResult, error) {
	if input.VariantID == 0 {
		return IssueResult{}, s.invalid("issue", ErrVariantRequired)
	}
	if input.Qty <= 0 {
		return IssueResult{}, s.invalid("issue", ErrInvalidQuantity)
	}
	if !input.Reason.Valid() {
		return IssueResult{}, s.invalid("issue", ErrInvalidReason)
	}
	if input.Reason == ReasonSale && input.RefOrderDetailID == "" {
		return IssueResult{}, s.invalid("issue", ErrSaleRefRequired)
	}
	if input.RefOrderDetailID != "" {
		if _, err := uuid.Parse(input.RefOrderDetailID); err != nil {
			return IssueResult{}, s.invalid("issue", fmt.Errorf("%w: %v", ErrInvalidOrderRef, err))
		}
	}

	insertedKey, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return IssueResult{}, err
	}

	var result IssueResult
	for attempt := 0; ; attempt++ {
		result, err = s.issueOnce(ctx, input)
		if errors.Is(err, ErrLotConflict) && attempt < s.retryLimit {
			continue
		}
		break
	}
	if err != nil {
		s.releaseKey(ctx, insertedKey, input.IdempotencyKey)
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			s.observe("issue", "insufficient_stock")
		} else {
			s.observe("issue", "error")
		}
		return IssueResult{}, err
	}

	s.afterWrite(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:OUT",
		Entity:   "inventory_move",
		EntityID: fmt.Sprintf("%s:%d", input.Reason, input.VariantID),
		Meta: map[string]any{
			"variant_id": input.VariantID,
			"qty":        input.Qty,
			"reason":     string(input.Reason),
			"order_ref":  input.RefOrderDetailID,
			"lots":       len(result.Allocations),
		},
	})
	s.observe("issue", "ok")
	return result, nil
}

func (s *Service) issueOnce(ctx context.Context, input IssueInput) (IssueResult, error) {
	var result IssueResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		lots, err := tx.ListOpenLotsForUpdate(ctx, input.VariantID)
		if err != nil {
			return err
		}
		remaining := input.Qty
		allocations := make([]Allocation, 0, len(lots))
		for _, lot := range lots {
			take := lot.QtyRemaining
			if take > remaining {
				take = remaining
			}
			if err := tx.DecrementLotRemaining(ctx, lot.ID, take); err != nil {
				return err
			}
			lotID := lot.ID
			mv, err := tx.InsertMove(ctx, Move{
				VariantID:        input.VariantID,
				LotID:            &lotID,
				Type:             MoveOut,
				ChangeQty:        -take,
				UnitCost:         lot.UnitCost,
				Reason:           input.Reason,
				RefOrderDetailID: input.RefOrderDetailID,
				Note:             input.Note,
			})
			if err != nil {
				return err
			}
			allocations = append(allocations, Allocation{
				LotID:        lot.ID,
				AllocatedQty: take,
				UnitCost:     lot.UnitCost,
				MoveID:       mv.ID,
				MoveAt:       mv.CreatedAt,
			})
			remaining -= take
			if remaining == 0 {
				break
			}
		}
		if remaining > 0 {
			return &InsufficientStockError{Available: input.Qty - remaining, Requested: input.Qty}
		}
		result = IssueResult{Allocations: allocations, TotalAllocated: input.Qty}
		return nil
	})
	if err != nil {
		return IssueResult{}, err
	}
	return result, nil
}

// Adjust appends a single lot-less ADJ move. It never touches lot
// remainders, so the listing stock (lots plus adjustments) can drift from
// any individual lot's state; the integrity job reports on that gap.
func (s *Service) Adjust(ctx context.Context, input AdjustInput) (Move, error) {
	if input.VariantID == 0 {
		return Move{}, s.invalid("adjust", ErrVariantRequired)
	}
	if input.Delta == 0 {
		return Move{}, s.invalid("adjust", ErrInvalidDelta)
	}

	insertedKey, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return Move{}, err
	}

	var result Move
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		mv, err := tx.InsertMove(ctx, Move{
			VariantID: input.VariantID,
			Type:      MoveAdjust,
			ChangeQty: input.Delta,
			Note:      input.Note,
		})
		if err != nil {
			return err
		}
		result = mv
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, insertedKey, input.IdempotencyKey)
		s.observe("adjust", "error")
		return Move{}, err
	}

	s.afterWrite(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:ADJ",
		Entity:   "inventory_move",
		EntityID: fmt.Sprintf("%d", result.ID),
		Meta: map[string]any{
			"variant_id": input.VariantID,
			"delta":      input.Delta,
			"note":       input.Note,
		},
	})
	s.observe("adjust", "ok")
	return result, nil
}

func (s *Service) claimKey(ctx context.Context, key string) (bool, error) {
	if key == "" || s.idempotency == nil {
		return false, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) releaseKey(ctx context.Context, inserted bool, key string) {
	if inserted {
		_ = s.idempotency.Delete(ctx, key)
	}
}

func (s *Service) afterWrite(ctx context.Context, log shared.AuditLog) {
	if s.audit != nil {
		_ = s.audit.Record(ctx, log)
	}
	if s.invalidator != nil {
		_ = s.invalidator.Bump(ctx)
	}
}

func (s *Service) invalid(op string, err error) error {
	s.observe(op, "invalid")
	return err
}

func (s *Service) observe(op, outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveInventoryOp(op, outcome)
	}
}

package inventory

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/larkspur-commerce/larkspur/internal/shared"
)

type memoryRepo struct {
	mu       sync.Mutex
	lots     map[int64]*Lot
	moves    []Move
	nextLot  int64
	nextMove int64
	// failDecrements injects transient conflicts for the next N decrements.
	failDecrements int
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{lots: make(map[int64]*Lot)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lotSnapshot := make(map[int64]Lot, len(r.lots))
	for id, lot := range r.lots {
		lotSnapshot[id] = *lot
	}
	moveCount := len(r.moves)
	nextLot, nextMove := r.nextLot, r.nextMove

	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.lots = make(map[int64]*Lot, len(lotSnapshot))
		for id, lot := range lotSnapshot {
			copied := lot
			r.lots[id] = &copied
		}
		r.moves = r.moves[:moveCount]
		r.nextLot, r.nextMove = nextLot, nextMove
		return err
	}
	return nil
}

func (tx *memoryTx) CreateLot(ctx context.Context, lot Lot) (Lot, error) {
	tx.repo.nextLot++
	lot.ID = tx.repo.nextLot
	lot.QtyRemaining = lot.QtyReceived
	lot.CreatedAt = time.Now()
	stored := lot
	tx.repo.lots[lot.ID] = &stored
	return lot, nil
}

func (tx *memoryTx) ListOpenLotsForUpdate(ctx context.Context, variantID int64) ([]Lot, error) {
	var lots []Lot
	for _, lot := range tx.repo.lots {
		if lot.VariantID == variantID && lot.QtyRemaining > 0 {
			lots = append(lots, *lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ReceivedAt.Equal(lots[j].ReceivedAt) {
			return lots[i].ReceivedAt.Before(lots[j].ReceivedAt)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

func (tx *memoryTx) DecrementLotRemaining(ctx context.Context, lotID, qty int64) error {
	if tx.repo.failDecrements > 0 {
		tx.repo.failDecrements--
		return ErrLotConflict
	}
	lot, ok := tx.repo.lots[lotID]
	if !ok || lot.QtyRemaining < qty {
		return ErrLotConflict
	}
	lot.QtyRemaining -= qty
	return nil
}

func (tx *memoryTx) InsertMove(ctx context.Context, mv Move) (Move, error) {
	tx.repo.nextMove++
	mv.ID = tx.repo.nextMove
	mv.CreatedAt = time.Now()
	tx.repo.moves = append(tx.repo.moves, mv)
	return mv, nil
}

func (r *memoryRepo) stock(variantID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, lot := range r.lots {
		if lot.VariantID == variantID {
			total += lot.QtyRemaining
		}
	}
	for _, mv := range r.moves {
		if mv.VariantID == variantID && mv.Type == MoveAdjust {
			total += mv.ChangeQty
		}
	}
	return total
}

func (r *memoryRepo) movesOfType(t MoveType) []Move {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Move
	for _, mv := range r.moves {
		if mv.Type == t {
			out = append(out, mv)
		}
	}
	return out
}

func newTestService(repo *memoryRepo) *Service {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	step := 0
	clock := func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	return NewService(repo, nil, nil, ServiceConfig{Clock: clock})
}

const orderRef = "0e0f55a2-6a4a-4f6b-9d6f-0d9265cf7a10"

func TestIssueWalksLotsOldestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 100, UnitCost: decimal.RequireFromString("2.00")})
	require.NoError(t, err)
	second, err := svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 50, UnitCost: decimal.RequireFromString("2.50")})
	require.NoError(t, err)

	result, err := svc.Issue(ctx, IssueInput{VariantID: 1, Qty: 120, Reason: ReasonSale, RefOrderDetailID: orderRef})
	require.NoError(t, err)
	require.EqualValues(t, 120, result.TotalAllocated)
	require.Len(t, result.Allocations, 2)

	require.Equal(t, first.Lot.ID, result.Allocations[0].LotID)
	require.EqualValues(t, 100, result.Allocations[0].AllocatedQty)
	require.True(t, result.Allocations[0].UnitCost.Equal(decimal.RequireFromString("2.00")))

	require.Equal(t, second.Lot.ID, result.Allocations[1].LotID)
	require.EqualValues(t, 20, result.Allocations[1].AllocatedQty)
	require.True(t, result.Allocations[1].UnitCost.Equal(decimal.RequireFromString("2.50")))

	require.EqualValues(t, 0, repo.lots[first.Lot.ID].QtyRemaining)
	require.EqualValues(t, 30, repo.lots[second.Lot.ID].QtyRemaining)
	require.EqualValues(t, 30, repo.stock(1))

	outs := repo.movesOfType(MoveOut)
	require.Len(t, outs, 2)
	for _, mv := range outs {
		require.NotNil(t, mv.LotID)
		require.Negative(t, mv.ChangeQty)
		require.Equal(t, ReasonSale, mv.Reason)
		require.Equal(t, orderRef, mv.RefOrderDetailID)
	}
}

func TestIssueInsufficientStockLeavesStateUntouched(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Receive(ctx, ReceiveInput{VariantID: 7, Qty: 30, UnitCost: decimal.RequireFromString("1.10")})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, IssueInput{VariantID: 7, Qty: 50, Reason: ReasonDamage})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 30, insufficient.Available)
	require.EqualValues(t, 50, insufficient.Requested)

	require.EqualValues(t, 30, repo.lots[lot.Lot.ID].QtyRemaining)
	require.Empty(t, repo.movesOfType(MoveOut))
	require.EqualValues(t, 30, repo.stock(7))
}

func TestIssueExactDepletion(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{VariantID: 2, Qty: 10, UnitCost: decimal.RequireFromString("4.00")})
	require.NoError(t, err)

	result, err := svc.Issue(ctx, IssueInput{VariantID: 2, Qty: 10, Reason: ReasonWaste})
	require.NoError(t, err)
	require.EqualValues(t, 10, result.TotalAllocated)
	require.EqualValues(t, 0, repo.stock(2))

	_, err = svc.Issue(ctx, IssueInput{VariantID: 2, Qty: 1, Reason: ReasonWaste})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.EqualValues(t, 0, insufficient.Available)
}

func TestReceiveCreatesLotWithInMove(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	result, err := svc.Receive(ctx, ReceiveInput{VariantID: 3, Qty: 25, UnitCost: decimal.RequireFromString("9.99"), Note: "PO-118"})
	require.NoError(t, err)
	require.EqualValues(t, 25, result.Lot.QtyReceived)
	require.EqualValues(t, 25, result.Lot.QtyRemaining)
	require.False(t, result.Lot.ReceivedAt.IsZero())

	require.Equal(t, MoveIn, result.Move.Type)
	require.EqualValues(t, 25, result.Move.ChangeQty)
	require.NotNil(t, result.Move.LotID)
	require.Equal(t, result.Lot.ID, *result.Move.LotID)
	require.EqualValues(t, 25, repo.stock(3))
}

func TestAdjustNeverTouchesLots(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	lot, err := svc.Receive(ctx, ReceiveInput{VariantID: 4, Qty: 10, UnitCost: decimal.RequireFromString("3.00")})
	require.NoError(t, err)

	mv, err := svc.Adjust(ctx, AdjustInput{VariantID: 4, Delta: -3, Note: "cycle count"})
	require.NoError(t, err)
	require.Equal(t, MoveAdjust, mv.Type)
	require.Nil(t, mv.LotID)
	require.EqualValues(t, -3, mv.ChangeQty)

	require.EqualValues(t, 10, repo.lots[lot.Lot.ID].QtyRemaining)
	require.EqualValues(t, 7, repo.stock(4))

	// Adjustments can push derived stock below zero.
	_, err = svc.Adjust(ctx, AdjustInput{VariantID: 4, Delta: -20})
	require.NoError(t, err)
	require.EqualValues(t, -13, repo.stock(4))
}

func TestWriteValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{Qty: 1, UnitCost: decimal.Zero})
	require.ErrorIs(t, err, ErrVariantRequired)

	_, err = svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 0, UnitCost: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 1, UnitCost: decimal.RequireFromString("-1")})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.Issue(ctx, IssueInput{VariantID: 1, Qty: -5, Reason: ReasonSale, RefOrderDetailID: orderRef})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.Issue(ctx, IssueInput{VariantID: 1, Qty: 5, Reason: "SHRINKAGE"})
	require.ErrorIs(t, err, ErrInvalidReason)

	_, err = svc.Issue(ctx, IssueInput{VariantID: 1, Qty: 5, Reason: ReasonSale})
	require.ErrorIs(t, err, ErrSaleRefRequired)

	_, err = svc.Issue(ctx, IssueInput{VariantID: 1, Qty: 5, Reason: ReasonSale, RefOrderDetailID: "not-a-uuid"})
	require.ErrorIs(t, err, ErrInvalidOrderRef)

	_, err = svc.Adjust(ctx, AdjustInput{VariantID: 1, Delta: 0})
	require.ErrorIs(t, err, ErrInvalidDelta)

	require.Empty(t, repo.moves)
	require.Empty(t, repo.lots)
}

func TestIssueRetriesOnLotConflict(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{VariantID: 5, Qty: 40, UnitCost: decimal.RequireFromString("2.20")})
	require.NoError(t, err)

	repo.failDecrements = 2
	result, err := svc.Issue(ctx, IssueInput{VariantID: 5, Qty: 15, Reason: ReasonTransfer})
	require.NoError(t, err)
	require.EqualValues(t, 15, result.TotalAllocated)
	require.EqualValues(t, 25, repo.stock(5))
}

func TestIssueGivesUpAfterRetryLimit(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{VariantID: 6, Qty: 40, UnitCost: decimal.RequireFromString("2.20")})
	require.NoError(t, err)

	repo.failDecrements = 10
	_, err = svc.Issue(ctx, IssueInput{VariantID: 6, Qty: 5, Reason: ReasonTransfer})
	require.ErrorIs(t, err, ErrLotConflict)
	require.EqualValues(t, 40, repo.stock(6))
}

type fakeIdemStore struct {
	keys    map[string]bool
	deleted []string
}

func newFakeIdemStore() *fakeIdemStore {
	return &fakeIdemStore{keys: make(map[string]bool)}
}

func (f *fakeIdemStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdemStore) Delete(ctx context.Context, key string) error {
	delete(f.keys, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func TestIdempotencyKeyRejectsDuplicates(t *testing.T) {
	repo := newMemoryRepo()
	idem := newFakeIdemStore()
	svc := NewService(repo, nil, idem, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 10, UnitCost: decimal.RequireFromString("1.00"), IdempotencyKey: "rcpt-1"})
	require.NoError(t, err)
	require.EqualValues(t, 10, repo.stock(1))

	_, err = svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 10, UnitCost: decimal.RequireFromString("1.00"), IdempotencyKey: "rcpt-1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.EqualValues(t, 10, repo.stock(1), "replay must not write a second lot")
	require.Len(t, repo.lots, 1)
}

func TestIdempotencyKeyReleasedWhenWriteFails(t *testing.T) {
	repo := newMemoryRepo()
	idem := newFakeIdemStore()
	svc := NewService(repo, nil, idem, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{VariantID: 1, Qty: 5, UnitCost: decimal.RequireFromString("1.00")})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, IssueInput{VariantID: 1, Qty: 50, Reason: ReasonDamage, IdempotencyKey: "issue-1"})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, []string{"issue-1"}, idem.deleted)

	// After the failed attempt the same key is accepted again.
	result, err := svc.Issue(ctx, IssueInput{VariantID: 1, Qty: 5, Reason: ReasonDamage, IdempotencyKey: "issue-1"})
	require.NoError(t, err)
	require.EqualValues(t, 5, result.TotalAllocated)
	require.True(t, idem.keys["issue-1"])
}

func TestConcurrentIssuesNeverOverAllocate(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Receive(ctx, ReceiveInput{VariantID: 9, Qty: 50, UnitCost: decimal.RequireFromString("1.00")})
	require.NoError(t, err)
	_, err = svc.Receive(ctx, ReceiveInput{VariantID: 9, Qty: 50, UnitCost: decimal.RequireFromString("1.50")})
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	var succeeded int64
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Issue(ctx, IssueInput{VariantID: 9, Qty: 10, Reason: ReasonDieOff}); err == nil {
				mu.Lock()
				succeeded += 10
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Allocated quantity and remaining stock must always reconcile.
	require.EqualValues(t, 100-succeeded, repo.stock(9))
	var outTotal int64
	for _, mv := range repo.movesOfType(MoveOut) {
		outTotal -= mv.ChangeQty
	}
	require.Equal(t, succeeded, outTotal)
	require.LessOrEqual(t, succeeded, int64(100))
}

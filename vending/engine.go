/*
engine.go - Purchase transaction engine

PURPOSE:
  Executes a purchase: validate the tendered cash, check the drink and the
  wallet, compute change from the drawer (plus the cash just inserted) and
  hand the staged wallet/drawer/stock to the store as one atomic commit.

PURCHASE FLOW (fail-fast, nothing is written before step 8):
  1. Tendered map must be non-empty, known denominations, counts >= 0,
     at least one positive count               -> invalid_payment
  2. Drink must exist and have stock > 0       -> drink_not_found / out_of_stock
  3. Wallet must hold every tendered unit      -> insufficient_wallet_funds
  4. Tendered total must reach the cost        -> insufficient_funds (shortfall)
  5. changeDue = total - cost
  6. Provisional drawer = drawer + tendered
  7. Greedy change over the provisional drawer -> insufficient_change (remainder)
  8. Stage wallet - tendered + change, drawer - change, stock - 1
  9. Commit atomically                         -> commit_failed / store_unavailable
  10. Return the change, largest denomination first

CONCURRENCY:
  There is one wallet and one drawer, so purchases are serialized: the
  engine holds a mutex for the whole operation, and stores implementing
  TxLedgerStore also run the reads and the commit in one transaction so
  several processes sharing a database stay serialized too.

SEE ALSO:
  - change.go: ComputeChange
  - store.go: LedgerStore / TxLedgerStore
  - errors.go: Failure kinds
*/
package vending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the purchase transaction engine. Safe for concurrent use.
type Engine struct {
	store     LedgerStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() PurchaseID

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets where committed purchases are announced.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger sets the engine logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides purchase id generation, for tests.
func WithIDGenerator(gen func() PurchaseID) Option {
	return func(e *Engine) { e.newID = gen }
}

// NewEngine creates an engine over the given store.
func NewEngine(store LedgerStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		publisher: NopPublisher{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() PurchaseID { return PurchaseID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Purchase runs one purchase to completion. Rejections are returned as
// *PurchaseError; on any error the ledgers are left untouched.
func (e *Engine) Purchase(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	if err := validateTendered(req.Tendered); err != nil {
		e.logRejected(ctx, req, err)
		return PurchaseResult{}, err
	}

	result, err := e.serialized(ctx, req)
	if err != nil {
		e.logRejected(ctx, req, err)
		return PurchaseResult{}, err
	}

	e.logger.InfoContext(ctx, "purchase committed",
		"purchase_id", result.PurchaseID,
		"drink_id", result.Drink.ID,
		"cost", result.Drink.Cost,
		"paid", result.Paid,
		"change", result.ChangeTotal(),
	)

	ev := PurchaseCompleted{
		PurchaseID: result.PurchaseID,
		DrinkID:    result.Drink.ID,
		DrinkName:  result.Drink.Name,
		Cost:       result.Drink.Cost,
		Paid:       result.Paid,
		Change:     result.Change,
		CreatedAt:  e.now(),
	}
	if err := e.publisher.PublishPurchase(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "failed to publish purchase event",
			"purchase_id", result.PurchaseID, "error", err)
	}

	return result, nil
}

// serialized holds the engine lock and, when the store supports it, a store
// transaction around steps 2-9.
func (e *Engine) serialized(ctx context.Context, req PurchaseRequest) (PurchaseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	txStore, ok := e.store.(TxLedgerStore)
	if !ok {
		return e.purchase(ctx, e.store, req)
	}

	var result PurchaseResult
	err := txStore.WithTx(ctx, func(s LedgerStore) error {
		var err error
		result, err = e.purchase(ctx, s, req)
		return err
	})
	if err != nil {
		var perr *PurchaseError
		if errors.As(err, &perr) {
			return PurchaseResult{}, perr
		}
		if errors.Is(err, ErrStoreUnavailable) {
			return PurchaseResult{}, storeFailure(KindStoreUnavailable, "begin transaction", err)
		}
		return PurchaseResult{}, storeFailure(KindCommitFailed, "commit transaction", err)
	}
	return result, nil
}

func (e *Engine) purchase(ctx context.Context, s LedgerStore, req PurchaseRequest) (PurchaseResult, error) {
	drink, err := s.GetDrink(ctx, req.DrinkID)
	if err != nil {
		if errors.Is(err, ErrDrinkNotFound) {
			return PurchaseResult{}, reject(KindDrinkNotFound, "no drink with id %d", req.DrinkID)
		}
		return PurchaseResult{}, storeFailure(KindStoreUnavailable, "load drink", err)
	}
	if drink.Stock <= 0 {
		return PurchaseResult{}, reject(KindOutOfStock, "%s is sold out", drink.Name)
	}

	wallet, err := s.GetWallet(ctx)
	if err != nil {
		return PurchaseResult{}, storeFailure(KindStoreUnavailable, "load wallet", err)
	}
	if d, ok := wallet.Covers(req.Tendered); !ok {
		return PurchaseResult{}, reject(KindInsufficientWalletFunds,
			"tendered %d x %s but wallet holds %d", req.Tendered[d], d.Key(), wallet[d])
	}

	total := req.Tendered.Total()
	if total < drink.Cost {
		shortfall := drink.Cost - total
		perr := reject(KindInsufficientFunds, "short by %d", shortfall)
		perr.Amount = shortfall
		return PurchaseResult{}, perr
	}
	changeDue := total - drink.Cost

	drawer, err := s.GetDrawer(ctx)
	if err != nil {
		return PurchaseResult{}, storeFailure(KindStoreUnavailable, "load drawer", err)
	}
	// Inserted cash is drawer stock before change is drawn.
	provisional := drawer.Add(req.Tendered)

	dispensed, remainder := ComputeChange(changeDue, provisional)
	if remainder > 0 {
		perr := reject(KindInsufficientChange, "cannot dispense %d of %d", remainder, changeDue)
		perr.Amount = remainder
		return PurchaseResult{}, perr
	}

	walletAfter, err := wallet.Sub(req.Tendered)
	if err != nil {
		return PurchaseResult{}, reject(KindInsufficientWalletFunds, "%v", err)
	}
	walletAfter = walletAfter.Add(dispensed)

	drawerAfter, err := provisional.Sub(dispensed)
	if err != nil {
		// ComputeChange never takes more than the supply holds.
		return PurchaseResult{}, storeFailure(KindCommitFailed, "stage drawer", err)
	}

	commit := PurchaseCommit{
		ID:        e.newID(),
		DrinkID:   drink.ID,
		Cost:      drink.Cost,
		Tendered:  req.Tendered.Clone(),
		Change:    dispensed.Clone(),
		Wallet:    walletAfter,
		Drawer:    drawerAfter,
		CreatedAt: e.now(),
	}
	if err := s.CommitPurchase(ctx, commit); err != nil {
		switch {
		case errors.Is(err, ErrOutOfStock):
			return PurchaseResult{}, reject(KindOutOfStock, "%s is sold out", drink.Name)
		case errors.Is(err, ErrDrinkNotFound):
			return PurchaseResult{}, reject(KindDrinkNotFound, "no drink with id %d", drink.ID)
		case errors.Is(err, ErrStoreUnavailable):
			return PurchaseResult{}, storeFailure(KindStoreUnavailable, "commit purchase", err)
		default:
			return PurchaseResult{}, storeFailure(KindCommitFailed, "commit purchase", err)
		}
	}

	drink.Stock--
	return PurchaseResult{
		PurchaseID: commit.ID,
		Drink:      drink,
		Paid:       total,
		Change:     dispensed.Entries(),
	}, nil
}

// validateTendered is step 1: a non-empty map of known denominations with
// non-negative counts and at least one positive count.
func validateTendered(tendered MoneyMap) error {
	if len(tendered) == 0 {
		return reject(KindInvalidPayment, "no money selected")
	}
	if err := tendered.Validate(); err != nil {
		return reject(KindInvalidPayment, "%v", err)
	}
	if tendered.IsZero() {
		return reject(KindInvalidPayment, "all counts are zero")
	}
	return nil
}

func (e *Engine) logRejected(ctx context.Context, req PurchaseRequest, err error) {
	kind := KindOf(err)
	level := slog.LevelInfo
	if kind == KindStoreUnavailable || kind == KindCommitFailed || kind == 0 {
		level = slog.LevelError
	}
	e.logger.Log(ctx, level, "purchase rejected",
		"drink_id", req.DrinkID,
		"kind", kind.Code(),
		"error", fmt.Sprint(err),
	)
}

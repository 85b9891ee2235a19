// Package store provides in-process Store implementations.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/warp/vending-engine/vending"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	drinks    map[vending.DrinkID]vending.Drink
	nextDrink vending.DrinkID
	wallet    vending.MoneyMap
	drawer    vending.MoneyMap
	receipts  []vending.Receipt

	// FailCommit, when set, makes CommitPurchase fail with it. Test hook.
	FailCommit error
}

// NewMemory creates an empty store. Wallet and drawer start at zero.
func NewMemory() *Memory {
	return &Memory{
		drinks:    make(map[vending.DrinkID]vending.Drink),
		nextDrink: 1,
		wallet:    make(vending.MoneyMap),
		drawer:    make(vending.MoneyMap),
	}
}

// PutDrink inserts or replaces a drink without validation. Zero ID gets the next id.
func (m *Memory) PutDrink(d vending.Drink) vending.Drink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putDrinkLocked(d)
}

func (m *Memory) putDrinkLocked(d vending.Drink) vending.Drink {
	if d.ID == 0 {
		d.ID = m.nextDrink
	}
	if d.ID >= m.nextDrink {
		m.nextDrink = d.ID + 1
	}
	m.drinks[d.ID] = d
	return d
}

// SetWallet replaces the wallet balance.
func (m *Memory) SetWallet(w vending.MoneyMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallet = w.Clone()
}

// SetDrawer replaces the drawer balance.
func (m *Memory) SetDrawer(d vending.MoneyMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawer = d.Clone()
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (m *Memory) GetDrink(_ context.Context, id vending.DrinkID) (vending.Drink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getDrinkLocked(id)
}

func (m *Memory) getDrinkLocked(id vending.DrinkID) (vending.Drink, error) {
	d, ok := m.drinks[id]
	if !ok {
		return vending.Drink{}, vending.ErrDrinkNotFound
	}
	return d, nil
}

func (m *Memory) GetWallet(_ context.Context) (vending.MoneyMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wallet.Clone(), nil
}

func (m *Memory) GetDrawer(_ context.Context) (vending.MoneyMap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drawer.Clone(), nil
}

// CommitPurchase applies the staged state. Checks happen before any write.
func (m *Memory) CommitPurchase(_ context.Context, c vending.PurchaseCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(c)
}

func (m *Memory) commitLocked(c vending.PurchaseCommit) error {
	if m.FailCommit != nil {
		return m.FailCommit
	}
	d, err := m.getDrinkLocked(c.DrinkID)
	if err != nil {
		return err
	}
	if d.Stock <= 0 {
		return vending.ErrOutOfStock
	}
	if err := c.Wallet.Validate(); err != nil {
		return err
	}
	if err := c.Drawer.Validate(); err != nil {
		return err
	}

	d.Stock--
	m.drinks[d.ID] = d
	m.wallet = c.Wallet.Clone()
	m.drawer = c.Drawer.Clone()
	m.receipts = append(m.receipts, vending.Receipt{
		ID:        c.ID,
		DrinkID:   c.DrinkID,
		Cost:      c.Cost,
		Tendered:  c.Tendered.Clone(),
		Change:    c.Change.Clone(),
		CreatedAt: c.CreatedAt,
	})
	return nil
}

// =============================================================================
// ADMIN STORE
// =============================================================================

func (m *Memory) ListDrinks(_ context.Context) ([]vending.Drink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]vending.Drink, 0, len(m.drinks))
	for _, d := range m.drinks {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveDrink(_ context.Context, d vending.Drink) (vending.Drink, error) {
	if err := d.Validate(); err != nil {
		return vending.Drink{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID != 0 {
		if _, ok := m.drinks[d.ID]; !ok {
			return vending.Drink{}, vending.ErrDrinkNotFound
		}
	}
	return m.putDrinkLocked(d), nil
}

// ListMoney renders a ledger as rows; row ids follow the ascending
// denomination order starting at 1.
func (m *Memory) ListMoney(_ context.Context, ledger vending.LedgerKind) ([]vending.MoneyRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mm, err := m.ledgerLocked(ledger)
	if err != nil {
		return nil, err
	}
	rows := make([]vending.MoneyRow, 0)
	for i, d := range vending.Denominations() {
		rows = append(rows, vending.MoneyRow{ID: int64(i + 1), Value: d, Quantity: mm[d]})
	}
	return rows, nil
}

func (m *Memory) SetMoney(_ context.Context, ledger vending.LedgerKind, row vending.MoneyRow) error {
	if err := vending.ValidateMoneyRow(ledger, row); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	denoms := vending.Denominations()
	if row.ID < 1 || int(row.ID) > len(denoms) || denoms[row.ID-1] != row.Value {
		return vending.ErrMoneyRowNotFound
	}
	mm, err := m.ledgerLocked(ledger)
	if err != nil {
		return err
	}
	mm[row.Value] = row.Quantity
	return nil
}

func (m *Memory) ledgerLocked(ledger vending.LedgerKind) (vending.MoneyMap, error) {
	switch ledger {
	case vending.LedgerDrawer:
		return m.drawer, nil
	case vending.LedgerWallet:
		return m.wallet, nil
	}
	return nil, errors.New("unknown ledger " + string(ledger))
}

// ListPurchases returns receipts newest first.
func (m *Memory) ListPurchases(_ context.Context, limit int) ([]vending.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]vending.Receipt, 0, len(m.receipts))
	for i := len(m.receipts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.receipts[i])
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(vending.LedgerStore) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	drinks   map[vending.DrinkID]vending.Drink
	wallet   vending.MoneyMap
	drawer   vending.MoneyMap
	receipts []vending.Receipt
}

func (tm *TxMemory) snapshot() memorySnapshot {
	drinks := make(map[vending.DrinkID]vending.Drink, len(tm.drinks))
	for k, v := range tm.drinks {
		drinks[k] = v
	}
	return memorySnapshot{
		drinks:   drinks,
		wallet:   tm.wallet.Clone(),
		drawer:   tm.drawer.Clone(),
		receipts: append([]vending.Receipt{}, tm.receipts...),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.drinks = s.drinks
	tm.wallet = s.wallet
	tm.drawer = s.drawer
	tm.receipts = s.receipts
}

// txMemoryView runs under the parent's write lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) GetDrink(_ context.Context, id vending.DrinkID) (vending.Drink, error) {
	return tv.parent.getDrinkLocked(id)
}

func (tv *txMemoryView) GetWallet(_ context.Context) (vending.MoneyMap, error) {
	return tv.parent.wallet.Clone(), nil
}

func (tv *txMemoryView) GetDrawer(_ context.Context) (vending.MoneyMap, error) {
	return tv.parent.drawer.Clone(), nil
}

func (tv *txMemoryView) CommitPurchase(_ context.Context, c vending.PurchaseCommit) error {
	return tv.parent.commitLocked(c)
}

// Seed loads data when no drinks exist yet.
func (m *Memory) Seed(_ context.Context, data vending.SeedData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.drinks) > 0 {
		return nil
	}
	for _, d := range data.Drinks {
		if err := d.Validate(); err != nil {
			return err
		}
		d.ID = 0
		m.putDrinkLocked(d)
	}
	m.drawer = data.Drawer.Clone()
	m.wallet = data.Wallet.Clone()
	return nil
}

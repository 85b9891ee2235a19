package vending

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// DrinkID is the catalog key of a drink.
type DrinkID int64

// PurchaseID identifies a committed purchase (uuid string).
type PurchaseID string

// =============================================================================
// DRINK CATALOG
// =============================================================================

// Category is hot or cold.
type Category string

const (
	CategoryHot  Category = "hot"
	CategoryCold Category = "cold"
)

func (c Category) IsValid() bool {
	return c == CategoryHot || c == CategoryCold
}

// Drink is a catalog entry. Cost is in yen.
type Drink struct {
	ID       DrinkID
	Name     string
	Category Category
	Cost     int64
	Stock    int
}

// Validate checks the catalog rules applied by the admin operations.
func (d Drink) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDrink)
	}
	if !d.Category.IsValid() {
		return fmt.Errorf("%w: type must be hot or cold, got %q", ErrInvalidDrink, d.Category)
	}
	if d.Cost <= 0 {
		return fmt.Errorf("%w: cost must be positive", ErrInvalidDrink)
	}
	if d.Stock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", ErrInvalidDrink)
	}
	return nil
}

// =============================================================================
// PURCHASE VALUES
// =============================================================================

// PurchaseRequest is the transaction intent: which drink, paid with what.
type PurchaseRequest struct {
	DrinkID  DrinkID
	Tendered MoneyMap
}

// PurchaseResult is the success outcome.
type PurchaseResult struct {
	PurchaseID PurchaseID
	Drink      Drink
	Paid       int64
	// Change is ordered by descending denomination; empty on exact payment.
	Change []ChangeEntry
}

// ChangeTotal sums the dispensed change.
func (r PurchaseResult) ChangeTotal() int64 {
	var sum int64
	for _, e := range r.Change {
		sum += int64(e.Denom) * int64(e.Count)
	}
	return sum
}

// PurchaseCommit is the staged state handed to the store for an atomic write.
// Wallet and Drawer are the final balances, not deltas.
type PurchaseCommit struct {
	ID        PurchaseID
	DrinkID   DrinkID
	Cost      int64
	Tendered  MoneyMap
	Change    MoneyMap
	Wallet    MoneyMap
	Drawer    MoneyMap
	CreatedAt time.Time
}

// Receipt is a committed purchase as recorded in history.
type Receipt struct {
	ID        PurchaseID
	DrinkID   DrinkID
	Cost      int64
	Tendered  MoneyMap
	Change    MoneyMap
	CreatedAt time.Time
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

// LedgerKind names one of the two cash ledgers.
type LedgerKind string

const (
	LedgerDrawer LedgerKind = "money"
	LedgerWallet LedgerKind = "user_money"
)

// MoneyRow is one denomination row of a cash ledger as the admin API sees it.
type MoneyRow struct {
	ID       int64
	Value    Denomination
	Quantity int
}

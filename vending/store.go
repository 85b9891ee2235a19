/*
store.go - Persistence interfaces for the three ledgers

PURPOSE:
  Defines the boundary between the purchase engine and the database.
  The engine only reads the drink, wallet and drawer, and writes them back
  through a single CommitPurchase call. Whatever backs the store must make
  that call all-or-nothing.

KEY INTERFACES:
  LedgerStore:   Reads + the atomic purchase commit (what the engine needs)
  TxLedgerStore: LedgerStore that can also run read+commit in one transaction
  AdminStore:    Catalog/money editing and purchase history (API only)

IMPLEMENTATIONS:
  - vending/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:  Embedded SQLite (default)
  - store/postgres/postgres.go: PostgreSQL, SERIALIZABLE with retry

SEE ALSO:
  - engine.go: Uses LedgerStore
*/
package vending

import "context"

// =============================================================================
// LEDGER STORE - What the purchase engine consumes
// =============================================================================

// LedgerStore gives access to the drink catalog, the wallet and the drawer.
type LedgerStore interface {
	// GetDrink returns ErrDrinkNotFound when the id is unknown.
	GetDrink(ctx context.Context, id DrinkID) (Drink, error)

	GetWallet(ctx context.Context) (MoneyMap, error)
	GetDrawer(ctx context.Context) (MoneyMap, error)

	// CommitPurchase decrements the drink's stock by one, sets wallet and
	// drawer to the provided final maps and records the receipt, atomically.
	// On error nothing is changed.
	CommitPurchase(ctx context.Context, c PurchaseCommit) error
}

// TxLedgerStore runs fn inside one store transaction.
// If fn returns error, everything fn did is rolled back.
type TxLedgerStore interface {
	LedgerStore
	WithTx(ctx context.Context, fn func(LedgerStore) error) error
}

// =============================================================================
// ADMIN STORE - Catalog management and history
// =============================================================================

// AdminStore is the CRUD surface used by the HTTP API. Not used by the engine.
type AdminStore interface {
	ListDrinks(ctx context.Context) ([]Drink, error)
	// SaveDrink creates the drink when ID is zero, otherwise updates it.
	// Returns the stored drink.
	SaveDrink(ctx context.Context, d Drink) (Drink, error)

	ListMoney(ctx context.Context, ledger LedgerKind) ([]MoneyRow, error)
	SetMoney(ctx context.Context, ledger LedgerKind, row MoneyRow) error

	ListPurchases(ctx context.Context, limit int) ([]Receipt, error)
}

// Store is everything a backend offers.
type Store interface {
	LedgerStore
	AdminStore
}

// ValidateMoneyRow applies the admin rules for a ledger row edit.
func ValidateMoneyRow(ledger LedgerKind, row MoneyRow) error {
	if ledger != LedgerDrawer && ledger != LedgerWallet {
		return ErrInvalidMoney
	}
	if !row.Value.IsValid() {
		return ErrInvalidMoney
	}
	if row.Quantity < 0 || row.Quantity > MaxCount {
		return ErrInvalidMoney
	}
	return nil
}

/*
Package sqlite provides a SQLite-backed implementation of the vending ledgers.

PURPOSE:
  Implements vending.LedgerStore, vending.TxLedgerStore, vending.AdminStore
  and vending.Seeder using SQLite. This is the default backend of the
  server; the PostgreSQL store in store/postgres follows the same shape.

KEY TABLES:
  drinks:     Drink catalog (id, name, type, cost, stock)
  money:      Drawer ("casher") count per denomination
  user_money: Wallet count per denomination
  purchases:  Receipt per committed purchase (tendered/change as JSON)

ATOMICITY:
  CommitPurchase runs the stock decrement, both cash ledgers and the
  receipt insert in one SQL transaction. WithTx lets the engine run its
  reads in that same transaction.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection,
  so ":memory:" databases are shared by every call and writers never
  interleave.

USAGE:
  store, err := sqlite.New("./data/vending.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := vending.NewEngine(store)

SEE ALSO:
  - vending/store.go: Interface definitions
  - vending/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/vending-engine/vending"
)

// createdAtLayout has fixed width so text ordering matches time ordering.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all vending storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema and the denomination rows.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS drinks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('hot', 'cold')),
		cost INTEGER NOT NULL CHECK (cost > 0),
		stock INTEGER NOT NULL DEFAULT 0 CHECK (stock >= 0),
		updated_at TEXT NOT NULL
	);

	-- Drawer ("casher")
	CREATE TABLE IF NOT EXISTS money (
		id INTEGER PRIMARY KEY,
		value INTEGER NOT NULL UNIQUE,
		quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0)
	);

	-- Wallet
	CREATE TABLE IF NOT EXISTS user_money (
		id INTEGER PRIMARY KEY,
		value INTEGER NOT NULL UNIQUE,
		quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0)
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		drink_id INTEGER NOT NULL REFERENCES drinks(id),
		cost INTEGER NOT NULL,
		tendered_json TEXT NOT NULL,
		change_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_created_at
		ON purchases(created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// One row per denomination, ids ascending with the value.
	for _, table := range []vending.LedgerKind{vending.LedgerDrawer, vending.LedgerWallet} {
		for i, d := range vending.Denominations() {
			_, err := s.db.Exec(
				fmt.Sprintf(`INSERT OR IGNORE INTO %s (id, value, quantity) VALUES (?, ?, 0)`, table),
				i+1, int64(d))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// =============================================================================
// LEDGER STORE (vending.LedgerStore interface)
// =============================================================================

// GetDrink returns a drink by id.
func (s *Store) GetDrink(ctx context.Context, id vending.DrinkID) (vending.Drink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDrink(ctx, s.db, id)
}

// GetWallet returns the wallet balance.
func (s *Store) GetWallet(ctx context.Context) (vending.MoneyMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadMoney(ctx, s.db, vending.LedgerWallet)
}

// GetDrawer returns the drawer balance.
func (s *Store) GetDrawer(ctx context.Context) (vending.MoneyMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadMoney(ctx, s.db, vending.LedgerDrawer)
}

// CommitPurchase applies a staged purchase atomically.
func (s *Store) CommitPurchase(ctx context.Context, c vending.PurchaseCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", errors.Join(vending.ErrStoreUnavailable, err))
	}
	defer sqlTx.Rollback()

	if err := commitPurchase(ctx, sqlTx, c); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func getDrink(ctx context.Context, q queryer, id vending.DrinkID) (vending.Drink, error) {
	var (
		d        vending.Drink
		category string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, name, type, cost, stock FROM drinks WHERE id = ?`, int64(id),
	).Scan(&d.ID, &d.Name, &category, &d.Cost, &d.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return vending.Drink{}, vending.ErrDrinkNotFound
	}
	if err != nil {
		return vending.Drink{}, fmt.Errorf("failed to get drink: %w", err)
	}
	d.Category = vending.Category(category)
	return d, nil
}

func loadMoney(ctx context.Context, q queryer, ledger vending.LedgerKind) (vending.MoneyMap, error) {
	rows, err := listMoney(ctx, q, ledger)
	if err != nil {
		return nil, err
	}
	m := make(vending.MoneyMap, len(rows))
	for _, r := range rows {
		if r.Quantity != 0 {
			m[r.Value] = r.Quantity
		}
	}
	return m, nil
}

func listMoney(ctx context.Context, q queryer, ledger vending.LedgerKind) ([]vending.MoneyRow, error) {
	if err := checkLedger(ledger); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, value, quantity FROM %s ORDER BY value ASC`, ledger))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", ledger, err)
	}
	defer rows.Close()

	var out []vending.MoneyRow
	for rows.Next() {
		var r vending.MoneyRow
		if err := rows.Scan(&r.ID, &r.Value, &r.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", ledger, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// writeMoney sets every denomination row of ledger to m's count.
func writeMoney(ctx context.Context, q queryer, ledger vending.LedgerKind, m vending.MoneyMap) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", vending.ErrInvalidMoney, err)
	}
	query := fmt.Sprintf(`UPDATE %s SET quantity = ? WHERE value = ?`, ledger)
	for d, c := range m.Full() {
		if _, err := q.ExecContext(ctx, query, c, int64(d)); err != nil {
			return fmt.Errorf("failed to write %s: %w", ledger, err)
		}
	}
	return nil
}

func commitPurchase(ctx context.Context, q queryer, c vending.PurchaseCommit) error {
	res, err := q.ExecContext(ctx,
		`UPDATE drinks SET stock = stock - 1, updated_at = ? WHERE id = ? AND stock > 0`,
		c.CreatedAt.UTC().Format(time.RFC3339), int64(c.DrinkID))
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getDrink(ctx, q, c.DrinkID); err != nil {
			return err
		}
		return vending.ErrOutOfStock
	}

	if err := writeMoney(ctx, q, vending.LedgerWallet, c.Wallet); err != nil {
		return err
	}
	if err := writeMoney(ctx, q, vending.LedgerDrawer, c.Drawer); err != nil {
		return err
	}

	tenderedJSON, _ := json.Marshal(c.Tendered.Wire())
	changeJSON, _ := json.Marshal(c.Change.Wire())
	_, err = q.ExecContext(ctx, `
		INSERT INTO purchases (id, drink_id, cost, tendered_json, change_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(c.ID), int64(c.DrinkID), c.Cost,
		string(tenderedJSON), string(changeJSON),
		c.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to record purchase: %w", err)
	}
	return nil
}

func checkLedger(ledger vending.LedgerKind) error {
	if ledger != vending.LedgerDrawer && ledger != vending.LedgerWallet {
		return fmt.Errorf("%w: unknown ledger %q", vending.ErrInvalidMoney, ledger)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (vending.TxLedgerStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store vending.LedgerStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", errors.Join(vending.ErrStoreUnavailable, err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetDrink(ctx context.Context, id vending.DrinkID) (vending.Drink, error) {
	return getDrink(ctx, ts.tx, id)
}

func (ts *txStore) GetWallet(ctx context.Context) (vending.MoneyMap, error) {
	return loadMoney(ctx, ts.tx, vending.LedgerWallet)
}

func (ts *txStore) GetDrawer(ctx context.Context) (vending.MoneyMap, error) {
	return loadMoney(ctx, ts.tx, vending.LedgerDrawer)
}

func (ts *txStore) CommitPurchase(ctx context.Context, c vending.PurchaseCommit) error {
	return commitPurchase(ctx, ts.tx, c)
}

// =============================================================================
// ADMIN STORE (vending.AdminStore interface)
// =============================================================================

// ListDrinks returns the catalog ordered by id.
func (s *Store) ListDrinks(ctx context.Context) ([]vending.Drink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, type, cost, stock FROM drinks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query drinks: %w", err)
	}
	defer rows.Close()

	drinks := []vending.Drink{}
	for rows.Next() {
		var (
			d        vending.Drink
			category string
		)
		if err := rows.Scan(&d.ID, &d.Name, &category, &d.Cost, &d.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan drink: %w", err)
		}
		d.Category = vending.Category(category)
		drinks = append(drinks, d)
	}
	return drinks, rows.Err()
}

// SaveDrink creates (ID == 0) or updates a drink.
func (s *Store) SaveDrink(ctx context.Context, d vending.Drink) (vending.Drink, error) {
	if err := d.Validate(); err != nil {
		return vending.Drink{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if d.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO drinks (name, type, cost, stock, updated_at) VALUES (?, ?, ?, ?, ?)`,
			d.Name, string(d.Category), d.Cost, d.Stock, now)
		if err != nil {
			return vending.Drink{}, fmt.Errorf("failed to create drink: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return vending.Drink{}, fmt.Errorf("failed to read drink id: %w", err)
		}
		d.ID = vending.DrinkID(id)
		return d, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE drinks SET name = ?, type = ?, cost = ?, stock = ?, updated_at = ? WHERE id = ?`,
		d.Name, string(d.Category), d.Cost, d.Stock, now, int64(d.ID))
	if err != nil {
		return vending.Drink{}, fmt.Errorf("failed to update drink: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vending.Drink{}, vending.ErrDrinkNotFound
	}
	return d, nil
}

// ListMoney returns all denomination rows of a ledger.
func (s *Store) ListMoney(ctx context.Context, ledger vending.LedgerKind) ([]vending.MoneyRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listMoney(ctx, s.db, ledger)
}

// SetMoney edits one ledger row. The row's value must match its id.
func (s *Store) SetMoney(ctx context.Context, ledger vending.LedgerKind, row vending.MoneyRow) error {
	if err := vending.ValidateMoneyRow(ledger, row); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET quantity = ? WHERE id = ? AND value = ?`, ledger),
		row.Quantity, row.ID, int64(row.Value))
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", ledger, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vending.ErrMoneyRowNotFound
	}
	return nil
}

// ListPurchases returns receipts newest first. limit <= 0 means all.
func (s *Store) ListPurchases(ctx context.Context, limit int) ([]vending.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, drink_id, cost, tendered_json, change_json, created_at
		FROM purchases ORDER BY created_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	receipts := []vending.Receipt{}
	for rows.Next() {
		var (
			r                        vending.Receipt
			tenderedJSON, changeJSON string
			createdAt                string
		)
		if err := rows.Scan(&r.ID, &r.DrinkID, &r.Cost, &tenderedJSON, &changeJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		if r.Tendered, err = decodeMoney(tenderedJSON); err != nil {
			return nil, err
		}
		if r.Change, err = decodeMoney(changeJSON); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(createdAtLayout, createdAt)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// =============================================================================
// SEEDING (vending.Seeder interface)
// =============================================================================

// Seed loads data when the catalog is empty.
func (s *Store) Seed(ctx context.Context, data vending.SeedData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drinks`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count drinks: %w", err)
	}
	if count > 0 {
		return nil
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range data.Drinks {
		if err := d.Validate(); err != nil {
			return err
		}
		_, err := sqlTx.ExecContext(ctx,
			`INSERT INTO drinks (name, type, cost, stock, updated_at) VALUES (?, ?, ?, ?, ?)`,
			d.Name, string(d.Category), d.Cost, d.Stock, now)
		if err != nil {
			return fmt.Errorf("failed to seed drink %q: %w", d.Name, err)
		}
	}
	if err := writeMoney(ctx, sqlTx, vending.LedgerDrawer, data.Drawer); err != nil {
		return err
	}
	if err := writeMoney(ctx, sqlTx, vending.LedgerWallet, data.Wallet); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeMoney(raw string) (vending.MoneyMap, error) {
	var wire map[string]int
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("failed to decode money: %w", err)
	}
	return vending.ParseMoneyMap(wire)
}

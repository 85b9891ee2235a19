/*
Package postgres provides a PostgreSQL-backed implementation of the vending ledgers.

PURPOSE:
  Same contract as store/sqlite, for deployments where several server
  processes share one machine's ledgers. Schema is managed by goose
  (migrations/ embedded, see RunMigrations).

CONCURRENCY:
  The in-process engine mutex cannot serialize separate processes, so every
  write transaction runs at SERIALIZABLE isolation. A serialization failure
  (SQLSTATE 40001) or deadlock (40P01) rolls back and re-runs the whole
  transaction function, up to MaxRetries times, then gives up with
  vending.ErrConcurrentModification.

SEE ALSO:
  - store/sqlite/sqlite.go: Embedded implementation
  - vending/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/vending-engine/vending"
)

// DefaultMaxRetries is how often a serialization failure is retried.
const DefaultMaxRetries = 3

// Store implements the vending storage interfaces on a pgx pool.
type Store struct {
	pool       *pgxpool.Pool
	MaxRetries int
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects to dsn and pings the server.
func New(ctx context.Context, dsn string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", errors.Join(vending.ErrStoreUnavailable, err))
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", errors.Join(vending.ErrStoreUnavailable, err))
	}
	return NewWithPool(pool), nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, MaxRetries: DefaultMaxRetries}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// =============================================================================
// SERIALIZABLE TRANSACTIONS
// =============================================================================

// WithTx runs fn in a SERIALIZABLE transaction, retrying on serialization
// failures. fn may run more than once.
func (s *Store) WithTx(ctx context.Context, fn func(vending.LedgerStore) error) error {
	return s.serializable(ctx, func(tx pgx.Tx) error {
		return fn(&txStore{tx: tx})
	})
}

func (s *Store) serializable(ctx context.Context, fn func(pgx.Tx) error) error {
	attempts := s.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: gave up after %d attempts: %v",
		vending.ErrConcurrentModification, attempts, lastErr)
}

func (s *Store) runOnce(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", errors.Join(vending.ErrStoreUnavailable, err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsSerializationFailure reports whether err carries SQLSTATE 40001 or 40P01.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

type txStore struct {
	tx pgx.Tx
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
// LEDGER STORE
// =============================================================================

func (s *Store) GetDrink(ctx context.Context, id vending.DrinkID) (vending.Drink, error) {
	return getDrink(ctx, s.pool, id)
}

func (s *Store) GetWallet(ctx context.Context) (vending.MoneyMap, error) {
	return loadMoney(ctx, s.pool, vending.LedgerWallet)
}

func (s *Store) GetDrawer(ctx context.Context) (vending.MoneyMap, error) {
	return loadMoney(ctx, s.pool, vending.LedgerDrawer)
}

// CommitPurchase applies a staged purchase in its own serializable transaction.
func (s *Store) CommitPurchase(ctx context.Context, c vending.PurchaseCommit) error {
	return s.serializable(ctx, func(tx pgx.Tx) error {
		return commitPurchase(ctx, tx, c)
	})
}

func getDrink(ctx context.Context, q querier, id vending.DrinkID) (vending.Drink, error) {
	var (
		drinkID  int64
		name     string
		category string
		cost     int64
		stock    int
	)
	err := q.QueryRow(ctx,
		`SELECT id, name, type, cost, stock FROM drinks WHERE id = $1`, int64(id),
	).Scan(&drinkID, &name, &category, &cost, &stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return vending.Drink{}, vending.ErrDrinkNotFound
	}
	if err != nil {
		return vending.Drink{}, fmt.Errorf("failed to get drink: %w", err)
	}
	return vending.Drink{
		ID:       vending.DrinkID(drinkID),
		Name:     name,
		Category: vending.Category(category),
		Cost:     cost,
		Stock:    stock,
	}, nil
}

func loadMoney(ctx context.Context, q querier, ledger vending.LedgerKind) (vending.MoneyMap, error) {
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

func listMoney(ctx context.Context, q querier, ledger vending.LedgerKind) ([]vending.MoneyRow, error) {
	table, err := tableFor(ledger)
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, value, quantity FROM `+table+` ORDER BY value ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []vending.MoneyRow
	for rows.Next() {
		var (
			id       int64
			value    int64
			quantity int
		)
		if err := rows.Scan(&id, &value, &quantity); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, vending.MoneyRow{ID: id, Value: vending.Denomination(value), Quantity: quantity})
	}
	return out, rows.Err()
}

func writeMoney(ctx context.Context, q querier, ledger vending.LedgerKind, m vending.MoneyMap) error {
	table, err := tableFor(ledger)
	if err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", vending.ErrInvalidMoney, err)
	}
	for d, c := range m.Full() {
		if _, err := q.Exec(ctx, `UPDATE `+table+` SET quantity = $1 WHERE value = $2`, c, int64(d)); err != nil {
			return fmt.Errorf("failed to write %s: %w", table, err)
		}
	}
	return nil
}

func commitPurchase(ctx context.Context, q querier, c vending.PurchaseCommit) error {
	tag, err := q.Exec(ctx,
		`UPDATE drinks SET stock = stock - 1, updated_at = now() WHERE id = $1 AND stock > 0`,
		int64(c.DrinkID))
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
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

	tendered, _ := json.Marshal(c.Tendered.Wire())
	change, _ := json.Marshal(c.Change.Wire())
	_, err = q.Exec(ctx, `
		INSERT INTO purchases (id, drink_id, cost, tendered, change, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(c.ID), int64(c.DrinkID), c.Cost, string(tendered), string(change), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record purchase: %w", err)
	}
	return nil
}

func tableFor(ledger vending.LedgerKind) (string, error) {
	switch ledger {
	case vending.LedgerDrawer:
		return "money", nil
	case vending.LedgerWallet:
		return "user_money", nil
	}
	return "", fmt.Errorf("%w: unknown ledger %q", vending.ErrInvalidMoney, ledger)
}

// =============================================================================
// ADMIN STORE
// =============================================================================

func (s *Store) ListDrinks(ctx context.Context) ([]vending.Drink, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, type, cost, stock FROM drinks ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query drinks: %w", err)
	}
	defer rows.Close()

	drinks := []vending.Drink{}
	for rows.Next() {
		var (
			id       int64
			d        vending.Drink
			category string
		)
		if err := rows.Scan(&id, &d.Name, &category, &d.Cost, &d.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan drink: %w", err)
		}
		d.ID = vending.DrinkID(id)
		d.Category = vending.Category(category)
		drinks = append(drinks, d)
	}
	return drinks, rows.Err()
}

func (s *Store) SaveDrink(ctx context.Context, d vending.Drink) (vending.Drink, error) {
	if err := d.Validate(); err != nil {
		return vending.Drink{}, err
	}

	if d.ID == 0 {
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO drinks (name, type, cost, stock) VALUES ($1, $2, $3, $4) RETURNING id`,
			d.Name, string(d.Category), d.Cost, d.Stock).Scan(&id)
		if err != nil {
			return vending.Drink{}, fmt.Errorf("failed to create drink: %w", err)
		}
		d.ID = vending.DrinkID(id)
		return d, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE drinks SET name = $1, type = $2, cost = $3, stock = $4, updated_at = now() WHERE id = $5`,
		d.Name, string(d.Category), d.Cost, d.Stock, int64(d.ID))
	if err != nil {
		return vending.Drink{}, fmt.Errorf("failed to update drink: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vending.Drink{}, vending.ErrDrinkNotFound
	}
	return d, nil
}

func (s *Store) ListMoney(ctx context.Context, ledger vending.LedgerKind) ([]vending.MoneyRow, error) {
	return listMoney(ctx, s.pool, ledger)
}

func (s *Store) SetMoney(ctx context.Context, ledger vending.LedgerKind, row vending.MoneyRow) error {
	if err := vending.ValidateMoneyRow(ledger, row); err != nil {
		return err
	}
	table, err := tableFor(ledger)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET quantity = $1 WHERE id = $2 AND value = $3`,
		row.Quantity, row.ID, int64(row.Value))
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return vending.ErrMoneyRowNotFound
	}
	return nil
}

func (s *Store) ListPurchases(ctx context.Context, limit int) ([]vending.Receipt, error) {
	query := `SELECT id::text, drink_id, cost, tendered, change, created_at
		FROM purchases ORDER BY created_at DESC, seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	receipts := []vending.Receipt{}
	for rows.Next() {
		var (
			id               string
			drinkID          int64
			cost             int64
			tendered, change []byte
			createdAt        time.Time
		)
		if err := rows.Scan(&id, &drinkID, &cost, &tendered, &change, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		r := vending.Receipt{
			ID:        vending.PurchaseID(id),
			DrinkID:   vending.DrinkID(drinkID),
			Cost:      cost,
			CreatedAt: createdAt.UTC(),
		}
		if r.Tendered, err = decodeMoney(tendered); err != nil {
			return nil, err
		}
		if r.Change, err = decodeMoney(change); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// Seed loads data when the catalog is empty.
func (s *Store) Seed(ctx context.Context, data vending.SeedData) error {
	return s.serializable(ctx, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM drinks`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count drinks: %w", err)
		}
		if count > 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, d := range data.Drinks {
			if err := d.Validate(); err != nil {
				return err
			}
			batch.Queue(`INSERT INTO drinks (name, type, cost, stock) VALUES ($1, $2, $3, $4)`,
				d.Name, string(d.Category), d.Cost, d.Stock)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to seed drinks: %w", err)
		}
		if err := writeMoney(ctx, tx, vending.LedgerDrawer, data.Drawer); err != nil {
			return err
		}
		return writeMoney(ctx, tx, vending.LedgerWallet, data.Wallet)
	})
}

func decodeMoney(raw []byte) (vending.MoneyMap, error) {
	var wire map[string]int
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode money: %w", err)
	}
	return vending.ParseMoneyMap(wire)
}

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ensure PostgresStore implements the interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Account rows are locked with
// SELECT ... FOR UPDATE, which serializes check-then-debit per user.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, userID string) (*model.SettlementAccount, error) {
	// The upsert touches the row so RETURNING yields it whether or not it
	// already existed; the primary key keeps it unique under racing reads.
	var balS string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO settlement_accounts (user_id, balance) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING balance::TEXT`, userID).Scan(&balS)
	if err != nil {
		return nil, fmt.Errorf("get or create account %s: %w", userID, err)
	}
	bal, err := decimal.NewFromString(balS)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", balS, err)
	}
	return &model.SettlementAccount{UserID: userID, Balance: bal}, nil
}

const transactionColumns = `id, user_id, symbol, quantity, price::TEXT, type, asset_type, timestamp`

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions WHERE user_id = $1 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListAllTransactions(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListSettlementTransactions(ctx context.Context, userID string) ([]model.SettlementTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, action, timestamp
		 FROM settlement_transactions WHERE user_id = $1 ORDER BY timestamp DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.SettlementTransaction{}
	for rows.Next() {
		var st model.SettlementTransaction
		var amountS, action string
		if err := rows.Scan(&st.ID, &st.UserID, &amountS, &action, &st.Timestamp); err != nil {
			return nil, err
		}
		if st.Amount, err = decimal.NewFromString(amountS); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amountS, err)
		}
		st.Action = model.SettlementAction(action)
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Erase(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE transactions, settlement_transactions, settlement_accounts`)
	return err
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, userID string) (decimal.Decimal, error) {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO settlement_accounts (user_id, balance) VALUES ($1, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return decimal.Zero, fmt.Errorf("create account %s: %w", userID, err)
	}

	var balS string
	if err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM settlement_accounts WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&balS); err != nil {
		return decimal.Zero, fmt.Errorf("lock account %s: %w", userID, err)
	}
	bal, err := decimal.NewFromString(balS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", balS, err)
	}
	return bal, nil
}

func (t *pgTx) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE settlement_accounts SET balance = $2::NUMERIC WHERE user_id = $1`,
		userID, balance.String())
	return err
}

func (t *pgTx) HeldQuantity(ctx context.Context, userID, symbol string, assetType model.AssetType, excludeID int64) (int64, error) {
	var held int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN type = 'buy' THEN quantity ELSE -quantity END), 0)::BIGINT
		 FROM transactions
		 WHERE user_id = $1 AND symbol = $2 AND LOWER(TRIM(asset_type)) = ANY($3) AND id <> $4`,
		userID, symbol, assetType.Spellings(), excludeID).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("held quantity %s/%s: %w", userID, symbol, err)
	}
	return held, nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO transactions (user_id, symbol, quantity, price, type, asset_type)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 RETURNING id, timestamp`,
		tr.UserID, tr.Symbol, tr.Quantity, tr.Price.String(), string(tr.Type), string(tr.AssetType),
	).Scan(&tr.ID, &tr.Timestamp)
}

func (t *pgTx) ListHolding(ctx context.Context, userID, symbol string, assetType model.AssetType) ([]model.Transaction, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+transactionColumns+`
		 FROM transactions
		 WHERE user_id = $1 AND symbol = $2 AND LOWER(TRIM(asset_type)) = ANY($3)
		 ORDER BY id`,
		userID, symbol, assetType.Spellings())
	if err != nil {
		return nil, fmt.Errorf("list holding %s/%s: %w", userID, symbol, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (t *pgTx) GetTransaction(ctx context.Context, id int64) (*model.Transaction, error) {
	var e model.Transaction
	var priceS, txType, assetType string
	err := t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id).
		Scan(&e.ID, &e.UserID, &e.Symbol, &e.Quantity, &priceS, &txType, &assetType, &e.Timestamp)
	if isNoRows(err) {
		return nil, fmt.Errorf("transaction %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %d: %w", id, err)
	}

	e.Price, err = decimal.NewFromString(priceS)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", priceS, err)
	}
	e.Type = model.TxType(txType)
	e.AssetType = model.AssetType(assetType).Normalize()
	return &e, nil
}

func (t *pgTx) DeleteTransaction(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertSettlementTransaction(ctx context.Context, st *model.SettlementTransaction) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO settlement_transactions (user_id, amount, action)
		 VALUES ($1, $2::NUMERIC, $3)
		 RETURNING id, timestamp`,
		st.UserID, st.Amount.String(), string(st.Action),
	).Scan(&st.ID, &st.Timestamp)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	entries := []model.Transaction{}
	for rows.Next() {
		var e model.Transaction
		var priceS, txType, assetType string

		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &e.Quantity,
			&priceS, &txType, &assetType, &e.Timestamp); err != nil {
			return nil, err
		}

		price, err := decimal.NewFromString(priceS)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", priceS, err)
		}
		e.Price = price
		e.Type = model.TxType(txType)
		e.AssetType = model.AssetType(assetType).Normalize()

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// isNoRows reports whether err is pgx's empty-result error.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

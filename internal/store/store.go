// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), SQLite via GORM
// (single-node deployments), Redis (read-through cache), and in-memory
// (for testing).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

// Store is the persistence interface. Every mutation happens inside InTx so
// that balance changes and ledger writes commit or roll back together.
type Store interface {
	// InTx runs fn as one atomic unit. A non-nil error from fn rolls back
	// every write fn made and is returned unchanged.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// GetOrCreateAccount returns the settlement account of userID, creating
	// it with a zero balance on first access. Repeated calls never create
	// more than one account.
	GetOrCreateAccount(ctx context.Context, userID string) (*model.SettlementAccount, error)

	// ListTransactions returns the ledger of userID, newest first.
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)

	// ListAllTransactions returns the ledger of every user, newest first.
	ListAllTransactions(ctx context.Context) ([]model.Transaction, error)

	// ListSettlementTransactions returns the cash audit trail of userID, newest first.
	ListSettlementTransactions(ctx context.Context, userID string) ([]model.SettlementTransaction, error)

	// Erase removes every ledger entry, account and audit record.
	Erase(ctx context.Context) error
}

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	// LockAccount gets or creates the account of userID and holds a row lock
	// on it until the unit ends. It returns the current balance.
	LockAccount(ctx context.Context, userID string) (decimal.Decimal, error)

	// SetBalance overwrites the balance of an account locked by this unit.
	SetBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// HeldQuantity is the signed quantity sum of the user's entries for
	// (symbol, assetType), ignoring the entry with id excludeID (0 ignores none).
	HeldQuantity(ctx context.Context, userID, symbol string, assetType model.AssetType, excludeID int64) (int64, error)

	// ListHolding returns the user's entries for (symbol, assetType) in
	// execution order, oldest first.
	ListHolding(ctx context.Context, userID, symbol string, assetType model.AssetType) ([]model.Transaction, error)

	// InsertTransaction appends a ledger entry, assigning ID and Timestamp.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// GetTransaction returns model.ErrNotFound for an unknown id.
	GetTransaction(ctx context.Context, id int64) (*model.Transaction, error)

	// DeleteTransaction returns model.ErrNotFound for an unknown id.
	DeleteTransaction(ctx context.Context, id int64) error

	// InsertSettlementTransaction appends a cash audit record, assigning ID
	// and Timestamp.
	InsertSettlementTransaction(ctx context.Context, st *model.SettlementTransaction) error
}

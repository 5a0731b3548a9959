package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

// Table rows. Decimals are stored as text so SQLite never rounds them
// through a float.
type transactionRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"not null;index:idx_transactions_holding"`
	Symbol    string    `gorm:"not null;index:idx_transactions_holding"`
	Quantity  int64     `gorm:"not null"`
	Price     string    `gorm:"not null"`
	Type      string    `gorm:"not null"`
	AssetType string    `gorm:"not null;default:stock;index:idx_transactions_holding"`
	Timestamp time.Time `gorm:"not null"`
}

func (transactionRow) TableName() string { return "transactions" }

type accountRow struct {
	UserID  string `gorm:"primaryKey"`
	Balance string `gorm:"not null;default:0"`
}

func (accountRow) TableName() string { return "settlement_accounts" }

type settlementRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"not null;index"`
	Amount    string    `gorm:"not null"`
	Action    string    `gorm:"not null"`
	Timestamp time.Time `gorm:"not null"`
}

func (settlementRow) TableName() string { return "settlement_transactions" }

// GormStore implements Store on GORM. It is used with SQLite, where the
// database write lock serializes units; the pool is capped at one connection
// so a unit never waits on itself.
type GormStore struct {
	db *gorm.DB
}

// ensure GormStore implements the interface
var _ Store = (*GormStore)(nil)

// OpenSQLite opens a SQLite database and optionally migrates the schema.
// Use "file::memory:" for an ephemeral database.
func OpenSQLite(dsn string, migrate bool) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := NewGormStore(db)
	if migrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewGormStore wraps an open GORM connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&transactionRow{}, &accountRow{}, &settlementRow{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (s *GormStore) GetOrCreateAccount(ctx context.Context, userID string) (*model.SettlementAccount, error) {
	row := accountRow{UserID: userID, Balance: "0"}
	if err := s.db.WithContext(ctx).FirstOrCreate(&row, accountRow{UserID: userID}).Error; err != nil {
		return nil, fmt.Errorf("get or create account %s: %w", userID, err)
	}
	bal, err := decimal.NewFromString(row.Balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", row.Balance, err)
	}
	return &model.SettlementAccount{UserID: userID, Balance: bal}, nil
}

func (s *GormStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toTransactions(rows)
}

func (s *GormStore) ListAllTransactions(ctx context.Context) ([]model.Transaction, error) {
	var rows []transactionRow
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toTransactions(rows)
}

func (s *GormStore) ListSettlementTransactions(ctx context.Context, userID string) ([]model.SettlementTransaction, error) {
	var rows []settlementRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make([]model.SettlementTransaction, 0, len(rows))
	for _, r := range rows {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", r.Amount, err)
		}
		result = append(result, model.SettlementTransaction{
			ID:        r.ID,
			UserID:    r.UserID,
			Amount:    amount,
			Action:    model.SettlementAction(r.Action),
			Timestamp: r.Timestamp,
		})
	}
	return result, nil
}

func (s *GormStore) Erase(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, table := range []any{&transactionRow{}, &settlementRow{}, &accountRow{}} {
			if err := all.Delete(table).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// gormTx implements Tx on a GORM transaction.
type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) LockAccount(_ context.Context, userID string) (decimal.Decimal, error) {
	row := accountRow{UserID: userID, Balance: "0"}
	if err := t.db.FirstOrCreate(&row, accountRow{UserID: userID}).Error; err != nil {
		return decimal.Zero, fmt.Errorf("lock account %s: %w", userID, err)
	}
	bal, err := decimal.NewFromString(row.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", row.Balance, err)
	}
	return bal, nil
}

func (t *gormTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	return t.db.Model(&accountRow{}).Where("user_id = ?", userID).Update("balance", balance.String()).Error
}

func (t *gormTx) HeldQuantity(_ context.Context, userID, symbol string, assetType model.AssetType, excludeID int64) (int64, error) {
	var held int64
	err := t.db.Model(&transactionRow{}).
		Select("COALESCE(SUM(CASE WHEN type = 'buy' THEN quantity ELSE -quantity END), 0)").
		Where("user_id = ? AND symbol = ? AND LOWER(TRIM(asset_type)) IN ? AND id <> ?", userID, symbol, assetType.Spellings(), excludeID).
		Row().Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("held quantity %s/%s: %w", userID, symbol, err)
	}
	return held, nil
}

func (t *gormTx) ListHolding(_ context.Context, userID, symbol string, assetType model.AssetType) ([]model.Transaction, error) {
	var rows []transactionRow
	err := t.db.Where("user_id = ? AND symbol = ? AND LOWER(TRIM(asset_type)) IN ?", userID, symbol, assetType.Spellings()).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list holding %s/%s: %w", userID, symbol, err)
	}
	return toTransactions(rows)
}

func (t *gormTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	row := transactionRow{
		UserID:    tr.UserID,
		Symbol:    tr.Symbol,
		Quantity:  tr.Quantity,
		Price:     tr.Price.String(),
		Type:      string(tr.Type),
		AssetType: string(tr.AssetType),
		Timestamp: time.Now().UTC(),
	}
	if err := t.db.Create(&row).Error; err != nil {
		return err
	}
	tr.ID = row.ID
	tr.Timestamp = row.Timestamp
	return nil
}

func (t *gormTx) GetTransaction(_ context.Context, id int64) (*model.Transaction, error) {
	var row transactionRow
	err := t.db.First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("transaction %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

func (t *gormTx) DeleteTransaction(_ context.Context, id int64) error {
	res := t.db.Delete(&transactionRow{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transaction %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func (t *gormTx) InsertSettlementTransaction(_ context.Context, st *model.SettlementTransaction) error {
	row := settlementRow{
		UserID:    st.UserID,
		Amount:    st.Amount.String(),
		Action:    string(st.Action),
		Timestamp: time.Now().UTC(),
	}
	if err := t.db.Create(&row).Error; err != nil {
		return err
	}
	st.ID = row.ID
	st.Timestamp = row.Timestamp
	return nil
}

func (r transactionRow) toModel() (*model.Transaction, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", r.Price, err)
	}
	return &model.Transaction{
		ID:        r.ID,
		UserID:    r.UserID,
		Symbol:    r.Symbol,
		Quantity:  r.Quantity,
		Price:     price,
		Type:      model.TxType(r.Type),
		AssetType: model.AssetType(r.AssetType).Normalize(),
		Timestamp: r.Timestamp,
	}, nil
}

func toTransactions(rows []transactionRow) ([]model.Transaction, error) {
	result := make([]model.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, nil
}

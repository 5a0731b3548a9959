// Package trade executes buy and sell orders against the settlement account
// and the ledger, and reverses them on deletion.
//
// Each order runs as one store unit: lock the account row, check funds or
// holdings, move cash, append the entry. The quote is fetched before the
// unit starts so that no row lock is held across a network call.
package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/events"
	"github.com/stockfolio/portfolio-engine/internal/metrics"
	"github.com/stockfolio/portfolio-engine/internal/model"
	"github.com/stockfolio/portfolio-engine/internal/quote"
	"github.com/stockfolio/portfolio-engine/internal/store"
)

// Engine executes and reverses orders.
type Engine struct {
	store   store.Store
	quotes  quote.Gateway
	rounder *currency.Rounder
	events  events.Publisher
	logger  *zap.Logger
}

// NewEngine creates an order engine. Pass events.Nop{} when no sink is needed.
func NewEngine(st store.Store, quotes quote.Gateway, rounder *currency.Rounder, pub events.Publisher, logger *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		quotes:  quotes,
		rounder: rounder,
		events:  pub,
		logger:  logger,
	}
}

// Order is an incoming buy or sell request. AssetType is the raw client
// value; empty means stock.
type Order struct {
	UserID    string
	Symbol    string
	Quantity  int64
	Type      model.TxType
	AssetType string
}

func (o Order) validate() (model.AssetType, error) {
	if strings.TrimSpace(o.UserID) == "" {
		return "", fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return "", fmt.Errorf("%w: symbol is required", model.ErrInvalidInput)
	}
	if o.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be a positive integer", model.ErrInvalidInput)
	}
	if !o.Type.Valid() {
		return "", fmt.Errorf("%w: type must be buy or sell", model.ErrInvalidInput)
	}
	assetType, ok := model.ParseAssetType(o.AssetType)
	if !ok {
		return "", fmt.Errorf("%w: unknown asset_type %q", model.ErrInvalidInput, o.AssetType)
	}
	return assetType, nil
}

// Execute validates the order, prices it at the current quote and applies it
// atomically. On any failure nothing is written.
func (e *Engine) Execute(ctx context.Context, o Order) (*model.Transaction, error) {
	start := time.Now()

	assetType, err := o.validate()
	if err != nil {
		metrics.OrderRejections.WithLabelValues("invalid_input").Inc()
		return nil, err
	}
	symbol := strings.TrimSpace(o.Symbol)

	price, err := e.quotes.Price(ctx, symbol)
	if err != nil {
		metrics.OrderRejections.WithLabelValues("quote_unavailable").Inc()
		return nil, fmt.Errorf("%w: %s: %w", model.ErrQuoteUnavailable, symbol, err)
	}

	tx := model.Transaction{
		UserID:    o.UserID,
		Symbol:    symbol,
		Quantity:  o.Quantity,
		Price:     e.rounder.Round(price),
		Type:      o.Type,
		AssetType: assetType,
	}
	amount := tx.Amount()

	var balance decimal.Decimal
	err = e.store.InTx(ctx, func(st store.Tx) error {
		current, err := st.LockAccount(ctx, tx.UserID)
		if err != nil {
			return err
		}

		switch tx.Type {
		case model.Buy:
			if current.LessThan(amount) {
				return fmt.Errorf("%w: need %s, have %s",
					model.ErrInsufficientFunds, e.rounder.Format(amount), e.rounder.Format(current))
			}
			balance = current.Sub(amount)
		case model.Sell:
			held, err := st.HeldQuantity(ctx, tx.UserID, tx.Symbol, tx.AssetType, 0)
			if err != nil {
				return err
			}
			if held < tx.Quantity {
				return fmt.Errorf("%w: hold %d %s, selling %d",
					model.ErrInsufficientHoldings, held, tx.Symbol, tx.Quantity)
			}
			balance = current.Add(amount)
		}

		if err := st.SetBalance(ctx, tx.UserID, balance); err != nil {
			return err
		}
		return st.InsertTransaction(ctx, &tx)
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(tx.Type), string(tx.AssetType)).Inc()
	metrics.OrderLatency.WithLabelValues(string(tx.Type)).Observe(time.Since(start).Seconds())

	e.logger.Info("order executed",
		zap.Int64("id", tx.ID),
		zap.String("user", tx.UserID),
		zap.String("symbol", tx.Symbol),
		zap.String("type", string(tx.Type)),
		zap.String("asset_type", string(tx.AssetType)),
		zap.Int64("qty", tx.Quantity),
		zap.String("price", tx.Price.String()),
		zap.String("balance", balance.String()),
	)

	e.events.Publish(ctx, events.New(events.TransactionCreated, tx.UserID).
		WithTransaction(tx).
		WithBalance(balance))

	return &tx, nil
}

// Delete removes a ledger entry and reverses its cash effect: a buy's cost is
// credited back, a sell's proceeds are debited. Deleting a buy fails with
// model.ErrHoldingsConflict if, without it, the holding would dip below zero
// at any point of the remaining ledger replayed in execution order. A later
// buy does not cover an earlier sell.
func (e *Engine) Delete(ctx context.Context, id int64) (*model.Transaction, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: invalid transaction id %d", model.ErrInvalidInput, id)
	}

	var deleted *model.Transaction
	var balance decimal.Decimal
	err := e.store.InTx(ctx, func(st store.Tx) error {
		tx, err := st.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		current, err := st.LockAccount(ctx, tx.UserID)
		if err != nil {
			return err
		}
		amount := tx.Amount()

		switch tx.Type {
		case model.Buy:
			entries, err := st.ListHolding(ctx, tx.UserID, tx.Symbol, tx.AssetType)
			if err != nil {
				return err
			}
			if at, low := lowestRunningHolding(entries, tx.ID); low < 0 {
				return fmt.Errorf("%w: %s would be %d after transaction %d",
					model.ErrHoldingsConflict, tx.Symbol, low, at)
			}
			balance = current.Add(amount)
		case model.Sell:
			if current.LessThan(amount) {
				return fmt.Errorf("%w: reversing sell needs %s, have %s",
					model.ErrInsufficientFunds, e.rounder.Format(amount), e.rounder.Format(current))
			}
			balance = current.Sub(amount)
		default:
			return fmt.Errorf("transaction %d has unknown type %q", tx.ID, tx.Type)
		}

		if err := st.DeleteTransaction(ctx, tx.ID); err != nil {
			return err
		}
		if err := st.SetBalance(ctx, tx.UserID, balance); err != nil {
			return err
		}
		deleted = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Reversals.WithLabelValues(string(deleted.Type)).Inc()
	e.logger.Info("transaction deleted",
		zap.Int64("id", deleted.ID),
		zap.String("user", deleted.UserID),
		zap.String("type", string(deleted.Type)),
		zap.String("balance", balance.String()),
	)

	e.events.Publish(ctx, events.New(events.TransactionDeleted, deleted.UserID).
		WithTransaction(*deleted).
		WithBalance(balance))

	return deleted, nil
}

// History returns the ledger of userID, newest first.
func (e *Engine) History(ctx context.Context, userID string) ([]model.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	return e.store.ListTransactions(ctx, userID)
}

// All returns every ledger entry, newest first.
func (e *Engine) All(ctx context.Context) ([]model.Transaction, error) {
	return e.store.ListAllTransactions(ctx)
}

// Erase wipes the ledger, every account and the cash audit trail.
func (e *Engine) Erase(ctx context.Context) error {
	if err := e.store.Erase(ctx); err != nil {
		return err
	}
	e.logger.Warn("all data erased")
	e.events.Publish(ctx, events.New(events.LedgerErased, ""))
	return nil
}

// lowestRunningHolding replays entries (oldest first) without the one with id
// skip and returns the lowest running quantity and the entry where it occurs.
func lowestRunningHolding(entries []model.Transaction, skip int64) (at int64, low int64) {
	var running int64
	for _, e := range entries {
		if e.ID == skip {
			continue
		}
		running += e.SignedQuantity()
		if running < low {
			low, at = running, e.ID
		}
	}
	return at, low
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientHoldings):
		return "insufficient_holdings"
	}
	return "internal"
}

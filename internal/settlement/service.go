// Package settlement manages the per-user cash account: lazy creation,
// deposits, withdrawals and the audit trail of both.
package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/events"
	"github.com/stockfolio/portfolio-engine/internal/metrics"
	"github.com/stockfolio/portfolio-engine/internal/model"
	"github.com/stockfolio/portfolio-engine/internal/store"
)

// Service adjusts and reads settlement accounts.
type Service struct {
	store   store.Store
	rounder *currency.Rounder
	events  events.Publisher
	logger  *zap.Logger
}

// NewService creates a settlement service.
func NewService(st store.Store, rounder *currency.Rounder, pub events.Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		rounder: rounder,
		events:  pub,
		logger:  logger,
	}
}

// Balance returns the account of userID, creating it with a zero balance on
// first read.
func (s *Service) Balance(ctx context.Context, userID string) (*model.SettlementAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	return s.store.GetOrCreateAccount(ctx, userID)
}

// Adjust adds or withdraws amount, rounded to the currency's minor unit, and
// records the movement. The balance update and the audit record commit
// together. A withdrawal larger than the balance fails with
// model.ErrInsufficientFunds.
func (s *Service) Adjust(ctx context.Context, userID string, amount decimal.Decimal, action model.SettlementAction) (*model.SettlementAccount, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: action must be add or withdraw", model.ErrInvalidInput)
	}
	amount = s.rounder.Round(amount)
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}

	audit := model.SettlementTransaction{UserID: userID, Amount: amount, Action: action}
	var balance decimal.Decimal
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		if action == model.Withdraw {
			if amount.GreaterThan(current) {
				return fmt.Errorf("%w: withdraw %s, have %s",
					model.ErrInsufficientFunds, s.rounder.Format(amount), s.rounder.Format(current))
			}
			balance = current.Sub(amount)
		} else {
			balance = current.Add(amount)
		}

		if err := tx.SetBalance(ctx, userID, balance); err != nil {
			return err
		}
		return tx.InsertSettlementTransaction(ctx, &audit)
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementAdjustments.WithLabelValues(string(action)).Inc()
	s.logger.Info("settlement adjusted",
		zap.String("user", userID),
		zap.String("action", string(action)),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()),
	)

	s.events.Publish(ctx, events.New(events.SettlementAdjusted, userID).
		WithSettlement(audit).
		WithBalance(balance))

	return &model.SettlementAccount{UserID: userID, Balance: balance}, nil
}

// History returns the cash audit trail of userID, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]model.SettlementTransaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}
	return s.store.ListSettlementTransactions(ctx, userID)
}

// Package portfolio derives holdings, valuation and diversification from the
// ledger. Nothing here is persisted; every read recomputes from the entries.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/metrics"
	"github.com/stockfolio/portfolio-engine/internal/model"
	"github.com/stockfolio/portfolio-engine/internal/quote"
)

// LedgerReader is the part of the store the aggregator needs.
type LedgerReader interface {
	ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error)
}

var hundred = decimal.NewFromInt(100)

// DefaultConcurrency bounds parallel quote lookups per portfolio read.
const DefaultConcurrency = 4

// Aggregator builds portfolios.
type Aggregator struct {
	ledger      LedgerReader
	quotes      quote.Gateway
	rounder     *currency.Rounder
	logger      *zap.Logger
	concurrency int
}

// NewAggregator creates an aggregator. concurrency <= 0 uses DefaultConcurrency.
func NewAggregator(ledger LedgerReader, quotes quote.Gateway, rounder *currency.Rounder, logger *zap.Logger, concurrency int) *Aggregator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Aggregator{
		ledger:      ledger,
		quotes:      quotes,
		rounder:     rounder,
		logger:      logger,
		concurrency: concurrency,
	}
}

type holdingKey struct {
	symbol    string
	assetType model.AssetType
}

type position struct {
	quantity int64
	buyQty   int64
	buyCost  decimal.Decimal
}

// Portfolio returns the holdings of userID valued at live prices. A holding
// whose quote fails is valued at its average cost and tagged as fallback;
// the request itself does not fail.
func (a *Aggregator) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput)
	}

	entries, err := a.ledger.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}

	holdings := Holdings(entries)
	a.price(ctx, holdings)

	p := &model.Portfolio{
		UserID:     userID,
		Holdings:   holdings,
		TotalValue: decimal.Zero,
	}
	byClass := make(map[model.AssetType]decimal.Decimal)
	for i := range holdings {
		h := &holdings[i]
		p.TotalValue = p.TotalValue.Add(h.Value)
		byClass[h.AssetType] = byClass[h.AssetType].Add(h.Value)
		if h.PriceSource == model.PriceFallback {
			p.Stale = true
		}
	}
	p.Diversification = diversify(byClass, p.TotalValue)

	if p.Stale {
		metrics.StalePortfolios.Inc()
	}
	return p, nil
}

// Holdings groups entries by (symbol, asset type) and keeps the groups with a
// positive net quantity. The average price is total buy cost over total buy
// quantity; sells do not change it. Prices are not filled in. The result is
// ordered by asset type, then symbol.
func Holdings(entries []model.Transaction) []model.Holding {
	positions := make(map[holdingKey]*position)
	for _, e := range entries {
		key := holdingKey{symbol: e.Symbol, assetType: e.AssetType.Normalize()}
		pos, ok := positions[key]
		if !ok {
			pos = &position{buyCost: decimal.Zero}
			positions[key] = pos
		}
		pos.quantity += e.SignedQuantity()
		if e.Type == model.Buy {
			pos.buyQty += e.Quantity
			pos.buyCost = pos.buyCost.Add(e.Amount())
		}
	}

	holdings := make([]model.Holding, 0, len(positions))
	for key, pos := range positions {
		if pos.quantity <= 0 || pos.buyQty == 0 {
			continue
		}
		holdings = append(holdings, model.Holding{
			Symbol:    key.symbol,
			AssetType: key.assetType,
			Quantity:  pos.quantity,
			AvgPrice:  pos.buyCost.Div(decimal.NewFromInt(pos.buyQty)),
		})
	}

	sort.Slice(holdings, func(i, j int) bool {
		if holdings[i].AssetType != holdings[j].AssetType {
			return holdings[i].AssetType < holdings[j].AssetType
		}
		return holdings[i].Symbol < holdings[j].Symbol
	})
	return holdings
}

// price fetches quotes concurrently and fills in the valuation fields.
func (a *Aggregator) price(ctx context.Context, holdings []model.Holding) {
	var g errgroup.Group
	g.SetLimit(a.concurrency)

	for i := range holdings {
		h := &holdings[i]
		g.Go(func() error {
			current, err := a.quotes.Price(ctx, h.Symbol)
			if err != nil {
				a.logger.Warn("quote failed, valuing at average price",
					zap.String("symbol", h.Symbol),
					zap.Error(err))
				current = h.AvgPrice
				h.PriceSource = model.PriceFallback
			} else {
				h.PriceSource = model.PriceLive
			}

			qty := decimal.NewFromInt(h.Quantity)
			h.CurrentPrice = a.rounder.Round(current)
			h.Value = a.rounder.Round(current.Mul(qty))
			h.ProfitLoss = a.rounder.Round(current.Sub(h.AvgPrice).Mul(qty))
			h.AvgPrice = a.rounder.Round(h.AvgPrice)
			return nil
		})
	}
	_ = g.Wait() // workers never fail
}

// diversify returns each class's share of total in percent, two decimals.
// A zero total yields all zeros.
func diversify(byClass map[model.AssetType]decimal.Decimal, total decimal.Decimal) model.Diversification {
	div := model.Diversification{
		Stocks:      decimal.Zero,
		Bonds:       decimal.Zero,
		MutualFunds: decimal.Zero,
	}
	if !total.IsPositive() {
		return div
	}

	pct := func(v decimal.Decimal) decimal.Decimal {
		return v.Div(total).Mul(hundred).Round(2)
	}
	div.Stocks = pct(byClass[model.Stock])
	div.Bonds = pct(byClass[model.Bond])
	div.MutualFunds = pct(byClass[model.MutualFund])
	return div
}

package portfolio

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubLedger struct {
	entries []model.Transaction
	err     error
}

func (s stubLedger) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Transaction
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type stubQuotes struct {
	mu     sync.Mutex
	prices map[string]string
	calls  int
}

func (s *stubQuotes) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, model.ErrProvider
	}
	return d(p), nil
}

func entry(symbol string, asset model.AssetType, typ model.TxType, qty int64, price string) model.Transaction {
	return model.Transaction{UserID: "alice", Symbol: symbol, AssetType: asset, Type: typ, Quantity: qty, Price: d(price)}
}

func newAggregator(entries []model.Transaction, prices map[string]string) (*Aggregator, *stubQuotes) {
	q := &stubQuotes{prices: prices}
	return NewAggregator(stubLedger{entries: entries}, q, currency.MustRounder("USD"), zap.NewNop(), 2), q
}

func TestHoldings_AverageCostIgnoresSells(t *testing.T) {
	holdings := Holdings([]model.Transaction{
		entry("AAPL", model.Stock, model.Buy, 2, "100"),
		entry("AAPL", model.Stock, model.Buy, 2, "200"),
		entry("AAPL", model.Stock, model.Sell, 3, "300"),
	})

	require.Len(t, holdings, 1)
	assert.Equal(t, int64(1), holdings[0].Quantity)
	assert.True(t, holdings[0].AvgPrice.Equal(d("150")), "avg %s", holdings[0].AvgPrice)
}

func TestHoldings_FiltersClosedAndSorts(t *testing.T) {
	holdings := Holdings([]model.Transaction{
		entry("MSFT", model.Stock, model.Buy, 1, "300"),
		entry("MSFT", model.Stock, model.Sell, 1, "310"),
		entry("VTI", model.MutualFund, model.Buy, 1, "200"),
		entry("TLT", model.Bond, model.Buy, 1, "90"),
		entry("AAPL", model.Stock, model.Buy, 1, "150"),
		entry("AAPL", "common stock", model.Buy, 1, "150"),
	})

	require.Len(t, holdings, 3)
	assert.Equal(t, model.Bond, holdings[0].AssetType)
	assert.Equal(t, model.MutualFund, holdings[1].AssetType)
	assert.Equal(t, "AAPL", holdings[2].Symbol)
	assert.Equal(t, int64(2), holdings[2].Quantity, "legacy spelling merges into stock")
}

func TestPortfolio_LiveValuation(t *testing.T) {
	agg, _ := newAggregator([]model.Transaction{
		entry("AAPL", model.Stock, model.Buy, 2, "150"),
		entry("TLT", model.Bond, model.Buy, 1, "100"),
	}, map[string]string{"AAPL": "175", "TLT": "150"})

	p, err := agg.Portfolio(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 2)
	assert.False(t, p.Stale)

	aapl := p.Holdings[1]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, model.PriceLive, aapl.PriceSource)
	assert.True(t, aapl.Value.Equal(d("350")))
	assert.True(t, aapl.ProfitLoss.Equal(d("50")))

	assert.True(t, p.TotalValue.Equal(d("500")))
	assert.True(t, p.Diversification.Stocks.Equal(d("70")))
	assert.True(t, p.Diversification.Bonds.Equal(d("30")))
	assert.True(t, p.Diversification.MutualFunds.IsZero())
}

func TestPortfolio_FallbackToAveragePrice(t *testing.T) {
	agg, _ := newAggregator([]model.Transaction{
		entry("AAPL", model.Stock, model.Buy, 1, "100"),
		entry("AAPL", model.Stock, model.Buy, 1, "200"),
		entry("GONE", model.Stock, model.Buy, 3, "10"),
	}, map[string]string{"AAPL": "160"})

	p, err := agg.Portfolio(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, p.Stale)

	var gone model.Holding
	for _, h := range p.Holdings {
		if h.Symbol == "GONE" {
			gone = h
		}
	}
	assert.Equal(t, model.PriceFallback, gone.PriceSource)
	assert.True(t, gone.CurrentPrice.Equal(d("10")))
	assert.True(t, gone.Value.Equal(d("30")))
	assert.True(t, gone.ProfitLoss.IsZero())

	assert.True(t, p.TotalValue.Equal(d("350")))
	assert.True(t, p.Diversification.Stocks.Equal(d("100")))
}

func TestPortfolio_ZeroTotalValue(t *testing.T) {
	agg, q := newAggregator([]model.Transaction{
		entry("AAPL", model.Stock, model.Buy, 1, "100"),
		entry("AAPL", model.Stock, model.Sell, 1, "120"),
	}, nil)

	p, err := agg.Portfolio(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, p.Holdings)
	assert.True(t, p.TotalValue.IsZero())
	assert.True(t, p.Diversification.Stocks.IsZero())
	assert.True(t, p.Diversification.Bonds.IsZero())
	assert.True(t, p.Diversification.MutualFunds.IsZero())
	assert.Equal(t, 0, q.calls)
}

func TestPortfolio_ZeroPricedHoldings(t *testing.T) {
	agg, _ := newAggregator([]model.Transaction{
		entry("FREE", model.Bond, model.Buy, 5, "0"),
	}, map[string]string{"FREE": "0"})

	p, err := agg.Portfolio(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, p.Holdings, 1)
	assert.True(t, p.TotalValue.IsZero())
	assert.True(t, p.Diversification.Bonds.IsZero())
}

func TestPortfolio_Errors(t *testing.T) {
	agg := NewAggregator(stubLedger{err: errors.New("db down")}, &stubQuotes{}, currency.MustRounder("USD"), zap.NewNop(), 0)

	_, err := agg.Portfolio(context.Background(), "alice")
	assert.EqualError(t, err, "db down")

	_, err = agg.Portfolio(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestDiversify_Rounding(t *testing.T) {
	div := diversify(map[model.AssetType]decimal.Decimal{
		model.Stock:      d("1"),
		model.Bond:       d("1"),
		model.MutualFund: d("1"),
	}, d("3"))

	assert.True(t, div.Stocks.Equal(d("33.33")), "stocks %s", div.Stocks)
	assert.True(t, div.MutualFunds.Equal(d("33.33")))
}

// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the side of a ledger entry.
type TxType string

const (
	Buy  TxType = "buy"
	Sell TxType = "sell"
)

// Valid reports whether t is buy or sell.
func (t TxType) Valid() bool {
	return t == Buy || t == Sell
}

// AssetType is the asset class of a ledger entry.
type AssetType string

const (
	Stock      AssetType = "stock"
	Bond       AssetType = "bond"
	MutualFund AssetType = "mutual_fund"

	// legacyCommonStock is accepted on input and folded into Stock.
	legacyCommonStock AssetType = "common stock"
)

// AssetTypes lists the recognized asset classes in display order.
var AssetTypes = []AssetType{Stock, Bond, MutualFund}

// ParseAssetType normalizes a raw asset type. An empty value defaults to
// Stock. The second result is false for unrecognized values.
func ParseAssetType(raw string) (AssetType, bool) {
	switch AssetType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Stock, legacyCommonStock, "common_stock":
		return Stock, true
	case Bond:
		return Bond, true
	case MutualFund:
		return MutualFund, true
	}
	return "", false
}

// Spellings lists every stored value that normalizes to a, so that storage
// filters match legacy rows the way reads fold them.
func (a AssetType) Spellings() []string {
	if a.Normalize() == Stock {
		return []string{string(Stock), string(legacyCommonStock), "common_stock"}
	}
	return []string{string(a)}
}

// Normalize folds legacy spellings into the canonical asset type. Unknown
// values are returned unchanged.
func (a AssetType) Normalize() AssetType {
	if n, ok := ParseAssetType(string(a)); ok {
		return n
	}
	return a
}

// Transaction is an immutable ledger record of an executed order.
// Entries are never updated; deletion is the only supported correction.
type Transaction struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"` // fixed at execution time
	Type      TxType          `json:"type"`
	AssetType AssetType       `json:"asset_type"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignedQuantity is +quantity for a buy and -quantity for a sell.
func (t Transaction) SignedQuantity() int64 {
	if t.Type == Sell {
		return -t.Quantity
	}
	return t.Quantity
}

// Amount is quantity * price, the cash moved by this entry.
func (t Transaction) Amount() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// SettlementAccount is the mutable cash balance of one user.
type SettlementAccount struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// SettlementAction is the direction of a cash movement.
type SettlementAction string

const (
	Add      SettlementAction = "add"
	Withdraw SettlementAction = "withdraw"
)

// Valid reports whether a is add or withdraw.
func (a SettlementAction) Valid() bool {
	return a == Add || a == Withdraw
}

// SettlementTransaction is an append-only audit record of a cash movement.
// It is never consulted to recompute the balance.
type SettlementTransaction struct {
	ID        int64            `json:"id"`
	UserID    string           `json:"user_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Action    SettlementAction `json:"action"`
	Timestamp time.Time        `json:"timestamp"`
}

// PriceSource tells whether a holding was valued with a live quote or with
// its average cost because the quote was unavailable.
type PriceSource string

const (
	PriceLive     PriceSource = "live"
	PriceFallback PriceSource = "fallback"
)

// Holding is a derived, non-persisted position in one (symbol, asset type).
type Holding struct {
	Symbol       string          `json:"symbol"`
	AssetType    AssetType       `json:"asset_type"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PriceSource  PriceSource     `json:"price_source"`
	Value        decimal.Decimal `json:"value"`
	ProfitLoss   decimal.Decimal `json:"profit_loss"`
}

// Diversification is the percentage of total value held in each asset class.
type Diversification struct {
	Stocks      decimal.Decimal `json:"stocks"`
	Bonds       decimal.Decimal `json:"bonds"`
	MutualFunds decimal.Decimal `json:"mutual_funds"`
}

// Portfolio is the read projection of a user's ledger.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	Holdings        []Holding       `json:"holdings"`
	Diversification Diversification `json:"diversification"`
	TotalValue      decimal.Decimal `json:"total_value"`
	Stale           bool            `json:"stale"` // at least one fallback price
}

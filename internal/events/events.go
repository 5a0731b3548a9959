// Package events publishes ledger and settlement changes after they commit.
// Delivery is best effort: a slow or failing sink never blocks or fails the
// operation that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

// Type names an event.
type Type string

const (
	TransactionCreated Type = "transaction_created"
	TransactionDeleted Type = "transaction_deleted"
	SettlementAdjusted Type = "settlement_adjusted"
	LedgerErased       Type = "ledger_erased"
)

// Event is the payload sent to every sink.
type Event struct {
	ID          string                       `json:"id"`
	Type        Type                         `json:"type"`
	UserID      string                       `json:"user_id,omitempty"`
	Transaction *model.Transaction           `json:"transaction,omitempty"`
	Settlement  *model.SettlementTransaction `json:"settlement,omitempty"`
	Balance     *decimal.Decimal             `json:"balance,omitempty"`
	Timestamp   time.Time                    `json:"timestamp"`
}

// New creates an event with a fresh ID.
func New(t Type, userID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// WithTransaction attaches a ledger entry.
func (e Event) WithTransaction(t model.Transaction) Event {
	e.Transaction = &t
	return e
}

// WithSettlement attaches a cash audit record.
func (e Event) WithSettlement(st model.SettlementTransaction) Event {
	e.Settlement = &st
	return e
}

// WithBalance attaches the balance after the change.
func (e Event) WithBalance(b decimal.Decimal) Event {
	e.Balance = &b
	return e
}

// Publisher delivers events. Implementations must not block the caller for
// long and must not panic on delivery failure.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Fanout delivers each event to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, p := range f {
		p.Publish(ctx, e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

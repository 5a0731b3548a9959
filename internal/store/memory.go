package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units lock per user, so concurrent orders for one user serialize while
// different users proceed independently. Writes are staged and applied at
// commit; a failed unit leaves nothing behind.
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]decimal.Decimal
	ledger      []model.Transaction // insertion order
	settlements []model.SettlementTransaction
	nextTxID    int64
	nextSetID   int64

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// ensure MemoryStore implements the interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]decimal.Decimal),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:        s,
		locked:   make(map[string]*sync.Mutex),
		balances: make(map[string]decimal.Decimal),
		deleted:  make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *MemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for uid, bal := range tx.balances {
		s.accounts[uid] = bal
	}
	if len(tx.deleted) > 0 {
		kept := s.ledger[:0]
		for _, t := range s.ledger {
			if !tx.deleted[t.ID] {
				kept = append(kept, t)
			}
		}
		s.ledger = kept
	}
	for _, t := range tx.inserts {
		if !tx.deleted[t.ID] {
			s.ledger = append(s.ledger, t)
		}
	}
	s.settlements = append(s.settlements, tx.settlements...)
}

func (s *MemoryStore) GetOrCreateAccount(_ context.Context, userID string) (*model.SettlementAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.accounts[userID]
	if !ok {
		bal = decimal.Zero
		s.accounts[userID] = bal
	}
	return &model.SettlementAccount{UserID: userID, Balance: bal}, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Transaction{}
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID == userID {
			result = append(result, s.ledger[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListAllTransactions(_ context.Context) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Transaction, 0, len(s.ledger))
	for i := len(s.ledger) - 1; i >= 0; i-- {
		result = append(result, s.ledger[i])
	}
	return result, nil
}

func (s *MemoryStore) ListSettlementTransactions(_ context.Context, userID string) ([]model.SettlementTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.SettlementTransaction{}
	for i := len(s.settlements) - 1; i >= 0; i-- {
		if s.settlements[i].UserID == userID {
			result = append(result, s.settlements[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) Erase(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]decimal.Decimal)
	s.ledger = nil
	s.settlements = nil
	return nil
}

// memTx stages writes until commit. Reads see committed state overlaid with
// the staged writes of this unit.
type memTx struct {
	s      *MemoryStore
	locked map[string]*sync.Mutex

	balances    map[string]decimal.Decimal
	inserts     []model.Transaction
	deleted     map[int64]bool
	settlements []model.SettlementTransaction
}

func (tx *memTx) release() {
	for _, l := range tx.locked {
		l.Unlock()
	}
}

func (tx *memTx) LockAccount(_ context.Context, userID string) (decimal.Decimal, error) {
	if _, ok := tx.locked[userID]; !ok {
		l := tx.s.userLock(userID)
		l.Lock()
		tx.locked[userID] = l
	}

	if bal, ok := tx.balances[userID]; ok {
		return bal, nil
	}

	tx.s.mu.RLock()
	bal, ok := tx.s.accounts[userID]
	tx.s.mu.RUnlock()
	if !ok {
		bal = decimal.Zero
	}
	// Staging the read balance creates the account on commit.
	tx.balances[userID] = bal
	return bal, nil
}

func (tx *memTx) SetBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	if _, ok := tx.locked[userID]; !ok {
		return fmt.Errorf("set balance for %s: account not locked", userID)
	}
	tx.balances[userID] = balance
	return nil
}

func (tx *memTx) HeldQuantity(_ context.Context, userID, symbol string, assetType model.AssetType, excludeID int64) (int64, error) {
	var held int64
	count := func(t model.Transaction) {
		if t.ID == excludeID || tx.deleted[t.ID] {
			return
		}
		if t.UserID == userID && t.Symbol == symbol && t.AssetType.Normalize() == assetType.Normalize() {
			held += t.SignedQuantity()
		}
	}

	tx.s.mu.RLock()
	for _, t := range tx.s.ledger {
		count(t)
	}
	tx.s.mu.RUnlock()

	for _, t := range tx.inserts {
		count(t)
	}
	return held, nil
}

func (tx *memTx) ListHolding(_ context.Context, userID, symbol string, assetType model.AssetType) ([]model.Transaction, error) {
	var out []model.Transaction
	keep := func(t model.Transaction) {
		if tx.deleted[t.ID] {
			return
		}
		if t.UserID == userID && t.Symbol == symbol && t.AssetType.Normalize() == assetType.Normalize() {
			out = append(out, t)
		}
	}

	tx.s.mu.RLock()
	for _, t := range tx.s.ledger {
		keep(t)
	}
	tx.s.mu.RUnlock()

	for _, t := range tx.inserts {
		keep(t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) InsertTransaction(_ context.Context, t *model.Transaction) error {
	tx.s.mu.Lock()
	tx.s.nextTxID++
	t.ID = tx.s.nextTxID
	tx.s.mu.Unlock()

	t.Timestamp = time.Now().UTC()
	t.AssetType = t.AssetType.Normalize()
	tx.inserts = append(tx.inserts, *t)
	return nil
}

func (tx *memTx) GetTransaction(_ context.Context, id int64) (*model.Transaction, error) {
	if tx.deleted[id] {
		return nil, fmt.Errorf("transaction %d: %w", id, model.ErrNotFound)
	}
	for _, t := range tx.inserts {
		if t.ID == id {
			found := t
			return &found, nil
		}
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	for _, t := range tx.s.ledger {
		if t.ID == id {
			found := t
			return &found, nil
		}
	}
	return nil, fmt.Errorf("transaction %d: %w", id, model.ErrNotFound)
}

func (tx *memTx) DeleteTransaction(ctx context.Context, id int64) error {
	if _, err := tx.GetTransaction(ctx, id); err != nil {
		return err
	}
	tx.deleted[id] = true
	return nil
}

func (tx *memTx) InsertSettlementTransaction(_ context.Context, st *model.SettlementTransaction) error {
	tx.s.mu.Lock()
	tx.s.nextSetID++
	st.ID = tx.s.nextSetID
	tx.s.mu.Unlock()

	st.Timestamp = time.Now().UTC()
	tx.settlements = append(tx.settlements, *st)
	return nil
}

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockfolio/portfolio-engine/internal/model"
	"github.com/stockfolio/portfolio-engine/internal/store"
)

func newCachedStore(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	primary := store.NewMemoryStore()
	return store.NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cached, primary, mr := newCachedStore(t)

	insert(t, cached, model.Transaction{UserID: "alice", Symbol: "AAPL", Quantity: 1, Price: d("150"), Type: model.Buy, AssetType: model.Stock})

	txs, err := cached.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, mr.Exists("portfolio:ledger:alice"))

	// A write that bypasses the cache is not seen until invalidation.
	insert(t, primary, model.Transaction{UserID: "alice", Symbol: "MSFT", Quantity: 1, Price: d("300"), Type: model.Buy, AssetType: model.Stock})
	txs, err = cached.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
	assert.True(t, txs[0].Price.Equal(d("150")))
}

func TestCachedStore_InvalidatesTouchedUsers(t *testing.T) {
	ctx := context.Background()
	cached, _, mr := newCachedStore(t)

	_, err := cached.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	_, err = cached.ListSettlementTransactions(ctx, "alice")
	require.NoError(t, err)
	_, err = cached.ListTransactions(ctx, "bob")
	require.NoError(t, err)
	require.True(t, mr.Exists("portfolio:ledger:alice"))
	require.True(t, mr.Exists("portfolio:settlements:alice"))

	insert(t, cached, model.Transaction{UserID: "alice", Symbol: "AAPL", Quantity: 2, Price: d("10"), Type: model.Buy, AssetType: model.Stock})

	assert.False(t, mr.Exists("portfolio:ledger:alice"))
	assert.False(t, mr.Exists("portfolio:settlements:alice"))
	assert.True(t, mr.Exists("portfolio:ledger:bob"))

	txs, err := cached.ListTransactions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(2), txs[0].Quantity)
}

func TestCachedStore_DeleteInvalidatesOwner(t *testing.T) {
	ctx := context.Background()
	cached, _, mr := newCachedStore(t)

	tr := insert(t, cached, model.Transaction{UserID: "carol", Symbol: "TLT", Quantity: 1, Price: d("90"), Type: model.Buy, AssetType: model.Bond})
	_, err := cached.ListTransactions(ctx, "carol")
	require.NoError(t, err)
	require.True(t, mr.Exists("portfolio:ledger:carol"))

	err = cached.InTx(ctx, func(tx store.Tx) error {
		return tx.DeleteTransaction(ctx, tr.ID)
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("portfolio:ledger:carol"))
}

func TestCachedStore_EraseFlushesCache(t *testing.T) {
	ctx := context.Background()
	cached, _, mr := newCachedStore(t)

	insert(t, cached, model.Transaction{UserID: "dave", Symbol: "A", Quantity: 1, Price: d("1"), Type: model.Buy, AssetType: model.Stock})
	_, err := cached.ListTransactions(ctx, "dave")
	require.NoError(t, err)
	require.True(t, mr.Exists("portfolio:ledger:dave"))

	require.NoError(t, cached.Erase(ctx))
	assert.False(t, mr.Exists("portfolio:ledger:dave"))

	txs, err := cached.ListTransactions(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

// slowLedger holds the first ListTransactions call after its primary read
// until release is closed, so a commit can land in between.
type slowLedger struct {
	*store.MemoryStore
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *slowLedger) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	txs, err := s.MemoryStore.ListTransactions(ctx, userID)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return txs, err
}

func TestCachedStore_MissRacingCommitDoesNotFillStale(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	primary := &slowLedger{
		MemoryStore: store.NewMemoryStore(),
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	cached := store.NewCachedStore(primary, rdb, time.Minute)

	done := make(chan []model.Transaction)
	go func() {
		txs, err := cached.ListTransactions(ctx, "erin")
		assert.NoError(t, err)
		done <- txs
	}()

	<-primary.read
	insert(t, cached, model.Transaction{UserID: "erin", Symbol: "AAPL", Quantity: 1, Price: d("150"), Type: model.Buy, AssetType: model.Stock})
	close(primary.release)

	assert.Empty(t, <-done, "the racing read saw the pre-commit ledger")
	assert.False(t, mr.Exists("portfolio:ledger:erin"), "pre-commit list must not be cached")

	txs, err := cached.ListTransactions(ctx, "erin")
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// The fill after the race is kept and served.
	assert.True(t, mr.Exists("portfolio:ledger:erin"))
	txs, err = cached.ListTransactions(ctx, "erin")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestCachedStore_MissRacingEraseDoesNotFillStale(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	primary := &slowLedger{
		MemoryStore: store.NewMemoryStore(),
		read:        make(chan struct{}),
		release:     make(chan struct{}),
	}
	cached := store.NewCachedStore(primary, rdb, time.Minute)
	insert(t, primary.MemoryStore, model.Transaction{UserID: "gus", Symbol: "TLT", Quantity: 1, Price: d("90"), Type: model.Buy, AssetType: model.Bond})

	done := make(chan []model.Transaction)
	go func() {
		txs, err := cached.ListTransactions(ctx, "gus")
		assert.NoError(t, err)
		done <- txs
	}()

	<-primary.read
	require.NoError(t, cached.Erase(ctx))
	close(primary.release)
	assert.Len(t, <-done, 1)

	txs, err := cached.ListTransactions(ctx, "gus")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

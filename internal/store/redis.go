package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

const cachePrefix = "portfolio:"

// CachedStore wraps a primary Store with a Redis read-through cache for the
// per-user history lists. Writes go to the primary store and invalidate the
// cache of every user the unit touched; reads check Redis first then fall
// back to the primary. Balances are never cached.
//
// Every invalidation bumps a per-user version key (and Erase a global
// epoch). A miss records both before reading the primary and fills the cache
// only if neither moved, so a read that raced a commit never repopulates
// Redis with the pre-commit list.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// ensure CachedStore implements the interface
var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tracked := &trackingTx{users: make(map[string]struct{})}
	err := s.primary.InTx(ctx, func(tx Tx) error {
		tracked.Tx = tx
		return fn(tracked)
	})
	// Invalidate even on error: a failed commit may still have applied.
	for uid := range tracked.users {
		s.invalidate(ctx, uid)
	}
	return err
}

func (s *CachedStore) Erase(ctx context.Context) error {
	if err := s.primary.Erase(ctx); err != nil {
		return err
	}
	s.rdb.Incr(ctx, epochKey)
	for _, pattern := range []string{cachePrefix + "ledger:*", cachePrefix + "settlements:*"} {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			s.rdb.Del(ctx, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	var txs []model.Transaction
	if s.readCache(ctx, ledgerKey(userID), &txs) {
		return txs, nil
	}

	// Cache miss.
	version := s.version(ctx, userID)
	txs, err := s.primary.ListTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, userID, ledgerKey(userID), version, txs)
	return txs, nil
}

func (s *CachedStore) ListSettlementTransactions(ctx context.Context, userID string) ([]model.SettlementTransaction, error) {
	var sts []model.SettlementTransaction
	if s.readCache(ctx, settlementsKey(userID), &sts) {
		return sts, nil
	}

	version := s.version(ctx, userID)
	sts, err := s.primary.ListSettlementTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.writeCache(ctx, userID, settlementsKey(userID), version, sts)
	return sts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOrCreateAccount(ctx context.Context, userID string) (*model.SettlementAccount, error) {
	return s.primary.GetOrCreateAccount(ctx, userID)
}

func (s *CachedStore) ListAllTransactions(ctx context.Context) ([]model.Transaction, error) {
	return s.primary.ListAllTransactions(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// cacheVersion identifies the cache generation a primary read belongs to.
type cacheVersion struct {
	epoch, user string
	ok          bool
}

// version snapshots the epoch and the user's version. A Redis error yields a
// version that never matches, which disables the fill.
func (s *CachedStore) version(ctx context.Context, userID string) cacheVersion {
	vals, err := s.rdb.MGet(ctx, epochKey, versionKey(userID)).Result()
	if err != nil {
		return cacheVersion{}
	}
	return cacheVersion{epoch: asString(vals[0]), user: asString(vals[1]), ok: true}
}

// writeCache stores v under key only if no invalidation happened since
// version was taken. WATCH makes the check and the SET atomic.
func (s *CachedStore) writeCache(ctx context.Context, userID, key string, version cacheVersion, v any) {
	if !version.ok {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	vkey := versionKey(userID)
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, epochKey, vkey).Result()
		if err != nil {
			return err
		}
		if asString(vals[0]) != version.epoch || asString(vals[1]) != version.user {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, epochKey, vkey)
}

// invalidate bumps the user's version before dropping the cached lists, so
// fills that started earlier are refused.
func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	_, _ = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, versionKey(userID))
		p.Expire(ctx, versionKey(userID), versionTTL)
		p.Del(ctx, ledgerKey(userID), settlementsKey(userID))
		return nil
	})
}

var errStaleFill = errors.New("cache fill raced an invalidation")

// versionTTL outlives any in-flight read by a wide margin.
const versionTTL = 24 * time.Hour

var epochKey = cachePrefix + "epoch"

func ledgerKey(uid string) string      { return fmt.Sprintf("%sledger:%s", cachePrefix, uid) }
func settlementsKey(uid string) string { return fmt.Sprintf("%ssettlements:%s", cachePrefix, uid) }
func versionKey(uid string) string     { return fmt.Sprintf("%sversion:%s", cachePrefix, uid) }

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// trackingTx records every user whose rows a unit may change.
type trackingTx struct {
	Tx
	users map[string]struct{}
}

func (t *trackingTx) LockAccount(ctx context.Context, userID string) (decimal.Decimal, error) {
	t.users[userID] = struct{}{}
	return t.Tx.LockAccount(ctx, userID)
}

func (t *trackingTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	t.users[tr.UserID] = struct{}{}
	return t.Tx.InsertTransaction(ctx, tr)
}

func (t *trackingTx) DeleteTransaction(ctx context.Context, id int64) error {
	if tr, err := t.Tx.GetTransaction(ctx, id); err == nil {
		t.users[tr.UserID] = struct{}{}
	}
	return t.Tx.DeleteTransaction(ctx, id)
}

func (t *trackingTx) InsertSettlementTransaction(ctx context.Context, st *model.SettlementTransaction) error {
	t.users[st.UserID] = struct{}{}
	return t.Tx.InsertSettlementTransaction(ctx, st)
}

package settlement_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/events"
	"github.com/stockfolio/portfolio-engine/internal/model"
	"github.com/stockfolio/portfolio-engine/internal/settlement"
	"github.com/stockfolio/portfolio-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService(t *testing.T) (*settlement.Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return settlement.NewService(st, currency.MustRounder("USD"), events.Nop{}, zap.NewNop()), st
}

func TestBalance_LazyAndIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Balance(ctx, "new-user")
	require.NoError(t, err)
	second, err := svc.Balance(ctx, "new-user")
	require.NoError(t, err)

	assert.Equal(t, "0.00", first.Balance.StringFixed(2))
	assert.Equal(t, "0.00", second.Balance.StringFixed(2))

	_, err = svc.Balance(ctx, "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestAdjust_AddAndWithdraw(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	acct, err := svc.Adjust(ctx, "alice", d("1000"), model.Add)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("1000")))

	acct, err = svc.Adjust(ctx, "alice", d("250.50"), model.Withdraw)
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("749.50")))

	got, err := svc.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("749.50")))

	history, err := svc.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.Withdraw, history[0].Action, "newest first")
	assert.True(t, history[0].Amount.Equal(d("250.50")))
	assert.Equal(t, model.Add, history[1].Action)
}

func TestAdjust_OverWithdrawRejected(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "bob", d("100"), model.Add)
	require.NoError(t, err)

	_, err = svc.Adjust(ctx, "bob", d("100.01"), model.Withdraw)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)

	got, err := svc.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("100")))

	history, err := svc.History(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, history, 1, "rejected withdrawal leaves no audit record")
}

func TestAdjust_WithdrawEntireBalance(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "carol", d("42.10"), model.Add)
	require.NoError(t, err)
	acct, err := svc.Adjust(ctx, "carol", d("42.10"), model.Withdraw)
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero())
}

func TestAdjust_InvalidAmount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, amount := range []string{"0", "-5", "0.004"} {
		_, err := svc.Adjust(ctx, "dave", d(amount), model.Add)
		assert.ErrorIs(t, err, model.ErrInvalidAmount, "amount %s", amount)
	}

	_, err := svc.Adjust(ctx, "dave", d("10"), "borrow")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestAdjust_RoundsToCents(t *testing.T) {
	svc, _ := newService(t)

	acct, err := svc.Adjust(context.Background(), "erin", d("10.005"), model.Add)
	require.NoError(t, err)
	assert.Equal(t, "10.01", acct.Balance.StringFixed(2))
}

func TestAdjust_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "frank", d("100"), model.Add)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Adjust(ctx, "frank", d("15"), model.Withdraw)
		}()
	}
	wg.Wait()

	got, err := svc.Balance(ctx, "frank")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("10")), "balance %s", got.Balance)
	assert.False(t, got.Balance.IsNegative())
}

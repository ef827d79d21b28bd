package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/domain"
)

const testAccount = "0x1378a57fA42b647B80475bF280985362A6136aa6"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedger_CreditAndDebit(t *testing.T) {
	ctx := context.Background()
	l := New()

	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("100")))
	require.NoError(t, l.Debit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("40")))

	b := l.Balance(ctx, testAccount)
	assert.True(t, d("60").Equal(b.Platform[domain.AssetUSDC]))
	assert.True(t, b.External[domain.AssetUSDC].IsZero())
	assert.True(t, b.Platform[domain.AssetETH].IsZero())
}

func TestLedger_DebitInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("100")))

	err := l.Debit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("120"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	var funds *domain.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.True(t, d("20").Equal(funds.Shortfall()))

	// rejected debit leaves the balance untouched
	assert.True(t, d("100").Equal(l.Balance(ctx, testAccount).Platform[domain.AssetUSDC]))
}

func TestLedger_DebitExactBalance(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("2.5")))
	require.NoError(t, l.Debit(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("2.5")))
	assert.True(t, l.Balance(ctx, testAccount).External[domain.AssetETH].IsZero())
}

func TestLedger_InvalidAmounts(t *testing.T) {
	ctx := context.Background()
	l := New()

	tests := []struct {
		name string
		fn   func() error
	}{
		{name: "zero credit", fn: func() error {
			return l.Credit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, decimal.Zero)
		}},
		{name: "negative debit", fn: func() error {
			return l.Debit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("-5"))
		}},
		{name: "too precise stable", fn: func() error {
			return l.Credit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDT, d("0.0000001"))
		}},
		{name: "unknown pool", fn: func() error {
			return l.Credit(ctx, testAccount, domain.Pool("savings"), domain.AssetUSDT, d("1"))
		}},
		{name: "same pool transfer", fn: func() error {
			return l.Transfer(ctx, testAccount, domain.PoolPlatform, domain.PoolPlatform, domain.AssetUSDT, d("1"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), domain.ErrInvalidAmount)
		})
	}
}

func TestLedger_Transfer(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolExternal, domain.AssetUSDC, d("1500")))

	require.NoError(t, l.Transfer(ctx, testAccount, domain.PoolExternal, domain.PoolPlatform, domain.AssetUSDC, d("500")))
	b := l.Balance(ctx, testAccount)
	assert.True(t, d("1000").Equal(b.External[domain.AssetUSDC]))
	assert.True(t, d("500").Equal(b.Platform[domain.AssetUSDC]))

	err := l.Transfer(ctx, testAccount, domain.PoolExternal, domain.PoolPlatform, domain.AssetUSDC, d("1000.000001"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	b = l.Balance(ctx, testAccount)
	assert.True(t, d("1500").Equal(b.External[domain.AssetUSDC].Add(b.Platform[domain.AssetUSDC])))
}

func TestLedger_Reservations(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("1")))

	require.NoError(t, l.Reserve(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("0.6"), "tx1"))
	// idempotent for the same hold
	require.NoError(t, l.Reserve(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("0.6"), "tx1"))

	b := l.Balance(ctx, testAccount)
	assert.True(t, d("0.4").Equal(b.Available(domain.PoolExternal, domain.AssetETH)))
	assert.True(t, d("0.6").Equal(b.Reserved[domain.PoolExternal][domain.AssetETH]))

	// second hold cannot exceed what is left
	err := l.Reserve(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("0.5"), "tx2")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// debits respect holds
	err = l.Debit(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("0.5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// conflicting hold under the same ref
	err = l.Reserve(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("0.1"), "tx1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, l.Consume(ctx, testAccount, "tx1"))
	b = l.Balance(ctx, testAccount)
	assert.True(t, d("0.4").Equal(b.External[domain.AssetETH]))
	assert.True(t, b.Reserved[domain.PoolExternal][domain.AssetETH].IsZero())

	assert.ErrorIs(t, l.Consume(ctx, testAccount, "tx1"), domain.ErrNotFound)
}

func TestLedger_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("1")))
	require.NoError(t, l.Reserve(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("1"), "tx1"))

	require.NoError(t, l.Release(ctx, testAccount, "tx1"))
	require.NoError(t, l.Release(ctx, testAccount, "tx1"))
	require.NoError(t, l.Release(ctx, testAccount, "unknown"))

	b := l.Balance(ctx, testAccount)
	assert.True(t, d("1").Equal(b.Available(domain.PoolExternal, domain.AssetETH)))
}

func TestLedger_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := New()
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("100")))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Debit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("3")); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, succeeded)
	assert.True(t, d("1").Equal(l.Balance(ctx, testAccount).Platform[domain.AssetUSDC]))
}

func TestLedger_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	l := New()
	assert.False(t, l.Exists(testAccount))

	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("2.5")))
	require.NoError(t, l.Credit(ctx, testAccount, domain.PoolPlatform, domain.AssetUSDC, d("100")))
	require.NoError(t, l.Reserve(ctx, testAccount, domain.PoolExternal, domain.AssetETH, d("0.02"), "tx1"))
	assert.True(t, l.Exists(testAccount))

	state := l.Snapshot(testAccount)
	require.Len(t, state.Reservations, 1)

	restored := New()
	require.NoError(t, restored.Restore(state))
	assert.Equal(t, l.Balance(ctx, testAccount), restored.Balance(ctx, testAccount))
	require.NoError(t, restored.Consume(ctx, testAccount, "tx1"))

	state.Platform[domain.AssetUSDC] = d("-1")
	assert.ErrorIs(t, New().Restore(state), domain.ErrInvalidAmount)
}

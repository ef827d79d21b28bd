package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/txlog"
)

const (
	testAccountA = "0x1378a57fA42b647B80475bF280985362A6136aa6"
	testAccountB = "0x00000000000000000000000000000000000000b0"
)

var testTime = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sampleAccount(account string) *AccountState {
	promoted := testTime.Add(time.Minute)
	return &AccountState{
		Account: account,
		Ledger: ledger.AccountState{
			Account: account,
			External: ledger.Balances{
				domain.AssetETH:  d("2.4625"),
				domain.AssetUSDC: d("1500"),
				domain.AssetUSDT: d("800"),
			},
			Platform: ledger.Balances{
				domain.AssetETH:  d("0.1"),
				domain.AssetUSDC: d("100"),
				domain.AssetUSDT: decimal.Zero,
			},
			Reservations: []ledger.Reservation{
				{Ref: "01JTX2", Pool: domain.PoolExternal, Asset: domain.AssetETH, Amount: d("0.0375")},
			},
		},
		Transactions: []txlog.Record{
			{
				ID:          "01JTX1",
				Account:     account,
				Kind:        domain.TransactionKindPayment,
				Asset:       domain.AssetUSDC,
				Amount:      d("75"),
				Status:      domain.TransactionStatusConfirmed,
				ServerID:    "srv_1",
				Method:      domain.PaymentMethodPlatform,
				Description: "Server deployment",
				Sequence:    1,
				CreatedAt:   testTime,
				UpdatedAt:   testTime,
			},
			{
				ID:           "01JTX2",
				Account:      account,
				Kind:         domain.TransactionKindPayment,
				Asset:        domain.AssetETH,
				Amount:       d("0.0375"),
				Status:       domain.TransactionStatusPending,
				ExternalHash: "0xabc",
				Method:       domain.PaymentMethodOnchain,
				Description:  "Server deployment",
				Sequence:     2,
				CreatedAt:    testTime,
				UpdatedAt:    testTime,
			},
			{
				ID:          "01JTX3",
				Account:     account,
				Kind:        domain.TransactionKindRefund,
				Asset:       domain.AssetUSDC,
				Amount:      d("25"),
				Status:      domain.TransactionStatusConfirmed,
				RefundOf:    "01JTX1",
				Description: "Refund of payment 01JTX1",
				Sequence:    3,
				CreatedAt:   testTime,
				UpdatedAt:   testTime,
			},
		},
		Servers: []registry.Server{
			{
				ID:      "srv_1",
				Account: account,
				Name:    "CPU-ab12cd",
				Config: domain.ServerConfig{
					Type:          domain.ServerTypeCPU,
					OS:            "ubuntu",
					CPUCores:      4,
					RAMGB:         8,
					StorageGB:     100,
					BandwidthMbps: 100,
					Provider:      domain.ProviderAkash,
					Region:        "us-east-1",
				},
				MonthlyCost:          d("75"),
				Status:               domain.ServerStatusRunning,
				PaymentTransactionID: "01JTX1",
				IPAddress:            "10.0.0.7",
				PromotedAt:           &promoted,
				Sequence:             1,
				CreatedAt:            testTime,
				UpdatedAt:            promoted,
			},
		},
	}
}

func assertDecimalsEqual(t *testing.T, expected, actual ledger.Balances) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for asset, amount := range expected {
		assert.True(t, amount.Equal(actual[asset]), "%s: expected %s, got %s", asset, amount, actual[asset])
	}
}

func assertAccountEqual(t *testing.T, expected, actual AccountState) {
	t.Helper()
	assert.Equal(t, expected.Account, actual.Account)
	assertDecimalsEqual(t, expected.Ledger.External, actual.Ledger.External)
	assertDecimalsEqual(t, expected.Ledger.Platform, actual.Ledger.Platform)

	require.Len(t, actual.Ledger.Reservations, len(expected.Ledger.Reservations))
	for i, r := range expected.Ledger.Reservations {
		got := actual.Ledger.Reservations[i]
		assert.Equal(t, r.Ref, got.Ref)
		assert.Equal(t, r.Pool, got.Pool)
		assert.Equal(t, r.Asset, got.Asset)
		assert.True(t, r.Amount.Equal(got.Amount))
	}

	require.Len(t, actual.Transactions, len(expected.Transactions))
	for i, r := range expected.Transactions {
		got := actual.Transactions[i]
		assert.True(t, r.Amount.Equal(got.Amount), r.ID)
		got.Amount = r.Amount
		assert.Equal(t, r, got)
	}

	require.Len(t, actual.Servers, len(expected.Servers))
	for i, srv := range expected.Servers {
		got := actual.Servers[i]
		assert.True(t, srv.MonthlyCost.Equal(got.MonthlyCost), srv.ID)
		got.MonthlyCost = srv.MonthlyCost
		assert.Equal(t, srv, got)
	}
}

// RunStoreTests runs the backend independent test suite
func RunStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		state, err := s.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, state.Accounts)
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveAccount(ctx, sampleAccount(testAccountA)))
		require.NoError(t, s.SaveAccount(ctx, &AccountState{
			Account: testAccountB,
			Ledger: ledger.AccountState{
				Account:  testAccountB,
				External: ledger.Balances{domain.AssetETH: d("1")},
				Platform: ledger.Balances{domain.AssetETH: decimal.Zero},
			},
		}))

		state, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, state.Accounts, 2)

		// accounts are ordered by address
		assert.Equal(t, testAccountB, state.Accounts[0].Account)
		assert.Empty(t, state.Accounts[0].Transactions)
		assert.Empty(t, state.Accounts[0].Servers)
		assertAccountEqual(t, *sampleAccount(testAccountA), state.Accounts[1])
	})

	t.Run("SaveReplacesMutableState", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		initial := sampleAccount(testAccountA)
		require.NoError(t, s.SaveAccount(ctx, initial))

		updated := sampleAccount(testAccountA)
		updated.Ledger.External[domain.AssetETH] = d("2.425")
		updated.Ledger.Reservations = nil
		updated.Transactions[1].Status = domain.TransactionStatusFailed
		updated.Transactions[1].FailureReason = "confirmation timed out"
		updated.Transactions[1].UpdatedAt = testTime.Add(time.Hour)
		updated.Servers[0].Status = domain.ServerStatusStopped
		updated.Servers[0].UpdatedAt = testTime.Add(time.Hour)
		require.NoError(t, s.SaveAccount(ctx, updated))

		state, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, state.Accounts, 1)

		got := state.Accounts[0]
		assert.True(t, d("2.425").Equal(got.Ledger.External[domain.AssetETH]))
		assert.Empty(t, got.Ledger.Reservations)
		require.Len(t, got.Transactions, 3)
		assert.Equal(t, domain.TransactionStatusFailed, got.Transactions[1].Status)
		assert.Equal(t, "confirmation timed out", got.Transactions[1].FailureReason)
		assert.Equal(t, "0xabc", got.Transactions[1].ExternalHash)
		assert.Equal(t, domain.PaymentMethodOnchain, got.Transactions[1].Method)
		assert.Equal(t, "01JTX1", got.Transactions[2].RefundOf)
		require.Len(t, got.Servers, 1)
		assert.Equal(t, domain.ServerStatusStopped, got.Servers[0].Status)
	})

	t.Run("SaveRequiresAccount", func(t *testing.T) {
		s := newStore(t)
		assert.Error(t, s.SaveAccount(context.Background(), &AccountState{}))
		assert.Error(t, s.SaveAccount(context.Background(), nil))
	})
}

func TestMemoryStore(t *testing.T) {
	RunStoreTests(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_SaveCopiesState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	state := sampleAccount(testAccountA)
	require.NoError(t, s.SaveAccount(ctx, state))
	state.Ledger.Platform[domain.AssetUSDC] = d("1")
	state.Transactions[0].Status = domain.TransactionStatusFailed

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assertAccountEqual(t, *sampleAccount(testAccountA), loaded.Accounts[0])
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryStore().SaveAccount(ctx, sampleAccount(testAccountA)), context.Canceled)
}

func TestBadgerStore(t *testing.T) {
	RunStoreTests(t, func(t *testing.T) Store {
		s, err := NewBadgerStore(BadgerOptions{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.SaveAccount(ctx, sampleAccount(testAccountA)))
	require.NoError(t, s.Close())

	reopened, err := NewBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	state, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Accounts, 1)
	assertAccountEqual(t, *sampleAccount(testAccountA), state.Accounts[0])
}

func TestNewBadgerStore_RequiresDir(t *testing.T) {
	_, err := NewBadgerStore(BadgerOptions{})
	assert.Error(t, err)
}

func TestNormalizeConnectionPoolSettings(t *testing.T) {
	tests := []struct {
		name                      string
		open, idle                int
		lifetime, idleTime        time.Duration
		wantOpen, wantIdle        int
		wantLifetime, wantIdleDur time.Duration
	}{
		{
			name:     "defaults",
			wantOpen: 20, wantIdle: 5, wantLifetime: 5 * time.Minute, wantIdleDur: 10 * time.Minute,
		},
		{
			name: "idle clamped to open", open: 4, idle: 10, lifetime: time.Minute, idleTime: time.Second,
			wantOpen: 4, wantIdle: 4, wantLifetime: time.Minute, wantIdleDur: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, idle, lifetime, idleTime := NormalizeConnectionPoolSettings(tt.open, tt.idle, tt.lifetime, tt.idleTime)
			assert.Equal(t, tt.wantOpen, open)
			assert.Equal(t, tt.wantIdle, idle)
			assert.Equal(t, tt.wantLifetime, lifetime)
			assert.Equal(t, tt.wantIdleDur, idleTime)
		})
	}
}

func TestCalculateSafeBatchSize(t *testing.T) {
	assert.Equal(t, 10, calculateSafeBatchSize(10, 13))
	assert.Equal(t, 4964, calculateSafeBatchSize(100000, 13))
	assert.Equal(t, 1, calculateSafeBatchSize(5, 100000))
}

package deployment_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/mocks"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/store"
	"github.com/neuralcloud/deployd/internal/txlog"
)

// flakyRegistry fails the configured lifecycle steps and delegates the rest
type flakyRegistry struct {
	registry.Registry
	provisionErr error
	promoteErr   error
}

func (r *flakyRegistry) Provision(ctx context.Context, input registry.ProvisionInput) (string, error) {
	if r.provisionErr != nil {
		return "", r.provisionErr
	}
	return r.Registry.Provision(ctx, input)
}

func (r *flakyRegistry) Promote(ctx context.Context, id string) error {
	if r.promoteErr != nil {
		return r.promoteErr
	}
	return r.Registry.Promote(ctx, id)
}

// flakyLedger loses reservations at consume time and optionally rejects external debits
type flakyLedger struct {
	ledger.Ledger
	debitErr error
}

func (l *flakyLedger) Consume(_ context.Context, _ string, ref string) error {
	return fmt.Errorf("%w: %s", domain.ErrReservationNotFound, ref)
}

func (l *flakyLedger) Debit(ctx context.Context, account string, pool domain.Pool, asset domain.Asset, amount decimal.Decimal) error {
	if l.debitErr != nil && pool == domain.PoolExternal {
		return l.debitErr
	}
	return l.Ledger.Debit(ctx, account, pool, asset, amount)
}

func TestCoordinator_PlatformFailureIsCompensated(t *testing.T) {
	tests := []struct {
		name         string
		provisionErr error
		promoteErr   error
		wantErr      string
		servers      int
	}{
		{
			name:         "provisioning fails",
			provisionErr: errors.New("no capacity in region"),
			wantErr:      "failed to provision server",
			servers:      0,
		},
		{
			name:       "promotion fails",
			promoteErr: errors.New("boot timeout"),
			wantErr:    "failed to start server",
			servers:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupDeps(t, store.NewMemoryStore(), testConfig(), func(deps *deployment.Deps) {
				deps.Registry = &flakyRegistry{
					Registry:     deps.Registry,
					provisionErr: tt.provisionErr,
					promoteErr:   tt.promoteErr,
				}
			})
			f.deposit(t, "200")

			task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
				Name:   "web-1",
				Config: config150,
				Method: domain.PaymentMethodPlatform,
				Asset:  domain.AssetUSDC,
			})
			require.ErrorContains(t, err, tt.wantErr)
			assert.Nil(t, task)

			// the debit is returned in full
			balance, err := f.coord.Balance(f.ctx, account)
			require.NoError(t, err)
			assertAmount(t, "200", balance.Platform[domain.AssetUSDC])

			payments := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindPayment})
			require.Len(t, payments, 1)
			assert.Equal(t, domain.TransactionStatusConfirmed, payments[0].Status)
			assert.Equal(t, domain.PaymentMethodPlatform, payments[0].Method)

			refunds := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindRefund})
			require.Len(t, refunds, 1)
			assertAmount(t, "150", refunds[0].Amount)
			assert.Equal(t, payments[0].ID, refunds[0].RefundOf)

			servers, err := f.coord.Servers(f.ctx, account, registry.Filter{})
			require.NoError(t, err)
			require.Len(t, servers, tt.servers)
			for _, srv := range servers {
				assert.Equal(t, domain.ServerStatusError, srv.Status)
			}

			stats, err := f.coord.Stats(f.ctx, account)
			require.NoError(t, err)
			assertAmount(t, "0", stats.Revenue[domain.AssetUSDC])
			assert.Equal(t, 0, stats.ActiveServers)

			failed, err := f.coord.Task(f.ctx, payments[0].ID)
			require.NoError(t, err)
			assert.Equal(t, deployment.TaskStateFailed, failed.State())
		})
	}
}

func TestCoordinator_RevenueExcludesOnlyRefundedPayments(t *testing.T) {
	calls := 0
	f := setupDeps(t, store.NewMemoryStore(), testConfig(), func(deps *deployment.Deps) {
		deps.Registry = &promoteOnce{Registry: deps.Registry, calls: &calls}
	})
	f.deposit(t, "400")

	for range 2 {
		_, _ = f.coord.Deploy(f.ctx, account, deployment.Request{
			Config: config150,
			Method: domain.PaymentMethodPlatform,
			Asset:  domain.AssetUSDC,
		})
	}

	stats, err := f.coord.Stats(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "150", stats.Revenue[domain.AssetUSDC])
	assert.Equal(t, 2, stats.TotalServers)
	assert.Equal(t, 1, stats.ActiveServers)
}

// promoteOnce starts the first server and fails every later promotion
type promoteOnce struct {
	registry.Registry
	calls *int
}

func (r *promoteOnce) Promote(ctx context.Context, id string) error {
	*r.calls++
	if *r.calls > 1 {
		return errors.New("host unreachable")
	}
	return r.Registry.Promote(ctx, id)
}

func TestCoordinator_RebuiltTaskKeepsPaymentMethod(t *testing.T) {
	st := store.NewMemoryStore()
	f := setupWith(t, st, testConfig())
	f.deposit(t, "200")

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config150,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	require.NoError(t, err)

	// a second process only knows the task from the stored log
	restarted := setupWith(t, st, testConfig())
	require.NoError(t, restarted.coord.Load(restarted.ctx))

	rebuilt, err := restarted.coord.Task(restarted.ctx, task.ID())
	require.NoError(t, err)
	info := rebuilt.Info()
	assert.Equal(t, domain.PaymentMethodPlatform, info.Method)
	assert.Equal(t, deployment.TaskStateConfirmed, info.State)
	assert.Equal(t, task.ServerID(), info.ServerID)
	assert.Empty(t, info.Hash)
}

func TestCoordinator_ConfirmationWithLostReservation(t *testing.T) {
	tests := []struct {
		name     string
		debitErr error
		external string
	}{
		{
			name:     "external pool debited directly",
			external: "0.94",
		},
		{
			name:     "external pool cannot follow",
			debitErr: errors.New("ledger unavailable"),
			external: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupDeps(t, store.NewMemoryStore(), testConfig(), func(deps *deployment.Deps) {
				deps.Ledger = &flakyLedger{Ledger: deps.Ledger, debitErr: tt.debitErr}
			})

			task := f.deployOnchain(t)
			require.NoError(t, f.coord.ConfirmDeployment(f.ctx, task.TransactionID(), domain.OutcomeConfirmed))

			// the chain has been paid so the server is delivered either way
			state, err := wait(t, task)
			require.NoError(t, err)
			assert.Equal(t, deployment.TaskStateConfirmed, state)

			srv, err := f.coord.Server(f.ctx, account, task.ServerID())
			require.NoError(t, err)
			assert.Equal(t, domain.ServerStatusRunning, srv.Status)

			balance, err := f.coord.Balance(f.ctx, account)
			require.NoError(t, err)
			assertAmount(t, tt.external, balance.External[domain.AssetETH])
			assert.True(t, balance.Reserved[domain.PoolExternal][domain.AssetETH].IsZero())
			assert.Empty(t, f.transactions(t, txlog.Filter{Kind: domain.TransactionKindRefund}))
		})
	}
}

func TestCoordinator_OnchainSubmissionRejectedByWallet(t *testing.T) {
	ctrl := gomock.NewController(t)
	wallet := mocks.NewMockWallet(ctrl)

	f := setupDeps(t, store.NewMemoryStore(), testConfig(), func(deps *deployment.Deps) {
		deps.Wallet = wallet
	})

	wallet.EXPECT().GetBalance(gomock.Any(), account).Return(d("1"), nil)
	wallet.EXPECT().
		Submit(gomock.Any(), account, domain.DEFAULT_PLATFORM_WALLET, domain.AssetETH, gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, _ domain.Asset, amount decimal.Decimal) (string, error) {
			assertAmount(t, "0.06", amount)
			return "", errors.New("insufficient funds for gas")
		})

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodOnchain,
		Asset:  domain.AssetETH,
	})
	require.ErrorIs(t, err, domain.ErrExternalSubmissionFailed)
	assert.False(t, domain.IsTransient(err))
	assert.Nil(t, task)

	payments := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindPayment})
	require.Len(t, payments, 1)
	assert.Equal(t, domain.TransactionStatusFailed, payments[0].Status)
	assert.Equal(t, domain.PaymentMethodOnchain, payments[0].Method)
	assert.Contains(t, payments[0].FailureReason, "insufficient funds for gas")

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1", balance.Available(domain.PoolExternal, domain.AssetETH))
}

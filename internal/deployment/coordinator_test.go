package deployment_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/chain"
	"github.com/neuralcloud/deployd/internal/deployment"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/mocks"
	"github.com/neuralcloud/deployd/internal/pricing"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/store"
	"github.com/neuralcloud/deployd/internal/txlog"
)

const otherAccount = "0x00000000000000000000000000000000000000b0"

var account = mustNormalize("0x52908400098527886e0f7030069857d2e4169ee7")

// 8 cores, 32 GB, 100 GB, 120 Mbps: 40 + 64 + 10 + 6
var config120 = domain.ServerConfig{
	Type:          domain.ServerTypeCPU,
	OS:            "ubuntu",
	CPUCores:      8,
	RAMGB:         32,
	StorageGB:     100,
	BandwidthMbps: 120,
	Provider:      domain.ProviderFluence,
	Region:        "us-east-1",
}

// 10 cores, 40 GB, 100 GB, 200 Mbps: 50 + 80 + 10 + 10
var config150 = domain.ServerConfig{
	Type:          domain.ServerTypeCPU,
	OS:            "debian",
	CPUCores:      10,
	RAMGB:         40,
	StorageGB:     100,
	BandwidthMbps: 200,
	Provider:      domain.ProviderAkash,
	Region:        "eu-west-1",
}

func mustNormalize(a string) string {
	n, err := domain.NormalizeAccount(a)
	if err != nil {
		panic(err)
	}
	return n
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, d(expected).Equal(actual), append([]any{"expected %s, got %s", expected, actual.String()}, msgAndArgs...)...)
}

type fixture struct {
	ctx    context.Context
	clock  adapter.Clock
	wallet *chain.SimulatedWallet
	store  store.Store
	events *messaging.Broadcaster
	coord  deployment.Coordinator
}

func testConfig() deployment.Config {
	return deployment.Config{
		PlatformWallet:       domain.DEFAULT_PLATFORM_WALLET,
		ConfirmationTimeout:  5 * time.Second,
		PersistRetries:       1,
		PersistRetryInterval: time.Millisecond,
		PromoCredits: map[domain.Asset]decimal.Decimal{
			domain.AssetUSDC: d("100"),
			domain.AssetETH:  d("0.05"),
		},
		StableBalances: map[domain.Asset]decimal.Decimal{
			domain.AssetUSDC: d("1000"),
			domain.AssetUSDT: d("500"),
		},
	}
}

func setupWith(t *testing.T, st store.Store, cfg deployment.Config) *fixture {
	return setupDeps(t, st, cfg, nil)
}

// setupDeps lets a test replace dependencies before the coordinator is built
func setupDeps(t *testing.T, st store.Store, cfg deployment.Config, override func(*deployment.Deps)) *fixture {
	clock := adapter.NewClock()
	log := txlog.New(clock)

	f := &fixture{
		ctx:   context.Background(),
		clock: clock,
		wallet: chain.NewSimulatedWallet(clock, chain.SimulatedOptions{
			Manual:          true,
			StartingBalance: d("1"),
		}),
		store:  st,
		events: messaging.NewBroadcaster(),
	}
	deps := deployment.Deps{
		Clock:     clock,
		Ledger:    ledger.New(),
		Log:       log,
		Registry:  registry.New(clock, log, nil),
		Pricer:    pricing.NewPricer(pricing.NewFixedRateSource(d("2000"))),
		Wallet:    f.wallet,
		Store:     st,
		Publisher: f.events,
	}
	if override != nil {
		override(&deps)
	}
	f.coord = deployment.NewCoordinator(deps, cfg)
	t.Cleanup(f.coord.Close)
	return f
}

func setup(t *testing.T) *fixture {
	return setupWith(t, store.NewMemoryStore(), testConfig())
}

func (f *fixture) deposit(t *testing.T, amount string) {
	_, err := f.coord.Deposit(f.ctx, account, domain.AssetUSDC, d(amount))
	require.NoError(t, err)
}

func (f *fixture) transactions(t *testing.T, filter txlog.Filter) []txlog.Record {
	seq, err := f.coord.Transactions(f.ctx, account, filter)
	require.NoError(t, err)
	return slices.Collect(seq)
}

func (f *fixture) deployOnchain(t *testing.T) *deployment.Task {
	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodOnchain,
		Asset:  domain.AssetETH,
	})
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func wait(t *testing.T, task *deployment.Task) (deployment.TaskState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	state, err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return state, err
}

func TestCoordinator_PlatformInsufficientBalance(t *testing.T) {
	f := setup(t)
	f.deposit(t, "100")

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Nil(t, task)

	var funds *domain.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assertAmount(t, "20", funds.Shortfall())

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "100", balance.Platform[domain.AssetUSDC])

	// only the deposit was recorded
	records := f.transactions(t, txlog.Filter{})
	require.Len(t, records, 1)
	assert.Equal(t, domain.TransactionKindDeposit, records[0].Kind)

	servers, err := f.coord.Servers(f.ctx, account, registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestCoordinator_PlatformDeployment(t *testing.T) {
	f := setup(t)
	f.deposit(t, "200")

	events, cancel := f.events.Subscribe(account)
	defer cancel()

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Name:   "web-1",
		Config: config150,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, deployment.TaskStateConfirmed, task.State())
	assert.Equal(t, task.ID(), task.TransactionID())

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "50", balance.Platform[domain.AssetUSDC])
	assertAmount(t, "800", balance.External[domain.AssetUSDC])

	payment, err := f.coord.Transaction(f.ctx, account, task.TransactionID())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionKindPayment, payment.Kind)
	assert.Equal(t, domain.TransactionStatusConfirmed, payment.Status)
	assertAmount(t, "150", payment.Amount)
	assert.Equal(t, "Server deployment - web-1", payment.Description)
	assert.Equal(t, task.ServerID(), payment.ServerID)

	srv, err := f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusRunning, srv.Status)
	assert.Equal(t, "web-1", srv.Name)
	assert.NotEmpty(t, srv.IPAddress)
	assertAmount(t, "150", srv.MonthlyCost)
	assert.Equal(t, payment.ID, srv.PaymentTransactionID)

	stats, err := f.coord.Stats(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "150", stats.Revenue[domain.AssetUSDC])
	assert.Equal(t, 1, stats.TotalServers)
	assert.Equal(t, 1, stats.ActiveServers)

	// the account is persisted after the deployment
	state, err := f.store.Load(f.ctx)
	require.NoError(t, err)
	require.Len(t, state.Accounts, 1)
	assert.Len(t, state.Accounts[0].Transactions, 2)
	assert.Len(t, state.Accounts[0].Servers, 1)

	var final *messaging.Event
	for len(events) > 0 {
		ev := <-events
		if ev.Type == messaging.EventDeploymentUpdated {
			final = &ev
		}
	}
	require.NotNil(t, final)
	assert.Equal(t, task.ID(), final.TaskID)
	assert.Equal(t, string(deployment.TaskStateConfirmed), final.Status)
}

func TestCoordinator_GeneratedServerName(t *testing.T) {
	f := setup(t)
	f.deposit(t, "200")

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	require.NoError(t, err)

	srv, err := f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Regexp(t, `^CPU-[0-9A-F]{6}$`, srv.Name)
}

func TestCoordinator_ConcurrentPlatformDeploymentsNeverOverdraw(t *testing.T) {
	f := setup(t)
	f.deposit(t, "300")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Deploy(f.ctx, account, deployment.Request{
				Config: config120,
				Method: domain.PaymentMethodPlatform,
				Asset:  domain.AssetUSDC,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, domain.ErrInsufficientBalance) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 3, rejected)

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "60", balance.Platform[domain.AssetUSDC])

	payments := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindPayment})
	assert.Len(t, payments, 2)
}

func TestCoordinator_OnchainConfirmationTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTimeout = 50 * time.Millisecond
	f := setupWith(t, store.NewMemoryStore(), cfg)

	task := f.deployOnchain(t)
	assert.NotEmpty(t, task.Hash())

	state, err := wait(t, task)
	assert.Equal(t, deployment.TaskStateFailed, state)
	assert.ErrorIs(t, err, domain.ErrConfirmationTimeout)

	payment, err := f.coord.Transaction(f.ctx, account, task.TransactionID())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, payment.Status)
	assert.Contains(t, payment.FailureReason, "timed out")
	assert.Equal(t, task.Hash(), payment.ExternalHash)

	srv, err := f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusError, srv.Status)

	// the hold is released and nothing was spent
	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1", balance.External[domain.AssetETH])
	assertAmount(t, "1", balance.Available(domain.PoolExternal, domain.AssetETH))
	assert.Empty(t, f.coord.PendingPayments(f.ctx))

	// a confirmation arriving after the timeout does not revive the payment
	require.NoError(t, f.coord.ConfirmDeployment(f.ctx, task.TransactionID(), domain.OutcomeConfirmed))

	payment, err = f.coord.Transaction(f.ctx, account, task.TransactionID())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, payment.Status)

	srv, err = f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusError, srv.Status)

	balance, err = f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1", balance.External[domain.AssetETH])
	assertAmount(t, "0", balance.Platform[domain.AssetETH])
	assert.Empty(t, f.transactions(t, txlog.Filter{Kind: domain.TransactionKindRefund}))
	assert.Equal(t, deployment.TaskStateFailed, task.State())
}

func TestCoordinator_OnchainConfirmDeployment(t *testing.T) {
	f := setup(t)

	task := f.deployOnchain(t)
	assert.Equal(t, deployment.TaskStatePending, task.State())
	require.NotEmpty(t, task.ServerID())

	srv, err := f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusProvisioning, srv.Status)

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1", balance.External[domain.AssetETH])
	assertAmount(t, "0.94", balance.Available(domain.PoolExternal, domain.AssetETH))

	pending := f.coord.PendingPayments(f.ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, task.ID(), pending[0].ID)

	require.NoError(t, f.coord.ConfirmDeployment(f.ctx, task.TransactionID(), domain.OutcomeConfirmed))

	state, err := wait(t, task)
	assert.Equal(t, deployment.TaskStateConfirmed, state)
	assert.NoError(t, err)

	srv, err = f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusRunning, srv.Status)

	balance, err = f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "0.94", balance.External[domain.AssetETH])
	assert.True(t, balance.Reserved[domain.PoolExternal][domain.AssetETH].IsZero())

	// late and duplicate signals are no-ops
	require.NoError(t, f.coord.ConfirmDeployment(f.ctx, task.TransactionID(), domain.OutcomeConfirmed))
	require.NoError(t, f.coord.ConfirmDeployment(f.ctx, task.TransactionID(), domain.OutcomeFailed))

	payment, err := f.coord.Transaction(f.ctx, account, task.TransactionID())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusConfirmed, payment.Status)

	balance, err = f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "0.94", balance.External[domain.AssetETH])
	assertAmount(t, "0", balance.Platform[domain.AssetETH])
}

func TestCoordinator_ConfirmDeploymentValidation(t *testing.T) {
	f := setup(t)
	f.deposit(t, "10")
	deposit := f.transactions(t, txlog.Filter{})[0]

	assert.ErrorIs(t, f.coord.ConfirmDeployment(f.ctx, "missing", domain.OutcomeConfirmed), domain.ErrTransactionNotFound)
	assert.ErrorIs(t, f.coord.ConfirmDeployment(f.ctx, deposit.ID, domain.OutcomeConfirmed), domain.ErrInvalidTransition)

	task := f.deployOnchain(t)
	assert.ErrorIs(t, f.coord.ConfirmDeployment(f.ctx, task.ID(), domain.Outcome("maybe")), domain.ErrInvalidTransition)
	assert.Equal(t, deployment.TaskStatePending, task.State())
}

func TestCoordinator_OnchainSettledByChain(t *testing.T) {
	tests := []struct {
		name         string
		outcome      domain.Outcome
		state        deployment.TaskState
		server       domain.ServerStatus
		external     string
		walletAmount string
	}{
		{
			name:         "confirmed",
			outcome:      domain.OutcomeConfirmed,
			state:        deployment.TaskStateConfirmed,
			server:       domain.ServerStatusRunning,
			external:     "0.94",
			walletAmount: "0.94",
		},
		{
			name:         "reverted",
			outcome:      domain.OutcomeFailed,
			state:        deployment.TaskStateFailed,
			server:       domain.ServerStatusError,
			external:     "1",
			walletAmount: "1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			task := f.deployOnchain(t)

			require.NoError(t, f.wallet.Resolve(task.Hash(), tt.outcome))

			state, err := wait(t, task)
			assert.Equal(t, tt.state, state)
			if tt.outcome == domain.OutcomeFailed {
				assert.ErrorIs(t, err, domain.ErrExternalConfirmationFailed)
			} else {
				assert.NoError(t, err)
			}

			srv, err := f.coord.Server(f.ctx, account, task.ServerID())
			require.NoError(t, err)
			assert.Equal(t, tt.server, srv.Status)

			balance, err := f.coord.Balance(f.ctx, account)
			require.NoError(t, err)
			assertAmount(t, tt.external, balance.External[domain.AssetETH])
			assert.True(t, balance.Reserved[domain.PoolExternal][domain.AssetETH].IsZero())

			onChain, err := f.wallet.GetBalance(f.ctx, account)
			require.NoError(t, err)
			assertAmount(t, tt.walletAmount, onChain)
		})
	}
}

func TestCoordinator_OnchainSubmissionFailure(t *testing.T) {
	f := setup(t)
	f.wallet.FailSubmissions(domain.Transient(errors.New("node unreachable")))

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodOnchain,
		Asset:  domain.AssetETH,
	})
	require.ErrorIs(t, err, domain.ErrExternalSubmissionFailed)
	assert.True(t, domain.IsTransient(err))
	assert.Nil(t, task)

	payments := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindPayment})
	require.Len(t, payments, 1)
	assert.Equal(t, domain.TransactionStatusFailed, payments[0].Status)
	assert.Contains(t, payments[0].FailureReason, "node unreachable")
	assert.Empty(t, payments[0].ServerID)

	servers, err := f.coord.Servers(f.ctx, account, registry.Filter{})
	require.NoError(t, err)
	assert.Empty(t, servers)

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1", balance.Available(domain.PoolExternal, domain.AssetETH))

	// the failed task stays queryable
	failed, err := f.coord.Task(f.ctx, payments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, deployment.TaskStateFailed, failed.State())
}

func TestCoordinator_OnchainRejections(t *testing.T) {
	f := setup(t)

	_, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodOnchain,
		Asset:  domain.AssetUSDC,
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	// 2220 USD at 2000 is 1.11 ETH, more than the wallet holds
	gpu := config120
	gpu.Type = domain.ServerTypeGPU
	gpu.GPUType = "NVIDIA A100"
	gpu.GPUCount = 14
	_, err = f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: gpu,
		Method: domain.PaymentMethodOnchain,
		Asset:  domain.AssetETH,
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Empty(t, f.transactions(t, txlog.Filter{}))
}

func TestCoordinator_InvalidRequests(t *testing.T) {
	f := setup(t)

	_, err := f.coord.Deploy(f.ctx, "not-an-address", deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	bad := config120
	bad.Region = "moon-1"
	_, err = f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: bad,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = f.coord.Quote(f.ctx, config120, domain.PaymentMethod("card"), domain.AssetUSDC)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	quote, err := f.coord.Quote(f.ctx, config120, domain.PaymentMethodOnchain, domain.AssetETH)
	require.NoError(t, err)
	assertAmount(t, "0.06", quote.Amount)
	assertAmount(t, "120", quote.USD)
}

func TestCoordinator_Cancel(t *testing.T) {
	f := setup(t)
	task := f.deployOnchain(t)

	assert.ErrorIs(t, f.coord.Cancel(f.ctx, "missing"), domain.ErrTaskNotFound)

	require.NoError(t, f.coord.Cancel(f.ctx, task.ID()))
	state, err := wait(t, task)
	assert.Equal(t, deployment.TaskStateFailed, state)
	assert.ErrorIs(t, err, domain.ErrDeploymentCanceled)

	assert.ErrorIs(t, f.coord.Cancel(f.ctx, task.ID()), domain.ErrInvalidTransition)

	srv, err := f.coord.Server(f.ctx, account, task.ServerID())
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusError, srv.Status)

	// a confirmation arriving after the cancellation changes nothing
	require.NoError(t, f.coord.ConfirmDeployment(f.ctx, task.ID(), domain.OutcomeConfirmed))
	payment, err := f.coord.Transaction(f.ctx, account, task.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, payment.Status)

	info := task.Info()
	assert.Equal(t, deployment.TaskStateFailed, info.State)
	assert.Contains(t, info.Error, "canceled")
}

func TestCoordinator_DepositAndCredits(t *testing.T) {
	f := setup(t)

	id, err := f.coord.Deposit(f.ctx, account, domain.AssetUSDC, d("250"))
	require.NoError(t, err)
	rec, err := f.coord.Transaction(f.ctx, account, id)
	require.NoError(t, err)
	assert.Equal(t, "Deposited 250 USDC to platform wallet", rec.Description)

	_, err = f.coord.Deposit(f.ctx, account, domain.AssetUSDC, d("2000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = f.coord.Deposit(f.ctx, account, domain.Asset("dai"), d("1"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
	_, err = f.coord.Deposit(f.ctx, account, domain.AssetUSDC, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	ids, err := f.coord.GrantCredits(f.ctx, account)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	credits := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindCredit})
	require.Len(t, credits, 2)
	assert.Equal(t, "Promotional ETH credits received", credits[0].Description)
	assert.Equal(t, "Promotional credits received", credits[1].Description)

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "750", balance.External[domain.AssetUSDC])
	assertAmount(t, "350", balance.Platform[domain.AssetUSDC])
	assertAmount(t, "0.05", balance.Platform[domain.AssetETH])
	assertAmount(t, "500", balance.External[domain.AssetUSDT])
	assertAmount(t, "1", balance.External[domain.AssetETH])
}

func TestCoordinator_SetServerStatus(t *testing.T) {
	f := setup(t)
	f.deposit(t, "200")

	task, err := f.coord.Deploy(f.ctx, account, deployment.Request{
		Config: config120,
		Method: domain.PaymentMethodPlatform,
		Asset:  domain.AssetUSDC,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.coord.SetServerStatus(f.ctx, otherAccount, task.ServerID(), domain.ServerStatusStopped), domain.ErrServerNotFound)
	_, err = f.coord.Server(f.ctx, otherAccount, task.ServerID())
	assert.ErrorIs(t, err, domain.ErrServerNotFound)
	_, err = f.coord.Transaction(f.ctx, otherAccount, task.TransactionID())
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)

	require.NoError(t, f.coord.SetServerStatus(f.ctx, account, task.ServerID(), domain.ServerStatusStopped))
	stopped, err := f.coord.Servers(f.ctx, account, registry.Filter{Status: domain.ServerStatusStopped})
	require.NoError(t, err)
	require.Len(t, stopped, 1)

	stats, err := f.coord.Stats(f.ctx, account)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalServers)
	assert.Equal(t, 0, stats.ActiveServers)

	assert.ErrorIs(t, f.coord.SetServerStatus(f.ctx, account, task.ServerID(), domain.ServerStatusProvisioning), domain.ErrInvalidTransition)
}

// pendingState builds a stored account with an on-chain payment awaiting confirmation
func pendingState(now time.Time, id string, hash string, withServer bool) *store.AccountState {
	amount := d("0.06")
	state := &store.AccountState{
		Account: account,
		Ledger: ledger.AccountState{
			Account:  account,
			External: ledger.Balances{domain.AssetETH: d("1")},
			Platform: ledger.Balances{},
			Reservations: []ledger.Reservation{
				{Ref: id, Pool: domain.PoolExternal, Asset: domain.AssetETH, Amount: amount},
			},
		},
		Transactions: []txlog.Record{{
			ID:           id,
			Account:      account,
			Kind:         domain.TransactionKindPayment,
			Asset:        domain.AssetETH,
			Amount:       amount,
			Status:       domain.TransactionStatusPending,
			ExternalHash: hash,
			Description:  "Server deployment - CPU-0A1B2C",
			Sequence:     1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}},
	}
	if withServer {
		state.Transactions[0].ServerID = "srv_restored"
		state.Servers = []registry.Server{{
			ID:                   "srv_restored",
			Account:              account,
			Name:                 "CPU-0A1B2C",
			Config:               config120,
			MonthlyCost:          d("120"),
			Status:               domain.ServerStatusProvisioning,
			PaymentTransactionID: id,
			Sequence:             1,
			CreatedAt:            now,
			UpdatedAt:            now,
		}}
	}
	return state
}

func TestCoordinator_ConfirmedPaymentWithoutServerIsRefunded(t *testing.T) {
	st := store.NewMemoryStore()
	id := ulid.Make().String()
	require.NoError(t, st.SaveAccount(context.Background(), pendingState(time.Now(), id, "0xabc", false)))

	f := setupWith(t, st, testConfig())
	require.NoError(t, f.coord.Load(f.ctx))

	require.NoError(t, f.coord.ConfirmDeployment(f.ctx, id, domain.OutcomeConfirmed))

	task, err := f.coord.Task(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, deployment.TaskStateFailed, task.State())
	assert.ErrorIs(t, task.Err(), domain.ErrServerNotFound)
	// records saved without a method are told apart by their hash
	assert.Equal(t, domain.PaymentMethodOnchain, task.Info().Method)

	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "0.94", balance.External[domain.AssetETH])
	assertAmount(t, "0.06", balance.Platform[domain.AssetETH])
	// nothing is lost across the two pools
	assertAmount(t, "1", balance.External[domain.AssetETH].Add(balance.Platform[domain.AssetETH]))

	refunds := f.transactions(t, txlog.Filter{Kind: domain.TransactionKindRefund})
	require.Len(t, refunds, 1)
	assertAmount(t, "0.06", refunds[0].Amount)
	assert.Equal(t, domain.TransactionStatusConfirmed, refunds[0].Status)
	assert.Contains(t, refunds[0].Description, id)
	assert.Equal(t, id, refunds[0].RefundOf)

	// the refunded payment earned nothing
	stats, err := f.coord.Stats(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "0", stats.Revenue[domain.AssetETH])
}

func TestCoordinator_LoadAndResume(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	f := setupWith(t, st, testConfig())
	hash, err := f.wallet.Submit(ctx, account, domain.DEFAULT_PLATFORM_WALLET, domain.AssetETH, d("0.06"))
	require.NoError(t, err)

	watched := ulid.Make().String()
	interrupted := ulid.Make().String()

	state := pendingState(time.Now(), watched, hash, true)
	other := pendingState(time.Now(), interrupted, "", false)
	other.Transactions[0].Sequence = 2
	state.Transactions = append(state.Transactions, other.Transactions...)
	state.Ledger.Reservations = append(state.Ledger.Reservations, other.Ledger.Reservations...)
	require.NoError(t, st.SaveAccount(ctx, state))

	require.NoError(t, f.coord.Load(ctx))

	pending := f.coord.PendingPayments(ctx)
	require.Len(t, pending, 2)
	assert.Equal(t, watched, pending[0].ID)

	balance, err := f.coord.Balance(ctx, account)
	require.NoError(t, err)
	assertAmount(t, "0.88", balance.Available(domain.PoolExternal, domain.AssetETH))

	// a payment without a hash cannot be watched and fails
	require.NoError(t, f.coord.Resume(ctx, interrupted))
	rec, err := f.coord.Transaction(ctx, account, interrupted)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "interrupted")

	require.NoError(t, f.coord.Resume(ctx, watched))
	require.NoError(t, f.coord.Resume(ctx, watched))

	task, err := f.coord.Task(ctx, watched)
	require.NoError(t, err)
	assert.Equal(t, deployment.TaskStatePending, task.State())
	assert.Equal(t, "srv_restored", task.ServerID())

	require.NoError(t, f.wallet.Resolve(hash, domain.OutcomeConfirmed))
	state2, err := wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, deployment.TaskStateConfirmed, state2)

	srv, err := f.coord.Server(ctx, account, "srv_restored")
	require.NoError(t, err)
	assert.Equal(t, domain.ServerStatusRunning, srv.Status)

	balance, err = f.coord.Balance(ctx, account)
	require.NoError(t, err)
	assertAmount(t, "0.94", balance.External[domain.AssetETH])
	assertAmount(t, "0.94", balance.Available(domain.PoolExternal, domain.AssetETH))
	assert.Empty(t, f.coord.PendingPayments(ctx))

	// settled records are ignored
	require.NoError(t, f.coord.Resume(ctx, watched))
	_, err = f.coord.Task(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestCoordinator_PersistRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)

	var saved *store.AccountState
	gomock.InOrder(
		st.EXPECT().SaveAccount(gomock.Any(), gomock.Any()).Return(errors.New("connection refused")),
		st.EXPECT().SaveAccount(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *store.AccountState) error {
			saved = s
			return nil
		}),
	)

	f := setupWith(t, st, testConfig())
	balance, err := f.coord.OpenAccount(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1000", balance.External[domain.AssetUSDC])

	require.NotNil(t, saved)
	assert.Equal(t, account, saved.Account)
	assertAmount(t, "1", saved.Ledger.External[domain.AssetETH])
	assertAmount(t, "500", saved.Ledger.External[domain.AssetUSDT])
}

func TestCoordinator_PersistFailureKeepsMemoryState(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().SaveAccount(gomock.Any(), gomock.Any()).Return(errors.New("disk full")).Times(2)

	f := setupWith(t, st, testConfig())
	_, err := f.coord.OpenAccount(f.ctx, account)
	require.NoError(t, err)

	// the account is open, it is not seeded or saved again
	balance, err := f.coord.Balance(f.ctx, account)
	require.NoError(t, err)
	assertAmount(t, "1", balance.External[domain.AssetETH])
}

func TestCoordinator_LoadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().Load(gomock.Any()).Return(nil, errors.New("connection refused"))

	f := setupWith(t, st, testConfig())
	assert.ErrorContains(t, f.coord.Load(f.ctx), "connection refused")
}

package deployment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/chain"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/ledger"
	"github.com/neuralcloud/deployd/internal/logger"
	"github.com/neuralcloud/deployd/internal/messaging"
	"github.com/neuralcloud/deployd/internal/metrics"
	"github.com/neuralcloud/deployd/internal/pricing"
	"github.com/neuralcloud/deployd/internal/registry"
	"github.com/neuralcloud/deployd/internal/store"
	"github.com/neuralcloud/deployd/internal/txlog"
)

const defaultPersistRetryInterval = 200 * time.Millisecond

// Config tunes the coordinator
type Config struct {
	// PlatformWallet receives on-chain payments
	PlatformWallet string
	// ConfirmationTimeout bounds the wait for an on-chain confirmation
	ConfirmationTimeout time.Duration
	// PersistRetries is the number of retries of a failed account save
	PersistRetries uint64
	// PersistRetryInterval is the first backoff interval between save retries
	PersistRetryInterval time.Duration
	// PromoCredits is credited to the platform pool by GrantCredits
	PromoCredits map[domain.Asset]decimal.Decimal
	// StableBalances seeds the external stable balances of new accounts, the native balance comes from the chain
	StableBalances map[domain.Asset]decimal.Decimal
}

// Deps are the collaborators of the coordinator
type Deps struct {
	Clock     adapter.Clock
	Ledger    ledger.Ledger
	Log       txlog.Log
	Registry  registry.Registry
	Pricer    *pricing.Pricer
	Wallet    chain.Wallet
	Store     store.Store
	Publisher messaging.Publisher
}

// Request describes a deployment
type Request struct {
	Name   string               `json:"name,omitempty"`
	Config domain.ServerConfig  `json:"config"`
	Method domain.PaymentMethod `json:"method"`
	Asset  domain.Asset         `json:"asset"`
}

// Stats summarizes the activity of an account
type Stats struct {
	Revenue       ledger.Balances `json:"revenue"`
	TotalServers  int             `json:"total_servers"`
	ActiveServers int             `json:"active_servers"`
}

// Coordinator is the only component that mutates more than one of the ledger,
// the transaction log and the server registry for a single request.
//
//go:generate mockgen -source=coordinator.go -destination=../mocks/coordinator.go -package=mocks -mock_names=Coordinator=MockCoordinator
type Coordinator interface {
	// Quote prices a configuration for a payment method and asset
	Quote(ctx context.Context, cfg domain.ServerConfig, method domain.PaymentMethod, asset domain.Asset) (pricing.Quote, error)

	// Deploy pays for and provisions a server. Platform payments return a final task,
	// on-chain payments return a pending task once the transaction is submitted.
	Deploy(ctx context.Context, account string, req Request) (*Task, error)

	// ConfirmDeployment delivers the external outcome of an on-chain payment.
	// Signals for already settled payments are accepted as no-ops.
	ConfirmDeployment(ctx context.Context, transactionID string, outcome domain.Outcome) error

	// Cancel abandons an on-chain deployment that is awaiting confirmation
	Cancel(ctx context.Context, taskID string) error

	// Task returns the handle of a deployment
	Task(ctx context.Context, taskID string) (*Task, error)

	// OpenAccount seeds the external balances of an unknown account and returns its balances
	OpenAccount(ctx context.Context, account string) (ledger.AccountBalance, error)

	// Deposit moves funds from the external to the platform pool
	Deposit(ctx context.Context, account string, asset domain.Asset, amount decimal.Decimal) (string, error)

	// GrantCredits credits the promotional amounts to the platform pool
	GrantCredits(ctx context.Context, account string) ([]string, error)

	// SetServerStatus applies a user-driven lifecycle change to a server of the account
	SetServerStatus(ctx context.Context, account string, serverID string, status domain.ServerStatus) error

	// Balance returns the balances of an account, opening it on first access
	Balance(ctx context.Context, account string) (ledger.AccountBalance, error)

	// Transactions lists the records of an account, newest first
	Transactions(ctx context.Context, account string, filter txlog.Filter) (iter.Seq[txlog.Record], error)

	// Transaction returns one record of an account
	Transaction(ctx context.Context, account string, id string) (txlog.Record, error)

	// Servers lists the servers of an account, newest first
	Servers(ctx context.Context, account string, filter registry.Filter) ([]registry.Server, error)

	// Server returns one server of an account
	Server(ctx context.Context, account string, id string) (registry.Server, error)

	// Stats summarizes revenue and servers of an account
	Stats(ctx context.Context, account string) (Stats, error)

	// Load restores every persisted account, it must run before any other operation
	Load(ctx context.Context) error

	// Resume re-attaches a pending on-chain payment that no task is tracking
	Resume(ctx context.Context, transactionID string) error

	// PendingPayments returns the pending on-chain payments, oldest first
	PendingPayments(ctx context.Context) []txlog.Record

	// Close stops every confirmation wait, pending payments stay pending
	Close()
}

type coordinator struct {
	clock     adapter.Clock
	ledger    ledger.Ledger
	log       txlog.Log
	registry  registry.Registry
	pricer    *pricing.Pricer
	wallet    chain.Wallet
	store     store.Store
	publisher messaging.Publisher
	cfg       Config

	locks   sync.Map // account -> *sync.Mutex
	tasks   sync.Map // task id -> *Task
	wg      sync.WaitGroup
	closing chan struct{}
	closed  sync.Once
}

// NewCoordinator creates a deployment coordinator
func NewCoordinator(deps Deps, cfg Config) Coordinator {
	if cfg.PersistRetryInterval <= 0 {
		cfg.PersistRetryInterval = defaultPersistRetryInterval
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = messaging.Nop()
	}

	return &coordinator{
		clock:     deps.Clock,
		ledger:    deps.Ledger,
		log:       deps.Log,
		registry:  deps.Registry,
		pricer:    deps.Pricer,
		wallet:    deps.Wallet,
		store:     deps.Store,
		publisher: publisher,
		cfg:       cfg,
		closing:   make(chan struct{}),
	}
}

// lock serializes the operations of one account and returns the unlock function
func (c *coordinator) lock(account string) func() {
	v, _ := c.locks.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func normalize(account string) (string, error) {
	normalized, err := domain.NormalizeAccount(account)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidConfig, err)
	}
	return normalized, nil
}

func (c *coordinator) Quote(ctx context.Context, cfg domain.ServerConfig, method domain.PaymentMethod, asset domain.Asset) (pricing.Quote, error) {
	if !method.Valid() {
		return pricing.Quote{}, fmt.Errorf("%w: unknown payment method %q", domain.ErrInvalidConfig, method)
	}
	if method == domain.PaymentMethodOnchain && !asset.Native() {
		return pricing.Quote{}, fmt.Errorf("%w: on-chain payments are made in %s", domain.ErrUnsupportedAsset, domain.AssetETH.Symbol())
	}
	return c.pricer.Quote(ctx, cfg, asset)
}

func (c *coordinator) Deploy(ctx context.Context, account string, req Request) (*Task, error) {
	account, err := normalize(account)
	if err != nil {
		return nil, err
	}

	quote, err := c.Quote(ctx, req.Config, req.Method, req.Asset)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = serverName(req.Config.Type)
	}

	task := newTask(ulid.MustNewDefault(c.clock.Now()).String(), account, req.Method, quote.Asset, quote.Amount, c.clock.Now())

	logger.InfoCtx(ctx, "Deployment requested",
		logger.Account(account),
		logger.TaskID(task.ID()),
		zap.String("method", string(req.Method)),
		zap.String("asset", string(quote.Asset)),
		logger.Amount(quote.Amount),
		zap.String("name", name))

	if req.Method == domain.PaymentMethodPlatform {
		return c.deployFromPlatform(ctx, task, name, req.Config, quote)
	}
	return c.deployOnchain(ctx, task, name, req.Config, quote)
}

// serverName returns a display name like GPU-3FA29C
func serverName(typ domain.ServerType) string {
	return fmt.Sprintf("%s-%s", strings.ToUpper(string(typ)), strings.ToUpper(uuid.NewString()[:6]))
}

func deploymentDescription(name string) string {
	return "Server deployment - " + name
}

// refund credits a payment back to the platform pool and records it.
// Must be called with the account lock held.
func (c *coordinator) refund(ctx context.Context, account string, asset domain.Asset, amount decimal.Decimal, paymentID string, reason string) []messaging.Event {
	if err := c.ledger.Credit(ctx, account, domain.PoolPlatform, asset, amount); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to refund payment: %w", err),
			logger.Account(account),
			logger.TransactionID(paymentID),
			logger.Amount(amount))
		return nil
	}

	events := []messaging.Event{c.event(messaging.EventBalanceUpdated, account)}
	if paymentID == "" {
		return events
	}

	refundID, err := c.log.Record(ctx, txlog.RecordInput{
		Account:     account,
		Kind:        domain.TransactionKindRefund,
		Asset:       asset,
		Amount:      amount,
		RefundOf:    paymentID,
		Description: fmt.Sprintf("Refund of payment %s: %s", paymentID, reason),
	})
	if err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to record refund: %w", err),
			logger.Account(account),
			logger.TransactionID(paymentID))
		return events
	}

	logger.WarnCtx(ctx, "Payment refunded to platform balance",
		logger.Account(account),
		logger.TransactionID(paymentID),
		zap.String("refund_id", refundID),
		logger.Amount(amount),
		zap.String("reason", reason))

	ev := c.event(messaging.EventTransactionRecorded, account)
	ev.TransactionID = refundID
	ev.Status = string(domain.TransactionStatusConfirmed)
	return append(events, ev)
}

// rollbackServer applies the error-state retention policy. Must be called with the account lock held.
func (c *coordinator) rollbackServer(ctx context.Context, account string, serverID string) []messaging.Event {
	if serverID == "" {
		return nil
	}
	if err := c.registry.Rollback(ctx, serverID); err != nil {
		logger.ErrorCtx(ctx, fmt.Errorf("failed to roll back server: %w", err), logger.Account(account), logger.ServerID(serverID))
		return nil
	}
	ev := c.event(messaging.EventServerUpdated, account)
	ev.ServerID = serverID
	ev.Status = string(domain.ServerStatusError)
	return []messaging.Event{ev}
}

func (c *coordinator) observeRejection(err error) {
	var funds *domain.InsufficientFundsError
	if errors.As(err, &funds) {
		metrics.ObserveLedgerRejection(string(funds.Pool), string(funds.Asset))
	}
}

// finish completes a task and reports it
func (c *coordinator) finish(ctx context.Context, task *Task, state TaskState, err error) {
	if !task.finish(state, err) {
		return
	}
	metrics.ObserveDeployment(string(task.method), string(state))

	ev := c.event(messaging.EventDeploymentUpdated, task.account)
	ev.TaskID = task.ID()
	ev.TransactionID = task.TransactionID()
	ev.ServerID = task.ServerID()
	ev.Status = string(state)
	if err != nil {
		ev.Message = err.Error()
	}
	c.publish(ctx, ev)
}

func (c *coordinator) event(typ messaging.EventType, account string) messaging.Event {
	return messaging.NewEvent(c.clock.Now(), typ, account)
}

// publish delivers events after the state they describe is committed
func (c *coordinator) publish(ctx context.Context, events ...messaging.Event) {
	for _, ev := range events {
		if err := c.publisher.Publish(ctx, ev); err != nil {
			logger.WarnCtx(ctx, "Failed to publish event",
				zap.String("type", string(ev.Type)),
				logger.Account(ev.Account),
				zap.Error(err))
		}
	}
}

// persist saves the account snapshot. Must be called with the account lock held.
// A failed save is logged, the in-memory state stays authoritative until the next save.
func (c *coordinator) persist(ctx context.Context, account string) {
	ctx = context.WithoutCancel(ctx)
	state := &store.AccountState{
		Account:      account,
		Ledger:       c.ledger.Snapshot(account),
		Transactions: c.log.Snapshot(account),
		Servers:      c.registry.Snapshot(account),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PersistRetryInterval
	err := backoff.RetryNotify(func() error {
		return c.store.SaveAccount(ctx, state)
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.PersistRetries), ctx), func(err error, d time.Duration) {
		logger.WarnCtx(ctx, "Retrying account save",
			logger.Account(account),
			zap.Error(err),
			zap.Duration("backoff", d))
	})
	if err != nil {
		metrics.ObservePersistFailure()
		logger.ErrorCtx(ctx, fmt.Errorf("failed to persist account: %w", err), logger.Account(account))
	}
}

// settledError is the failure cause carried by a failed payment record
func settledError(rec txlog.Record) error {
	if rec.FailureReason == "" {
		return domain.ErrExternalConfirmationFailed
	}
	return fmt.Errorf("%w: %s", domain.ErrExternalConfirmationFailed, rec.FailureReason)
}

func (c *coordinator) Task(ctx context.Context, taskID string) (*Task, error) {
	if v, ok := c.tasks.Load(taskID); ok {
		return v.(*Task), nil
	}

	// Tasks of earlier runs are rebuilt from their payment record
	rec, err := c.log.Get(ctx, taskID)
	if err != nil || rec.Kind != domain.TransactionKindPayment {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return taskFromRecord(rec), nil
}

func (c *coordinator) Load(ctx context.Context) error {
	state, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	for _, account := range state.Accounts {
		if err := c.ledger.Restore(account.Ledger); err != nil {
			return fmt.Errorf("failed to restore balances of %s: %w", account.Account, err)
		}
		if err := c.log.Restore(account.Transactions); err != nil {
			return fmt.Errorf("failed to restore transactions of %s: %w", account.Account, err)
		}
		if err := c.registry.Restore(account.Servers); err != nil {
			return fmt.Errorf("failed to restore servers of %s: %w", account.Account, err)
		}
	}

	pending := c.log.Pending(ctx)
	metrics.SetPendingPayments(len(pending))

	logger.InfoCtx(ctx, "State loaded",
		zap.Int("accounts", len(state.Accounts)),
		zap.Int("pending_payments", len(pending)))
	return nil
}

func (c *coordinator) PendingPayments(ctx context.Context) []txlog.Record {
	return c.log.Pending(ctx)
}

func (c *coordinator) Close() {
	c.closed.Do(func() {
		close(c.closing)
	})
	c.wg.Wait()
}

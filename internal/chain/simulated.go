package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
)

// SimulatedOptions tunes the in-memory chain
type SimulatedOptions struct {
	// Delay before a submitted transaction confirms on its own
	Delay time.Duration
	// Manual leaves every outcome to Resolve
	Manual bool
	// StartingBalance is the native balance of addresses the chain has not seen yet
	StartingBalance decimal.Decimal
}

type simulatedTx struct {
	from    string
	amount  decimal.Decimal
	settled chan struct{}
	outcome domain.Outcome
}

// SimulatedWallet is an in-memory chain used for development and tests
type SimulatedWallet struct {
	mu        sync.Mutex
	clock     adapter.Clock
	opts      SimulatedOptions
	balances  map[string]decimal.Decimal
	txs       map[string]*simulatedTx
	submitErr error
}

// NewSimulatedWallet creates an in-memory chain
func NewSimulatedWallet(clock adapter.Clock, opts SimulatedOptions) *SimulatedWallet {
	return &SimulatedWallet{
		clock:    clock,
		opts:     opts,
		balances: make(map[string]decimal.Decimal),
		txs:      make(map[string]*simulatedTx),
	}
}

// FailSubmissions makes every following Submit fail with err, nil restores normal behaviour
func (w *SimulatedWallet) FailSubmissions(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitErr = err
}

// balance must be called with w.mu held
func (w *SimulatedWallet) balance(address string) decimal.Decimal {
	b, ok := w.balances[address]
	if !ok {
		b = w.opts.StartingBalance
		w.balances[address] = b
	}
	return b
}

func (w *SimulatedWallet) Submit(ctx context.Context, from, to string, asset domain.Asset, amount decimal.Decimal) (string, error) {
	if !asset.Native() {
		return "", fmt.Errorf("%w: %w: only %s moves on chain", domain.ErrExternalSubmissionFailed, domain.ErrUnsupportedAsset, domain.AssetETH.Symbol())
	}
	if err := domain.ValidateAmount(asset, amount); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.submitErr != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, w.submitErr)
	}
	if amount.GreaterThan(w.balance(from)) {
		return "", fmt.Errorf("%w: insufficient funds for transfer", domain.ErrExternalSubmissionFailed)
	}

	hash := crypto.Keccak256Hash([]byte(ulid.MustNewDefault(w.clock.Now()).String())).Hex()
	tx := &simulatedTx{
		from:    from,
		amount:  amount,
		settled: make(chan struct{}),
	}
	w.txs[hash] = tx

	if !w.opts.Manual {
		go func() {
			<-w.clock.After(w.opts.Delay)
			if err := w.Resolve(hash, domain.OutcomeConfirmed); err != nil {
				logger.Debug("simulated transaction already settled", logger.Hash(hash), zap.Error(err))
			}
		}()
	}

	logger.InfoCtx(ctx, "Simulated transaction submitted",
		logger.Hash(hash),
		zap.String("from", from),
		zap.String("to", to),
		logger.Amount(amount))

	return hash, nil
}

// Resolve settles a pending simulated transaction
func (w *SimulatedWallet) Resolve(hash string, outcome domain.Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidTransition, outcome)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tx, ok := w.txs[hash]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, hash)
	}
	if tx.outcome != "" {
		return fmt.Errorf("%w: %s already %s", domain.ErrInvalidTransition, hash, tx.outcome)
	}

	if outcome == domain.OutcomeConfirmed {
		w.balances[tx.from] = w.balance(tx.from).Sub(tx.amount)
	}
	tx.outcome = outcome
	close(tx.settled)
	return nil
}

func (w *SimulatedWallet) AwaitConfirmation(ctx context.Context, hash string) (domain.Outcome, error) {
	w.mu.Lock()
	tx, ok := w.txs[hash]
	w.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, hash)
	}

	select {
	case <-tx.settled:
		w.mu.Lock()
		defer w.mu.Unlock()
		return tx.outcome, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (w *SimulatedWallet) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance(address), nil
}

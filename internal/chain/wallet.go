package chain

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/neuralcloud/deployd/internal/domain"
)

// Wallet submits payments to a chain and reports their settlement
//
//go:generate mockgen -source=wallet.go -destination=../mocks/wallet.go -package=mocks -mock_names=Wallet=MockWallet
type Wallet interface {
	// Submit signs and broadcasts a transfer, returning its hash.
	// Failures wrap domain.ErrExternalSubmissionFailed, retryable ones also wrap domain.ErrTransient.
	Submit(ctx context.Context, from, to string, asset domain.Asset, amount decimal.Decimal) (string, error)

	// AwaitConfirmation blocks until the transaction settles or ctx is done
	AwaitConfirmation(ctx context.Context, hash string) (domain.Outcome, error)

	// GetBalance returns the native balance of an address
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

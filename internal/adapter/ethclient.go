package adapter

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient defines the subset of the Ethereum JSON-RPC client used to move funds, to enable mocking
//
//go:generate mockgen -source=ethclient.go -destination=../mocks/ethclient.go -package=mocks -mock_names=EthClient=MockEthClient,EthClientDialer=MockEthClientDialer
type EthClient interface {
	// ChainID returns the chain id reported by the node
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the most recent block number
	BlockNumber(ctx context.Context) (uint64, error)

	// BalanceAt returns the wei balance of an account at a block, nil means latest
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)

	// PendingNonceAt returns the next nonce for an account including pending transactions
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// SuggestGasPrice returns the gas price suggested by the node
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SendTransaction broadcasts a signed transaction
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns the receipt of a mined transaction or ethereum.NotFound
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// Close closes the connection
	Close()
}

// EthClientDialer defines an interface for dialing Ethereum clients
type EthClientDialer interface {
	Dial(ctx context.Context, rawurl string) (EthClient, error)
}

// RealEthClientDialer implements EthClientDialer using the standard ethclient package
type RealEthClientDialer struct{}

// NewEthClientDialer creates a new real Ethereum client dialer
func NewEthClientDialer() EthClientDialer {
	return &RealEthClientDialer{}
}

func (a *RealEthClientDialer) Dial(ctx context.Context, rawurl string) (EthClient, error) {
	return ethclient.DialContext(ctx, rawurl)
}

// IsNotFound reports whether an RPC error means the object is not available yet
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}

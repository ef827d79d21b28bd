package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/neuralcloud/deployd/internal/adapter"
	"github.com/neuralcloud/deployd/internal/domain"
	"github.com/neuralcloud/deployd/internal/logger"
)

const (
	weiDecimals = 18

	defaultGasLimit     = 21000
	defaultPollInterval = 4 * time.Second
	rpcMaxRetries       = 3
)

// terminalSendErrors are node rejections that retrying will not fix
var terminalSendErrors = []string{
	"insufficient funds",
	"nonce too low",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
}

// EthereumOptions tunes the Ethereum wallet
type EthereumOptions struct {
	Confirmations uint64
	PollInterval  time.Duration
	GasLimit      uint64
}

// EthereumWallet pays from custodial keys through a JSON-RPC node
type EthereumWallet struct {
	client  adapter.EthClient
	clock   adapter.Clock
	chainID *big.Int
	signers map[common.Address]*ecdsa.PrivateKey
	opts    EthereumOptions
}

// NewEthereumWallet creates a wallet for the given chain. Keys are hex encoded secp256k1 private keys.
func NewEthereumWallet(client adapter.EthClient, clock adapter.Clock, chain domain.Chain, keys []string, opts EthereumOptions) (*EthereumWallet, error) {
	chainID, err := chain.ChainID()
	if err != nil {
		return nil, err
	}

	signers := make(map[common.Address]*ecdsa.PrivateKey, len(keys))
	for i, k := range keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(k), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signer key #%d: %w", i, err)
		}
		signers[crypto.PubkeyToAddress(key.PublicKey)] = key
	}

	if opts.GasLimit == 0 {
		opts.GasLimit = defaultGasLimit
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Confirmations == 0 {
		opts.Confirmations = 1
	}

	return &EthereumWallet{
		client:  client,
		clock:   clock,
		chainID: chainID,
		signers: signers,
		opts:    opts,
	}, nil
}

// DialEthereumWallet connects to the node at rawurl and returns a wallet verified against the
// configured chain, along with the function closing its connection
func DialEthereumWallet(ctx context.Context, dialer adapter.EthClientDialer, rawurl string, clock adapter.Clock, chain domain.Chain, keys []string, opts EthereumOptions) (*EthereumWallet, func(), error) {
	client, err := dialer.Dial(ctx, rawurl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial ethereum node: %w", err)
	}

	wallet, err := NewEthereumWallet(client, clock, chain, keys, opts)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	if err := wallet.VerifyChain(ctx); err != nil {
		client.Close()
		return nil, nil, err
	}
	return wallet, client.Close, nil
}

// VerifyChain checks that the node serves the configured chain
func (w *EthereumWallet) VerifyChain(ctx context.Context) error {
	id, err := w.client.ChainID(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("failed to get chain id: %w", err))
	}
	if id.Cmp(w.chainID) != 0 {
		return fmt.Errorf("node serves chain %s, expected %s", id, w.chainID)
	}
	return nil
}

// retry runs a read-only RPC call with a bounded exponential backoff
func retry[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	var result T
	operation := func() error {
		var err error
		result, err = fn()
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), rpcMaxRetries), ctx)
	err := backoff.RetryNotify(operation, b, func(err error, d time.Duration) {
		logger.WarnCtx(ctx, "Retrying ethereum rpc call",
			zap.String("call", name),
			zap.Error(err),
			zap.Duration("backoff", d))
	})
	return result, err
}

func (w *EthereumWallet) Submit(ctx context.Context, from, to string, asset domain.Asset, amount decimal.Decimal) (string, error) {
	if !asset.Native() {
		return "", fmt.Errorf("%w: %w: only %s moves on chain", domain.ErrExternalSubmissionFailed, domain.ErrUnsupportedAsset, domain.AssetETH.Symbol())
	}
	if err := domain.ValidateAmount(asset, amount); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, err)
	}
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid address", domain.ErrExternalSubmissionFailed)
	}

	sender := common.HexToAddress(from)
	key, ok := w.signers[sender]
	if !ok {
		return "", fmt.Errorf("%w: no signer for %s", domain.ErrExternalSubmissionFailed, sender.Hex())
	}

	nonce, err := retry(ctx, "PendingNonceAt", func() (uint64, error) {
		return w.client.PendingNonceAt(ctx, sender)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, domain.Transient(fmt.Errorf("failed to get nonce: %w", err)))
	}

	gasPrice, err := retry(ctx, "SuggestGasPrice", func() (*big.Int, error) {
		return w.client.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, domain.Transient(fmt.Errorf("failed to get gas price: %w", err)))
	}

	recipient := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    ToWei(amount),
		Gas:      w.opts.GasLimit,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), key)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign transaction: %w", domain.ErrExternalSubmissionFailed, err)
	}

	if err := w.client.SendTransaction(ctx, signed); err != nil {
		if isTerminalSendError(err) {
			return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, err)
		}
		return "", fmt.Errorf("%w: %w", domain.ErrExternalSubmissionFailed, domain.Transient(err))
	}

	hash := signed.Hash().Hex()
	logger.InfoCtx(ctx, "Ethereum transaction submitted",
		logger.Hash(hash),
		zap.String("from", sender.Hex()),
		zap.String("to", recipient.Hex()),
		zap.Uint64("nonce", nonce),
		logger.Amount(amount))

	return hash, nil
}

func isTerminalSendError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range terminalSendErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (w *EthereumWallet) AwaitConfirmation(ctx context.Context, hash string) (domain.Outcome, error) {
	txHash := common.HexToHash(hash)

	for {
		outcome, done, err := w.checkReceipt(ctx, txHash)
		if err != nil {
			return "", err
		}
		if done {
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-w.clock.After(w.opts.PollInterval):
		}
	}
}

// checkReceipt reports the outcome once the receipt is deep enough. RPC hiccups are logged and polled again.
func (w *EthereumWallet) checkReceipt(ctx context.Context, hash common.Hash) (domain.Outcome, bool, error) {
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if adapter.IsNotFound(err) {
			return "", false, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", false, err
		}
		logger.WarnCtx(ctx, "Failed to get transaction receipt", logger.Hash(hash.Hex()), zap.Error(err))
		return "", false, nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return domain.OutcomeFailed, true, nil
	}

	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "Failed to get block number", zap.Error(err))
		return "", false, nil
	}

	mined := receipt.BlockNumber.Uint64()
	if head >= mined && head-mined+1 >= w.opts.Confirmations {
		return domain.OutcomeConfirmed, true, nil
	}
	return "", false, nil
}

func (w *EthereumWallet) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid address %q", address)
	}

	wei, err := retry(ctx, "BalanceAt", func() (*big.Int, error) {
		return w.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	})
	if err != nil {
		return decimal.Zero, domain.Transient(fmt.Errorf("failed to get balance: %w", err))
	}
	return FromWei(wei), nil
}

// ToWei converts an ether amount to wei, dropping digits below one wei
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(weiDecimals).BigInt()
}

// FromWei converts wei to an ether amount
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -weiDecimals)
}

package domain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Chain represents the blockchain network identifier using CAIP-2 format
type Chain string

const (
	ChainEthereumMainnet Chain = "eip155:1"
	ChainEthereumSepolia Chain = "eip155:11155111"
	ChainPolygonMainnet  Chain = "eip155:137"
	ChainArbitrumOne     Chain = "eip155:42161"
	ChainOptimism        Chain = "eip155:10"
)

// IsValidChain checks if a chain is supported for on-chain payments
func IsValidChain(chain Chain) bool {
	return chain == ChainEthereumMainnet ||
		chain == ChainEthereumSepolia ||
		chain == ChainPolygonMainnet ||
		chain == ChainArbitrumOne ||
		chain == ChainOptimism
}

// ChainID returns the numeric EIP-155 chain id of the network
func (c Chain) ChainID() (*big.Int, error) {
	parts := strings.SplitN(string(c), ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return nil, fmt.Errorf("unsupported chain: %s", c)
	}
	id, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id: %s", c)
	}
	return id, nil
}

// Asset is the closed set of assets the ledger can hold
type Asset string

const (
	// AssetETH is the native asset of the payment chain
	AssetETH Asset = "eth"
	// AssetUSDC is a stable asset
	AssetUSDC Asset = "usdc"
	// AssetUSDT is a stable asset
	AssetUSDT Asset = "usdt"
)

// Assets lists every supported asset in display order
var Assets = []Asset{AssetETH, AssetUSDC, AssetUSDT}

// Valid reports whether the asset is part of the enumeration
func (a Asset) Valid() bool {
	return a == AssetETH || a == AssetUSDC || a == AssetUSDT
}

// Native reports whether the asset is the chain's native currency
func (a Asset) Native() bool {
	return a == AssetETH
}

// Precision returns the number of fractional digits the ledger keeps for the asset
func (a Asset) Precision() int32 {
	if a.Native() {
		return 18
	}
	return 6
}

// Symbol returns the upper-case ticker used in descriptions
func (a Asset) Symbol() string {
	return strings.ToUpper(string(a))
}

// ParseAsset parses a case-insensitive asset ticker
func ParseAsset(s string) (Asset, error) {
	a := Asset(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown asset %q", ErrInvalidAmount, s)
	}
	return a, nil
}

// ValidateAmount checks that an amount is strictly positive and representable in the asset's precision
func ValidateAmount(asset Asset, amount decimal.Decimal) error {
	if !asset.Valid() {
		return fmt.Errorf("%w: unknown asset %q", ErrInvalidAmount, asset)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount.String())
	}
	if !amount.Equal(amount.Truncate(asset.Precision())) {
		return fmt.Errorf("%w: %s supports at most %d fractional digits", ErrInvalidAmount, asset.Symbol(), asset.Precision())
	}
	return nil
}

// Pool identifies which of the two balances of an account is addressed
type Pool string

const (
	// PoolExternal is the user's own wallet balance, outside platform custody
	PoolExternal Pool = "external"
	// PoolPlatform is the platform credit balance used to pay for deployments
	PoolPlatform Pool = "platform"
)

// Valid reports whether the pool is known
func (p Pool) Valid() bool {
	return p == PoolExternal || p == PoolPlatform
}

// TransactionKind is the kind of a ledger-affecting event
type TransactionKind string

const (
	TransactionKindDeposit TransactionKind = "deposit"
	TransactionKindPayment TransactionKind = "payment"
	TransactionKindRefund  TransactionKind = "refund"
	TransactionKindCredit  TransactionKind = "credit"
)

// Valid reports whether the kind is known
func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionKindDeposit, TransactionKindPayment, TransactionKindRefund, TransactionKindCredit:
		return true
	}
	return false
}

// TransactionStatus is the settlement status of a transaction record
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Valid reports whether the status is known
func (s TransactionStatus) Valid() bool {
	return s == TransactionStatusPending || s == TransactionStatusConfirmed || s == TransactionStatusFailed
}

// Terminal reports whether no further transition is allowed from the status
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusConfirmed || s == TransactionStatusFailed
}

// ServerStatus is the lifecycle state of a deployed server
type ServerStatus string

const (
	ServerStatusProvisioning ServerStatus = "provisioning"
	ServerStatusRunning      ServerStatus = "running"
	ServerStatusStopped      ServerStatus = "stopped"
	ServerStatusTerminated   ServerStatus = "terminated"
	ServerStatusError        ServerStatus = "error"
)

// Valid reports whether the status is known
func (s ServerStatus) Valid() bool {
	switch s {
	case ServerStatusProvisioning, ServerStatusRunning, ServerStatusStopped, ServerStatusTerminated, ServerStatusError:
		return true
	}
	return false
}

// Active reports whether the server counts as active in platform statistics
func (s ServerStatus) Active() bool {
	return s == ServerStatusRunning || s == ServerStatusProvisioning
}

// ServerType is the compute class of a server
type ServerType string

const (
	ServerTypeCPU ServerType = "cpu"
	ServerTypeGPU ServerType = "gpu"
)

// Provider is the decentralized compute provider hosting a server
type Provider string

const (
	ProviderFluence  Provider = "fluence"
	ProviderAkash    Provider = "akash"
	ProviderFilecoin Provider = "filecoin"
	ProviderCustom   Provider = "custom"
)

// ServerConfig is the requested server specification. Once attached to a server record it is an immutable snapshot.
type ServerConfig struct {
	Type          ServerType `json:"type"`
	OS            string     `json:"os"`
	CPUCores      int        `json:"cpu_cores"`
	RAMGB         int        `json:"ram_gb"`
	StorageGB     int        `json:"storage_gb"`
	BandwidthMbps int        `json:"bandwidth_mbps"`
	GPUType       string     `json:"gpu_type,omitempty"`
	GPUCount      int        `json:"gpu_count,omitempty"`
	Provider      Provider   `json:"provider"`
	Region        string     `json:"region"`
}

// Validate checks the configuration against the supported catalogue
func (c ServerConfig) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	return nil
}

func (c ServerConfig) validate() error {
	if c.Type != ServerTypeCPU && c.Type != ServerTypeGPU {
		return fmt.Errorf("invalid server type %q", c.Type)
	}
	if !IsSupportedOS(c.OS) {
		return fmt.Errorf("unsupported os %q", c.OS)
	}
	if c.CPUCores <= 0 || c.RAMGB <= 0 || c.StorageGB <= 0 {
		return fmt.Errorf("cpu_cores, ram_gb and storage_gb must be positive")
	}
	if c.BandwidthMbps < 0 || c.GPUCount < 0 {
		return fmt.Errorf("bandwidth_mbps and gpu_count must not be negative")
	}
	if c.Type == ServerTypeCPU && c.GPUCount > 0 {
		return fmt.Errorf("cpu servers cannot carry gpus")
	}
	if c.Type == ServerTypeGPU && c.GPUCount == 0 {
		return fmt.Errorf("gpu servers need at least one gpu")
	}
	if !IsSupportedProvider(c.Provider) {
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if !IsSupportedRegion(c.Region) {
		return fmt.Errorf("unsupported region %q", c.Region)
	}
	return nil
}

// PaymentMethod selects the deployment payment path
type PaymentMethod string

const (
	// PaymentMethodPlatform pays synchronously from the platform credit balance
	PaymentMethodPlatform PaymentMethod = "platform"
	// PaymentMethodOnchain pays with an external on-chain transaction
	PaymentMethodOnchain PaymentMethod = "onchain"
)

// Valid reports whether the method is known
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodPlatform || m == PaymentMethodOnchain
}

// Outcome is the eventual on-chain result of a submitted transaction
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether the outcome is known
func (o Outcome) Valid() bool {
	return o == OutcomeConfirmed || o == OutcomeFailed
}

// NormalizeAccount validates an account identifier (an EVM address) and returns its checksummed form
func NormalizeAccount(account string) (string, error) {
	account = strings.TrimSpace(account)
	if !common.IsHexAddress(account) {
		return "", fmt.Errorf("invalid account address %q", account)
	}
	return common.HexToAddress(account).Hex(), nil
}

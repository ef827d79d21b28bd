package domain

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidChain(t *testing.T) {
	tests := []struct {
		name     string
		chain    Chain
		expected bool
	}{
		{name: "valid ethereum mainnet", chain: ChainEthereumMainnet, expected: true},
		{name: "valid ethereum sepolia", chain: ChainEthereumSepolia, expected: true},
		{name: "valid polygon", chain: ChainPolygonMainnet, expected: true},
		{name: "invalid empty chain", chain: Chain(""), expected: false},
		{name: "invalid tezos chain", chain: Chain("tezos:mainnet"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsValidChain(tt.chain))
		})
	}
}

func TestChain_ChainID(t *testing.T) {
	id, err := ChainEthereumSepolia.ChainID()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(11155111), id)

	_, err = Chain("tezos:mainnet").ChainID()
	assert.Error(t, err)

	_, err = Chain("eip155:abc").ChainID()
	assert.Error(t, err)
}

func TestParseAsset(t *testing.T) {
	a, err := ParseAsset(" USDC ")
	require.NoError(t, err)
	assert.Equal(t, AssetUSDC, a)

	_, err = ParseAsset("matic")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		asset   Asset
		amount  string
		wantErr bool
	}{
		{name: "positive stable amount", asset: AssetUSDC, amount: "150", wantErr: false},
		{name: "six fractional digits on stable", asset: AssetUSDT, amount: "0.000001", wantErr: false},
		{name: "seven fractional digits on stable", asset: AssetUSDT, amount: "0.0000001", wantErr: true},
		{name: "eighteen fractional digits on native", asset: AssetETH, amount: "0.000000000000000001", wantErr: false},
		{name: "zero", asset: AssetETH, amount: "0", wantErr: true},
		{name: "negative", asset: AssetUSDC, amount: "-1", wantErr: true},
		{name: "unknown asset", asset: Asset("dai"), amount: "1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.asset, decimal.RequireFromString(tt.amount))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerConfig_Validate(t *testing.T) {
	valid := ServerConfig{
		Type:          ServerTypeCPU,
		OS:            "ubuntu",
		CPUCores:      4,
		RAMGB:         16,
		StorageGB:     100,
		BandwidthMbps: 250,
		Provider:      ProviderFluence,
		Region:        "us-east-1",
	}
	assert.NoError(t, valid.Validate())

	gpu := valid
	gpu.Type = ServerTypeGPU
	gpu.GPUType = "NVIDIA A100"
	gpu.GPUCount = 2
	assert.NoError(t, gpu.Validate())

	tests := []struct {
		name   string
		mutate func(c *ServerConfig)
	}{
		{name: "unknown type", mutate: func(c *ServerConfig) { c.Type = "tpu" }},
		{name: "unknown os", mutate: func(c *ServerConfig) { c.OS = "windows" }},
		{name: "zero cpu", mutate: func(c *ServerConfig) { c.CPUCores = 0 }},
		{name: "negative bandwidth", mutate: func(c *ServerConfig) { c.BandwidthMbps = -1 }},
		{name: "cpu with gpus", mutate: func(c *ServerConfig) { c.GPUCount = 1 }},
		{name: "unknown provider", mutate: func(c *ServerConfig) { c.Provider = "aws" }},
		{name: "unknown region", mutate: func(c *ServerConfig) { c.Region = "mars-1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestTransactionStatus_Terminal(t *testing.T) {
	assert.False(t, TransactionStatusPending.Terminal())
	assert.True(t, TransactionStatusConfirmed.Terminal())
	assert.True(t, TransactionStatusFailed.Terminal())
}

func TestNormalizeAccount(t *testing.T) {
	got, err := NormalizeAccount("0x1378a57fa42b647b80475bf280985362a6136aa6")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1378a57fa42b647b80475bf280985362a6136aa6").Hex(), got)

	trimmed, err := NormalizeAccount("  " + strings.ToLower(got) + "  ")
	require.NoError(t, err)
	assert.Equal(t, got, trimmed)

	_, err = NormalizeAccount("not-an-address")
	assert.Error(t, err)
}

func TestInsufficientFundsError(t *testing.T) {
	err := error(&InsufficientFundsError{
		Pool:      PoolPlatform,
		Asset:     AssetUSDC,
		Required:  decimal.NewFromInt(120),
		Available: decimal.NewFromInt(100),
	})

	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	var funds *InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.True(t, funds.Shortfall().Equal(decimal.NewFromInt(20)))
	assert.Contains(t, err.Error(), "short by 20 USDC")
}

func TestTransient(t *testing.T) {
	base := errors.New("connection reset")
	assert.True(t, IsTransient(Transient(base)))
	assert.ErrorIs(t, Transient(base), base)
	assert.False(t, IsTransient(base))
	assert.Nil(t, Transient(nil))
}

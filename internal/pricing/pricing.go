package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/neuralcloud/deployd/internal/domain"
)

// Monthly USD rates per resource unit
var (
	rateCPUCore       = decimal.NewFromInt(5)
	rateRAMGB         = decimal.NewFromInt(2)
	rateStorageGB     = decimal.RequireFromString("0.1")
	rateBandwidthMbps = decimal.RequireFromString("0.05")
	rateGPU           = decimal.NewFromInt(150)
)

// nativeDecimals is the number of fractional digits a native quote is rounded to
const nativeDecimals = 8

// RateSource returns the USD price of one unit of an asset
//
//go:generate mockgen -source=pricing.go -destination=../mocks/rate_source.go -package=mocks -mock_names=RateSource=MockRateSource
type RateSource interface {
	USDPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, error)
}

type fixedRates struct {
	eth decimal.Decimal
}

// NewFixedRateSource prices stable assets at one dollar and the native asset at a configured value
func NewFixedRateSource(ethPriceUSD decimal.Decimal) RateSource {
	return &fixedRates{eth: ethPriceUSD}
}

func (f *fixedRates) USDPrice(ctx context.Context, asset domain.Asset) (decimal.Decimal, error) {
	switch {
	case !asset.Valid():
		return decimal.Zero, fmt.Errorf("%w: %q", domain.ErrUnsupportedAsset, asset)
	case asset.Native():
		return f.eth, nil
	default:
		return decimal.NewFromInt(1), nil
	}
}

// MonthlyCostUSD computes the monthly price of a configuration in whole dollars
func MonthlyCostUSD(cfg domain.ServerConfig) decimal.Decimal {
	total := rateCPUCore.Mul(decimal.NewFromInt(int64(cfg.CPUCores))).
		Add(rateRAMGB.Mul(decimal.NewFromInt(int64(cfg.RAMGB)))).
		Add(rateStorageGB.Mul(decimal.NewFromInt(int64(cfg.StorageGB)))).
		Add(rateBandwidthMbps.Mul(decimal.NewFromInt(int64(cfg.BandwidthMbps)))).
		Add(rateGPU.Mul(decimal.NewFromInt(int64(cfg.GPUCount))))
	return total.Round(0)
}

// Quote is the price of a configuration expressed in a payment asset
type Quote struct {
	USD    decimal.Decimal `json:"usd"`
	Asset  domain.Asset    `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Rate   decimal.Decimal `json:"rate"` // USD per unit of Asset
}

// Pricer turns configurations into quotes
type Pricer struct {
	rates RateSource
}

// NewPricer creates a pricer backed by a rate source
func NewPricer(rates RateSource) *Pricer {
	return &Pricer{rates: rates}
}

// Quote prices a configuration in the given asset
func (p *Pricer) Quote(ctx context.Context, cfg domain.ServerConfig, asset domain.Asset) (Quote, error) {
	if err := cfg.Validate(); err != nil {
		return Quote{}, err
	}
	if !asset.Valid() {
		return Quote{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedAsset, asset)
	}

	usd := MonthlyCostUSD(cfg)
	rate, err := p.rates.USDPrice(ctx, asset)
	if err != nil {
		return Quote{}, fmt.Errorf("failed to price %s: %w", asset.Symbol(), err)
	}
	if !rate.IsPositive() {
		return Quote{}, fmt.Errorf("%w: non positive %s price", domain.ErrUnsupportedAsset, asset.Symbol())
	}

	amount := usd.Div(rate)
	if asset.Native() {
		amount = amount.Round(nativeDecimals)
	} else {
		amount = amount.Round(asset.Precision())
	}

	return Quote{
		USD:    usd,
		Asset:  asset,
		Amount: amount,
		Rate:   rate,
	}, nil
}

package fees

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RateSource prices native assets in a common quote currency
type RateSource interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// StaticRates is a fixed price table keyed by asset symbol
type StaticRates map[string]decimal.Decimal

// NewStaticRates builds a price table from configuration
func NewStaticRates(prices map[string]float64) StaticRates {
	rates := make(StaticRates, len(prices))
	for asset, price := range prices {
		rates[strings.ToUpper(asset)] = decimal.NewFromFloat(price)
	}
	return rates
}

// Price returns the configured price of asset
func (r StaticRates) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	price, ok := r[strings.ToUpper(asset)]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s", asset)
	}
	return price, nil
}

package fees

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

var (
	hundred = decimal.NewFromInt(100)

	// DefaultSlippage is applied when a request carries none, in percent
	DefaultSlippage = decimal.RequireFromString("0.5")
	maxSlippage     = decimal.NewFromInt(10)
)

// quoteRetention is how long an expired quote is kept so that late use
// reports ErrFeeStale instead of ErrQuoteNotFound.
const quoteRetention = 10

// Tier is a stake discount step
type Tier struct {
	Name     string
	MinStake decimal.Decimal
	Percent  decimal.Decimal
}

// Engine computes fee quotes and re-validates them at swap creation
type Engine struct {
	rates       RateSource
	bridgeRate  decimal.Decimal
	networkFees map[types.Chain]decimal.Decimal
	tiers       []Tier
	maxDiscount decimal.Decimal
	ttl         time.Duration
	overhead    time.Duration
	now         func() time.Time

	mu     sync.Mutex
	quotes map[string]*types.Quote
}

// NewEngine creates a fee engine from configuration
func NewEngine(cfg config.Fees, rates RateSource) *Engine {
	e := &Engine{
		rates:       rates,
		bridgeRate:  decimal.NewFromFloat(cfg.BridgeFeePercent).Div(hundred),
		networkFees: make(map[types.Chain]decimal.Decimal),
		maxDiscount: decimal.NewFromFloat(cfg.MaxDiscountPercent),
		ttl:         cfg.QuoteTTL,
		overhead:    cfg.BridgeOverhead,
		now:         time.Now,
		quotes:      make(map[string]*types.Quote),
	}

	for name, fee := range cfg.NetworkFees {
		chain, err := types.ParseChain(name)
		if err != nil {
			log.WithError(err).Warnf("ignoring network fee for %s", name)
			continue
		}
		e.networkFees[chain] = decimal.NewFromFloat(fee)
	}

	for _, t := range cfg.Tiers {
		e.tiers = append(e.tiers, Tier{
			Name:     t.Name,
			MinStake: decimal.NewFromFloat(t.MinStake),
			Percent:  decimal.NewFromFloat(t.Percent),
		})
	}
	sort.Slice(e.tiers, func(i, j int) bool {
		return e.tiers[i].MinStake.LessThan(e.tiers[j].MinStake)
	})

	return e
}

// SetClock replaces the engine's time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Discount returns the discount percent granted for staked tokens. It is a
// monotonic step function capped at the maximum discount.
func (e *Engine) Discount(staked decimal.Decimal) (decimal.Decimal, string) {
	percent, name := decimal.Zero, ""
	for _, t := range e.tiers {
		if staked.GreaterThanOrEqual(t.MinStake) {
			percent, name = t.Percent, t.Name
		}
	}
	if percent.GreaterThan(e.maxDiscount) {
		percent = e.maxDiscount
	}
	return percent, name
}

// EstimatedTime is the expected end-to-end duration of a swap
func (e *Engine) EstimatedTime(src, dst types.Chain) time.Duration {
	finality := func(c types.Chain) time.Duration {
		info := c.Info()
		return info.BlockTime * time.Duration(info.FinalityDepth)
	}
	return finality(src) + finality(dst) + e.overhead
}

// Quote computes an advisory quote and keeps it for later validation
func (e *Engine) Quote(ctx context.Context, req types.QuoteRequest) (*types.Quote, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	srcPrice, err := e.rates.Price(ctx, req.SourceChain.Info().NativeAsset)
	if err != nil {
		return nil, fmt.Errorf("failed to price source asset: %w", err)
	}
	dstPrice, err := e.rates.Price(ctx, req.DestinationChain.Info().NativeAsset)
	if err != nil {
		return nil, fmt.Errorf("failed to price destination asset: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	discount, tier := e.Discount(req.StakedAmount)
	gross := req.Amount.Mul(e.bridgeRate).Add(e.networkFees[req.SourceChain])
	fee := gross.Mul(hundred.Sub(discount)).Div(hundred)
	if fee.GreaterThanOrEqual(req.Amount) {
		return nil, fmt.Errorf("%w: amount %s does not cover fee %s", types.ErrInvalidSwapParameters, req.Amount, fee)
	}

	rate := srcPrice.Div(dstPrice)
	destination := req.Amount.Sub(fee).Mul(rate)
	minDestination := destination.Mul(hundred.Sub(req.Slippage)).Div(hundred)

	now := e.now().UTC()
	quote := &types.Quote{
		ID:                   uuid.NewString(),
		SourceChain:          req.SourceChain,
		DestinationChain:     req.DestinationChain,
		Amount:               req.Amount,
		StakedAmount:         req.StakedAmount,
		Slippage:             req.Slippage,
		Fee:                  fee,
		DiscountPercent:      discount,
		ExchangeRate:         rate,
		DestinationAmount:    destination,
		MinDestinationAmount: minDestination,
		EstimatedTime:        int64(e.EstimatedTime(req.SourceChain, req.DestinationChain).Seconds()),
		CreatedAt:            now,
		ExpiresAt:            now.Add(e.ttl),
	}

	e.mu.Lock()
	e.quotes[quote.ID] = quote
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"quote_id": quote.ID,
		"fee":      fee.String(),
		"discount": discount.String(),
		"tier":     tier,
	}).Debug("quote issued")

	return quote, nil
}

func validateRequest(req *types.QuoteRequest) error {
	switch {
	case !req.SourceChain.Valid() || !req.DestinationChain.Valid():
		return fmt.Errorf("%w: unknown chain", types.ErrInvalidSwapParameters)
	case req.SourceChain == req.DestinationChain:
		return fmt.Errorf("%w: source and destination chain must differ", types.ErrInvalidSwapParameters)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", types.ErrInvalidSwapParameters)
	case req.StakedAmount.IsNegative():
		return fmt.Errorf("%w: staked amount is negative", types.ErrInvalidSwapParameters)
	case req.Slippage.IsNegative() || req.Slippage.GreaterThan(maxSlippage):
		return fmt.Errorf("%w: slippage must be within 0..%s percent", types.ErrInvalidSwapParameters, maxSlippage)
	}
	return nil
}

// Validate returns the quote a swap is created with. The quote must still be
// fresh and match the swap's parameters.
func (e *Engine) Validate(quoteID string, req types.QuoteRequest) (*types.Quote, error) {
	e.mu.Lock()
	quote, ok := e.quotes[quoteID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrQuoteNotFound, quoteID)
	}

	if e.now().After(quote.ExpiresAt) {
		return nil, fmt.Errorf("%w: quote %s expired at %s", types.ErrFeeStale, quoteID, quote.ExpiresAt.Format(time.RFC3339))
	}

	if quote.SourceChain != req.SourceChain ||
		quote.DestinationChain != req.DestinationChain ||
		!quote.Amount.Equal(req.Amount) ||
		!quote.StakedAmount.Equal(req.StakedAmount) {
		return nil, fmt.Errorf("%w: %s", types.ErrQuoteMismatch, quoteID)
	}
	// MinDestinationAmount was derived from the quoted slippage.
	if !quote.Slippage.Equal(req.Slippage) {
		return nil, fmt.Errorf("%w: %s was quoted with %s%% slippage, swap asks %s%%",
			types.ErrQuoteMismatch, quoteID, quote.Slippage, req.Slippage)
	}
	return quote, nil
}

// PurgeExpired drops quotes expired for longer than the retention window and
// returns how many were removed.
func (e *Engine) PurgeExpired() int {
	cutoff := e.now().Add(-quoteRetention * e.ttl)

	e.mu.Lock()
	defer e.mu.Unlock()

	purged := 0
	for id, quote := range e.quotes {
		if quote.ExpiresAt.Before(cutoff) {
			delete(e.quotes, id)
			purged++
		}
	}
	return purged
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/adapters"
	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/consensus"
	"github.com/chronosvault/trinity-relayer/internal/fees"
	"github.com/chronosvault/trinity-relayer/internal/health"
	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/chronosvault/trinity-relayer/internal/registry"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Submitted is the status returned once a claim or refund reached a validator
const Submitted = "submitted"

// Statuses of a submitted attestation
const (
	AttestationCounted   = "counted"
	AttestationDuplicate = "duplicate"
)

// AttestationSink counts validator attestations towards consensus
type AttestationSink interface {
	Submit(ctx context.Context, att *types.Attestation) (consensus.Outcome, error)
}

// SwapService implements the swap operations exposed by the API
type SwapService struct {
	config     config.Relayer
	registry   *registry.Registry
	fees       *fees.Engine
	monitor    *health.Monitor
	validators []adapters.Validator
	sink       AttestationSink
	now        func() time.Time
}

// NewSwapService creates a new swap service
func NewSwapService(
	cfg config.Relayer,
	reg *registry.Registry,
	feeEngine *fees.Engine,
	monitor *health.Monitor,
	validators []adapters.Validator,
	sink AttestationSink,
) *SwapService {
	return &SwapService{
		config:     cfg,
		registry:   reg,
		fees:       feeEngine,
		monitor:    monitor,
		validators: validators,
		sink:       sink,
		now:        time.Now,
	}
}

// SetClock replaces the service's time source
func (s *SwapService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateSwap validates a swap request, fixes its fees and registers it. When
// the request carries no hashlock a secret is generated and returned once.
func (s *SwapService) CreateSwap(ctx context.Context, req *types.CreateSwapRequest) (*types.CreateSwapResponse, error) {
	quoteReq, err := parseQuoteRequest(&types.QuoteRequestBody{
		SourceChain:      req.SourceChain,
		DestinationChain: req.DestinationChain,
		Amount:           req.Amount,
		StakedAmount:     req.StakedAmount,
		Slippage:         req.Slippage,
	})
	if err != nil {
		return nil, err
	}

	var quote *types.Quote
	if req.QuoteID != "" {
		quote, err = s.fees.Validate(req.QuoteID, quoteReq)
	} else {
		quote, err = s.fees.Quote(ctx, quoteReq)
	}
	if err != nil {
		return nil, err
	}

	var (
		hashlock htlc.Hashlock
		secret   string
	)
	if req.Hashlock != "" {
		hashlock, err = htlc.ParseHashlock(req.Hashlock)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidSwapParameters, err)
		}
	} else {
		generated, h, err := htlc.NewSecret()
		if err != nil {
			return nil, err
		}
		hashlock, secret = h, generated.String()
	}

	unlockTime := s.now().Add(s.defaultTimelock())
	if req.UnlockTime != 0 {
		unlockTime = time.Unix(req.UnlockTime, 0)
	}

	swap, err := s.registry.Create(ctx, types.SwapParams{
		SourceChain:          quote.SourceChain,
		DestinationChain:     quote.DestinationChain,
		TokenAddress:         req.TokenAddress,
		Amount:               quote.Amount,
		DestinationAmount:    quote.DestinationAmount,
		MinDestinationAmount: quote.MinDestinationAmount,
		Fees:                 quote.Fee,
		QuoteID:              req.QuoteID,
		Hashlock:             hashlock,
		UnlockTime:           unlockTime,
		Initiator:            strings.TrimSpace(req.InitiatorAddress),
		Recipient:            strings.TrimSpace(req.RecipientAddress),
	})
	if err != nil {
		return nil, err
	}

	return &types.CreateSwapResponse{
		SwapID: swap.ID,
		Quote:  quote,
		Secret: secret,
		Swap:   swap,
	}, nil
}

func (s *SwapService) defaultTimelock() time.Duration {
	if s.config.DefaultTimelock > 0 {
		return s.config.DefaultTimelock
	}
	return htlc.DefaultTimelock
}

// GetSwap returns a swap with its effective status
func (s *SwapService) GetSwap(ctx context.Context, id string) (*types.Swap, error) {
	return s.registry.Get(ctx, id)
}

// ListSwaps returns the swaps matching the optional chain, status and address filters
func (s *SwapService) ListSwaps(ctx context.Context, chain, status, address string) ([]*types.Swap, error) {
	var filter types.SwapFilter
	if chain != "" {
		c, err := types.ParseChain(chain)
		if err != nil {
			return nil, err
		}
		filter.Chain = c
	}
	if status != "" {
		st, ok := types.ParseSwapStatus(status)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", types.ErrInvalidSwapParameters, status)
		}
		filter.Status = st
	}
	filter.Address = strings.TrimSpace(address)

	return registry.Collect(s.registry.List(ctx, filter))
}

// ClaimSwap checks the secret against the hashlock and forwards the claim to
// every validator. The claim is final only once consensus observes it.
func (s *SwapService) ClaimSwap(ctx context.Context, id, rawSecret string) (*types.SubmitResponse, error) {
	swap, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if swap.Status != types.StatusLocked {
		return nil, fmt.Errorf("%w: swap %s is %s", types.ErrSwapNotClaimable, id, swap.Status)
	}

	secret, err := htlc.ParseSecret(rawSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidSecret, err)
	}
	if !swap.Hashlock.Verify(secret) {
		return nil, types.ErrInvalidSecret
	}

	err = s.fanOut(ctx, swap, "claim", func(ctx context.Context, v adapters.Validator) error {
		return v.RequestClaim(ctx, swap, secret.String())
	})
	if err != nil {
		return nil, err
	}
	return &types.SubmitResponse{SwapID: id, Status: Submitted}, nil
}

// RefundSwap forwards a refund of an expired, locked swap to every validator
func (s *SwapService) RefundSwap(ctx context.Context, id string) (*types.SubmitResponse, error) {
	record, err := s.registry.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != types.StatusLocked {
		return nil, fmt.Errorf("%w: swap %s is %s", types.ErrSwapNotRefundable, id, record.Status)
	}
	if !htlc.Expired(record.UnlockTime, s.now()) {
		return nil, fmt.Errorf("%w: swap %s is locked until %s", types.ErrSwapNotRefundable, id, record.UnlockTime.Format(time.RFC3339))
	}

	err = s.fanOut(ctx, record, "refund", func(ctx context.Context, v adapters.Validator) error {
		return v.RequestRefund(ctx, record)
	})
	if err != nil {
		return nil, err
	}
	return &types.SubmitResponse{SwapID: id, Status: Submitted}, nil
}

// fanOut sends a request to all validators concurrently. It succeeds if at
// least one validator accepted the request.
func (s *SwapService) fanOut(ctx context.Context, swap *types.Swap, kind string, fn func(context.Context, adapters.Validator) error) error {
	if len(s.validators) == 0 {
		return types.ErrNoValidatorReached
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		errs     []error
	)
	for _, v := range s.validators {
		wg.Add(1)
		go func(v adapters.Validator) {
			defer wg.Done()
			err := fn(ctx, v)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				log.WithError(err).WithFields(log.Fields{
					"swap_id": swap.ID,
					"chain":   v.Chain().String(),
				}).Warnf("%s request not delivered", kind)
				return
			}
			accepted++
		}(v)
	}
	wg.Wait()

	if accepted == 0 {
		return fmt.Errorf("%w: %w", types.ErrNoValidatorReached, errors.Join(errs...))
	}

	log.WithFields(log.Fields{
		"swap_id":    swap.ID,
		"validators": accepted,
	}).Infof("%s request submitted", kind)
	return nil
}

// SubmitAttestation hands an attestation signed by a remote validator to the
// verifier. Attestations for swaps this relayer does not track are refused.
func (s *SwapService) SubmitAttestation(ctx context.Context, att *types.Attestation) (*types.AttestationResponse, error) {
	if att == nil || att.SwapID == "" {
		return nil, fmt.Errorf("%w: no swap id", types.ErrInvalidAttestation)
	}
	if _, err := s.registry.Record(ctx, att.SwapID); err != nil {
		return nil, err
	}

	outcome, err := s.sink.Submit(ctx, att)
	if err != nil {
		return nil, err
	}

	resp := &types.AttestationResponse{
		SwapID: att.SwapID,
		Chain:  att.Chain,
		Event:  att.Event,
		Status: AttestationCounted,
	}
	if outcome.Duplicate {
		resp.Status = AttestationDuplicate
	}
	if d := outcome.Decision; d != nil {
		resp.Decision = string(d.Kind)
		resp.Votes = len(d.Votes)
	}
	return resp, nil
}

// Quote computes an advisory fee quote
func (s *SwapService) Quote(ctx context.Context, body *types.QuoteRequestBody) (*types.Quote, error) {
	req, err := parseQuoteRequest(body)
	if err != nil {
		return nil, err
	}
	return s.fees.Quote(ctx, req)
}

// ChainStatus returns the latest health of every chain
func (s *SwapService) ChainStatus() types.SystemHealth {
	return s.monitor.SystemHealth()
}

func parseQuoteRequest(body *types.QuoteRequestBody) (types.QuoteRequest, error) {
	var req types.QuoteRequest

	src, err := types.ParseChain(body.SourceChain)
	if err != nil {
		return req, err
	}
	dst, err := types.ParseChain(body.DestinationChain)
	if err != nil {
		return req, err
	}

	amount, err := parseDecimal("amount", body.Amount, decimal.Zero, true)
	if err != nil {
		return req, err
	}
	staked, err := parseDecimal("stakedAmount", body.StakedAmount, decimal.Zero, false)
	if err != nil {
		return req, err
	}
	slippage, err := parseDecimal("slippage", body.Slippage, fees.DefaultSlippage, false)
	if err != nil {
		return req, err
	}

	return types.QuoteRequest{
		SourceChain:      src,
		DestinationChain: dst,
		Amount:           amount,
		StakedAmount:     staked,
		Slippage:         slippage,
	}, nil
}

func parseDecimal(field, value string, fallback decimal.Decimal, required bool) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%w: %s is required", types.ErrInvalidSwapParameters, field)
		}
		return fallback, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: invalid %s %q", types.ErrInvalidSwapParameters, field, value)
	}
	return d, nil
}

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultPageSize = 100

// SwapRepository is the durable store behind the registry. Swaps are never
// deleted, so there is no delete operation.
type SwapRepository interface {
	CreateSwap(ctx context.Context, swap *types.Swap) error
	GetSwap(ctx context.Context, id string) (*types.Swap, error)
	GetSwapByContractID(ctx context.Context, contractID string) (*types.Swap, error)
	UpdateSwap(ctx context.Context, swap *types.Swap) error
	ListSwaps(ctx context.Context, q types.SwapQuery) ([]*types.Swap, error)
}

// Registry is the single source of truth for swap records
type Registry struct {
	repo     SwapRepository
	now      func() time.Time
	pageSize int
}

// New creates a registry over repo
func New(repo SwapRepository) *Registry {
	return &Registry{
		repo:     repo,
		now:      time.Now,
		pageSize: defaultPageSize,
	}
}

// SetClock replaces the registry's time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetPageSize changes how many swaps List fetches per store round trip
func (r *Registry) SetPageSize(size int) {
	if size > 0 {
		r.pageSize = size
	}
}

// Validate checks swap parameters against the current time
func Validate(params types.SwapParams, now time.Time) error {
	switch {
	case !params.SourceChain.Valid():
		return fmt.Errorf("%w: unknown source chain", types.ErrInvalidSwapParameters)
	case !params.DestinationChain.Valid():
		return fmt.Errorf("%w: unknown destination chain", types.ErrInvalidSwapParameters)
	case params.SourceChain == params.DestinationChain:
		return fmt.Errorf("%w: source and destination chain must differ", types.ErrInvalidSwapParameters)
	case !params.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", types.ErrInvalidSwapParameters)
	case !params.DestinationAmount.IsPositive():
		return fmt.Errorf("%w: destination amount must be positive", types.ErrInvalidSwapParameters)
	case params.MinDestinationAmount.IsNegative():
		return fmt.Errorf("%w: minimum destination amount is negative", types.ErrInvalidSwapParameters)
	case params.Fees.IsNegative():
		return fmt.Errorf("%w: fees are negative", types.ErrInvalidSwapParameters)
	case !params.UnlockTime.After(now):
		return fmt.Errorf("%w: unlock time must be in the future", types.ErrInvalidSwapParameters)
	case params.Hashlock.IsZero():
		return fmt.Errorf("%w: hashlock is required", types.ErrInvalidSwapParameters)
	case params.Initiator == "":
		return fmt.Errorf("%w: initiator address is required", types.ErrInvalidSwapParameters)
	case params.Recipient == "":
		return fmt.Errorf("%w: recipient address is required", types.ErrInvalidSwapParameters)
	}
	return nil
}

// Create validates params and persists a new swap in the Created state
func (r *Registry) Create(ctx context.Context, params types.SwapParams) (*types.Swap, error) {
	now := r.now().UTC()
	if err := Validate(params, now); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	swap := &types.Swap{
		ID:                   id,
		ContractID:           htlc.ContractID(id),
		SourceChain:          params.SourceChain,
		DestinationChain:     params.DestinationChain,
		TokenAddress:         params.TokenAddress,
		Amount:               params.Amount,
		DestinationAmount:    params.DestinationAmount,
		MinDestinationAmount: params.MinDestinationAmount,
		Fees:                 params.Fees,
		QuoteID:              params.QuoteID,
		Hashlock:             params.Hashlock,
		UnlockTime:           params.UnlockTime.UTC(),
		Initiator:            params.Initiator,
		Recipient:            params.Recipient,
		Status:               types.StatusCreated,
		ConsensusValidations: 0,
		ConsensusRequired:    types.ConsensusRequired,
		ValidatorSignatures:  map[types.Chain]string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := r.repo.CreateSwap(ctx, swap); err != nil {
		return nil, fmt.Errorf("failed to persist swap: %w", err)
	}

	log.WithFields(log.Fields{
		"swap_id":     swap.ID,
		"source":      swap.SourceChain,
		"destination": swap.DestinationChain,
		"amount":      swap.Amount.String(),
	}).Info("swap created")

	return swap.View(now), nil
}

// Get returns the swap as callers see it, with its effective status
func (r *Registry) Get(ctx context.Context, id string) (*types.Swap, error) {
	swap, err := r.repo.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	return swap.View(r.now()), nil
}

// Record returns the persisted swap without the effective status applied
func (r *Registry) Record(ctx context.Context, id string) (*types.Swap, error) {
	return r.repo.GetSwap(ctx, id)
}

// RecordByContractID looks a swap up by its on-chain HTLC identifier
func (r *Registry) RecordByContractID(ctx context.Context, contractID string) (*types.Swap, error) {
	return r.repo.GetSwapByContractID(ctx, contractID)
}

// Update persists a mutated swap
func (r *Registry) Update(ctx context.Context, swap *types.Swap) error {
	swap.UpdatedAt = r.now().UTC()
	return r.repo.UpdateSwap(ctx, swap)
}

// List returns an iterator over the swaps matching filter
func (r *Registry) List(ctx context.Context, filter types.SwapFilter) *Iterator {
	return newIterator(ctx, r, filter)
}

// Active returns every swap that has not reached a terminal state
func (r *Registry) Active(ctx context.Context) ([]*types.Swap, error) {
	it := r.listRecords(ctx, types.SwapQuery{
		Statuses: []types.SwapStatus{types.StatusCreated, types.StatusLocked},
	})
	return it.collect()
}

package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

// Adapter turns a ChainClient into a Validator: it polls the chain, resolves
// observed HTLC events to swaps and publishes signed attestations.
type Adapter struct {
	client   ChainClient
	signer   *Signer
	index    SwapIndex
	liveness LivenessReporter
	cfg      WatchConfig

	mu      sync.Mutex
	cursor  uint64
	started bool
	wake    chan struct{}
}

// NewAdapter creates a validator adapter
func NewAdapter(client ChainClient, signer *Signer, index SwapIndex, liveness LivenessReporter, cfg WatchConfig) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BlockBatch == 0 {
		cfg.BlockBatch = 1000
	}
	if cfg.RequestRetries <= 0 {
		cfg.RequestRetries = 3
	}
	return &Adapter{
		client:   client,
		signer:   signer,
		index:    index,
		liveness: liveness,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// Chain returns the validator's chain role
func (a *Adapter) Chain() types.Chain {
	return a.client.Chain()
}

// Address returns the validator's signing address
func (a *Adapter) Address() common.Address {
	return a.signer.Address()
}

// Connect establishes the chain connection
func (a *Adapter) Connect(ctx context.Context) error {
	log.WithFields(log.Fields{
		"chain":     a.Chain(),
		"validator": a.Address().Hex(),
	}).Info("connecting validator adapter")

	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrChainUnreachable, a.Chain(), err)
	}
	return nil
}

// Close closes the chain connection
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Head reads the chain head with a bounded wait
func (a *Adapter) Head(ctx context.Context) (uint64, error) {
	head, err := attempt(ctx, a.cfg.AttemptTimeout, a.client.Head)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", types.ErrChainUnreachable, a.Chain(), err)
	}
	return head, nil
}

// Watch polls the chain until ctx is done. Failed attempts are retried with
// backoff and only reported through the liveness reporter.
func (a *Adapter) Watch(ctx context.Context, out chan<- *types.Attestation) error {
	logger := log.WithField("chain", a.Chain())
	logger.Infof("starting validator watcher, polling every %s", a.cfg.PollInterval)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	b := newBackoff(a.cfg.RetryInterval, a.cfg.MaxBackoff)
	for {
		if err := a.poll(ctx, out, b); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).Warn("poll failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

// poll scans every confirmed block since the cursor
func (a *Adapter) poll(ctx context.Context, out chan<- *types.Attestation, b *backoff) error {
	head, err := retry(ctx, a.cfg.AttemptTimeout, b, 0, a.reportFailure, a.client.Head)
	if err != nil {
		return err
	}
	if head < a.cfg.Confirmations {
		a.liveness.MarkReachable(a.Chain())
		return nil
	}
	safe := head - a.cfg.Confirmations

	a.mu.Lock()
	if !a.started {
		// without a start block, scanning begins at the confirmed head
		a.cursor = safe
		if a.cfg.StartBlock > 0 {
			a.cursor = a.cfg.StartBlock - 1
		}
		a.started = true
	}
	cursor := a.cursor
	a.mu.Unlock()
	a.liveness.MarkReachable(a.Chain())

	for from := cursor + 1; from <= safe; from += a.cfg.BlockBatch {
		to := from + a.cfg.BlockBatch - 1
		if to > safe {
			to = safe
		}

		observations, err := retry(ctx, a.cfg.AttemptTimeout, b, 0, a.reportFailure,
			func(ctx context.Context) ([]Observation, error) {
				return a.client.Events(ctx, from, to)
			})
		if err != nil {
			return err
		}

		for _, obs := range observations {
			if err := a.publish(ctx, obs, out); err != nil {
				return err
			}
		}

		a.mu.Lock()
		a.cursor = to
		a.mu.Unlock()
	}

	return nil
}

func (a *Adapter) publish(ctx context.Context, obs Observation, out chan<- *types.Attestation) error {
	logger := log.WithFields(log.Fields{
		"chain":       a.Chain(),
		"event":       obs.Event,
		"contract_id": obs.ContractID,
		"tx_hash":     obs.TxHash,
	})

	swap, err := a.index.RecordByContractID(ctx, obs.ContractID)
	if err != nil {
		if errors.Is(err, types.ErrSwapNotFound) {
			logger.Debug("ignoring event for unknown swap")
			return nil
		}
		return err
	}

	att, err := a.Attest(swap.ID, obs)
	if err != nil {
		return err
	}

	select {
	case out <- att:
		logger.WithField("swap_id", swap.ID).Debug("attestation published")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attest builds and signs an attestation for an observation
func (a *Adapter) Attest(swapID string, obs Observation) (*types.Attestation, error) {
	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	origin := obs.Chain
	if !origin.Valid() {
		origin = a.Chain()
	}

	att := &types.Attestation{
		SwapID: swapID,
		Chain:  a.Chain(),
		Event:  obs.Event,
		Payload: types.EventPayload{
			Chain:       origin,
			TxHash:      obs.TxHash,
			BlockNumber: obs.BlockNumber,
			Secret:      obs.Secret,
			ObservedAt:  observedAt,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := a.signer.Sign(att); err != nil {
		return nil, err
	}
	return att, nil
}

// RequestClaim forwards a claim to the chain relay and wakes the watcher
func (a *Adapter) RequestClaim(ctx context.Context, swap *types.Swap, secret string) error {
	return a.request(ctx, "claim", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.client.SubmitClaim(ctx, swap, secret)
	})
}

// RequestRefund forwards a refund to the chain relay and wakes the watcher
func (a *Adapter) RequestRefund(ctx context.Context, swap *types.Swap) error {
	return a.request(ctx, "refund", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.client.SubmitRefund(ctx, swap)
	})
}

func (a *Adapter) request(ctx context.Context, kind string, fn func(ctx context.Context) (struct{}, error)) error {
	b := newBackoff(a.cfg.RetryInterval, a.cfg.MaxBackoff)
	if _, err := retry(ctx, a.cfg.AttemptTimeout, b, a.cfg.RequestRetries, a.reportFailure, fn); err != nil {
		return fmt.Errorf("%w: %s %s request: %v", types.ErrChainUnreachable, a.Chain(), kind, err)
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *Adapter) reportFailure(err error, attempt int) {
	a.liveness.MarkUnreachable(a.Chain(), err)
	log.WithFields(log.Fields{
		"chain":   a.Chain(),
		"attempt": attempt,
	}).WithError(err).Warn("chain request failed, backing off")
}

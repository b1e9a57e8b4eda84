package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

// DecisionKind tells the state machine how to treat a decision
type DecisionKind string

const (
	// KindAccepted means Required validators agreed on one payload
	KindAccepted DecisionKind = "accepted"
	// KindIrreconcilable means every validator voted and no payload reached Required
	KindIrreconcilable DecisionKind = "irreconcilable"
	// KindEndorsed carries an accepted decision again after a late validator
	// agreed with it. Votes holds every agreeing validator.
	KindEndorsed DecisionKind = "endorsed"
)

// closedRetention is how long the buckets of a finished swap are kept so that
// late agreeing votes still count.
const closedRetention = time.Hour

// Vote is one validator's authenticated attestation inside a bucket
type Vote struct {
	Chain       types.Chain
	PayloadHash common.Hash
	Payload     types.EventPayload
	Signature   []byte
	ReceivedAt  time.Time
}

// Decision is emitted once per (swap, event) bucket
type Decision struct {
	SwapID      string
	Event       types.EventType
	Kind        DecisionKind
	PayloadHash common.Hash
	// Payload is the agreed payload. ObservedAt is the time Required
	// validators vouch for: the Required-th earliest observation for locks and
	// claims, the Required-th latest for refunds. A single validator cannot
	// move it across the unlock time.
	Payload   types.EventPayload
	Votes     []Vote
	DecidedAt time.Time
}

// Signatures returns the agreeing validators' signatures
func (d *Decision) Signatures() map[types.Chain][]byte {
	sigs := make(map[types.Chain][]byte, len(d.Votes))
	for _, v := range d.Votes {
		sigs[v.Chain] = v.Signature
	}
	return sigs
}

// Review reports a validator that contradicted its own earlier vote
type Review struct {
	SwapID   string
	Event    types.EventType
	Chain    types.Chain
	Reason   string
	Reported time.Time
}

// Outcome is the result of submitting one attestation
type Outcome struct {
	Duplicate bool
	Decision  *Decision
	Review    *Review
}

type bucketKey struct {
	swapID string
	event  types.EventType
}

type bucket struct {
	votes    map[types.Chain]Vote
	decision *Decision
}

// Verifier aggregates validator attestations under the 2-of-3 rule. Every
// validator role is bound to one secp256k1 address; an attestation counts
// only if its signature recovers to the address registered for its chain.
type Verifier struct {
	validators map[types.Chain]common.Address
	required   int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	closed  map[string]time.Time

	decisions chan *Decision
	reviews   chan Review
	stopped   chan struct{}
	stopOnce  sync.Once
}

// NewVerifier creates a verifier for the given validator addresses
func NewVerifier(validators map[types.Chain]common.Address, bufferSize int) *Verifier {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	registered := make(map[types.Chain]common.Address, len(validators))
	for chain, addr := range validators {
		registered[chain] = addr
	}
	return &Verifier{
		validators: registered,
		required:   types.ConsensusRequired,
		now:        time.Now,
		buckets:    make(map[bucketKey]*bucket),
		closed:     make(map[string]time.Time),
		decisions:  make(chan *Decision, bufferSize),
		reviews:    make(chan Review, bufferSize),
		stopped:    make(chan struct{}),
	}
}

// SetClock replaces the verifier's time source
func (v *Verifier) SetClock(now func() time.Time) {
	v.now = now
}

// Decisions returns the channel of accepted and irreconcilable decisions
func (v *Verifier) Decisions() <-chan *Decision {
	return v.decisions
}

// Reviews returns the channel of conflicting-vote reports
func (v *Verifier) Reviews() <-chan Review {
	return v.reviews
}

// authenticate checks the payload hash and the validator signature
func (v *Verifier) authenticate(att *types.Attestation) error {
	expected, ok := v.validators[att.Chain]
	if !ok {
		return fmt.Errorf("%w: no validator registered for %s", types.ErrUnknownValidator, att.Chain)
	}

	if att.PayloadHash != types.PayloadHash(att.SwapID, att.Event, att.Payload) {
		return fmt.Errorf("%w: payload hash mismatch", types.ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(att.Digest().Bytes(), att.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != expected {
		return fmt.Errorf("%w: signed by %s, %s validator is %s",
			types.ErrInvalidSignature, signer.Hex(), att.Chain, expected.Hex())
	}
	return nil
}

// SubmitAttestation counts one attestation. Resubmitting an identical
// attestation is a no-op reported as Duplicate. A validator voting for a
// different payload than before gets ErrConflictingAttestation and a Review.
func (v *Verifier) SubmitAttestation(att *types.Attestation) (Outcome, error) {
	if att == nil || att.SwapID == "" {
		return Outcome{}, fmt.Errorf("%w: no swap id", types.ErrInvalidAttestation)
	}
	if !att.Event.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown event %q", types.ErrInvalidAttestation, att.Event)
	}
	if err := v.authenticate(att); err != nil {
		return Outcome{}, err
	}

	now := v.now().UTC()
	key := bucketKey{swapID: att.SwapID, event: att.Event}

	v.mu.Lock()
	defer v.mu.Unlock()

	b, ok := v.buckets[key]
	if !ok {
		b = &bucket{votes: make(map[types.Chain]Vote, types.ValidatorCount)}
		v.buckets[key] = b
	}

	if prev, voted := b.votes[att.Chain]; voted {
		if prev.PayloadHash == att.PayloadHash {
			return Outcome{Duplicate: true}, nil
		}
		review := &Review{
			SwapID:   att.SwapID,
			Event:    att.Event,
			Chain:    att.Chain,
			Reason:   fmt.Sprintf("%s validator attested %s payload %s after %s", att.Chain, att.Event, att.PayloadHash.Hex(), prev.PayloadHash.Hex()),
			Reported: now,
		}
		return Outcome{Review: review}, fmt.Errorf("%w: %s", types.ErrConflictingAttestation, review.Reason)
	}

	b.votes[att.Chain] = Vote{
		Chain:       att.Chain,
		PayloadHash: att.PayloadHash,
		Payload:     att.Payload,
		Signature:   att.Signature,
		ReceivedAt:  now,
	}

	if b.decision != nil {
		if b.decision.Kind != KindAccepted || b.decision.PayloadHash != att.PayloadHash {
			return Outcome{}, nil
		}
		accepted := *b.decision
		accepted.Votes = b.agreeing(att.PayloadHash)
		b.decision = &accepted

		endorsed := accepted
		endorsed.Kind = KindEndorsed
		endorsed.DecidedAt = now
		return Outcome{Decision: &endorsed}, nil
	}

	if agreeing := b.agreeing(att.PayloadHash); len(agreeing) >= v.required {
		b.decision = newDecision(key, KindAccepted, att.PayloadHash, agreeing, v.required, now)
		return Outcome{Decision: b.decision}, nil
	}

	if len(b.votes) == types.ValidatorCount {
		b.decision = &Decision{
			SwapID:    key.swapID,
			Event:     key.event,
			Kind:      KindIrreconcilable,
			Votes:     b.sortedVotes(),
			DecidedAt: now,
		}
		return Outcome{Decision: b.decision}, nil
	}

	return Outcome{}, nil
}

func (b *bucket) agreeing(hash common.Hash) []Vote {
	var votes []Vote
	for _, chain := range types.AllChains() {
		if vote, ok := b.votes[chain]; ok && vote.PayloadHash == hash {
			votes = append(votes, vote)
		}
	}
	return votes
}

func (b *bucket) sortedVotes() []Vote {
	votes := make([]Vote, 0, len(b.votes))
	for _, chain := range types.AllChains() {
		if vote, ok := b.votes[chain]; ok {
			votes = append(votes, vote)
		}
	}
	return votes
}

func newDecision(key bucketKey, kind DecisionKind, hash common.Hash, votes []Vote, required int, now time.Time) *Decision {
	payload := votes[0].Payload
	payload.ObservedAt = vouchedTime(key.event, votes, required)
	return &Decision{
		SwapID:      key.swapID,
		Event:       key.event,
		Kind:        kind,
		PayloadHash: hash,
		Payload:     payload,
		Votes:       votes,
		DecidedAt:   now,
	}
}

// vouchedTime picks the observation time at least required votes support.
// A claim counts as observed before t only if required validators saw it
// before t; a refund counts as observed after t only if required validators
// saw it after t.
func vouchedTime(event types.EventType, votes []Vote, required int) time.Time {
	times := make([]time.Time, len(votes))
	for i, vote := range votes {
		times[i] = vote.Payload.ObservedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	if required > len(times) {
		required = len(times)
	}
	if required < 1 {
		required = 1
	}
	if event == types.EventRefund {
		return times[len(times)-required]
	}
	return times[required-1]
}

// Accepted returns the accepted decision of a bucket, if any. Finished swaps
// have none.
func (v *Verifier) Accepted(swapID string, event types.EventType) (*Decision, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, done := v.closed[swapID]; done {
		return nil, false
	}
	b, ok := v.buckets[bucketKey{swapID: swapID, event: event}]
	if !ok || b.decision == nil || b.decision.Kind != KindAccepted {
		return nil, false
	}
	return b.decision, true
}

// Forget marks a swap as finished. Its buckets keep counting late votes for
// closedRetention and are dropped by a later Forget call.
func (v *Verifier) Forget(swapID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	if _, ok := v.closed[swapID]; !ok {
		v.closed[swapID] = now
	}

	for id, at := range v.closed {
		if now.Sub(at) < closedRetention {
			continue
		}
		for _, event := range []types.EventType{types.EventLock, types.EventClaim, types.EventRefund} {
			delete(v.buckets, bucketKey{swapID: id, event: event})
		}
		delete(v.closed, id)
	}
}

// Tracked returns the number of open buckets
func (v *Verifier) Tracked() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.buckets)
}

// Run consumes attestations until ctx is done or in is closed, forwarding
// decisions and reviews on their channels.
func (v *Verifier) Run(ctx context.Context, in <-chan *types.Attestation) error {
	log.Info("consensus verifier started")
	defer log.Info("consensus verifier stopped")
	defer v.stopOnce.Do(func() { close(v.stopped) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case att, ok := <-in:
			if !ok {
				return nil
			}
			v.process(ctx, att)
		}
	}
}

// Submit counts an attestation received from outside the watch loop and
// forwards the resulting decision or review. A produced decision is forwarded
// even if ctx is cancelled meanwhile, unless Run already stopped.
func (v *Verifier) Submit(ctx context.Context, att *types.Attestation) (Outcome, error) {
	if att == nil {
		return Outcome{}, fmt.Errorf("%w: no swap id", types.ErrInvalidAttestation)
	}
	return v.process(context.WithoutCancel(ctx), att)
}

func (v *Verifier) process(ctx context.Context, att *types.Attestation) (Outcome, error) {
	logger := log.WithFields(log.Fields{
		"swap_id": att.SwapID,
		"chain":   att.Chain,
		"event":   att.Event,
	})

	outcome, err := v.SubmitAttestation(att)
	switch {
	case errors.Is(err, types.ErrConflictingAttestation):
		logger.WithError(err).Warn("conflicting attestation flagged for review")
	case err != nil:
		logger.WithError(err).Warn("attestation rejected")
	case outcome.Duplicate:
		logger.Debug("duplicate attestation ignored")
	case outcome.Decision == nil:
		logger.Debug("attestation counted")
	default:
		logger.WithFields(log.Fields{
			"kind":  outcome.Decision.Kind,
			"votes": len(outcome.Decision.Votes),
		}).Info("consensus decision reached")
	}

	v.forward(ctx, outcome)
	return outcome, err
}

func (v *Verifier) forward(ctx context.Context, outcome Outcome) {
	if outcome.Review != nil {
		select {
		case v.reviews <- *outcome.Review:
		case <-v.stopped:
		case <-ctx.Done():
		}
	}
	if outcome.Decision != nil {
		select {
		case v.decisions <- outcome.Decision:
		case <-v.stopped:
		case <-ctx.Done():
		}
	}
}

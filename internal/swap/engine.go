package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/consensus"
	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
	log "github.com/sirupsen/logrus"
)

// Store is the swap persistence the engine mutates
type Store interface {
	Record(ctx context.Context, id string) (*types.Swap, error)
	Update(ctx context.Context, swap *types.Swap) error
	Active(ctx context.Context) ([]*types.Swap, error)
}

// DecisionLog gives access to decisions the verifier already accepted
type DecisionLog interface {
	Accepted(swapID string, event types.EventType) (*consensus.Decision, bool)
	Forget(swapID string)
}

// DeadlockDetector reports since when consensus has been impossible
type DeadlockDetector interface {
	DeadlockSince() (time.Time, bool)
}

// Config tunes the engine
type Config struct {
	// ExpiryGrace delays the persisted Expired marker after the unlock time
	// so that a refund can still reach consensus.
	ExpiryGrace     time.Duration
	DeadlockTimeout time.Duration
	EventBufferSize int
}

// settleOrder is the claim precedence: a claim is always settled before a
// refund of the same swap.
var settleOrder = []types.EventType{types.EventLock, types.EventClaim, types.EventRefund}

type settleResult int

const (
	settleDone settleResult = iota
	settleWait
)

type swapDecisions struct {
	pending map[types.EventType]*consensus.Decision
	handled map[types.EventType]bool
}

// Engine applies consensus decisions to swaps. All mutations of one swap are
// serialized by a per-swap lock.
type Engine struct {
	store     Store
	decisions DecisionLog
	liveness  DeadlockDetector
	cfg       Config
	now       func() time.Time
	locks     *keyedMutex

	mu    sync.Mutex
	state map[string]*swapDecisions

	eventChan chan StateEvent
}

// NewEngine creates the swap state machine engine
func NewEngine(store Store, decisions DecisionLog, liveness DeadlockDetector, cfg Config) *Engine {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 100
	}
	return &Engine{
		store:     store,
		decisions: decisions,
		liveness:  liveness,
		cfg:       cfg,
		now:       time.Now,
		locks:     newKeyedMutex(),
		state:     make(map[string]*swapDecisions),
		eventChan: make(chan StateEvent, cfg.EventBufferSize),
	}
}

// SetClock replaces the engine's time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Events returns the state event channel
func (e *Engine) Events() <-chan StateEvent {
	return e.eventChan
}

// Run applies decisions and review reports until ctx is done
func (e *Engine) Run(ctx context.Context, decisions <-chan *consensus.Decision, reviews <-chan consensus.Review) error {
	log.Info("swap state machine started")
	defer log.Info("swap state machine stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-decisions:
			if !ok {
				return nil
			}
			if err := e.Apply(ctx, d); err != nil {
				log.WithField("swap_id", d.SwapID).WithError(err).Error("failed to apply decision")
			}
		case r, ok := <-reviews:
			if !ok {
				reviews = nil
				continue
			}
			if err := e.FlagForReview(ctx, r.SwapID, r.Reason); err != nil {
				log.WithField("swap_id", r.SwapID).WithError(err).Error("failed to flag swap for review")
			}
		}
	}
}

// Apply settles a consensus decision. Once a decision reached consensus it
// is applied to completion even if ctx is cancelled.
func (e *Engine) Apply(ctx context.Context, d *consensus.Decision) error {
	ctx = context.WithoutCancel(ctx)

	unlock := e.locks.Lock(d.SwapID)
	defer unlock()

	switch d.Kind {
	case consensus.KindIrreconcilable:
		return e.failIrreconcilable(ctx, d)
	case consensus.KindEndorsed:
		return e.endorse(ctx, d)
	}

	e.addPending(d)
	_, err := e.settle(ctx, d.SwapID)
	return err
}

// settle applies the pending decisions of a swap in precedence order.
// The caller holds the swap lock.
func (e *Engine) settle(ctx context.Context, swapID string) (*types.Swap, error) {
	swap, err := e.store.Record(ctx, swapID)
	if err != nil {
		if errors.Is(err, types.ErrSwapNotFound) {
			e.clear(swapID)
		}
		return nil, err
	}

	// an accepted claim still queued behind this decision settles first
	if e.decisions != nil {
		if d, ok := e.decisions.Accepted(swapID, types.EventClaim); ok {
			e.addPending(d)
		}
	}

	for _, event := range settleOrder {
		d := e.pendingDecision(swapID, event)
		if d == nil {
			continue
		}

		result, err := e.settleDecision(ctx, swap, d)
		if err != nil {
			return swap, err
		}
		if result == settleDone {
			e.markHandled(swapID, event)
		}
	}

	if swap.Status.IsTerminal() {
		e.finish(swapID)
	}
	return swap, nil
}

func (e *Engine) settleDecision(ctx context.Context, swap *types.Swap, d *consensus.Decision) (settleResult, error) {
	switch d.Event {
	case types.EventLock:
		return e.settleLock(ctx, swap, d)
	case types.EventClaim:
		return e.settleClaim(ctx, swap, d)
	case types.EventRefund:
		return e.settleRefund(ctx, swap, d)
	}
	return settleDone, fmt.Errorf("unknown event %q", d.Event)
}

func (e *Engine) settleLock(ctx context.Context, swap *types.Swap, d *consensus.Decision) (settleResult, error) {
	if swap.Status != types.StatusCreated {
		log.WithFields(log.Fields{"swap_id": swap.ID, "status": swap.Status}).Debug("lock already settled")
		return settleDone, nil
	}
	if d.Payload.Chain != swap.SourceChain {
		reason := fmt.Sprintf("accepted lock was observed on %s, source chain is %s", d.Payload.Chain, swap.SourceChain)
		return settleDone, e.rejectForReview(ctx, swap, d, reason)
	}

	err := e.transition(ctx, swap, types.StatusLocked, TriggerLock, d, func(s *types.Swap) {
		s.SourceTxHash = d.Payload.TxHash
	})
	return settleDone, err
}

func (e *Engine) settleClaim(ctx context.Context, swap *types.Swap, d *consensus.Decision) (settleResult, error) {
	switch swap.Status {
	case types.StatusCreated:
		return settleWait, nil
	case types.StatusClaimed:
		return settleDone, nil
	case types.StatusLocked:
	default:
		e.reject(swap, d, fmt.Sprintf("claim on %s swap", swap.Status))
		return settleDone, nil
	}

	secret, err := htlc.ParseSecret(d.Payload.Secret)
	if err != nil || !swap.Hashlock.Verify(secret) {
		return settleDone, e.rejectForReview(ctx, swap, d, "accepted claim reveals a secret that does not match the hashlock")
	}
	if htlc.Expired(swap.UnlockTime, decisionTime(d)) {
		return settleDone, e.rejectForReview(ctx, swap, d, "accepted claim was observed after the unlock time")
	}

	err = e.transition(ctx, swap, types.StatusClaimed, TriggerClaim, d, func(s *types.Swap) {
		s.Secret = secret.String()
		s.ClaimTxHash = d.Payload.TxHash
	})
	return settleDone, err
}

func (e *Engine) settleRefund(ctx context.Context, swap *types.Swap, d *consensus.Decision) (settleResult, error) {
	switch swap.Status {
	case types.StatusCreated:
		return settleWait, nil
	case types.StatusRefunded:
		return settleDone, nil
	case types.StatusClaimed:
		e.reject(swap, d, "refund rejected, claim takes precedence")
		return settleDone, nil
	case types.StatusLocked:
	default:
		e.reject(swap, d, fmt.Sprintf("refund on %s swap", swap.Status))
		return settleDone, nil
	}

	if !htlc.Expired(swap.UnlockTime, decisionTime(d)) {
		return settleDone, e.rejectForReview(ctx, swap, d, "accepted refund was observed before the unlock time")
	}

	err := e.transition(ctx, swap, types.StatusRefunded, TriggerRefund, d, func(s *types.Swap) {
		s.RefundTxHash = d.Payload.TxHash
	})
	return settleDone, err
}

// endorse records a late agreeing validator on the transition its decision
// already drove. Decisions still waiting to settle are replaced so they carry
// every vote.
func (e *Engine) endorse(ctx context.Context, d *consensus.Decision) error {
	accepted := *d
	accepted.Kind = consensus.KindAccepted
	if e.pendingDecision(d.SwapID, d.Event) != nil {
		e.addPending(&accepted)
		return nil
	}

	swap, err := e.store.Record(ctx, d.SwapID)
	if err != nil {
		return err
	}
	if !drivenBy(swap, d) || len(d.Votes) <= swap.ConsensusValidations {
		return nil
	}

	next := swap.Clone()
	next.ConsensusValidations = len(d.Votes)
	for chain, sig := range d.Signatures() {
		next.ValidatorSignatures[chain] = hexutil.Encode(sig)
	}
	if err := e.store.Update(ctx, next); err != nil {
		return fmt.Errorf("failed to record endorsement: %w", err)
	}

	log.WithFields(log.Fields{
		"swap_id":     swap.ID,
		"event":       d.Event,
		"validations": next.ConsensusValidations,
	}).Info("late validator endorsement recorded")
	return nil
}

// drivenBy reports whether the swap's current status came from d
func drivenBy(swap *types.Swap, d *consensus.Decision) bool {
	switch d.Event {
	case types.EventLock:
		return swap.Status == types.StatusLocked && strings.EqualFold(swap.SourceTxHash, d.Payload.TxHash)
	case types.EventClaim:
		return swap.Status == types.StatusClaimed && strings.EqualFold(swap.ClaimTxHash, d.Payload.TxHash)
	case types.EventRefund:
		return swap.Status == types.StatusRefunded && strings.EqualFold(swap.RefundTxHash, d.Payload.TxHash)
	}
	return false
}

func (e *Engine) failIrreconcilable(ctx context.Context, d *consensus.Decision) error {
	swap, err := e.store.Record(ctx, d.SwapID)
	if err != nil {
		return err
	}

	reason := fmt.Sprintf("validators disagree irreconcilably on %s", d.Event)
	if swap.Status.IsTerminal() {
		return e.flag(ctx, swap, reason)
	}

	err = e.transition(ctx, swap, types.StatusFailed, TriggerIrreconcilable, nil, func(s *types.Swap) {
		s.FailureReason = reason
		s.ReviewFlagged = true
		s.ReviewReason = appendReason(s.ReviewReason, reason)
	})
	if err != nil {
		return err
	}
	e.finish(swap.ID)
	return nil
}

// transition validates and persists a status change, then emits a state event
func (e *Engine) transition(ctx context.Context, swap *types.Swap, to types.SwapStatus, trigger Trigger, d *consensus.Decision, mutate func(*types.Swap)) error {
	t, ok := findTransition(swap.Status, to, trigger)
	if !ok {
		return fmt.Errorf("%w: %s to %s on %s", types.ErrInvalidTransition, swap.Status, to, trigger)
	}

	next := swap.Clone()
	mutate(next)
	next.Status = to
	if d != nil {
		next.ConsensusValidations = len(d.Votes)
		next.ValidatorSignatures = make(map[types.Chain]string, len(d.Votes))
		for chain, sig := range d.Signatures() {
			next.ValidatorSignatures[chain] = hexutil.Encode(sig)
		}
	}

	if err := validateRequiredData(t, next); err != nil {
		return fmt.Errorf("transition validation failed: %w", err)
	}
	if err := e.store.Update(ctx, next); err != nil {
		return fmt.Errorf("failed to persist %s transition: %w", to, err)
	}

	old := swap.Status
	*swap = *next

	log.WithFields(log.Fields{
		"swap_id":     swap.ID,
		"from":        old,
		"to":          to,
		"trigger":     trigger,
		"validations": swap.ConsensusValidations,
	}).Infof("swap transitioned: %s", t.Description)

	e.emit(StateEvent{
		Type:        StateEventTransition,
		SwapID:      swap.ID,
		OldStatus:   old,
		NewStatus:   to,
		Trigger:     trigger,
		Validations: swap.ConsensusValidations,
		Data:        map[string]interface{}{"unlockTime": swap.UnlockTime},
		Timestamp:   e.now().UTC(),
	})
	return nil
}

func (e *Engine) reject(swap *types.Swap, d *consensus.Decision, reason string) {
	log.WithFields(log.Fields{
		"swap_id": swap.ID,
		"event":   d.Event,
		"status":  swap.Status,
	}).Warnf("decision rejected: %s", reason)

	e.emit(StateEvent{
		Type:      StateEventRejected,
		SwapID:    swap.ID,
		OldStatus: swap.Status,
		NewStatus: swap.Status,
		Trigger:   Trigger(d.Event),
		Data:      map[string]interface{}{"reason": reason},
		Timestamp: e.now().UTC(),
	})
}

func (e *Engine) rejectForReview(ctx context.Context, swap *types.Swap, d *consensus.Decision, reason string) error {
	e.reject(swap, d, reason)
	return e.flag(ctx, swap, reason)
}

// FlagForReview marks a swap for manual review. Flags never change status.
func (e *Engine) FlagForReview(ctx context.Context, swapID, reason string) error {
	unlock := e.locks.Lock(swapID)
	defer unlock()

	swap, err := e.store.Record(ctx, swapID)
	if err != nil {
		return err
	}
	return e.flag(ctx, swap, reason)
}

func (e *Engine) flag(ctx context.Context, swap *types.Swap, reason string) error {
	next := swap.Clone()
	next.ReviewFlagged = true
	next.ReviewReason = appendReason(next.ReviewReason, reason)
	if err := e.store.Update(ctx, next); err != nil {
		return fmt.Errorf("failed to flag swap: %w", err)
	}
	*swap = *next

	log.WithField("swap_id", swap.ID).Warnf("swap flagged for review: %s", reason)
	e.emit(StateEvent{
		Type:      StateEventReview,
		SwapID:    swap.ID,
		OldStatus: swap.Status,
		NewStatus: swap.Status,
		Data:      map[string]interface{}{"reason": reason},
		Timestamp: e.now().UTC(),
	})
	return nil
}

// Expire persists the Expired marker once the unlock time plus the grace
// period has passed without a claim or refund. Pending decisions are settled
// first. It reports whether the swap was expired.
func (e *Engine) Expire(ctx context.Context, swapID string) (bool, error) {
	unlock := e.locks.Lock(swapID)
	defer unlock()

	swap, err := e.settle(ctx, swapID)
	if err != nil {
		return false, err
	}
	if swap.Status.IsTerminal() {
		return false, nil
	}
	if !htlc.Expired(swap.UnlockTime.Add(e.cfg.ExpiryGrace), e.now()) {
		return false, nil
	}

	if err := e.transition(ctx, swap, types.StatusExpired, TriggerExpiry, nil, func(*types.Swap) {}); err != nil {
		return false, err
	}
	e.finish(swapID)
	return true, nil
}

// SweepExpired retries pending decisions and expires every swap past its
// unlock time plus grace. It returns the number of expired swaps.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	for _, id := range e.pendingSwaps() {
		unlock := e.locks.Lock(id)
		if _, err := e.settle(ctx, id); err != nil {
			log.WithField("swap_id", id).WithError(err).Warn("failed to settle pending decisions")
		}
		unlock()
	}

	active, err := e.store.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active swaps: %w", err)
	}

	now := e.now()
	expired := 0
	for _, swap := range active {
		if !htlc.Expired(swap.UnlockTime.Add(e.cfg.ExpiryGrace), now) {
			continue
		}
		ok, err := e.Expire(ctx, swap.ID)
		if err != nil {
			log.WithField("swap_id", swap.ID).WithError(err).Error("failed to expire swap")
			continue
		}
		if ok {
			expired++
		}
	}

	if expired > 0 {
		log.Infof("expired %d swaps", expired)
	}
	return expired, nil
}

// CheckDeadlock fails every non-terminal swap once fewer than the required
// number of validators have been reachable for longer than DeadlockTimeout.
// It returns the number of failed swaps.
func (e *Engine) CheckDeadlock(ctx context.Context) (int, error) {
	if e.liveness == nil {
		return 0, nil
	}
	since, deadlocked := e.liveness.DeadlockSince()
	if !deadlocked || e.now().Sub(since) < e.cfg.DeadlockTimeout {
		return 0, nil
	}

	active, err := e.store.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active swaps: %w", err)
	}

	reason := fmt.Sprintf("%v: fewer than %d validators reachable since %s",
		types.ErrConsensusDeadlock, types.ConsensusRequired, since.Format(time.RFC3339))

	failed := 0
	for _, s := range active {
		ok, err := e.failDeadlocked(ctx, s.ID, reason)
		if err != nil {
			log.WithField("swap_id", s.ID).WithError(err).Error("failed to fail deadlocked swap")
			continue
		}
		if ok {
			failed++
		}
	}

	if failed > 0 {
		log.WithError(types.ErrConsensusDeadlock).Errorf("failed %d swaps", failed)
	}
	return failed, nil
}

func (e *Engine) failDeadlocked(ctx context.Context, swapID, reason string) (bool, error) {
	unlock := e.locks.Lock(swapID)
	defer unlock()

	swap, err := e.store.Record(ctx, swapID)
	if err != nil {
		return false, err
	}
	if swap.Status.IsTerminal() {
		return false, nil
	}

	err = e.transition(ctx, swap, types.StatusFailed, TriggerDeadlock, nil, func(s *types.Swap) {
		s.FailureReason = reason
	})
	if err != nil {
		return false, err
	}
	e.finish(swapID)
	return true, nil
}

func (e *Engine) emit(ev StateEvent) {
	select {
	case e.eventChan <- ev:
	default:
		log.WithField("swap_id", ev.SwapID).Warn("state event channel full, dropping event")
	}
}

func (e *Engine) addPending(d *consensus.Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.state[d.SwapID]
	if !ok {
		st = &swapDecisions{
			pending: make(map[types.EventType]*consensus.Decision),
			handled: make(map[types.EventType]bool),
		}
		e.state[d.SwapID] = st
	}
	if st.handled[d.Event] {
		return
	}
	st.pending[d.Event] = d
}

func (e *Engine) pendingDecision(swapID string, event types.EventType) *consensus.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.state[swapID]; ok {
		return st.pending[event]
	}
	return nil
}

func (e *Engine) markHandled(swapID string, event types.EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.state[swapID]; ok {
		delete(st.pending, event)
		st.handled[event] = true
	}
}

func (e *Engine) pendingSwaps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, st := range e.state {
		if len(st.pending) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) clear(swapID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state, swapID)
}

// finish drops all decision state of a terminal swap
func (e *Engine) finish(swapID string) {
	e.clear(swapID)
	if e.decisions != nil {
		e.decisions.Forget(swapID)
	}
}

// decisionTime is the observation time the agreeing validators vouch for
func decisionTime(d *consensus.Decision) time.Time {
	if !d.Payload.ObservedAt.IsZero() {
		return d.Payload.ObservedAt
	}
	return d.DecidedAt
}

func appendReason(existing, reason string) string {
	if existing == "" {
		return reason
	}
	return existing + "; " + reason
}

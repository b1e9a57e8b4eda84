package consensus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/adapters"
	"github.com/chronosvault/trinity-relayer/internal/consensus"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type validatorSet map[types.Chain]*adapters.Signer

func newValidators(t *testing.T) validatorSet {
	t.Helper()
	set := validatorSet{}
	for _, chain := range types.AllChains() {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		set[chain] = adapters.NewSignerFromKey(key)
	}
	return set
}

func (s validatorSet) addresses() map[types.Chain]common.Address {
	addrs := make(map[types.Chain]common.Address, len(s))
	for chain, signer := range s {
		addrs[chain] = signer.Address()
	}
	return addrs
}

func (s validatorSet) attest(t *testing.T, chain types.Chain, swapID string, event types.EventType, txHash string, observedAt time.Time) *types.Attestation {
	t.Helper()
	att := &types.Attestation{
		SwapID: swapID,
		Chain:  chain,
		Event:  event,
		Payload: types.EventPayload{
			TxHash:     txHash,
			ObservedAt: observedAt,
		},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, s[chain].Sign(att))
	return att
}

func TestTwoOfThreeAcceptance(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)
	t0 := time.Now().UTC()

	outcome, err := v.SubmitAttestation(validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0xabc", t0.Add(time.Second)))
	require.NoError(t, err)
	require.Nil(t, outcome.Decision)

	_, accepted := v.Accepted("s1", types.EventLock)
	require.False(t, accepted)

	outcome, err = v.SubmitAttestation(validators.attest(t, types.BackupChain, "s1", types.EventLock, "0xABC", t0))
	require.NoError(t, err)
	require.NotNil(t, outcome.Decision)
	require.Equal(t, consensus.KindAccepted, outcome.Decision.Kind)
	require.Len(t, outcome.Decision.Votes, 2)
	require.Equal(t, t0.Add(time.Second), outcome.Decision.Payload.ObservedAt)
	require.Len(t, outcome.Decision.Signatures(), 2)

	decision, accepted := v.Accepted("s1", types.EventLock)
	require.True(t, accepted)
	require.Equal(t, outcome.Decision, decision)

	// the third agreeing vote endorses the decision without deciding again
	outcome, err = v.SubmitAttestation(validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0xabc", t0))
	require.NoError(t, err)
	require.NotNil(t, outcome.Decision)
	require.Equal(t, consensus.KindEndorsed, outcome.Decision.Kind)
	require.Len(t, outcome.Decision.Votes, 3)
	require.Equal(t, t0.Add(time.Second), outcome.Decision.Payload.ObservedAt)

	decision, accepted = v.Accepted("s1", types.EventLock)
	require.True(t, accepted)
	require.Equal(t, consensus.KindAccepted, decision.Kind)
	require.Len(t, decision.Votes, 3)
}

func TestVouchedObservationTime(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)
	unlock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		event types.EventType
		early types.Chain
		want  time.Time
	}{
		{name: "claim uses the later vote", event: types.EventClaim, early: types.PrimaryChain, want: unlock.Add(time.Hour)},
		{name: "refund uses the earlier vote", event: types.EventRefund, early: types.PrimaryChain, want: unlock.Add(-30 * time.Minute)},
		{name: "lock uses the later vote", event: types.EventLock, early: types.MonitorChain, want: unlock.Add(time.Hour)},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			swapID := fmt.Sprintf("s%d", i)
			late := types.MonitorChain
			if tt.early == types.MonitorChain {
				late = types.PrimaryChain
			}

			_, err := v.SubmitAttestation(validators.attest(t, late, swapID, tt.event, "0xabc", unlock.Add(time.Hour)))
			require.NoError(t, err)
			outcome, err := v.SubmitAttestation(validators.attest(t, tt.early, swapID, tt.event, "0xabc", unlock.Add(-30*time.Minute)))
			require.NoError(t, err)
			require.NotNil(t, outcome.Decision)
			require.Equal(t, tt.want, outcome.Decision.Payload.ObservedAt)
		})
	}
}

func TestForgetKeepsBucketsForLateVotes(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.SetClock(func() time.Time { return now })

	for _, chain := range []types.Chain{types.PrimaryChain, types.MonitorChain} {
		_, err := v.SubmitAttestation(validators.attest(t, chain, "s1", types.EventClaim, "0xc", now))
		require.NoError(t, err)
	}
	v.Forget("s1")
	require.Equal(t, 1, v.Tracked())

	outcome, err := v.SubmitAttestation(validators.attest(t, types.BackupChain, "s1", types.EventClaim, "0xc", now))
	require.NoError(t, err)
	require.NotNil(t, outcome.Decision)
	require.Equal(t, consensus.KindEndorsed, outcome.Decision.Kind)

	now = now.Add(2 * time.Hour)
	v.Forget("s2")
	require.Zero(t, v.Tracked())
}

func TestSubmitForwardsDecision(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := v.Submit(ctx, validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0xabc", time.Now()))
	require.NoError(t, err)

	// the decision is forwarded even though the caller went away
	cancel()
	outcome, err := v.Submit(ctx, validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0xabc", time.Now()))
	require.NoError(t, err)
	require.NotNil(t, outcome.Decision)

	select {
	case decision := <-v.Decisions():
		require.Equal(t, outcome.Decision, decision)
	default:
		t.Fatal("decision not forwarded")
	}

	_, err = v.Submit(ctx, validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0xdef", time.Now()))
	require.ErrorIs(t, err, types.ErrConflictingAttestation)
	select {
	case review := <-v.Reviews():
		require.Equal(t, types.MonitorChain, review.Chain)
	default:
		t.Fatal("review not forwarded")
	}
}

func TestDuplicateAttestationIsNoop(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)

	att := validators.attest(t, types.PrimaryChain, "s1", types.EventClaim, "0xabc", time.Now())
	_, err := v.SubmitAttestation(att)
	require.NoError(t, err)

	outcome, err := v.SubmitAttestation(att)
	require.NoError(t, err)
	require.True(t, outcome.Duplicate)
	require.Nil(t, outcome.Decision)

	_, accepted := v.Accepted("s1", types.EventClaim)
	require.False(t, accepted)
}

func TestConflictingAttestation(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)

	_, err := v.SubmitAttestation(validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0xaaa", time.Now()))
	require.NoError(t, err)

	outcome, err := v.SubmitAttestation(validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0xbbb", time.Now()))
	require.ErrorIs(t, err, types.ErrConflictingAttestation)
	require.NotNil(t, outcome.Review)
	require.Equal(t, types.MonitorChain, outcome.Review.Chain)

	// the conflicting vote was not counted: one more vote for 0xbbb is not enough
	outcome, err = v.SubmitAttestation(validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0xbbb", time.Now()))
	require.NoError(t, err)
	require.Nil(t, outcome.Decision)
}

func TestIrreconcilableDisagreement(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)

	var outcome consensus.Outcome
	for i, chain := range types.AllChains() {
		var err error
		outcome, err = v.SubmitAttestation(validators.attest(t, chain, "s1", types.EventClaim, []string{"0x1", "0x2", "0x3"}[i], time.Now()))
		require.NoError(t, err)
	}

	require.NotNil(t, outcome.Decision)
	require.Equal(t, consensus.KindIrreconcilable, outcome.Decision.Kind)
	require.Len(t, outcome.Decision.Votes, 3)

	_, accepted := v.Accepted("s1", types.EventClaim)
	require.False(t, accepted)
}

func TestAuthentication(t *testing.T) {
	validators := newValidators(t)
	addrs := validators.addresses()
	delete(addrs, types.BackupChain)
	v := consensus.NewVerifier(addrs, 10)

	t.Run("unknown validator", func(t *testing.T) {
		_, err := v.SubmitAttestation(validators.attest(t, types.BackupChain, "s1", types.EventLock, "0x1", time.Now()))
		require.ErrorIs(t, err, types.ErrUnknownValidator)
	})

	t.Run("wrong key for role", func(t *testing.T) {
		att := validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0x1", time.Now())
		att.Chain = types.PrimaryChain
		att.PayloadHash = types.PayloadHash(att.SwapID, att.Event, att.Payload)
		_, err := v.SubmitAttestation(att)
		require.ErrorIs(t, err, types.ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		att := validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0x1", time.Now())
		att.Payload.TxHash = "0x2"
		_, err := v.SubmitAttestation(att)
		require.ErrorIs(t, err, types.ErrInvalidSignature)
	})

	t.Run("garbage signature", func(t *testing.T) {
		att := validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0x1", time.Now())
		att.Signature = []byte{1, 2, 3}
		_, err := v.SubmitAttestation(att)
		require.ErrorIs(t, err, types.ErrInvalidSignature)
	})
}

func TestMutuallyExclusiveEventsBothAccepted(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)

	for _, chain := range []types.Chain{types.PrimaryChain, types.MonitorChain} {
		_, err := v.SubmitAttestation(validators.attest(t, chain, "s1", types.EventClaim, "0xc", time.Now()))
		require.NoError(t, err)
		_, err = v.SubmitAttestation(validators.attest(t, chain, "s1", types.EventRefund, "0xr", time.Now()))
		require.NoError(t, err)
	}

	_, claimAccepted := v.Accepted("s1", types.EventClaim)
	_, refundAccepted := v.Accepted("s1", types.EventRefund)
	require.True(t, claimAccepted)
	require.True(t, refundAccepted)

	v.Forget("s1")
	_, claimAccepted = v.Accepted("s1", types.EventClaim)
	require.False(t, claimAccepted)
}

func TestRunForwardsDecisionsAndReviews(t *testing.T) {
	validators := newValidators(t)
	v := consensus.NewVerifier(validators.addresses(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan *types.Attestation, 10)
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, in) }()

	in <- validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0xabc", time.Now())
	in <- validators.attest(t, types.PrimaryChain, "s1", types.EventLock, "0xdef", time.Now())
	in <- validators.attest(t, types.MonitorChain, "s1", types.EventLock, "0xabc", time.Now())

	select {
	case review := <-v.Reviews():
		require.Equal(t, "s1", review.SwapID)
		require.Equal(t, types.PrimaryChain, review.Chain)
	case <-time.After(2 * time.Second):
		t.Fatal("no review published")
	}

	select {
	case decision := <-v.Decisions():
		require.Equal(t, "s1", decision.SwapID)
		require.Equal(t, types.EventLock, decision.Event)
		require.Equal(t, consensus.KindAccepted, decision.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no decision published")
	}

	close(in)
	require.NoError(t, <-done)
}

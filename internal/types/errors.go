package types

import "errors"

var (
	// ErrInvalidSwapParameters is returned for user input that fails validation. Not retried.
	ErrInvalidSwapParameters = errors.New("invalid swap parameters")
	// ErrConsensusDeadlock is raised when fewer than two validators can attest.
	ErrConsensusDeadlock = errors.New("consensus deadlock")
	// ErrConflictingAttestation is raised when a validator votes for two payloads of the same event.
	ErrConflictingAttestation = errors.New("conflicting attestation")
	// ErrFeeStale is returned when a quote is used after its freshness window.
	ErrFeeStale = errors.New("fee quote is stale")
	// ErrChainUnreachable is a transient adapter failure, retried locally.
	ErrChainUnreachable = errors.New("chain unreachable")

	ErrSwapNotFound       = errors.New("swap not found")
	ErrQuoteNotFound      = errors.New("quote not found")
	ErrQuoteMismatch      = errors.New("quote does not match swap parameters")
	ErrInvalidAttestation = errors.New("malformed attestation")
	ErrInvalidSignature   = errors.New("invalid attestation signature")
	ErrUnknownValidator   = errors.New("unknown validator")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidSecret      = errors.New("secret does not match hashlock")
	ErrSwapNotClaimable   = errors.New("swap is not claimable")
	ErrSwapNotRefundable  = errors.New("swap is not refundable")
	ErrNoValidatorReached = errors.New("no validator accepted the request")
)

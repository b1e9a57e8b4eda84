package swap

import (
	"fmt"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
)

// Trigger is what caused a transition
type Trigger string

const (
	TriggerLock           Trigger = "lock"
	TriggerClaim          Trigger = "claim"
	TriggerRefund         Trigger = "refund"
	TriggerExpiry         Trigger = "expiry"
	TriggerIrreconcilable Trigger = "irreconcilable"
	TriggerDeadlock       Trigger = "deadlock"
)

// StateEvent represents state machine events
type StateEvent struct {
	Type        StateEventType         `json:"type"`
	SwapID      string                 `json:"swapId"`
	OldStatus   types.SwapStatus       `json:"oldStatus"`
	NewStatus   types.SwapStatus       `json:"newStatus"`
	Trigger     Trigger                `json:"trigger,omitempty"`
	Validations int                    `json:"consensusValidations"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// StateEventType represents types of state events
type StateEventType string

const (
	StateEventTransition StateEventType = "STATE_TRANSITION"
	StateEventRejected   StateEventType = "DECISION_REJECTED"
	StateEventReview     StateEventType = "REVIEW_FLAGGED"
)

// StateTransition represents a valid state transition
type StateTransition struct {
	From        types.SwapStatus
	To          types.SwapStatus
	Trigger     Trigger
	Description string
	Required    []string // fields that must be set once the transition applies
}

// Valid swap transitions. Claimed, Refunded, Expired and Failed are terminal.
var validTransitions = []StateTransition{
	{types.StatusCreated, types.StatusLocked, TriggerLock, "Source deposit locked", []string{"source_tx_hash"}},
	{types.StatusLocked, types.StatusClaimed, TriggerClaim, "Secret revealed, funds claimed", []string{"secret", "claim_tx_hash"}},
	{types.StatusLocked, types.StatusRefunded, TriggerRefund, "Timelock elapsed, funds refunded", []string{"refund_tx_hash"}},

	// System detected
	{types.StatusCreated, types.StatusExpired, TriggerExpiry, "Timelock elapsed before lock", []string{}},
	{types.StatusLocked, types.StatusExpired, TriggerExpiry, "Timelock elapsed without claim or refund", []string{}},

	// Failures
	{types.StatusCreated, types.StatusFailed, TriggerIrreconcilable, "Validators disagree irreconcilably", []string{"failure_reason"}},
	{types.StatusLocked, types.StatusFailed, TriggerIrreconcilable, "Validators disagree irreconcilably", []string{"failure_reason"}},
	{types.StatusCreated, types.StatusFailed, TriggerDeadlock, "Consensus deadlock", []string{"failure_reason"}},
	{types.StatusLocked, types.StatusFailed, TriggerDeadlock, "Consensus deadlock", []string{"failure_reason"}},
}

// Transitions returns a copy of the transition table
func Transitions() []StateTransition {
	return append([]StateTransition(nil), validTransitions...)
}

// findTransition looks up a valid transition
func findTransition(from, to types.SwapStatus, trigger Trigger) (StateTransition, bool) {
	for _, transition := range validTransitions {
		if transition.From == from && transition.To == to && transition.Trigger == trigger {
			return transition, true
		}
	}
	return StateTransition{}, false
}

// validateRequiredData checks the fields a transition requires on the updated swap
func validateRequiredData(transition StateTransition, swap *types.Swap) error {
	for _, required := range transition.Required {
		var value string
		switch required {
		case "source_tx_hash":
			value = swap.SourceTxHash
		case "secret":
			value = swap.Secret
		case "claim_tx_hash":
			value = swap.ClaimTxHash
		case "refund_tx_hash":
			value = swap.RefundTxHash
		case "failure_reason":
			value = swap.FailureReason
		default:
			return fmt.Errorf("unknown required field: %s", required)
		}
		if value == "" {
			return fmt.Errorf("missing required data field: %s", required)
		}
	}
	return nil
}

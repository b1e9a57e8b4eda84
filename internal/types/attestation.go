package types

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventType is a chain event a validator can attest
type EventType string

const (
	EventLock   EventType = "lock"
	EventClaim  EventType = "claim"
	EventRefund EventType = "refund"
)

// Valid reports whether e is a known event type
func (e EventType) Valid() bool {
	switch e {
	case EventLock, EventClaim, EventRefund:
		return true
	}
	return false
}

// EventPayload is what a validator observed on chain. Chain is where the HTLC
// event happened, which is not necessarily the attesting validator's chain.
type EventPayload struct {
	Chain       Chain     `json:"chain"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	Secret      string    `json:"secret,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Attestation is a signed validator statement about a swap event
type Attestation struct {
	SwapID      string       `json:"swapId"`
	Chain       Chain        `json:"chain"`
	Event       EventType    `json:"event"`
	Payload     EventPayload `json:"payload"`
	PayloadHash common.Hash  `json:"payloadHash"`
	Signature   []byte       `json:"signature"`
	Timestamp   time.Time    `json:"timestamp"`
}

// PayloadHash identifies the observed event. Validators agree on an event when
// their payload hashes match; block numbers and timestamps are chain local and
// are not part of the hash.
func PayloadHash(swapID string, event EventType, payload EventPayload) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(swapID),
		[]byte(event),
		[]byte{byte(payload.Chain)},
		[]byte(strings.ToLower(payload.TxHash)),
		[]byte(strings.ToLower(payload.Secret)),
	)
}

// Digest is the message a validator signs
func (a *Attestation) Digest() common.Hash {
	return crypto.Keccak256Hash([]byte(a.SwapID), []byte(a.Event), a.PayloadHash.Bytes())
}

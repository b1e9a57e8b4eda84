package types

import (
	"strings"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/shopspring/decimal"
)

// SwapStatus represents the lifecycle state of a swap
type SwapStatus string

const (
	StatusCreated  SwapStatus = "CREATED"
	StatusLocked   SwapStatus = "LOCKED"
	StatusClaimed  SwapStatus = "CLAIMED"
	StatusRefunded SwapStatus = "REFUNDED"
	StatusExpired  SwapStatus = "EXPIRED"
	StatusFailed   SwapStatus = "FAILED"
)

const (
	// ConsensusRequired is the number of agreeing validators needed to accept an event
	ConsensusRequired = 2
	// ValidatorCount is the number of validator roles
	ValidatorCount = 3
)

// IsTerminal reports whether no transition leaves the status
func (s SwapStatus) IsTerminal() bool {
	switch s {
	case StatusClaimed, StatusRefunded, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status
func (s SwapStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusLocked, StatusClaimed, StatusRefunded, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// ParseSwapStatus parses a status case-insensitively
func ParseSwapStatus(s string) (SwapStatus, bool) {
	status := SwapStatus(strings.ToUpper(strings.TrimSpace(s)))
	return status, status.Valid()
}

// Swap is the HTLC swap record
type Swap struct {
	ID                   string           `json:"id"`
	ContractID           string           `json:"contractId"`
	SourceChain          Chain            `json:"sourceChain"`
	DestinationChain     Chain            `json:"destinationChain"`
	TokenAddress         string           `json:"tokenAddress,omitempty"`
	Amount               decimal.Decimal  `json:"amount"`
	DestinationAmount    decimal.Decimal  `json:"destinationAmount"`
	MinDestinationAmount decimal.Decimal  `json:"minDestinationAmount"`
	Fees                 decimal.Decimal  `json:"fees"`
	QuoteID              string           `json:"quoteId,omitempty"`
	Hashlock             htlc.Hashlock    `json:"hashlock"`
	Secret               string           `json:"secret,omitempty"`
	UnlockTime           time.Time        `json:"unlockTime"`
	Initiator            string           `json:"initiator"`
	Recipient            string           `json:"recipient"`
	Status               SwapStatus       `json:"status"`
	ConsensusValidations int              `json:"consensusValidations"`
	ConsensusRequired    int              `json:"consensusRequired"`
	ValidatorSignatures  map[Chain]string `json:"validatorSignatures"`
	SourceTxHash         string           `json:"sourceTxHash,omitempty"`
	ClaimTxHash          string           `json:"claimTxHash,omitempty"`
	RefundTxHash         string           `json:"refundTxHash,omitempty"`
	ReviewFlagged        bool             `json:"reviewFlagged"`
	ReviewReason         string           `json:"reviewReason,omitempty"`
	FailureReason        string           `json:"failureReason,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// EffectiveStatus is the status reported to callers. A locked swap whose
// timelock has elapsed reads as Expired until a refund reaches consensus.
func (s *Swap) EffectiveStatus(now time.Time) SwapStatus {
	if s.Status == StatusLocked && htlc.Expired(s.UnlockTime, now) {
		return StatusExpired
	}
	return s.Status
}

// View returns a copy of the swap carrying its effective status
func (s *Swap) View(now time.Time) *Swap {
	c := s.Clone()
	c.Status = s.EffectiveStatus(now)
	return c
}

// Clone returns a deep copy of the swap
func (s *Swap) Clone() *Swap {
	c := *s
	c.ValidatorSignatures = make(map[Chain]string, len(s.ValidatorSignatures))
	for k, v := range s.ValidatorSignatures {
		c.ValidatorSignatures[k] = v
	}
	return &c
}

// Involves reports whether chain is one of the swap's legs
func (s *Swap) Involves(chain Chain) bool {
	return s.SourceChain == chain || s.DestinationChain == chain
}

// HasParticipant reports whether address is the initiator or the recipient
func (s *Swap) HasParticipant(address string) bool {
	return strings.EqualFold(s.Initiator, address) || strings.EqualFold(s.Recipient, address)
}

// SwapParams are the validated inputs of a new swap
type SwapParams struct {
	SourceChain          Chain
	DestinationChain     Chain
	TokenAddress         string
	Amount               decimal.Decimal
	DestinationAmount    decimal.Decimal
	MinDestinationAmount decimal.Decimal
	Fees                 decimal.Decimal
	QuoteID              string
	Hashlock             htlc.Hashlock
	UnlockTime           time.Time
	Initiator            string
	Recipient            string
}

// SwapFilter selects swaps in listings. Zero fields match everything.
type SwapFilter struct {
	Chain   Chain
	Status  SwapStatus
	Address string
}

// Matches reports whether the swap, as seen at now, satisfies the filter
func (f SwapFilter) Matches(s *Swap, now time.Time) bool {
	if f.Chain.Valid() && !s.Involves(f.Chain) {
		return false
	}
	if f.Status != "" && s.EffectiveStatus(now) != f.Status {
		return false
	}
	if f.Address != "" && !s.HasParticipant(f.Address) {
		return false
	}
	return true
}

// CreateSwapRequest represents a request to create a new swap
type CreateSwapRequest struct {
	SourceChain      string `json:"sourceChain"`
	DestinationChain string `json:"destinationChain"`
	Amount           string `json:"amount"`
	TokenAddress     string `json:"tokenAddress,omitempty"`
	RecipientAddress string `json:"recipientAddress"`
	InitiatorAddress string `json:"initiatorAddress"`
	Slippage         string `json:"slippage,omitempty"`
	Hashlock         string `json:"hashlock,omitempty"`
	UnlockTime       int64  `json:"unlockTime,omitempty"`
	StakedAmount     string `json:"stakedAmount,omitempty"`
	QuoteID          string `json:"quoteId,omitempty"`
}

// CreateSwapResponse is returned by createSwap. Secret is only present when
// the relayer generated it.
type CreateSwapResponse struct {
	SwapID string `json:"swapId"`
	Quote  *Quote `json:"quote"`
	Secret string `json:"secret,omitempty"`
	Swap   *Swap  `json:"swap"`
}

// ClaimRequest carries the secret revealed by the claimant
type ClaimRequest struct {
	Secret string `json:"secret"`
}

// SubmitResponse acknowledges a claim or refund request
type SubmitResponse struct {
	SwapID string `json:"swapId"`
	Status string `json:"status"`
}

// AttestationResponse reports how the verifier counted a submitted attestation.
// Decision is set when this vote completed, or endorsed, a consensus decision.
type AttestationResponse struct {
	SwapID   string    `json:"swapId"`
	Chain    Chain     `json:"chain"`
	Event    EventType `json:"event"`
	Status   string    `json:"status"`
	Decision string    `json:"decision,omitempty"`
	Votes    int       `json:"votes,omitempty"`
}

// SwapListResponse represents the response of listSwaps
type SwapListResponse struct {
	Swaps []*Swap `json:"swaps"`
	Count int     `json:"count"`
}

// SwapQuery is the storage level form of a listing. Statuses are persisted
// statuses; effective status filtering happens above the store.
type SwapQuery struct {
	Chain    Chain
	Statuses []SwapStatus
	Address  string
	Offset   int
	Limit    int
}

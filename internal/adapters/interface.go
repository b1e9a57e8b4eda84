package adapters

import (
	"context"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
)

// ChainClient is the chain specific half of a validator: it reads the chain
// head, lists HTLC events in a block range and forwards claim/refund requests
// to the chain's relay endpoint.
type ChainClient interface {
	Chain() types.Chain
	Connect(ctx context.Context) error
	Close() error

	// Head returns the latest block (or slot, or seqno) of the chain
	Head(ctx context.Context) (uint64, error)
	// Events returns the HTLC events observed in blocks [from, to]
	Events(ctx context.Context, from, to uint64) ([]Observation, error)

	SubmitClaim(ctx context.Context, swap *types.Swap, secret string) error
	SubmitRefund(ctx context.Context, swap *types.Swap) error
}

// Validator is one of the three attestation sources
type Validator interface {
	Chain() types.Chain
	Address() common.Address

	Connect(ctx context.Context) error
	Close() error

	// Head is used by the health monitor as a liveness probe
	Head(ctx context.Context) (uint64, error)
	// Watch observes the chain and publishes signed attestations until ctx is done
	Watch(ctx context.Context, out chan<- *types.Attestation) error

	RequestClaim(ctx context.Context, swap *types.Swap, secret string) error
	RequestRefund(ctx context.Context, swap *types.Swap) error
}

// SwapIndex resolves on-chain HTLC identifiers to swaps
type SwapIndex interface {
	RecordByContractID(ctx context.Context, contractID string) (*types.Swap, error)
}

// LivenessReporter receives the reachability of each validator's chain
type LivenessReporter interface {
	MarkReachable(chain types.Chain)
	MarkUnreachable(chain types.Chain, err error)
}

// Observation is an HTLC event read from a chain. Chain is where the event was
// emitted; the zero value means the reporting client's own chain.
type Observation struct {
	Chain       types.Chain
	Event       types.EventType
	ContractID  string
	TxHash      string
	BlockNumber uint64
	Secret      string
	ObservedAt  time.Time
}

// WatchConfig tunes the watch loop of an adapter
type WatchConfig struct {
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	RetryInterval  time.Duration
	MaxBackoff     time.Duration
	RequestRetries int
	Confirmations  uint64
	StartBlock     uint64
	BlockBatch     uint64
}

package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/chronosvault/trinity-relayer/internal/adapters"
	"github.com/chronosvault/trinity-relayer/internal/types"
)

// ErrChainDown is returned by every call while the mock chain is down
var ErrChainDown = errors.New("mock chain down")

// ChainClient implements adapters.ChainClient for testing/dev
type ChainClient struct {
	chain types.Chain

	mu      sync.RWMutex
	head    uint64
	events  map[uint64][]adapters.Observation
	down    bool
	claims  []string
	refunds []string
	headErr int
}

// NewChainClient creates a mock client for chain
func NewChainClient(chain types.Chain) *ChainClient {
	return &ChainClient{
		chain:  chain,
		events: make(map[uint64][]adapters.Observation),
	}
}

func (m *ChainClient) Chain() types.Chain {
	return m.chain
}

func (m *ChainClient) Connect(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return ErrChainDown
	}
	return nil
}

func (m *ChainClient) Close() error {
	return nil
}

func (m *ChainClient) Head(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrChainDown
	}
	if m.headErr > 0 {
		m.headErr--
		return 0, ErrChainDown
	}
	return m.head, nil
}

func (m *ChainClient) Events(ctx context.Context, from, to uint64) ([]adapters.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrChainDown
	}

	var out []adapters.Observation
	for block := from; block <= to; block++ {
		out = append(out, m.events[block]...)
	}
	return out, nil
}

func (m *ChainClient) SubmitClaim(ctx context.Context, swap *types.Swap, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrChainDown
	}
	m.claims = append(m.claims, swap.ID)
	return nil
}

func (m *ChainClient) SubmitRefund(ctx context.Context, swap *types.Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrChainDown
	}
	m.refunds = append(m.refunds, swap.ID)
	return nil
}

// Emit simulates an HTLC event mined in a new block and returns its number
func (m *ChainClient) Emit(obs adapters.Observation) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.head++
	obs.BlockNumber = m.head
	m.events[m.head] = append(m.events[m.head], obs)
	return m.head
}

// SetHead moves the chain head
func (m *ChainClient) SetHead(head uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = head
}

// SetDown makes every call fail until cleared
func (m *ChainClient) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailHead makes the next n head calls fail
func (m *ChainClient) FailHead(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headErr = n
}

// Claims returns the ids of swaps a claim was submitted for
func (m *ChainClient) Claims() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.claims...)
}

// Refunds returns the ids of swaps a refund was submitted for
func (m *ChainClient) Refunds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.refunds...)
}

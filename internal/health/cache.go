package health

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chronosvault/trinity-relayer/internal/types"
)

// StatusRepository persists chain status snapshots
type StatusRepository interface {
	UpsertStatus(ctx context.Context, status types.ChainStatus) error
	ListStatuses(ctx context.Context) ([]types.ChainStatus, error)
}

// StatusCache keeps the latest status of every chain in memory, backed by a
// durable repository so that it survives restarts.
type StatusCache struct {
	repo StatusRepository

	mu       sync.RWMutex
	statuses map[types.Chain]types.ChainStatus
}

func NewStatusCache(repo StatusRepository) *StatusCache {
	return &StatusCache{
		repo:     repo,
		statuses: make(map[types.Chain]types.ChainStatus),
	}
}

// Load fills the cache from the repository
func (c *StatusCache) Load(ctx context.Context) error {
	statuses, err := c.repo.ListStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load chain statuses: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, status := range statuses {
		if status.Chain.Valid() {
			c.statuses[status.Chain] = status
		}
	}
	return nil
}

// Put stores a status in memory and in the repository. The in-memory value is
// updated even if persisting fails.
func (c *StatusCache) Put(ctx context.Context, status types.ChainStatus) error {
	c.mu.Lock()
	c.statuses[status.Chain] = status
	c.mu.Unlock()

	if err := c.repo.UpsertStatus(ctx, status); err != nil {
		return fmt.Errorf("failed to persist %s status: %w", status.Chain, err)
	}
	return nil
}

func (c *StatusCache) Get(chain types.Chain) (types.ChainStatus, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, ok := c.statuses[chain]
	return status, ok
}

// List returns the cached statuses ordered by chain
func (c *StatusCache) List() []types.ChainStatus {
	c.mu.RLock()
	statuses := make([]types.ChainStatus, 0, len(c.statuses))
	for _, status := range c.statuses {
		statuses = append(statuses, status)
	}
	c.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Chain < statuses[j].Chain
	})
	return statuses
}

package badgerdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/timshannon/badgerhold/v4"
)

const statusStoreDir = "chain-status"

// ChainStatusRepository is the embedded chain status store
type ChainStatusRepository struct {
	store *badgerhold.Store
}

// NewChainStatusRepository opens the embedded chain status store under baseDir
func NewChainStatusRepository(baseDir string) (*ChainStatusRepository, error) {
	store, err := createDB(storeDir(baseDir, statusStoreDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open chain status store: %w", err)
	}
	return &ChainStatusRepository{store}, nil
}

func (r *ChainStatusRepository) UpsertStatus(ctx context.Context, status types.ChainStatus) error {
	return r.store.Upsert(status.Chain.String(), status)
}

func (r *ChainStatusRepository) ListStatuses(ctx context.Context) ([]types.ChainStatus, error) {
	var statuses []types.ChainStatus
	if err := r.store.Find(&statuses, nil); err != nil {
		return nil, err
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Chain < statuses[j].Chain })
	return statuses, nil
}

func (r *ChainStatusRepository) Close() error {
	return r.store.Close()
}

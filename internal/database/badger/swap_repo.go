package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/timshannon/badgerhold/v4"
)

const swapStoreDir = "swaps"

// swapRecord indexes the queryable fields of a swap as plain values
type swapRecord struct {
	ID         string
	ContractID string
	Status     string
	CreatedAt  time.Time
	Swap       types.Swap
}

// SwapRepository is the embedded swap store
type SwapRepository struct {
	store *badgerhold.Store
}

// NewSwapRepository opens the embedded swap store under baseDir. An empty
// baseDir keeps the store in memory.
func NewSwapRepository(baseDir string) (*SwapRepository, error) {
	store, err := createDB(storeDir(baseDir, swapStoreDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open swap store: %w", err)
	}
	return &SwapRepository{store}, nil
}

func (r *SwapRepository) CreateSwap(ctx context.Context, swap *types.Swap) error {
	err := r.store.Insert(swap.ID, toRecord(swap))
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("swap %s already exists", swap.ID)
	}
	return err
}

func (r *SwapRepository) GetSwap(ctx context.Context, id string) (*types.Swap, error) {
	var record swapRecord
	if err := r.store.Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, types.ErrSwapNotFound
		}
		return nil, err
	}
	return fromRecord(record), nil
}

func (r *SwapRepository) GetSwapByContractID(ctx context.Context, contractID string) (*types.Swap, error) {
	var records []swapRecord
	query := badgerhold.Where("ContractID").Eq(strings.ToLower(contractID))
	if err := r.store.Find(&records, query); err != nil {
		return nil, err
	}
	if len(records) <= 0 {
		return nil, types.ErrSwapNotFound
	}
	return fromRecord(records[0]), nil
}

func (r *SwapRepository) UpdateSwap(ctx context.Context, swap *types.Swap) error {
	err := r.store.Update(swap.ID, toRecord(swap))
	if errors.Is(err, badgerhold.ErrNotFound) {
		return types.ErrSwapNotFound
	}
	return err
}

func (r *SwapRepository) ListSwaps(ctx context.Context, q types.SwapQuery) ([]*types.Swap, error) {
	var query *badgerhold.Query
	if len(q.Statuses) > 0 {
		statuses := make([]interface{}, 0, len(q.Statuses))
		for _, s := range q.Statuses {
			statuses = append(statuses, string(s))
		}
		query = badgerhold.Where("Status").In(statuses...)
	}

	var records []swapRecord
	if err := r.store.Find(&records, query); err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	swaps := make([]*types.Swap, 0, len(records))
	for _, record := range records {
		swap := fromRecord(record)
		if q.Chain.Valid() && !swap.Involves(q.Chain) {
			continue
		}
		if q.Address != "" && !swap.HasParticipant(q.Address) {
			continue
		}
		swaps = append(swaps, swap)
	}

	if q.Offset > 0 {
		if q.Offset >= len(swaps) {
			return nil, nil
		}
		swaps = swaps[q.Offset:]
	}
	if q.Limit > 0 && len(swaps) > q.Limit {
		swaps = swaps[:q.Limit]
	}
	return swaps, nil
}

func (r *SwapRepository) Close() error {
	return r.store.Close()
}

func toRecord(swap *types.Swap) swapRecord {
	return swapRecord{
		ID:         swap.ID,
		ContractID: strings.ToLower(swap.ContractID),
		Status:     string(swap.Status),
		CreatedAt:  swap.CreatedAt,
		Swap:       *swap.Clone(),
	}
}

func fromRecord(record swapRecord) *types.Swap {
	swap := record.Swap.Clone()
	if swap.ValidatorSignatures == nil {
		swap.ValidatorSignatures = map[types.Chain]string{}
	}
	return swap
}

package registry

import (
	"context"

	"github.com/chronosvault/trinity-relayer/internal/types"
)

// Iterator walks a listing page by page. It is finite; calling List again
// starts a fresh walk.
type Iterator struct {
	ctx    context.Context
	reg    *Registry
	query  types.SwapQuery
	filter *types.SwapFilter

	page    []*types.Swap
	pos     int
	current *types.Swap
	done    bool
	err     error
}

func newIterator(ctx context.Context, reg *Registry, filter types.SwapFilter) *Iterator {
	query := types.SwapQuery{
		Chain:   filter.Chain,
		Address: filter.Address,
	}

	// Expired is partly a read-time view of Locked swaps
	switch filter.Status {
	case "":
	case types.StatusExpired, types.StatusLocked:
		query.Statuses = []types.SwapStatus{types.StatusLocked, types.StatusExpired}
	default:
		query.Statuses = []types.SwapStatus{filter.Status}
	}

	return &Iterator{ctx: ctx, reg: reg, query: query, filter: &filter}
}

func (r *Registry) listRecords(ctx context.Context, query types.SwapQuery) *Iterator {
	return &Iterator{ctx: ctx, reg: r, query: query}
}

// Next advances to the next swap, fetching a new page when needed
func (it *Iterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}

		for it.pos < len(it.page) {
			swap := it.page[it.pos]
			it.pos++

			if it.filter == nil {
				it.current = swap
				return true
			}
			now := it.reg.now()
			if it.filter.Matches(swap, now) {
				it.current = swap.View(now)
				return true
			}
		}

		if it.done {
			return false
		}
		it.fetch()
	}
}

func (it *Iterator) fetch() {
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return
	}

	q := it.query
	q.Limit = it.reg.pageSize
	page, err := it.reg.repo.ListSwaps(it.ctx, q)
	if err != nil {
		it.err = err
		return
	}

	it.page = page
	it.pos = 0
	it.query.Offset += len(page)
	if len(page) < it.reg.pageSize {
		it.done = true
	}
}

// Swap returns the current swap
func (it *Iterator) Swap() *types.Swap {
	return it.current
}

// Err returns the error that stopped the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) collect() ([]*types.Swap, error) {
	var swaps []*types.Swap
	for it.Next() {
		swaps = append(swaps, it.Swap())
	}
	return swaps, it.Err()
}

// Collect drains the iterator
func Collect(it *Iterator) ([]*types.Swap, error) {
	return it.collect()
}

package registry_test

import (
	"context"
	"testing"
	"time"

	badgerdb "github.com/chronosvault/trinity-relayer/internal/database/badger"
	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/chronosvault/trinity-relayer/internal/registry"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*registry.Registry, *time.Time) {
	t.Helper()
	repo, err := badgerdb.NewSwapRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	now := time.Now().UTC()
	reg := registry.New(repo)
	reg.SetClock(func() time.Time { return now })
	return reg, &now
}

func validParams(t *testing.T, now time.Time) types.SwapParams {
	t.Helper()
	_, hashlock, err := htlc.NewSecret()
	require.NoError(t, err)
	return types.SwapParams{
		SourceChain:       types.PrimaryChain,
		DestinationChain:  types.MonitorChain,
		Amount:            decimal.RequireFromString("1"),
		DestinationAmount: decimal.RequireFromString("19.6"),
		Hashlock:          hashlock,
		UnlockTime:        now.Add(time.Hour),
		Initiator:         "0xinitiator",
		Recipient:         "recipient",
	}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	reg, now := newRegistry(t)

	swap, err := reg.Create(ctx, validParams(t, *now))
	require.NoError(t, err)
	require.NotEmpty(t, swap.ID)
	require.Equal(t, htlc.ContractID(swap.ID), swap.ContractID)
	require.Equal(t, types.StatusCreated, swap.Status)
	require.Zero(t, swap.ConsensusValidations)
	require.Equal(t, types.ConsensusRequired, swap.ConsensusRequired)
	require.Empty(t, swap.Secret)

	got, err := reg.Get(ctx, swap.ID)
	require.NoError(t, err)
	require.Equal(t, swap.Hashlock, got.Hashlock)

	byContract, err := reg.RecordByContractID(ctx, swap.ContractID)
	require.NoError(t, err)
	require.Equal(t, swap.ID, byContract.ID)

	_, err = reg.Get(ctx, "missing")
	require.ErrorIs(t, err, types.ErrSwapNotFound)
}

func TestCreateRejectsInvalidParameters(t *testing.T) {
	ctx := context.Background()
	reg, now := newRegistry(t)

	testCases := []struct {
		name   string
		mutate func(p *types.SwapParams)
	}{
		{"same chain", func(p *types.SwapParams) { p.DestinationChain = p.SourceChain }},
		{"unknown chain", func(p *types.SwapParams) { p.SourceChain = 0 }},
		{"zero amount", func(p *types.SwapParams) { p.Amount = decimal.Zero }},
		{"negative amount", func(p *types.SwapParams) { p.Amount = decimal.NewFromInt(-1) }},
		{"zero destination amount", func(p *types.SwapParams) { p.DestinationAmount = decimal.Zero }},
		{"unlock time in the past", func(p *types.SwapParams) { p.UnlockTime = now.Add(-time.Second) }},
		{"unlock time now", func(p *types.SwapParams) { p.UnlockTime = *now }},
		{"missing hashlock", func(p *types.SwapParams) { p.Hashlock = htlc.Hashlock{} }},
		{"missing recipient", func(p *types.SwapParams) { p.Recipient = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams(t, *now)
			tc.mutate(&params)
			_, err := reg.Create(ctx, params)
			require.ErrorIs(t, err, types.ErrInvalidSwapParameters)
		})
	}
}

func TestListIsLazyAndRestartable(t *testing.T) {
	ctx := context.Background()
	reg, now := newRegistry(t)
	reg.SetPageSize(2)

	var ids []string
	for i := 0; i < 5; i++ {
		params := validParams(t, *now)
		if i%2 == 1 {
			params.SourceChain, params.DestinationChain = types.BackupChain, types.MonitorChain
		}
		swap, err := reg.Create(ctx, params)
		require.NoError(t, err)
		ids = append(ids, swap.ID)
		*now = now.Add(time.Millisecond)
	}

	all, err := registry.Collect(reg.List(ctx, types.SwapFilter{}))
	require.NoError(t, err)
	require.Len(t, all, 5)

	again, err := registry.Collect(reg.List(ctx, types.SwapFilter{}))
	require.NoError(t, err)
	require.Equal(t, len(all), len(again))
	for i := range all {
		require.Equal(t, all[i].ID, again[i].ID)
	}

	backup, err := registry.Collect(reg.List(ctx, types.SwapFilter{Chain: types.BackupChain}))
	require.NoError(t, err)
	require.Len(t, backup, 2)

	it := reg.List(ctx, types.SwapFilter{Address: "0xINITIATOR"})
	require.True(t, it.Next())
	require.Equal(t, ids[0], it.Swap().ID)
	require.NoError(t, it.Err())
}

func TestListReportsExpiredView(t *testing.T) {
	ctx := context.Background()
	reg, now := newRegistry(t)

	swap, err := reg.Create(ctx, validParams(t, *now))
	require.NoError(t, err)

	record, err := reg.Record(ctx, swap.ID)
	require.NoError(t, err)
	record.Status = types.StatusLocked
	require.NoError(t, reg.Update(ctx, record))

	locked, err := registry.Collect(reg.List(ctx, types.SwapFilter{Status: types.StatusLocked}))
	require.NoError(t, err)
	require.Len(t, locked, 1)

	*now = now.Add(2 * time.Hour)

	locked, err = registry.Collect(reg.List(ctx, types.SwapFilter{Status: types.StatusLocked}))
	require.NoError(t, err)
	require.Empty(t, locked)

	expired, err := registry.Collect(reg.List(ctx, types.SwapFilter{Status: types.StatusExpired}))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, types.StatusExpired, expired[0].Status)

	got, err := reg.Get(ctx, swap.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusExpired, got.Status)

	active, err := reg.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, types.StatusLocked, active[0].Status)
}

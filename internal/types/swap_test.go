package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/stretchr/testify/require"
)

func TestParseChain(t *testing.T) {
	for input, expected := range map[string]types.Chain{
		"primary":  types.PrimaryChain,
		"arbitrum": types.PrimaryChain,
		"Monitor":  types.MonitorChain,
		"solana":   types.MonitorChain,
		"backup":   types.BackupChain,
		" ton ":    types.BackupChain,
	} {
		chain, err := types.ParseChain(input)
		require.NoError(t, err, input)
		require.Equal(t, expected, chain)
	}

	_, err := types.ParseChain("ethereum")
	require.ErrorIs(t, err, types.ErrInvalidSwapParameters)

	var zero types.Chain
	require.False(t, zero.Valid())
}

func TestChainJSONUsesNetworkName(t *testing.T) {
	buf, err := json.Marshal(map[string]types.Chain{"c": types.BackupChain})
	require.NoError(t, err)
	require.JSONEq(t, `{"c":"ton"}`, string(buf))

	var decoded map[string]types.Chain
	require.NoError(t, json.Unmarshal([]byte(`{"c":"monitor"}`), &decoded))
	require.Equal(t, types.MonitorChain, decoded["c"])
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now()
	swap := &types.Swap{Status: types.StatusLocked, UnlockTime: now.Add(time.Hour)}

	require.Equal(t, types.StatusLocked, swap.EffectiveStatus(now))
	require.Equal(t, types.StatusExpired, swap.EffectiveStatus(now.Add(time.Hour+time.Second)))

	swap.Status = types.StatusClaimed
	require.Equal(t, types.StatusClaimed, swap.EffectiveStatus(now.Add(2*time.Hour)))

	swap.Status = types.StatusCreated
	require.Equal(t, types.StatusCreated, swap.EffectiveStatus(now.Add(2*time.Hour)))
}

func TestSwapFilter(t *testing.T) {
	now := time.Now()
	swap := &types.Swap{
		SourceChain:      types.PrimaryChain,
		DestinationChain: types.BackupChain,
		Initiator:        "0xAbC",
		Recipient:        "EQrecipient",
		Status:           types.StatusCreated,
		UnlockTime:       now.Add(time.Hour),
	}

	require.True(t, types.SwapFilter{}.Matches(swap, now))
	require.True(t, types.SwapFilter{Chain: types.BackupChain}.Matches(swap, now))
	require.False(t, types.SwapFilter{Chain: types.MonitorChain}.Matches(swap, now))
	require.True(t, types.SwapFilter{Address: "0xabc"}.Matches(swap, now))
	require.False(t, types.SwapFilter{Address: "0xdef"}.Matches(swap, now))
	require.True(t, types.SwapFilter{Status: types.StatusCreated}.Matches(swap, now))
	require.False(t, types.SwapFilter{Status: types.StatusLocked}.Matches(swap, now))
}

func TestSwapCloneIsDeep(t *testing.T) {
	swap := &types.Swap{ValidatorSignatures: map[types.Chain]string{types.PrimaryChain: "0x01"}}
	clone := swap.Clone()
	clone.ValidatorSignatures[types.MonitorChain] = "0x02"
	require.Len(t, swap.ValidatorSignatures, 1)
}

package types

import (
	"fmt"
	"strings"
	"time"
)

// Chain identifies one of the three Trinity validator chains. The set is closed:
// only PrimaryChain, MonitorChain and BackupChain are valid values.
type Chain uint8

const (
	chainUnknown Chain = iota
	PrimaryChain
	MonitorChain
	BackupChain
)

// ChainInfo carries the fixed configuration of a chain role
type ChainInfo struct {
	Role          string
	Network       string
	TrinityID     uint8
	NativeAsset   string
	BlockTime     time.Duration
	FinalityDepth uint64
	GasEstimate   uint64
}

var chainInfo = map[Chain]ChainInfo{
	PrimaryChain: {
		Role:          "primary",
		Network:       "arbitrum",
		TrinityID:     1,
		NativeAsset:   "ETH",
		BlockTime:     250 * time.Millisecond,
		FinalityDepth: 64,
		GasEstimate:   180000,
	},
	MonitorChain: {
		Role:          "monitor",
		Network:       "solana",
		TrinityID:     2,
		NativeAsset:   "SOL",
		BlockTime:     400 * time.Millisecond,
		FinalityDepth: 32,
		GasEstimate:   5000,
	},
	BackupChain: {
		Role:          "backup",
		Network:       "ton",
		TrinityID:     3,
		NativeAsset:   "TON",
		BlockTime:     5 * time.Second,
		FinalityDepth: 3,
		GasEstimate:   10000,
	},
}

// AllChains returns the three chains in role order
func AllChains() []Chain {
	return []Chain{PrimaryChain, MonitorChain, BackupChain}
}

// Valid reports whether c is one of the three known chains
func (c Chain) Valid() bool {
	_, ok := chainInfo[c]
	return ok
}

// Info returns the chain's fixed configuration
func (c Chain) Info() ChainInfo {
	return chainInfo[c]
}

func (c Chain) String() string {
	if info, ok := chainInfo[c]; ok {
		return info.Network
	}
	return fmt.Sprintf("chain(%d)", uint8(c))
}

// ParseChain accepts a role name (primary, monitor, backup) or a network name
// (arbitrum, solana, ton).
func ParseChain(s string) (Chain, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, c := range AllChains() {
		info := chainInfo[c]
		if name == info.Role || name == info.Network {
			return c, nil
		}
	}
	return chainUnknown, fmt.Errorf("%w: unknown chain %q", ErrInvalidSwapParameters, s)
}

func (c Chain) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid chain %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Chain) UnmarshalText(text []byte) error {
	parsed, err := ParseChain(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

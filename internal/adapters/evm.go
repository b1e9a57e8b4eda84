package adapters

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	log "github.com/sirupsen/logrus"
)

// HTLC contract events watched on the primary chain
var (
	htlcCreatedTopic  = crypto.Keccak256Hash([]byte("HTLCCreated(bytes32,address,uint256,bytes32,uint256)"))
	htlcClaimedTopic  = crypto.Keccak256Hash([]byte("HTLCClaimed(bytes32,address,bytes32)"))
	htlcRefundedTopic = crypto.Keccak256Hash([]byte("HTLCRefunded(bytes32,address)"))
)

const maxCachedHeaders = 1024

// EVMClient reads HTLC contract logs from an EVM chain
type EVMClient struct {
	cfg      config.EVMChain
	contract common.Address

	connMu sync.Mutex
	client *ethclient.Client
	relay  *rpc.Client

	mu         sync.Mutex
	blockTimes map[uint64]time.Time
}

// NewEVMClient creates the primary chain client
func NewEVMClient(cfg config.EVMChain) *EVMClient {
	return &EVMClient{
		cfg:        cfg,
		contract:   common.HexToAddress(cfg.HTLCAddress),
		blockTimes: make(map[uint64]time.Time),
	}
}

// Chain returns PrimaryChain
func (c *EVMClient) Chain() types.Chain {
	return types.PrimaryChain
}

// Connect dials the node and checks the chain id. A failed Connect leaves the
// client disconnected; the next call dials again.
func (c *EVMClient) Connect(ctx context.Context) error {
	_, _, err := c.dial(ctx)
	return err
}

// dial returns the open connections, dialing them if needed
func (c *EVMClient) dial(ctx context.Context) (*ethclient.Client, *rpc.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.client != nil {
		return c.client, c.relay, nil
	}

	log.Infof("Connecting to %s at %s", c.Chain(), c.cfg.RPCURL)

	client, err := ethclient.DialContext(ctx, c.cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", c.cfg.RPCURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if c.cfg.ChainID != 0 && chainID.Int64() != c.cfg.ChainID {
		client.Close()
		return nil, nil, fmt.Errorf("chain id mismatch: expected %d, got %s", c.cfg.ChainID, chainID)
	}

	relay := client.Client()
	if c.cfg.RelayURL != "" {
		if relay, err = rpc.DialContext(ctx, c.cfg.RelayURL); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to dial relay %s: %w", c.cfg.RelayURL, err)
		}
	}

	c.client = client
	c.relay = relay
	return client, relay, nil
}

// Close closes the node and relay connections
func (c *EVMClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.relay != nil && c.cfg.RelayURL != "" {
		c.relay.Close()
	}
	if c.client != nil {
		c.client.Close()
	}
	c.client = nil
	c.relay = nil
	return nil
}

// Head returns the latest block number
func (c *EVMClient) Head(ctx context.Context) (uint64, error) {
	client, _, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// Events returns the HTLC events emitted by the contract in [from, to]
func (c *EVMClient) Events(ctx context.Context, from, to uint64) ([]Observation, error) {
	client, _, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{htlcCreatedTopic, htlcClaimedTopic, htlcRefundedTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	observations := make([]Observation, 0, len(logs))
	for _, l := range logs {
		obs, ok := c.decodeLog(l)
		if !ok {
			continue
		}
		if obs.ObservedAt, err = c.blockTime(ctx, client, l.BlockNumber); err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

// decodeLog maps a contract log to an observation. Removed (reorged) logs and
// logs without the indexed HTLC id are skipped.
func (c *EVMClient) decodeLog(l ethtypes.Log) (Observation, bool) {
	if l.Removed || len(l.Topics) < 2 {
		return Observation{}, false
	}

	obs := Observation{
		Chain:       types.PrimaryChain,
		ContractID:  l.Topics[1].Hex(),
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
	}

	switch l.Topics[0] {
	case htlcCreatedTopic:
		obs.Event = types.EventLock
	case htlcClaimedTopic:
		if len(l.Data) < 32 {
			log.WithField("tx_hash", obs.TxHash).Warn("claim log without preimage")
			return Observation{}, false
		}
		obs.Event = types.EventClaim
		obs.Secret = hexutil.Encode(l.Data[:32])
	case htlcRefundedTopic:
		obs.Event = types.EventRefund
	default:
		return Observation{}, false
	}
	return obs, true
}

func (c *EVMClient) blockTime(ctx context.Context, client *ethclient.Client, number uint64) (time.Time, error) {
	c.mu.Lock()
	ts, ok := c.blockTimes[number]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read header %d: %w", number, err)
	}
	ts = time.Unix(int64(header.Time), 0).UTC()

	c.mu.Lock()
	if len(c.blockTimes) >= maxCachedHeaders {
		c.blockTimes = make(map[uint64]time.Time)
	}
	c.blockTimes[number] = ts
	c.mu.Unlock()
	return ts, nil
}

// SubmitClaim forwards a claim to the relay endpoint
func (c *EVMClient) SubmitClaim(ctx context.Context, swap *types.Swap, secret string) error {
	var txHash string
	err := c.call(ctx, &txHash, c.cfg.ClaimMethod, map[string]string{
		"contractId": swap.ContractID,
		"secret":     secret,
		"recipient":  swap.Recipient,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"swap_id": swap.ID, "tx_hash": txHash}).Info("claim submitted to primary relay")
	return nil
}

// SubmitRefund forwards a refund to the relay endpoint
func (c *EVMClient) SubmitRefund(ctx context.Context, swap *types.Swap) error {
	var txHash string
	err := c.call(ctx, &txHash, c.cfg.RefundMethod, map[string]string{
		"contractId": swap.ContractID,
		"initiator":  swap.Initiator,
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"swap_id": swap.ID, "tx_hash": txHash}).Info("refund submitted to primary relay")
	return nil
}

func (c *EVMClient) call(ctx context.Context, result interface{}, method string, params interface{}) error {
	_, relay, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := relay.CallContext(ctx, result, method, params); err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}
	return nil
}

package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestDecodeLog(t *testing.T) {
	c := NewEVMClient(config.EVMChain{HTLCAddress: "0x00000000000000000000000000000000000000cc"})
	contractID := common.HexToHash(htlc.ContractID("swap-1"))
	txHash := common.HexToHash("0xfeed")
	preimage := common.HexToHash("0x0102030405060708091011121314151617181920212223242526272829303132")

	tests := []struct {
		name   string
		log    ethtypes.Log
		ok     bool
		event  types.EventType
		secret string
	}{
		{
			name:  "created",
			log:   ethtypes.Log{Topics: []common.Hash{htlcCreatedTopic, contractID}, TxHash: txHash, BlockNumber: 7},
			ok:    true,
			event: types.EventLock,
		},
		{
			name:   "claimed carries the preimage",
			log:    ethtypes.Log{Topics: []common.Hash{htlcClaimedTopic, contractID}, Data: append(preimage.Bytes(), make([]byte, 32)...), TxHash: txHash, BlockNumber: 7},
			ok:     true,
			event:  types.EventClaim,
			secret: hexutil.Encode(preimage.Bytes()),
		},
		{
			name:  "refunded",
			log:   ethtypes.Log{Topics: []common.Hash{htlcRefundedTopic, contractID}, TxHash: txHash, BlockNumber: 7},
			ok:    true,
			event: types.EventRefund,
		},
		{
			name: "claim without preimage",
			log:  ethtypes.Log{Topics: []common.Hash{htlcClaimedTopic, contractID}, Data: []byte{1, 2}, TxHash: txHash},
		},
		{
			name: "removed by reorg",
			log:  ethtypes.Log{Topics: []common.Hash{htlcCreatedTopic, contractID}, TxHash: txHash, Removed: true},
		},
		{
			name: "missing htlc id",
			log:  ethtypes.Log{Topics: []common.Hash{htlcCreatedTopic}, TxHash: txHash},
		},
		{
			name: "unrelated event",
			log:  ethtypes.Log{Topics: []common.Hash{common.HexToHash("0xdead"), contractID}, TxHash: txHash},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, ok := c.decodeLog(tt.log)
			require.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			require.Equal(t, tt.event, obs.Event)
			require.Equal(t, types.PrimaryChain, obs.Chain)
			require.Equal(t, contractID.Hex(), obs.ContractID)
			require.Equal(t, txHash.Hex(), obs.TxHash)
			require.Equal(t, uint64(7), obs.BlockNumber)
			require.Equal(t, tt.secret, obs.Secret)
		})
	}
}

// evmNode answers the eth_ methods the client uses and can be taken down
type evmNode struct {
	down atomic.Bool
}

func (n *evmNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var result interface{}
	switch req.Method {
	case "eth_chainId":
		result = "0xa4b1"
	case "eth_blockNumber":
		result = "0x2a"
	case "trinity_submitClaim":
		result = "0xclaimtx"
	default:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32601, "message": "method not found"},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func TestEVMClientRedialsAfterFailedConnect(t *testing.T) {
	node := &evmNode{}
	node.down.Store(true)
	srv := httptest.NewServer(node)
	defer srv.Close()

	c := NewEVMClient(config.EVMChain{RPCURL: srv.URL, ChainID: 42161, ClaimMethod: "trinity_submitClaim"})
	defer c.Close()

	ctx := context.Background()
	require.Error(t, c.Connect(ctx))
	_, err := c.Head(ctx)
	require.Error(t, err)

	node.down.Store(false)
	head, err := c.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), head)

	require.NoError(t, c.SubmitClaim(ctx, &types.Swap{ID: "swap-1", ContractID: "0x01"}, "0x02"))
}

func TestEVMClientRejectsWrongChainID(t *testing.T) {
	srv := httptest.NewServer(&evmNode{})
	defer srv.Close()

	c := NewEVMClient(config.EVMChain{RPCURL: srv.URL, ChainID: 1})
	err := c.Connect(context.Background())
	require.ErrorContains(t, err, "chain id mismatch")

	_, err = c.Head(context.Background())
	require.ErrorContains(t, err, "chain id mismatch")
}

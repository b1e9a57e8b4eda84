package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	log "github.com/sirupsen/logrus"
	"github.com/ybbus/jsonrpc"
)

// RPCClient reaches a non-EVM chain (Solana, TON) through a JSON-RPC node
// extended with the Trinity HTLC indexer methods.
type RPCClient struct {
	chain   types.Chain
	cfg     config.RPCChain
	timeout time.Duration
	rpc     jsonrpc.RPCClient
}

// rpcEvent is one entry of the events method result
type rpcEvent struct {
	Chain       string `json:"chain"`
	Event       string `json:"event"`
	ContractID  string `json:"contractId"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Secret      string `json:"secret"`
	Timestamp   int64  `json:"timestamp"`
}

// NewRPCClient creates a client for the monitor or backup chain
func NewRPCClient(chain types.Chain, cfg config.RPCChain, timeout time.Duration) *RPCClient {
	return &RPCClient{chain: chain, cfg: cfg, timeout: timeout}
}

// Chain returns the client's chain role
func (c *RPCClient) Chain() types.Chain {
	return c.chain
}

// Connect builds the JSON-RPC client and checks the node answers
func (c *RPCClient) Connect(ctx context.Context) error {
	log.Infof("Connecting to %s at %s", c.chain, c.cfg.RPCURL)

	c.rpc = jsonrpc.NewClientWithOpts(c.cfg.RPCURL, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: c.timeout},
	})

	if _, err := c.Head(ctx); err != nil {
		return fmt.Errorf("failed to reach %s node: %w", c.chain, err)
	}
	return nil
}

// Close is a no-op, the HTTP transport holds no session
func (c *RPCClient) Close() error {
	return nil
}

// Head returns the Solana slot or the TON masterchain seqno
func (c *RPCClient) Head(ctx context.Context) (uint64, error) {
	return call(ctx, func() (uint64, error) {
		resp, err := c.rpcCall(c.cfg.HeadMethod)
		if err != nil {
			return 0, err
		}

		if c.chain == types.BackupChain {
			var info struct {
				Last struct {
					Seqno uint64 `json:"seqno"`
				} `json:"last"`
			}
			if err := resp.GetObject(&info); err != nil {
				return 0, fmt.Errorf("failed to decode %s result: %w", c.cfg.HeadMethod, err)
			}
			return info.Last.Seqno, nil
		}

		head, err := resp.GetInt()
		if err != nil {
			return 0, fmt.Errorf("failed to decode %s result: %w", c.cfg.HeadMethod, err)
		}
		if head < 0 {
			return 0, fmt.Errorf("negative head %d", head)
		}
		return uint64(head), nil
	})
}

// Events returns the HTLC events indexed in [from, to]
func (c *RPCClient) Events(ctx context.Context, from, to uint64) ([]Observation, error) {
	return call(ctx, func() ([]Observation, error) {
		var events []rpcEvent
		err := c.rpc.CallFor(&events, c.cfg.EventsMethod, map[string]interface{}{
			"program": c.cfg.ProgramAddress,
			"from":    from,
			"to":      to,
		})
		if err != nil {
			return nil, fmt.Errorf("%s failed: %w", c.cfg.EventsMethod, err)
		}

		observations := make([]Observation, 0, len(events))
		for _, e := range events {
			event := types.EventType(e.Event)
			if !event.Valid() || e.ContractID == "" {
				log.WithFields(log.Fields{
					"chain": c.chain,
					"event": e.Event,
				}).Warn("skipping malformed indexer event")
				continue
			}
			origin := c.chain
			if e.Chain != "" {
				parsed, err := types.ParseChain(e.Chain)
				if err != nil {
					log.WithFields(log.Fields{
						"chain":  c.chain,
						"origin": e.Chain,
					}).Warn("skipping indexer event from unknown chain")
					continue
				}
				origin = parsed
			}
			observations = append(observations, Observation{
				Chain:       origin,
				Event:       event,
				ContractID:  e.ContractID,
				TxHash:      e.TxHash,
				BlockNumber: e.BlockNumber,
				Secret:      e.Secret,
				ObservedAt:  time.Unix(e.Timestamp, 0).UTC(),
			})
		}
		return observations, nil
	})
}

// SubmitClaim forwards a claim to the chain relay
func (c *RPCClient) SubmitClaim(ctx context.Context, swap *types.Swap, secret string) error {
	_, err := call(ctx, func() (struct{}, error) {
		_, err := c.rpcCall(c.cfg.ClaimMethod, map[string]string{
			"contractId": swap.ContractID,
			"secret":     secret,
			"recipient":  swap.Recipient,
		})
		return struct{}{}, err
	})
	return err
}

// SubmitRefund forwards a refund to the chain relay
func (c *RPCClient) SubmitRefund(ctx context.Context, swap *types.Swap) error {
	_, err := call(ctx, func() (struct{}, error) {
		_, err := c.rpcCall(c.cfg.RefundMethod, map[string]string{
			"contractId": swap.ContractID,
			"initiator":  swap.Initiator,
		})
		return struct{}{}, err
	})
	return err
}

func (c *RPCClient) rpcCall(method string, params ...interface{}) (*jsonrpc.RPCResponse, error) {
	if c.rpc == nil {
		return nil, errors.New("not connected")
	}
	resp, err := c.rpc.Call(method, params...)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
	}
	return resp, nil
}

// call runs a blocking JSON-RPC call so that ctx bounds the wait. The HTTP
// client timeout ends the abandoned request.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	done := make(chan result, 1)
	go func() {
		val, err := fn()
		done <- result{val: val, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-done:
		return res.val, res.err
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	err      error
	swaps    map[string]*types.Swap
	lastList [3]string
	claimed  string
	attested *types.Attestation
}

func (f *fakeService) CreateSwap(ctx context.Context, req *types.CreateSwapRequest) (*types.CreateSwapResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	swap := &types.Swap{ID: "swap-1", Amount: decimal.RequireFromString(req.Amount), Status: types.StatusCreated}
	return &types.CreateSwapResponse{SwapID: swap.ID, Secret: "0xsecret", Swap: swap, Quote: &types.Quote{ID: "q-1"}}, nil
}

func (f *fakeService) GetSwap(ctx context.Context, id string) (*types.Swap, error) {
	if swap, ok := f.swaps[id]; ok {
		return swap, nil
	}
	return nil, types.ErrSwapNotFound
}

func (f *fakeService) ListSwaps(ctx context.Context, chain, status, address string) ([]*types.Swap, error) {
	f.lastList = [3]string{chain, status, address}
	if f.err != nil {
		return nil, f.err
	}
	var out []*types.Swap
	for _, s := range f.swaps {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeService) ClaimSwap(ctx context.Context, id, secret string) (*types.SubmitResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.claimed = secret
	return &types.SubmitResponse{SwapID: id, Status: "submitted"}, nil
}

func (f *fakeService) RefundSwap(ctx context.Context, id string) (*types.SubmitResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.SubmitResponse{SwapID: id, Status: "submitted"}, nil
}

func (f *fakeService) SubmitAttestation(ctx context.Context, att *types.Attestation) (*types.AttestationResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.attested = att
	return &types.AttestationResponse{
		SwapID:   att.SwapID,
		Chain:    att.Chain,
		Event:    att.Event,
		Status:   "counted",
		Decision: "accepted",
		Votes:    2,
	}, nil
}

func (f *fakeService) Quote(ctx context.Context, body *types.QuoteRequestBody) (*types.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Quote{ID: "q-1", Fee: decimal.RequireFromString("0.0015")}, nil
}

func (f *fakeService) ChainStatus() types.SystemHealth {
	return types.SystemHealth{
		Score:  67,
		Chains: []types.ChainStatus{{Chain: types.PrimaryChain, State: types.ChainOnline}},
	}
}

func newTestServer(svc *fakeService) http.Handler {
	return NewServer(config.API{Host: "localhost", Port: 0}, svc).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateSwap(t *testing.T) {
	h := newTestServer(&fakeService{})

	rec := do(t, h, http.MethodPost, "/swaps", types.CreateSwapRequest{Amount: "1.5"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp types.CreateSwapResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "swap-1", resp.SwapID)
	require.Equal(t, "0xsecret", resp.Secret)
	require.Equal(t, "q-1", resp.Quote.ID)
}

func TestCreateSwapInvalidJSON(t *testing.T) {
	h := newTestServer(&fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/swaps", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSwap(t *testing.T) {
	h := newTestServer(&fakeService{swaps: map[string]*types.Swap{
		"swap-1": {ID: "swap-1", Status: types.StatusLocked},
	}})

	rec := do(t, h, http.MethodGet, "/swaps/swap-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var swap types.Swap
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&swap))
	require.Equal(t, types.StatusLocked, swap.Status)

	rec = do(t, h, http.MethodGet, "/swaps/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSwaps(t *testing.T) {
	svc := &fakeService{swaps: map[string]*types.Swap{"swap-1": {ID: "swap-1"}}}
	h := newTestServer(svc)

	rec := do(t, h, http.MethodGet, "/swaps?chain=ton&status=locked&address=0xabc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, [3]string{"ton", "locked", "0xabc"}, svc.lastList)

	var resp types.SwapListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
}

func TestClaimAndRefund(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc)

	rec := do(t, h, http.MethodPost, "/swaps/swap-1/claim", types.ClaimRequest{Secret: "0x01"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "0x01", svc.claimed)

	var resp types.SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "submitted", resp.Status)

	rec = do(t, h, http.MethodPost, "/swaps/swap-1/refund", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestChainStatusAndHealth(t *testing.T) {
	h := newTestServer(&fakeService{})

	rec := do(t, h, http.MethodGet, "/chains/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health types.SystemHealth
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	require.Equal(t, 67, health.Score)
	require.Len(t, health.Chains, 1)

	rec = do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestQuote(t *testing.T) {
	h := newTestServer(&fakeService{})

	rec := do(t, h, http.MethodPost, "/quote", types.QuoteRequestBody{SourceChain: "arbitrum", DestinationChain: "ton", Amount: "1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var quote types.Quote
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&quote))
	require.True(t, quote.Fee.Equal(decimal.RequireFromString("0.0015")))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: amount", types.ErrInvalidSwapParameters), http.StatusBadRequest},
		{types.ErrInvalidSecret, http.StatusBadRequest},
		{types.ErrSwapNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: quote q-1", types.ErrFeeStale), http.StatusConflict},
		{types.ErrSwapNotClaimable, http.StatusConflict},
		{fmt.Errorf("%w: %w", types.ErrNoValidatorReached, types.ErrChainUnreachable), http.StatusServiceUnavailable},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newTestServer(&fakeService{err: tt.err})
			rec := do(t, h, http.MethodPost, "/swaps/swap-1/claim", types.ClaimRequest{Secret: "0x01"})
			require.Equal(t, tt.code, rec.Code)

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, tt.err.Error(), body["details"])
		})
	}
}

func signedAttestation() *types.Attestation {
	att := &types.Attestation{
		SwapID: "swap-1",
		Chain:  types.MonitorChain,
		Event:  types.EventLock,
		Payload: types.EventPayload{
			Chain:       types.PrimaryChain,
			TxHash:      "0xlock",
			BlockNumber: 42,
			ObservedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Signature: []byte{0x01, 0x02, 0x03},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC),
	}
	att.PayloadHash = types.PayloadHash(att.SwapID, att.Event, att.Payload)
	return att
}

func TestSubmitAttestation(t *testing.T) {
	svc := &fakeService{}
	h := newTestServer(svc)

	att := signedAttestation()
	rec := do(t, h, http.MethodPost, "/attestations", att)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.NotNil(t, svc.attested)
	require.Equal(t, "swap-1", svc.attested.SwapID)
	require.Equal(t, types.MonitorChain, svc.attested.Chain)
	require.Equal(t, types.PrimaryChain, svc.attested.Payload.Chain)
	require.Equal(t, att.PayloadHash, svc.attested.PayloadHash)
	require.Equal(t, att.Signature, svc.attested.Signature)

	var resp types.AttestationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "counted", resp.Status)
	require.Equal(t, "accepted", resp.Decision)
	require.Equal(t, 2, resp.Votes)
}

func TestSubmitAttestationInvalidJSON(t *testing.T) {
	h := newTestServer(&fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/attestations", bytes.NewBufferString(`{"chain":`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitAttestationErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: signed by 0x01", types.ErrInvalidSignature), http.StatusUnauthorized},
		{fmt.Errorf("%w: no validator registered for ton", types.ErrUnknownValidator), http.StatusBadRequest},
		{fmt.Errorf("%w: unknown event %q", types.ErrInvalidAttestation, "mint"), http.StatusBadRequest},
		{fmt.Errorf("%w: lock payload changed", types.ErrConflictingAttestation), http.StatusConflict},
		{types.ErrSwapNotFound, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newTestServer(&fakeService{err: tt.err})
			rec := do(t, h, http.MethodPost, "/attestations", signedAttestation())
			require.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(&fakeService{})

	rec := do(t, h, http.MethodOptions, "/swaps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNotFound(t *testing.T) {
	h := newTestServer(&fakeService{})

	rec := do(t, h, http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

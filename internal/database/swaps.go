package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chronosvault/trinity-relayer/internal/htlc"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/lib/pq"
)

const swapColumns = `
	id, contract_id, source_chain, destination_chain, token_address,
	amount, destination_amount, min_destination_amount, fees, quote_id,
	hashlock, secret, unlock_time, initiator, recipient, status,
	consensus_validations, consensus_required, validator_signatures,
	source_tx_hash, claim_tx_hash, refund_tx_hash,
	review_flagged, review_reason, failure_reason, created_at, updated_at`

// SwapRepository handles database operations for swaps
type SwapRepository struct {
	db *sql.DB
}

// NewSwapRepository creates a new swap repository
func NewSwapRepository(db *sql.DB) *SwapRepository {
	return &SwapRepository{db: db}
}

// CreateSwap inserts a new swap
func (r *SwapRepository) CreateSwap(ctx context.Context, swap *types.Swap) error {
	signatures, err := encodeSignatures(swap.ValidatorSignatures)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO swaps (` + swapColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)`

	_, err = r.db.ExecContext(ctx, query,
		swap.ID,
		swap.ContractID,
		swap.SourceChain.String(),
		swap.DestinationChain.String(),
		swap.TokenAddress,
		swap.Amount,
		swap.DestinationAmount,
		swap.MinDestinationAmount,
		swap.Fees,
		swap.QuoteID,
		swap.Hashlock.String(),
		swap.Secret,
		swap.UnlockTime,
		swap.Initiator,
		swap.Recipient,
		string(swap.Status),
		swap.ConsensusValidations,
		swap.ConsensusRequired,
		signatures,
		swap.SourceTxHash,
		swap.ClaimTxHash,
		swap.RefundTxHash,
		swap.ReviewFlagged,
		swap.ReviewReason,
		swap.FailureReason,
		swap.CreatedAt,
		swap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create swap: %w", err)
	}

	return nil
}

// GetSwap retrieves a swap by id
func (r *SwapRepository) GetSwap(ctx context.Context, id string) (*types.Swap, error) {
	query := `SELECT ` + swapColumns + ` FROM swaps WHERE id = $1`
	return r.scanSwap(r.db.QueryRowContext(ctx, query, id))
}

// GetSwapByContractID retrieves a swap by its on-chain HTLC identifier
func (r *SwapRepository) GetSwapByContractID(ctx context.Context, contractID string) (*types.Swap, error) {
	query := `SELECT ` + swapColumns + ` FROM swaps WHERE contract_id = $1`
	return r.scanSwap(r.db.QueryRowContext(ctx, query, strings.ToLower(contractID)))
}

// UpdateSwap persists the mutable fields of a swap. Identity, amounts,
// hashlock and unlock time are never rewritten.
func (r *SwapRepository) UpdateSwap(ctx context.Context, swap *types.Swap) error {
	signatures, err := encodeSignatures(swap.ValidatorSignatures)
	if err != nil {
		return err
	}

	query := `
		UPDATE swaps
		SET status = $1, secret = $2, consensus_validations = $3,
			validator_signatures = $4, source_tx_hash = $5, claim_tx_hash = $6,
			refund_tx_hash = $7, review_flagged = $8, review_reason = $9,
			failure_reason = $10, updated_at = $11
		WHERE id = $12`

	res, err := r.db.ExecContext(ctx, query,
		string(swap.Status),
		swap.Secret,
		swap.ConsensusValidations,
		signatures,
		swap.SourceTxHash,
		swap.ClaimTxHash,
		swap.RefundTxHash,
		swap.ReviewFlagged,
		swap.ReviewReason,
		swap.FailureReason,
		swap.UpdatedAt,
		swap.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update swap: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return types.ErrSwapNotFound
	}
	return nil
}

// ListSwaps returns one page of swaps ordered by creation time
func (r *SwapRepository) ListSwaps(ctx context.Context, q types.SwapQuery) ([]*types.Swap, error) {
	var (
		conditions []string
		args       []interface{}
	)

	if q.Chain.Valid() {
		args = append(args, q.Chain.String())
		conditions = append(conditions, fmt.Sprintf("(source_chain = $%d OR destination_chain = $%d)", len(args), len(args)))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if q.Address != "" {
		args = append(args, strings.ToLower(q.Address))
		conditions = append(conditions, fmt.Sprintf("(lower(initiator) = $%d OR lower(recipient) = $%d)", len(args), len(args)))
	}

	query := `SELECT ` + swapColumns + ` FROM swaps`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query swaps: %w", err)
	}
	defer rows.Close()

	var swaps []*types.Swap
	for rows.Next() {
		swap, err := r.scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

// scanSwap scans a database row into a Swap struct
func (r *SwapRepository) scanSwap(scanner interface {
	Scan(dest ...interface{}) error
}) (*types.Swap, error) {
	swap := &types.Swap{}
	var (
		sourceChain, destinationChain string
		hashlock, status              string
		signatures                    []byte
	)

	err := scanner.Scan(
		&swap.ID,
		&swap.ContractID,
		&sourceChain,
		&destinationChain,
		&swap.TokenAddress,
		&swap.Amount,
		&swap.DestinationAmount,
		&swap.MinDestinationAmount,
		&swap.Fees,
		&swap.QuoteID,
		&hashlock,
		&swap.Secret,
		&swap.UnlockTime,
		&swap.Initiator,
		&swap.Recipient,
		&status,
		&swap.ConsensusValidations,
		&swap.ConsensusRequired,
		&signatures,
		&swap.SourceTxHash,
		&swap.ClaimTxHash,
		&swap.RefundTxHash,
		&swap.ReviewFlagged,
		&swap.ReviewReason,
		&swap.FailureReason,
		&swap.CreatedAt,
		&swap.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSwapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan swap: %w", err)
	}

	if swap.SourceChain, err = types.ParseChain(sourceChain); err != nil {
		return nil, fmt.Errorf("failed to parse source chain: %w", err)
	}
	if swap.DestinationChain, err = types.ParseChain(destinationChain); err != nil {
		return nil, fmt.Errorf("failed to parse destination chain: %w", err)
	}
	if swap.Hashlock, err = htlc.ParseHashlock(hashlock); err != nil {
		return nil, err
	}
	swap.Status = types.SwapStatus(status)

	if swap.ValidatorSignatures, err = decodeSignatures(signatures); err != nil {
		return nil, err
	}

	return swap, nil
}

func encodeSignatures(signatures map[types.Chain]string) ([]byte, error) {
	if signatures == nil {
		signatures = map[types.Chain]string{}
	}
	buf, err := json.Marshal(signatures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validator signatures: %w", err)
	}
	return buf, nil
}

func decodeSignatures(buf []byte) (map[types.Chain]string, error) {
	signatures := map[types.Chain]string{}
	if len(buf) == 0 {
		return signatures, nil
	}
	if err := json.Unmarshal(buf, &signatures); err != nil {
		return nil, fmt.Errorf("failed to decode validator signatures: %w", err)
	}
	return signatures, nil
}

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/chronosvault/trinity-relayer/internal/types"
)

// ChainStatusRepository persists the latest health snapshot of each chain
type ChainStatusRepository struct {
	db *sql.DB
}

// NewChainStatusRepository creates a new chain status repository
func NewChainStatusRepository(db *sql.DB) *ChainStatusRepository {
	return &ChainStatusRepository{db: db}
}

// UpsertStatus replaces the snapshot of status.Chain
func (r *ChainStatusRepository) UpsertStatus(ctx context.Context, status types.ChainStatus) error {
	query := `
		INSERT INTO chain_status (
			chain, state, quality, latency_ms, last_block, last_updated,
			consecutive_errors, error_rate, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain) DO UPDATE SET
			state = EXCLUDED.state,
			quality = EXCLUDED.quality,
			latency_ms = EXCLUDED.latency_ms,
			last_block = EXCLUDED.last_block,
			last_updated = EXCLUDED.last_updated,
			consecutive_errors = EXCLUDED.consecutive_errors,
			error_rate = EXCLUDED.error_rate,
			last_error = EXCLUDED.last_error`

	_, err := r.db.ExecContext(ctx, query,
		status.Chain.String(),
		string(status.State),
		string(status.Quality),
		status.LatencyMs,
		int64(status.LastBlock),
		status.LastUpdated,
		status.ConsecutiveErrors,
		status.ErrorRate,
		status.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chain status: %w", err)
	}
	return nil
}

// ListStatuses returns every stored snapshot
func (r *ChainStatusRepository) ListStatuses(ctx context.Context) ([]types.ChainStatus, error) {
	query := `
		SELECT chain, state, quality, latency_ms, last_block, last_updated,
			   consecutive_errors, error_rate, last_error
		FROM chain_status ORDER BY chain`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain status: %w", err)
	}
	defer rows.Close()

	var statuses []types.ChainStatus
	for rows.Next() {
		var (
			status       types.ChainStatus
			chain, state string
			quality      string
			lastBlock    int64
		)
		if err := rows.Scan(
			&chain, &state, &quality, &status.LatencyMs, &lastBlock, &status.LastUpdated,
			&status.ConsecutiveErrors, &status.ErrorRate, &status.LastError,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chain status: %w", err)
		}
		if status.Chain, err = types.ParseChain(chain); err != nil {
			return nil, err
		}
		status.State = types.ChainState(state)
		status.Quality = types.ConnectionQuality(quality)
		status.LastBlock = uint64(lastBlock)
		statuses = append(statuses, status)
	}

	return statuses, rows.Err()
}

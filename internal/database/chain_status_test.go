package database

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/stretchr/testify/require"
)

var statusColumns = []string{
	"chain", "state", "quality", "latency_ms", "last_block", "last_updated",
	"consecutive_errors", "error_rate", "last_error",
}

func TestUpsertStatus(t *testing.T) {
	_, statuses, mock := newMock(t)
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	status := types.ChainStatus{
		Chain:             types.MonitorChain,
		State:             types.ChainDegraded,
		Quality:           types.QualityPoor,
		LatencyMs:         1800,
		LastBlock:         912345,
		LastUpdated:       updated,
		ConsecutiveErrors: 2,
		ErrorRate:         0.25,
		LastError:         "timeout",
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (chain) DO UPDATE")).
		WithArgs(
			types.MonitorChain.String(), string(types.ChainDegraded), string(types.QualityPoor),
			int64(1800), int64(912345), updated, 2, 0.25, "timeout",
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, statuses.UpsertStatus(context.Background(), status))
}

func TestListStatuses(t *testing.T) {
	ctx := context.Background()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("rows", func(t *testing.T) {
		_, statuses, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM chain_status ORDER BY chain")).
			WillReturnRows(sqlmock.NewRows(statusColumns).
				AddRow(types.PrimaryChain.String(), string(types.ChainOnline), string(types.QualityExcellent), int64(120), int64(42), updated, int64(0), 0.0, "").
				AddRow(types.BackupChain.String(), string(types.ChainOffline), string(types.QualityPoor), int64(0), int64(7), updated, int64(5), 1.0, "connection refused"))

		got, err := statuses.ListStatuses(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)

		require.Equal(t, types.PrimaryChain, got[0].Chain)
		require.Equal(t, types.ChainOnline, got[0].State)
		require.Equal(t, uint64(42), got[0].LastBlock)
		require.Equal(t, int64(120), got[0].LatencyMs)

		require.Equal(t, types.BackupChain, got[1].Chain)
		require.Equal(t, types.ChainOffline, got[1].State)
		require.Equal(t, 5, got[1].ConsecutiveErrors)
		require.Equal(t, "connection refused", got[1].LastError)
		require.True(t, updated.Equal(got[1].LastUpdated))
	})

	t.Run("unknown chain", func(t *testing.T) {
		_, statuses, mock := newMock(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM chain_status")).
			WillReturnRows(sqlmock.NewRows(statusColumns).
				AddRow("dogechain", string(types.ChainOnline), string(types.QualityExcellent), int64(1), int64(1), updated, int64(0), 0.0, ""))

		_, err := statuses.ListStatuses(ctx)
		require.ErrorIs(t, err, types.ErrInvalidSwapParameters)
	})
}

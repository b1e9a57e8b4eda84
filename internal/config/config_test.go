package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronosvault/trinity-relayer/internal/config"
	"github.com/stretchr/testify/require"
)

const testYAML = `
store:
  type: badger
  status_type: badger
relayer:
  poll_interval: 2s
fees:
  max_discount_percent: 90
primary:
  rpc_url: http://localhost:8545
  htlc_address: "0x0000000000000000000000000000000000000001"
  validator_key: "aa"
monitor:
  rpc_url: http://localhost:8899
  validator_key: "bb"
backup:
  rpc_url: http://localhost:8081
  validator_key: "cc"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLayersFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, testYAML)
	t.Setenv("API_PORT", "9090")
	t.Setenv("CONSENSUS_DEADLOCK_TIMEOUT", "90s")

	cfg, err := config.Load(path, "")
	require.NoError(t, err)

	require.Equal(t, "badger", cfg.Store.Type)
	require.Equal(t, 2*time.Second, cfg.Relayer.PollInterval)
	require.Equal(t, 90.0, cfg.Fees.MaxDiscountPercent)
	require.Equal(t, 9090, cfg.API.Port)
	require.Equal(t, 90*time.Second, cfg.Consensus.DeadlockTimeout)

	// untouched defaults survive
	require.Equal(t, time.Minute, cfg.Fees.QuoteTTL)
	require.Len(t, cfg.Fees.Tiers, 3)
}

func TestValidateReportsMissingSettings(t *testing.T) {
	cfg := config.Default()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "PRIMARY_RPC_URL")
	require.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestLoadMissingEnvFile(t *testing.T) {
	path := writeConfig(t, testYAML)
	_, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

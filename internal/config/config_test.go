package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(dir, "missing.json"))
	for _, key := range []string{
		"POLYGON_RPC_URL", "ESCROW_CONTRACT_ADDRESS", "CHAIN_ID", "PRIVATE_KEY",
		"CHAIN_DRY_RUN", "IDEMPOTENCY_STORE", "DATABASE_URL", "IDEMPOTENCY_PURGE_SECONDS", "RELEASE_MAX_ATTEMPTS", "RELEASE_BACKOFF_MS",
	} {
		t.Setenv(key, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(80001), cfg.Chain.ChainID)
	assert.Equal(t, 3, cfg.Retry.ReleaseMaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.ReleaseBackoff)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, 10*time.Minute, cfg.Service.IdempotencyPurge)
}

func TestLoadDeploymentsAndEnvFile(t *testing.T) {
	dir := isolate(t)

	deployments := filepath.Join(dir, "deployments.json")
	require.NoError(t, os.WriteFile(deployments, []byte(`{
		"chainId": 137,
		"contracts": {"JobEscrow": "0x5FbDB2315678afecb367f032d93F642f64180aa3"}
	}`), 0o600))
	t.Setenv("DEPLOYMENTS_PATH", deployments)

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RECEIPT_POLL_MS=500\nLOG_FORMAT=json\n"), 0o600))
	t.Setenv("ENV_FILE", envFile)
	// godotenv never overrides variables that already exist, even empty ones.
	require.NoError(t, os.Unsetenv("RECEIPT_POLL_MS"))
	require.NoError(t, os.Unsetenv("LOG_FORMAT"))
	t.Cleanup(func() {
		os.Unsetenv("RECEIPT_POLL_MS")
		os.Unsetenv("LOG_FORMAT")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(137), cfg.Chain.ChainID)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", cfg.Chain.ContractAddress)
	assert.Equal(t, 500*time.Millisecond, cfg.Chain.ReceiptPoll)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestValidate(t *testing.T) {
	isolate(t)
	t.Setenv("POLYGON_RPC_URL", "http://localhost:8545")
	t.Setenv("ESCROW_CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Chain.ContractAddress = "nope"
	cfg.Store.Driver = "postgres"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_CONTRACT_ADDRESS")
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateDryRunSkipsRPC(t *testing.T) {
	isolate(t)
	t.Setenv("CHAIN_DRY_RUN", "true")
	t.Setenv("ESCROW_CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Chain.DryRun)
	assert.NoError(t, cfg.Validate())
}

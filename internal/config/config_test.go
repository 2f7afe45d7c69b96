package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "neo", cfg.Bridge.SourceChain)
	assert.Equal(t, uint64(6), cfg.Bridge.RequiredConfirmations)
	assert.Equal(t, 72*time.Hour, cfg.Bridge.PendingTTL)
	assert.Equal(t, int64(110), cfg.Oracle.FeeMultiplier)
	assert.Equal(t, "@every 5m", cfg.Oracle.RefreshSpec)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://relayer@localhost/relayer
chain:
  rpc_url: http://localhost:10332
bridge:
  signers:
    - "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
alerts:
  webhook_url: https://hooks.example.com/alerts
oracle:
  admins:
    - "0xAdmin"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://relayer@localhost/relayer", cfg.Database.DSN)
	assert.Equal(t, "http://localhost:10332", cfg.Chain.RPCURL)
	assert.Equal(t, []string{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"}, cfg.Bridge.Signers)
	assert.Equal(t, "https://hooks.example.com/alerts", cfg.Alerts.WebhookURL)
	assert.Equal(t, []string{"0xAdmin"}, cfg.Oracle.Admins)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BRIDGE_REQUIRED_CONFIRMATIONS", "12")
	t.Setenv("ORACLE_FEE_MULTIPLIER", "125")
	t.Setenv("BRIDGE_SIGNERS", "0xAA;0xBB")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, uint64(12), cfg.Bridge.RequiredConfirmations)
	assert.Equal(t, int64(125), cfg.Oracle.FeeMultiplier)
	assert.Equal(t, []string{"0xAA", "0xBB"}, cfg.Bridge.Signers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("multiplier out of range", func(t *testing.T) {
		t.Setenv("ORACLE_FEE_MULTIPLIER", "151")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fee multiplier")
	})

	t.Run("port out of range", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "70000")
		_, err := Load("")
		require.Error(t, err)
	})

	t.Run("malformed wei amount", func(t *testing.T) {
		t.Setenv("BRIDGE_MIN_DEPOSIT", "ten")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bridge.min_deposit")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: ["))
		require.Error(t, err)
	})
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("1000000000000000000")
	require.NoError(t, err)
	assert.Zero(t, v.Cmp(big.NewInt(1_000_000_000_000_000_000)))

	v, err = ParseWei("  ")
	require.NoError(t, err)
	assert.Zero(t, v.Sign())

	_, err = ParseWei("-1")
	require.Error(t, err)

	_, err = ParseWei("0x10")
	require.Error(t, err)
}

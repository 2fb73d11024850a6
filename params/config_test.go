package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()
	assert.Equal(t, def.Extensions, cfg.Extensions)
	assert.Equal(t, def.Keeper, cfg.Keeper)
	assert.Equal(t, ":8080", cfg.API.Addr)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("API_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("OWNER_ADDRESS", "0x00000000000000000000000000000000000000AA")
	t.Setenv("PROTOCOL_ADDRESS", "not-an-address")
	t.Setenv("OCO_CANCELLATION_DELAY_SEC", "45")
	t.Setenv("TWAP_WINDOW_SEC", "-3")
	t.Setenv("OCO_MAX_GAS_PRICE_GWEI", "250")
	t.Setenv("KEEPER_ENABLED", "false")
	t.Setenv("KEEPER_INTERVAL_MS", "2500")
	t.Setenv("KEEPER_MAX_BATCH", "x")
	t.Setenv("JOURNAL_FILE", "")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	def := Default()

	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.AllowedOrigins)
	assert.Equal(t, common.HexToAddress("0xAA"), cfg.Extensions.Owner)
	assert.Equal(t, def.Extensions.Protocol, cfg.Extensions.Protocol)
	assert.Equal(t, 45*time.Second, cfg.Extensions.CancellationDelay)
	assert.Equal(t, def.Extensions.TwapWindow, cfg.Extensions.TwapWindow)
	assert.Equal(t, uint64(250), cfg.Extensions.MaxGasPriceGwei)
	assert.False(t, cfg.Keeper.Enabled)
	assert.Equal(t, 2500*time.Millisecond, cfg.Keeper.Interval)
	assert.Equal(t, def.Keeper.MaxBatch, cfg.Keeper.MaxBatch)
	assert.Empty(t, cfg.Node.JournalFile)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("TWAP_MAX_SAMPLES=16\nDEPLOYMENT_FILE=deploy.yaml\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("TWAP_MAX_SAMPLES")
		os.Unsetenv("DEPLOYMENT_FILE")
	})

	cfg := LoadFromEnv(path)
	assert.Equal(t, 16, cfg.Extensions.TwapMaxSamples)
	assert.Equal(t, "deploy.yaml", cfg.Node.DeploymentFile)
}

const deploymentYAML = `
feeds:
  - address: "0x00000000000000000000000000000000000000F1"
    decimals: 8
    answer: "100000000"
    heartbeat: 1h
  - address: "0x00000000000000000000000000000000000000F2"
    decimals: 8
    answer: "25000"
routers:
  - address: "0x00000000000000000000000000000000000000D1"
    rate: "3300000000"
    approved: true
keepers:
  - "0xCC00000000000000000000000000000000000000"
balances:
  - token: "0x00000000000000000000000000000000000000E2"
    holder: "0x00000000000000000000000000000000000000D1"
    amount: "1000000000000"
`

func TestParseDeployment(t *testing.T) {
	d, err := ParseDeployment([]byte(deploymentYAML))
	require.NoError(t, err)

	require.Len(t, d.Feeds, 2)
	assert.Equal(t, common.HexToAddress("0xF1"), d.Feeds[0].Addr())
	assert.Equal(t, time.Hour, d.Feeds[0].Heartbeat)
	assert.Equal(t, "25000", d.Feeds[1].AnswerInt().String())
	assert.Zero(t, d.Feeds[1].Heartbeat)

	require.Len(t, d.Routers, 1)
	assert.True(t, d.Routers[0].Approved)
	assert.Equal(t, "3300000000", d.Routers[0].RateInt().Dec())

	assert.Equal(t, []common.Address{common.HexToAddress("0xCC00000000000000000000000000000000000000")}, d.KeeperAddrs())
	require.Len(t, d.Balances, 1)
	assert.Equal(t, "1000000000000", d.Balances[0].AmountInt().Dec())
}

func TestParseDeploymentRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad feed address", "feeds:\n  - address: nope\n    answer: \"1\"\n"},
		{"bad answer", "feeds:\n  - address: \"0x00000000000000000000000000000000000000F1\"\n    answer: abc\n"},
		{"duplicate feed", "feeds:\n  - address: \"0x00000000000000000000000000000000000000F1\"\n    answer: \"1\"\n  - address: \"0x00000000000000000000000000000000000000f1\"\n    answer: \"2\"\n"},
		{"zero rate", "routers:\n  - address: \"0x00000000000000000000000000000000000000D1\"\n    rate: \"0\"\n"},
		{"bad keeper", "keepers:\n  - \"0x12\"\n"},
		{"bad balance", "balances:\n  - token: \"0x00000000000000000000000000000000000000E2\"\n    holder: \"0x00000000000000000000000000000000000000D1\"\n    amount: \"-1\"\n"},
		{"malformed yaml", "feeds: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDeployment([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidDeployment)
		})
	}
}

func TestLoadDeploymentMissingFile(t *testing.T) {
	_, err := LoadDeployment(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Routing.LargeSize = cfg.Routing.SmallSize
	cfg.Security.ImpactPolicy = "ignore"
	cfg.Settlement.Workers = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{`unknown mode "live"`, "routing:", "impact_policy", "settlement: workers"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestFullModeNeedsChainAndPools(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "full"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain: rpc_url")
	assert.Contains(t, err.Error(), "pool_address")

	cfg.Chain.RPCURL = "http://localhost:8545"
	cfg.Chain.RouterAddress = "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
	cfg.Chain.EncryptedKeyPath = "/etc/hybrid/key.json"
	cfg.Chain.KeyPassword = "pw"
	cfg.Pairs[0].PoolAddress = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
	cfg.Pairs[0].BaseToken = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	cfg.Pairs[0].QuoteToken = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	require.NoError(t, cfg.Validate())
}

func TestArchiveRequiresPostgresAndS3(t *testing.T) {
	cfg := Defaults()
	cfg.Retention.Archive = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retention: archive")
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "paper"

[[pairs]]
symbol = "BTC-USDC"
base_decimals = 8
quote_decimals = 6
reference_price = 60000
fee_bps = 5

[security]
per_second_limit = 3
block_duration = "90s"

[auth.tokens]
tok-1 = "alice"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, "BTC-USDC", cfg.Pairs[0].Symbol)
	assert.Equal(t, 3, cfg.Security.PerSecondLimit)
	assert.Equal(t, 90*time.Second, cfg.Security.BlockDuration.Duration)
	// Untouched fields keep their defaults.
	assert.Equal(t, 300, cfg.Security.PerMinuteLimit)
	assert.Len(t, cfg.Metrics.Alerts, 2)
	assert.Equal(t, "alice", cfg.Auth.Tokens["tok-1"])
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `mode = "paper"`)
	t.Setenv("HYBRID_SETTLEMENT_WORKERS", "4")
	t.Setenv("HYBRID_SETTLEMENT_MAX_WAIT", "45s")
	t.Setenv("HYBRID_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("HYBRID_REDIS_ENABLED", "true")
	t.Setenv("HYBRID_SECURITY_MAX_PRICE_IMPACT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Settlement.Workers)
	assert.Equal(t, 45*time.Second, cfg.Settlement.MaxWait.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 0.10, cfg.Security.MaxPriceImpact)
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pg"
	cfg.Auth.Tokens = map[string]string{"secret-token": "alice"}

	out := cfg.Redacted()
	assert.Equal(t, "***", out.Chain.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "", out.Chain.KeyPassword)
	assert.NotContains(t, out.Auth.Tokens, "secret-token")
	assert.Contains(t, out.Auth.Tokens, "***0")
	assert.Equal(t, "deadbeef", cfg.Chain.PrivateKey)
}

func TestWatcherReload(t *testing.T) {
	path := writeConfig(t, "mode = \"paper\"\n[routing]\nsmall_size = 1\nlarge_size = 100\n")
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var got []*Config
	w.Subscribe(func(c *Config) { got = append(got, c) })

	require.NoError(t, os.WriteFile(path, []byte("mode = \"paper\"\n[routing]\nsmall_size = 2\nlarge_size = 50\n"), 0o600))
	require.NoError(t, w.Reload())
	require.Len(t, got, 1)
	assert.Equal(t, 50.0, got[0].Routing.LargeSize)
	assert.Same(t, got[0], w.Current())

	// An invalid file leaves the current config in place.
	require.NoError(t, os.WriteFile(path, []byte("mode = \"paper\"\n[routing]\nsmall_size = 9\nlarge_size = 3\n"), 0o600))
	require.Error(t, w.Reload())
	assert.Len(t, got, 1)
	assert.Equal(t, 50.0, w.Current().Routing.LargeSize)
}

func TestRestartOnlySections(t *testing.T) {
	a := Defaults()
	b := Defaults()
	b.Routing.LargeSize = 500
	assert.Empty(t, restartOnly(&a, &b))

	b.Redis.Addr = "redis:6379"
	b.Mode = "full"
	assert.ElementsMatch(t, []string{"mode", "redis"}, restartOnly(&a, &b))
}

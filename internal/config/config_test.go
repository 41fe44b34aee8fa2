package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
)

var (
	programKey = domain.PublicKey{0xaa, 1}.String()
	oracleKey  = domain.PublicKey{1}.String()
	marketKey  = domain.PublicKey{2}.String()
	market2Key = domain.PublicKey{3}.String()
	walletKey  = domain.PublicKey{9, 9, 9}.String()
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perparb.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func tradeConfig() string {
	return fmt.Sprintf(`
mode = "trade"

[ledger]
rpc_url = "http://node:8899"
ws_url = "ws://node:8900"
program_id = %q

[wallet]
private_key = %q

[detector]
interval = "500ms"

[[markets.pairs]]
id = "sol-basis"
kind = "basis"
oracle = %q
market_a = %q
market_a_protocol = "perp_a"
fee_slippage = "0.10"
min_edge = 0.05
size = 2
validity_window = 10
`, programKey, walletKey, oracleKey, marketKey)
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, tradeConfig()))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://node:8899", cfg.Ledger.RPCURL)
	assert.Equal(t, "confirmed", cfg.Ledger.Commitment, "default kept")
	assert.Equal(t, 500*time.Millisecond, cfg.Detector.Interval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Detector.StaleTimeout.Duration)
	assert.Equal(t, 2, cfg.Execution.MaxRetries)
	assert.Equal(t, uint64(120), cfg.Relayer.Init.UpdateFrequencySecs)

	require.Len(t, cfg.Markets.Pairs, 1)
	p := cfg.Markets.Pairs[0].MarketPair()
	assert.Equal(t, domain.PairKindBasis, p.Kind)
	assert.True(t, p.FeeSlippage.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, p.MinEdge.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, p.Size.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, uint64(10), p.ValidityWindow)
	assert.Equal(t, []domain.AccountID{domain.AccountID(oracleKey), domain.AccountID(marketKey)}, p.Accounts())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERPARB_MODE", "monitor")
	t.Setenv("PERPARB_RISK_MAX_NET_EXPOSURE", "5.5")
	t.Setenv("PERPARB_MARKETS_ALLOW", " sol-basis, ,")
	t.Setenv("PERPARB_EXECUTION_POLL_INTERVAL", "250ms")
	t.Setenv("PERPARB_REDIS_POOL_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, tradeConfig()))
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.True(t, cfg.Risk.MaxNetExposure.Equal(decimal.RequireFromString("5.5")))
	assert.Equal(t, []string{"sol-basis"}, cfg.Markets.Allow)
	assert.Equal(t, 250*time.Millisecond, cfg.Execution.PollInterval.Duration)
	assert.Equal(t, 20, cfg.Redis.PoolSize, "unparsable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.LogLevel = "loud"
	cfg.Ledger.Commitment = "eventually"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	for _, want := range []string{`unknown mode "yolo"`, `unknown log_level "loud"`, `unknown commitment "eventually"`, "redis: addr"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateWallet(t *testing.T) {
	cfg, err := Load(writeConfig(t, tradeConfig()))
	require.NoError(t, err)

	cfg.Wallet.PrivateKey = ""
	assert.ErrorContains(t, cfg.Validate(), "wallet: either private_key or encrypted_key_path")

	cfg.DryRun = true
	assert.NoError(t, cfg.Validate(), "dry run never signs for submission")

	cfg.DryRun = false
	cfg.Wallet.EncryptedKeyPath = "/keys/wallet.json"
	assert.ErrorContains(t, cfg.Validate(), "key_password is required")

	cfg.Wallet.KeyPassword = "hunter2"
	assert.NoError(t, cfg.Validate())
}

func TestValidatePairs(t *testing.T) {
	cfg, err := Load(writeConfig(t, tradeConfig()))
	require.NoError(t, err)

	dup := cfg.Markets.Pairs[0]
	dup.MarketAProtocol = "perp_z"
	dup.Size = decimal.Zero
	cfg.Markets.Pairs = append(cfg.Markets.Pairs, dup)
	cfg.Markets.Allow = []string{"eth-basis"}

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"duplicate id", `unknown protocol "perp_z"`, "size must be > 0", `allow names unknown pair "eth-basis"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRelay(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "relay"
	cfg.Ledger.ProgramID = programKey
	cfg.Wallet.PrivateKey = walletKey

	assert.ErrorContains(t, cfg.Validate(), "relayer: at least one target")

	cfg.Relayer.Targets = []FundingTargetConfig{
		{ID: 0, Exchange: "perp_a", MarketIndex: 1, Market: marketKey},
		{ID: 0, Exchange: "perp_c", MarketIndex: 2, Market: market2Key},
	}
	assert.ErrorContains(t, cfg.Validate(), `unknown exchange "perp_c"`)

	cfg.Relayer.Targets[1].Exchange = "perp_b"
	require.NoError(t, cfg.Validate())

	ex, err := cfg.Relayer.Targets[1].ExchangeValue()
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangePerpB, ex)
	assert.Equal(t, domain.ProtocolPerpB, cfg.Relayer.Targets[1].MarketProtocol())
}

func TestValidateStorageDependencies(t *testing.T) {
	cfg, err := Load(writeConfig(t, tradeConfig()))
	require.NoError(t, err)

	cfg.Archive.Enabled = true
	cfg.Risk.DistributedLock = true
	cfg.S3.Bucket = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive: requires postgres.enabled")
	assert.Contains(t, err.Error(), "distributed_lock requires redis.enabled")
	assert.Contains(t, err.Error(), "s3: bucket must not be empty")
}

func TestValidateLockOutlivesAttempt(t *testing.T) {
	cfg, err := Load(writeConfig(t, tradeConfig()))
	require.NoError(t, err)
	cfg.Redis.Enabled = true
	cfg.Risk.DistributedLock = true
	require.NoError(t, cfg.Validate(), "defaults leave room for every anchor")

	cfg.Risk.LockTTL = duration{2 * time.Minute}
	assert.ErrorContains(t, cfg.Validate(), "lock_ttl 2m0s is shorter than the longest attempt (3 anchors x 1m30s)")

	cfg.Execution.AnchorTimeout = duration{}
	assert.ErrorContains(t, cfg.Validate(), "requires execution.anchor_timeout > 0")
}

func TestActivePairs(t *testing.T) {
	cfg := Defaults()
	cfg.Markets.Pairs = []PairConfig{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Len(t, cfg.ActivePairs(), 3)

	cfg.Markets.Allow = []string{"c", "a"}
	got := cfg.ActivePairs()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestModes(t *testing.T) {
	cases := []struct {
		mode                   string
		wallet, trades, relays bool
	}{
		{"trade", true, true, false},
		{"monitor", false, true, false},
		{"relay", true, false, true},
		{"full", true, true, true},
		{"list-funding", false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			cfg := Config{Mode: tc.mode}
			assert.Equal(t, tc.wallet, cfg.NeedsWallet())
			assert.Equal(t, tc.trades, cfg.Trades())
			assert.Equal(t, tc.relays, cfg.Relays())
		})
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = walletKey
	cfg.Postgres.Password = "pg"
	cfg.S3.SecretKey = "s3"
	cfg.Markets.Allow = []string{"a"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.Wallet.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, walletKey, cfg.Wallet.PrivateKey, "original untouched")

	out.Markets.Allow[0] = "b"
	assert.Equal(t, "a", cfg.Markets.Allow[0])
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a,,b ,"))
	assert.Empty(t, SplitList(""))
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PERPARB_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PERPARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "PERPARB_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.WSURL, "PERPARB_LEDGER_WS_URL")
	setStr(&cfg.Ledger.Commitment, "PERPARB_LEDGER_COMMITMENT")
	setDuration(&cfg.Ledger.Timeout, "PERPARB_LEDGER_TIMEOUT")
	setInt(&cfg.Ledger.SendMaxRetries, "PERPARB_LEDGER_SEND_MAX_RETRIES")
	setStr(&cfg.Ledger.ProgramID, "PERPARB_LEDGER_PROGRAM_ID")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "PERPARB_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "PERPARB_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "PERPARB_WALLET_KEY_PASSWORD")

	// ── Markets ──
	setStringSlice(&cfg.Markets.Allow, "PERPARB_MARKETS_ALLOW")

	// ── Detector ──
	setDuration(&cfg.Detector.Interval, "PERPARB_DETECTOR_INTERVAL")
	setDuration(&cfg.Detector.StaleTimeout, "PERPARB_DETECTOR_STALE_TIMEOUT")

	// ── Risk ──
	setDecimal(&cfg.Risk.MaxNetExposure, "PERPARB_RISK_MAX_NET_EXPOSURE")
	setInt(&cfg.Risk.MaxConcurrent, "PERPARB_RISK_MAX_CONCURRENT")
	setDecimal(&cfg.Risk.MarginRatio, "PERPARB_RISK_MARGIN_RATIO")
	setBool(&cfg.Risk.DistributedLock, "PERPARB_RISK_DISTRIBUTED_LOCK")

	// ── Execution ──
	setInt(&cfg.Execution.MaxRetries, "PERPARB_EXECUTION_MAX_RETRIES")
	setDuration(&cfg.Execution.PollInterval, "PERPARB_EXECUTION_POLL_INTERVAL")
	setInt(&cfg.Execution.NetworkErrorLimit, "PERPARB_EXECUTION_NETWORK_ERROR_LIMIT")

	// ── Relayer ──
	setDuration(&cfg.Relayer.SnapshotInterval, "PERPARB_RELAYER_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Relayer.SendInterval, "PERPARB_RELAYER_SEND_INTERVAL")
	setInt(&cfg.Relayer.ChunkSize, "PERPARB_RELAYER_CHUNK_SIZE")
	setBool(&cfg.Relayer.EnsureAccounts, "PERPARB_RELAYER_ENSURE_ACCOUNTS")

	// ── Recorder / archive ──
	setBool(&cfg.Recorder.Enabled, "PERPARB_RECORDER_ENABLED")
	setStr(&cfg.Recorder.Prefix, "PERPARB_RECORDER_PREFIX")
	setBool(&cfg.Archive.Enabled, "PERPARB_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "PERPARB_ARCHIVE_CRON")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERPARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERPARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "PERPARB_REDIS_NAMESPACE")
	setInt(&cfg.Redis.RPCRateLimit, "PERPARB_REDIS_RPC_RATE_LIMIT")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "PERPARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "PERPARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PERPARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPARB_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PERPARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPARB_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPARB_MODE")
	setStr(&cfg.LogLevel, "PERPARB_LOG_LEVEL")
	setBool(&cfg.DryRun, "PERPARB_DRY_RUN")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		if cleaned := SplitList(v); len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}

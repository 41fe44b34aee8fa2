// Package config defines the top-level configuration for perparb and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPARB_* environment variables.
type Config struct {
	Ledger    LedgerConfig    `toml:"ledger"`
	Wallet    WalletConfig    `toml:"wallet"`
	Markets   MarketsConfig   `toml:"markets"`
	Detector  DetectorConfig  `toml:"detector"`
	Risk      RiskConfig      `toml:"risk"`
	Execution ExecutionConfig `toml:"execution"`
	Sync      SyncConfig      `toml:"sync"`
	Relayer   RelayerConfig   `toml:"relayer"`
	Recorder  RecorderConfig  `toml:"recorder"`
	Archive   ArchiveConfig   `toml:"archive"`
	Redis     RedisConfig     `toml:"redis"`
	Postgres  PostgresConfig  `toml:"postgres"`
	S3        S3Config        `toml:"s3"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	DryRun    bool            `toml:"dry_run"`
}

// LedgerConfig holds node endpoints and the settlement program.
type LedgerConfig struct {
	RPCURL         string   `toml:"rpc_url"`
	WSURL          string   `toml:"ws_url"`
	Commitment     string   `toml:"commitment"`
	Timeout        duration `toml:"timeout"`
	SendMaxRetries int      `toml:"send_max_retries"`
	ProgramID      string   `toml:"program_id"`
}

// WalletConfig holds the signing key source.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// MarketsConfig lists the traded pairs.
type MarketsConfig struct {
	// Allow restricts trading to these pair IDs when non-empty.
	Allow []string     `toml:"allow"`
	Pairs []PairConfig `toml:"pairs"`
}

// PairConfig is one [[markets.pairs]] entry.
type PairConfig struct {
	ID   string `toml:"id"`
	Kind string `toml:"kind"`

	Oracle          string `toml:"oracle"`
	MarketA         string `toml:"market_a"`
	MarketAProtocol string `toml:"market_a_protocol"`
	MarketB         string `toml:"market_b"`
	MarketBProtocol string `toml:"market_b_protocol"`
	FundingA        string `toml:"funding_a"`
	FundingB        string `toml:"funding_b"`

	FeeSlippage    decimal.Decimal `toml:"fee_slippage"`
	MinEdge        decimal.Decimal `toml:"min_edge"`
	Size           decimal.Decimal `toml:"size"`
	ValidityWindow uint64          `toml:"validity_window"`
	MaxOracleLag   uint64          `toml:"max_oracle_lag"`
}

// MarketPair converts the entry to its domain form.
func (p PairConfig) MarketPair() domain.MarketPair {
	return domain.MarketPair{
		ID:             p.ID,
		Kind:           domain.PairKind(p.Kind),
		Oracle:         domain.AccountID(p.Oracle),
		MarketA:        domain.AccountID(p.MarketA),
		MarketB:        domain.AccountID(p.MarketB),
		FundingA:       domain.AccountID(p.FundingA),
		FundingB:       domain.AccountID(p.FundingB),
		FeeSlippage:    p.FeeSlippage,
		MinEdge:        p.MinEdge,
		Size:           p.Size,
		ValidityWindow: p.ValidityWindow,
		MaxOracleLag:   p.MaxOracleLag,
	}
}

// Protocols maps each account the pair reads to its byte layout.
func (p PairConfig) Protocols() map[domain.AccountID]domain.Protocol {
	out := map[domain.AccountID]domain.Protocol{}
	set := func(id string, proto domain.Protocol) {
		if id != "" {
			out[domain.AccountID(id)] = proto
		}
	}
	set(p.Oracle, domain.ProtocolOracle)
	set(p.MarketA, domain.Protocol(p.MarketAProtocol))
	set(p.MarketB, domain.Protocol(p.MarketBProtocol))
	set(p.FundingA, domain.ProtocolFunding)
	set(p.FundingB, domain.ProtocolFunding)
	return out
}

// DetectorConfig holds detection loop parameters.
type DetectorConfig struct {
	Interval     duration `toml:"interval"`
	StaleTimeout duration `toml:"stale_timeout"`
}

// RiskConfig holds admission limits.
type RiskConfig struct {
	MaxNetExposure  decimal.Decimal `toml:"max_net_exposure"`
	MaxConcurrent   int             `toml:"max_concurrent"`
	MarginRatio     decimal.Decimal `toml:"margin_ratio"`
	DistributedLock bool            `toml:"distributed_lock"`
	LockTTL         duration        `toml:"lock_ttl"`
}

// ExecutionConfig holds attempt state machine parameters.
type ExecutionConfig struct {
	MaxRetries        int      `toml:"max_retries"`
	PollInterval      duration `toml:"poll_interval"`
	NetworkErrorLimit int      `toml:"network_error_limit"`
	NetworkBackoff    duration `toml:"network_backoff"`
	AnchorTimeout     duration `toml:"anchor_timeout"`
}

// SyncConfig holds cache synchronization parameters.
type SyncConfig struct {
	RefreshInterval  duration `toml:"refresh_interval"`
	ReconnectMin     duration `toml:"reconnect_min"`
	ReconnectMax     duration `toml:"reconnect_max"`
	ResyncBackoffMin duration `toml:"resync_backoff_min"`
	ResyncBackoffMax duration `toml:"resync_backoff_max"`
	BatchSize        int      `toml:"batch_size"`
	// StreamGroupSize caps accounts per websocket connection.
	StreamGroupSize int `toml:"stream_group_size"`
}

// RelayerConfig holds funding relayer parameters.
type RelayerConfig struct {
	SnapshotInterval duration              `toml:"snapshot_interval"`
	SendInterval     duration              `toml:"send_interval"`
	ChunkSize        int                   `toml:"chunk_size"`
	EnsureAccounts   bool                  `toml:"ensure_accounts"`
	Init             FundingInitConfig     `toml:"init"`
	Targets          []FundingTargetConfig `toml:"targets"`
}

// FundingInitConfig is written into funding accounts the relayer creates.
type FundingInitConfig struct {
	UpdateFrequencySecs    uint64 `toml:"update_frequency_secs"`
	StalenessThresholdSecs uint64 `toml:"staleness_threshold_secs"`
	PeriodLength           uint32 `toml:"period_length"`
	DataPointsCount        uint16 `toml:"data_points_count"`
}

// FundingConfig converts to the domain form.
func (f FundingInitConfig) FundingConfig() domain.FundingConfig {
	return domain.FundingConfig{
		UpdateFrequencySecs:    f.UpdateFrequencySecs,
		StalenessThresholdSecs: f.StalenessThresholdSecs,
		PeriodLength:           f.PeriodLength,
		DataPointsCount:        f.DataPointsCount,
	}
}

// FundingTargetConfig is one [[relayer.targets]] entry.
type FundingTargetConfig struct {
	ID          uint16 `toml:"id"`
	Exchange    string `toml:"exchange"`
	MarketIndex uint16 `toml:"market_index"`
	// Market is the perp market account sampled for the funding rate.
	Market string `toml:"market"`
}

// ExchangeValue parses Exchange.
func (t FundingTargetConfig) ExchangeValue() (domain.Exchange, error) {
	switch domain.Protocol(t.Exchange) {
	case domain.ProtocolPerpA:
		return domain.ExchangePerpA, nil
	case domain.ProtocolPerpB:
		return domain.ExchangePerpB, nil
	}
	return 0, fmt.Errorf("unknown exchange %q (valid: perp_a, perp_b)", t.Exchange)
}

// MarketProtocol is the layout of the sampled market account.
func (t FundingTargetConfig) MarketProtocol() domain.Protocol {
	return domain.Protocol(t.Exchange)
}

// RecorderConfig controls cycle recording to S3.
type RecorderConfig struct {
	Enabled   bool     `toml:"enabled"`
	Prefix    string   `toml:"prefix"`
	MaxFrames int      `toml:"max_frames"`
	MaxAge    duration `toml:"max_age"`
	QueueSize int      `toml:"queue_size"`
}

// ArchiveConfig controls periodic export of terminal attempts to S3.
type ArchiveConfig struct {
	Enabled bool `toml:"enabled"`
	// Cron is a 5-field schedule evaluated in UTC.
	Cron      string   `toml:"cron"`
	Retention duration `toml:"retention"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
	// RPCRateLimit shares a request budget across processes. Zero disables.
	RPCRateLimit  int      `toml:"rpc_rate_limit"`
	RPCRateWindow duration `toml:"rpc_rate_window"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:     "http://localhost:8899",
			WSURL:      "ws://localhost:8900",
			Commitment: "confirmed",
			Timeout:    duration{30 * time.Second},
		},
		Detector: DetectorConfig{
			Interval:     duration{time.Second},
			StaleTimeout: duration{30 * time.Second},
		},
		Risk: RiskConfig{
			MaxConcurrent: 4,
			MarginRatio:   decimal.RequireFromString("0.1"),
			LockTTL:       duration{5 * time.Minute},
		},
		Execution: ExecutionConfig{
			MaxRetries:        2,
			PollInterval:      duration{2 * time.Second},
			NetworkErrorLimit: 5,
			NetworkBackoff:    duration{500 * time.Millisecond},
			AnchorTimeout:     duration{90 * time.Second},
		},
		Sync: SyncConfig{
			RefreshInterval:  duration{time.Minute},
			ReconnectMin:     duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
			ResyncBackoffMin: duration{500 * time.Millisecond},
			ResyncBackoffMax: duration{15 * time.Second},
			BatchSize:        100,
			StreamGroupSize:  50,
		},
		Relayer: RelayerConfig{
			SnapshotInterval: duration{30 * time.Second},
			SendInterval:     duration{10 * time.Second},
			ChunkSize:        10,
			EnsureAccounts:   true,
			Init: FundingInitConfig{
				UpdateFrequencySecs:    120,
				StalenessThresholdSecs: 600,
				PeriodLength:           5,
				DataPointsCount:        30,
			},
		},
		Recorder: RecorderConfig{
			Prefix:    "recordings",
			MaxFrames: 500,
			MaxAge:    duration{10 * time.Minute},
			QueueSize: 4,
		},
		Archive: ArchiveConfig{
			Cron:      "0 3 * * *",
			Retention: duration{7 * 24 * time.Hour},
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			Namespace:     "perparb",
			PoolSize:      20,
			MaxRetries:    3,
			RPCRateWindow: duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perparb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perparb-data",
			ForcePathStyle: true,
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":        true,
	"monitor":      true,
	"relay":        true,
	"full":         true,
	"list-funding": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validCommitments = map[string]bool{
	"processed": true,
	"confirmed": true,
	"finalized": true,
}

// NeedsWallet reports whether the mode signs transactions.
func (c *Config) NeedsWallet() bool {
	switch c.Mode {
	case "trade", "relay", "full":
		return true
	}
	return false
}

// Trades reports whether the mode runs detection.
func (c *Config) Trades() bool {
	return c.Mode == "trade" || c.Mode == "monitor" || c.Mode == "full"
}

// Relays reports whether the mode runs the funding relayer.
func (c *Config) Relays() bool {
	return c.Mode == "relay" || c.Mode == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. The error wraps
// domain.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, relay, full, list-funding)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Ledger
	if c.Ledger.RPCURL == "" {
		errs = append(errs, "ledger: rpc_url must not be empty")
	}
	if c.Mode != "list-funding" && c.Ledger.WSURL == "" {
		errs = append(errs, "ledger: ws_url must not be empty")
	}
	if !validCommitments[c.Ledger.Commitment] {
		errs = append(errs, fmt.Sprintf("ledger: unknown commitment %q (valid: processed, confirmed, finalized)", c.Ledger.Commitment))
	}
	if c.NeedsWallet() || c.Mode == "list-funding" {
		if _, err := domain.ParsePublicKey(c.Ledger.ProgramID); err != nil {
			errs = append(errs, fmt.Sprintf("ledger: program_id: %v", err))
		}
	}

	// Wallet
	if c.NeedsWallet() && !c.DryRun {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Markets
	if c.Trades() {
		if len(c.Markets.Pairs) == 0 {
			errs = append(errs, "markets: at least one pair is required for mode "+c.Mode)
		}
		errs = append(errs, c.validatePairs()...)
	}

	// Risk and execution
	if c.Risk.MaxNetExposure.IsNegative() {
		errs = append(errs, "risk: max_net_exposure must be >= 0")
	}
	if c.Risk.MaxConcurrent < 0 {
		errs = append(errs, "risk: max_concurrent must be >= 0")
	}
	if c.Risk.DistributedLock && !c.Redis.Enabled {
		errs = append(errs, "risk: distributed_lock requires redis.enabled")
	}
	if c.Risk.DistributedLock {
		// The lease is never renewed, so it must cover every anchor an
		// attempt may use.
		longest := time.Duration(c.Execution.MaxRetries+1) * c.Execution.AnchorTimeout.Duration
		switch {
		case c.Execution.AnchorTimeout.Duration <= 0:
			errs = append(errs, "risk: distributed_lock requires execution.anchor_timeout > 0")
		case c.Risk.LockTTL.Duration < longest:
			errs = append(errs, fmt.Sprintf("risk: lock_ttl %s is shorter than the longest attempt (%d anchors x %s)",
				c.Risk.LockTTL.Duration, c.Execution.MaxRetries+1, c.Execution.AnchorTimeout.Duration))
		}
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution: max_retries must be >= 0")
	}
	if c.Execution.PollInterval.Duration <= 0 {
		errs = append(errs, "execution: poll_interval must be > 0")
	}

	// Relayer
	if c.Relays() {
		if len(c.Relayer.Targets) == 0 {
			errs = append(errs, "relayer: at least one target is required for mode "+c.Mode)
		}
		if c.Relayer.SnapshotInterval.Duration < time.Second {
			errs = append(errs, "relayer: snapshot_interval must be >= 1s")
		}
		if c.Relayer.ChunkSize < 1 {
			errs = append(errs, "relayer: chunk_size must be >= 1")
		}
	}
	if c.Relays() || c.Mode == "list-funding" {
		for i, t := range c.Relayer.Targets {
			if _, err := t.ExchangeValue(); err != nil {
				errs = append(errs, fmt.Sprintf("relayer: targets[%d]: %v", i, err))
			}
			if _, err := domain.ParsePublicKey(t.Market); err != nil && c.Relays() {
				errs = append(errs, fmt.Sprintf("relayer: targets[%d]: market: %v", i, err))
			}
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.RPCRateLimit < 0 {
			errs = append(errs, "redis: rpc_rate_limit must be >= 0")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// S3
	if c.Recorder.Enabled || c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if n := len(strings.Fields(c.Archive.Cron)); n != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron must have 5 fields, got %d", n))
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validatePairs() []string {
	var errs []string
	seen := map[string]bool{}
	for i, p := range c.Markets.Pairs {
		where := fmt.Sprintf("markets: pairs[%d] (%s)", i, p.ID)
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("markets: pairs[%d]: id must not be empty", i))
		} else if seen[p.ID] {
			errs = append(errs, where+": duplicate id")
		}
		seen[p.ID] = true

		for id, proto := range p.Protocols() {
			if _, err := domain.ParsePublicKey(string(id)); err != nil {
				errs = append(errs, fmt.Sprintf("%s: account %s: %v", where, id, err))
			}
			if !proto.Valid() {
				errs = append(errs, fmt.Sprintf("%s: account %s: unknown protocol %q", where, id, proto))
			}
		}
		if !p.Size.IsPositive() {
			errs = append(errs, where+": size must be > 0")
		}
	}
	for _, id := range c.Markets.Allow {
		if !seen[id] {
			errs = append(errs, fmt.Sprintf("markets: allow names unknown pair %q", id))
		}
	}
	return errs
}

// ActivePairs returns the configured pairs filtered by Markets.Allow.
func (c *Config) ActivePairs() []domain.MarketPair {
	allow := map[string]bool{}
	for _, id := range c.Markets.Allow {
		allow[id] = true
	}
	var out []domain.MarketPair
	for _, p := range c.Markets.Pairs {
		if len(allow) > 0 && !allow[p.ID] {
			continue
		}
		out = append(out, p.MarketPair())
	}
	return out
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/perparb/internal/adapter"
	s3blob "github.com/alanyoungcy/perparb/internal/blob/s3"
	"github.com/alanyoungcy/perparb/internal/cache/redis"
	"github.com/alanyoungcy/perparb/internal/config"
	"github.com/alanyoungcy/perparb/internal/crypto"
	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/ledger"
	"github.com/alanyoungcy/perparb/internal/relayer"
	"github.com/alanyoungcy/perparb/internal/store/postgres"
)

// Dependencies bundles everything the run modes need. It is constructed by
// Wire and torn down by the returned cleanup function. Optional backends
// are nil when disabled.
type Dependencies struct {
	// Ledger
	RPC      *ledger.RPCClient
	Streamer *ledger.Streamer

	// Tracked accounts and their layouts.
	Registry *adapter.Registry
	Pairs    []domain.MarketPair
	Targets  []relayer.Target

	ProgramID domain.PublicKey
	Signer    *crypto.Signer

	// Stores
	AttemptStore  domain.AttemptStore
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Redis
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Blob     *s3blob.Client
	Archiver domain.Archiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		RPC: ledger.NewRPCClient(ledger.RPCConfig{
			Endpoint:       cfg.Ledger.RPCURL,
			Commitment:     cfg.Ledger.Commitment,
			Timeout:        cfg.Ledger.Timeout.Duration,
			SendMaxRetries: cfg.Ledger.SendMaxRetries,
		}),
		Streamer: ledger.NewStreamer(cfg.Ledger.WSURL, cfg.Ledger.Commitment, logger),
		Registry: adapter.NewRegistry(),
		Pairs:    cfg.ActivePairs(),
	}

	if cfg.Ledger.ProgramID != "" {
		pid, err := domain.ParsePublicKey(cfg.Ledger.ProgramID)
		if err != nil {
			return fail(fmt.Errorf("wire: %w: program_id: %v", domain.ErrConfiguration, err))
		}
		deps.ProgramID = pid
	}

	// --- Tracked accounts ---
	if cfg.Trades() {
		for _, p := range cfg.Markets.Pairs {
			if !containsPair(deps.Pairs, p.ID) {
				continue
			}
			for id, proto := range p.Protocols() {
				if err := deps.Registry.Track(id, proto); err != nil {
					return fail(fmt.Errorf("wire: pair %s: %w", p.ID, err))
				}
			}
		}
	}
	if cfg.Relays() || cfg.Mode == "list-funding" {
		for _, tc := range cfg.Relayer.Targets {
			exchange, err := tc.ExchangeValue()
			if err != nil {
				return fail(fmt.Errorf("wire: %w: %v", domain.ErrConfiguration, err))
			}
			t, err := relayer.ResolveTarget(deps.ProgramID, tc.ID, exchange, tc.MarketIndex, domain.AccountID(tc.Market))
			if err != nil {
				return fail(err)
			}
			deps.Targets = append(deps.Targets, t)
			if cfg.Relays() {
				if err := deps.Registry.Track(t.Market, tc.MarketProtocol()); err != nil {
					return fail(fmt.Errorf("wire: funding target %s: %w", t.Address, err))
				}
			}
		}
	}

	// --- Signing key ---
	if cfg.NeedsWallet() {
		signer, err := loadSigner(cfg, logger)
		if err != nil {
			return fail(err)
		}
		deps.Signer = signer
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.Info("postgres migrations applied", slog.Any("files", applied))
			}
		}

		pool := pgClient.Pool()
		deps.AttemptStore = postgres.NewAttemptStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		if cfg.Redis.RPCRateLimit > 0 {
			deps.RPC.SetLimiter(redis.NewRateLimiter(redisClient, "rpc", cfg.Redis.RPCRateLimit, cfg.Redis.RPCRateWindow.Duration))
		}
	}

	// --- S3 blob storage ---
	if cfg.Recorder.Enabled || cfg.Archive.Enabled {
		s3Client, err := newS3(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
		deps.Blob = s3Client

		if deps.AttemptStore != nil {
			deps.Archiver = s3blob.NewArchiver(s3Client, deps.AttemptStore, deps.AuditStore)
		}
	}

	logger.Info("dependencies wired",
		slog.Int("tracked_accounts", deps.Registry.Len()),
		slog.Int("pairs", len(deps.Pairs)),
		slog.Int("funding_targets", len(deps.Targets)),
		slog.Bool("postgres", deps.AttemptStore != nil),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.Blob != nil),
	)
	return deps, cleanup, nil
}

func newS3(ctx context.Context, cfg *config.Config) (*s3blob.Client, error) {
	c, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: s3: %w", err)
	}
	return c, nil
}

// loadSigner resolves the wallet. A dry run without a configured key signs
// with a throwaway key, since nothing is ever submitted.
func loadSigner(cfg *config.Config, logger *slog.Logger) (*crypto.Signer, error) {
	if cfg.DryRun && cfg.Wallet.PrivateKey == "" && cfg.Wallet.EncryptedKeyPath == "" {
		s, _, err := crypto.GenerateSigner()
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		logger.Warn("dry run without a wallet; using an ephemeral key", slog.String("address", s.Address()))
		return s, nil
	}
	seed, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: %w: wallet: %v", domain.ErrConfiguration, err)
	}
	s, err := crypto.NewSigner(seed)
	if err != nil {
		return nil, fmt.Errorf("wire: %w: wallet: %v", domain.ErrConfiguration, err)
	}
	logger.Info("wallet loaded", slog.String("address", s.Address()))
	return s, nil
}

func containsPair(pairs []domain.MarketPair, id string) bool {
	for _, p := range pairs {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Package relayer feeds perp funding rates into settlement-program funding
// accounts. It samples each tracked market's funding rate from the market
// state cache, averages a window of samples and, once a funding account's
// update frequency has elapsed, sends UpdateFundingData for it.
package relayer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perparb/internal/adapter"
	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/executor"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/settlement"
)

// Target is one funding account and the perp market it tracks.
type Target struct {
	Address     domain.AccountID
	Market      domain.AccountID
	ID          uint16
	Exchange    domain.Exchange
	MarketIndex uint16
}

// ResolveTarget derives the funding account address for a market.
func ResolveTarget(programID domain.PublicKey, id uint16, exchange domain.Exchange, marketIndex uint16, market domain.AccountID) (Target, error) {
	addr, _, err := settlement.FundingAccountAddress(programID, id, marketIndex, exchange)
	if err != nil {
		return Target{}, fmt.Errorf("relayer: derive funding account for %s %d: %w", exchange, marketIndex, err)
	}
	return Target{
		Address:     addr.AccountID(),
		Market:      market,
		ID:          id,
		Exchange:    exchange,
		MarketIndex: marketIndex,
	}, nil
}

// TxSigner signs settlement instructions. *settlement.Builder satisfies it.
type TxSigner interface {
	ProgramID() domain.PublicKey
	Authority() domain.PublicKey
	Sign(instrs []settlement.Instruction, anchor domain.Anchor) ([]byte, error)
}

// Sender runs a transaction to a terminal state. *executor.Engine
// satisfies it.
type Sender interface {
	SendAndConfirm(ctx context.Context, label string, build executor.BuildFunc) domain.ExecutionAttempt
}

// SnapshotSource yields cache snapshots.
type SnapshotSource interface {
	Snapshot() *marketstate.Snapshot
}

// Config tunes the relayer.
type Config struct {
	// SnapshotInterval is the funding-rate sampling period.
	SnapshotInterval time.Duration
	// SendInterval is how often due accounts are checked and relayed.
	SendInterval time.Duration
	// ChunkSize bounds instructions per transaction.
	ChunkSize int
	// InitConfig is written into funding accounts created by EnsureAccounts.
	InitConfig domain.FundingConfig
}

func (c Config) withDefaults() Config {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 10 * time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.InitConfig.UpdateFrequencySecs == 0 {
		c.InitConfig = domain.FundingConfig{
			UpdateFrequencySecs:    120,
			StalenessThresholdSecs: 600,
			PeriodLength:           5,
			DataPointsCount:        30,
		}
	}
	return c
}

type entry struct {
	target    Target
	frequency time.Duration
	period    uint32
	ema       *int64
	window    *Window
	lastSent  time.Time
}

// Relayer owns the per-account sample windows.
type Relayer struct {
	cfg     Config
	targets []Target
	fetcher domain.AccountFetcher
	source  SnapshotSource
	signer  TxSigner
	sender  Sender
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries []*entry
}

// New creates a Relayer for targets.
func New(cfg Config, targets []Target, fetcher domain.AccountFetcher, source SnapshotSource, signer TxSigner, sender Sender, logger *slog.Logger) *Relayer {
	return &Relayer{
		cfg:     cfg.withDefaults(),
		targets: targets,
		fetcher: fetcher,
		source:  source,
		signer:  signer,
		sender:  sender,
		logger:  logger.With(slog.String("component", "relayer")),
		now:     time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (r *Relayer) SetClock(now func() time.Time) { r.now = now }

// EnsureAccounts creates every target funding account that does not exist
// yet. It returns the number created.
func (r *Relayer) EnsureAccounts(ctx context.Context) (int, error) {
	infos, err := r.fetch(ctx)
	if err != nil {
		return 0, err
	}
	var missing []settlement.Instruction
	for i, info := range infos {
		if info.Exists && len(info.Data) > 0 {
			continue
		}
		t := r.targets[i]
		addr, err := t.Address.PublicKey()
		if err != nil {
			return 0, fmt.Errorf("relayer: %w: funding address %s: %v", domain.ErrConfiguration, t.Address, err)
		}
		r.logger.Info("initializing funding account",
			slog.String("account", string(t.Address)),
			slog.String("exchange", t.Exchange.String()),
			slog.Int("market_index", int(t.MarketIndex)),
		)
		missing = append(missing, settlement.InitializeFundingAccount(
			r.signer.ProgramID(), r.signer.Authority(), addr,
			t.ID, t.Exchange, t.MarketIndex, r.cfg.InitConfig,
		))
	}
	for start := 0; start < len(missing); start += r.cfg.ChunkSize {
		chunk := missing[start:min(start+r.cfg.ChunkSize, len(missing))]
		if err := r.send(ctx, "funding:init", chunk); err != nil {
			return start, err
		}
	}
	return len(missing), nil
}

// Load reads every target funding account and sizes its sample window from
// the account's update frequency. A target whose account is missing or
// undecodable is a configuration error.
func (r *Relayer) Load(ctx context.Context) error {
	infos, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	now := r.now()
	interval := uint64(r.cfg.SnapshotInterval / time.Second)
	if interval == 0 {
		interval = 1
	}
	entries := make([]*entry, 0, len(infos))
	for i, info := range infos {
		t := r.targets[i]
		if !info.Exists {
			return fmt.Errorf("relayer: %w: funding account %s does not exist", domain.ErrConfiguration, t.Address)
		}
		v, err := adapter.DecodeAs(domain.ProtocolFunding, info.Data)
		if err != nil {
			return fmt.Errorf("relayer: load %s: %w", t.Address, err)
		}
		st := v.(domain.FundingAccountState)
		e := &entry{
			target:    t,
			frequency: time.Duration(st.Config.UpdateFrequencySecs) * time.Second,
			period:    st.Config.PeriodLength,
			ema:       st.EMARaw,
			window:    NewWindow(int(st.Config.UpdateFrequencySecs / interval)),
			lastSent:  now,
		}
		entries = append(entries, e)
		r.logger.Info("tracking funding account",
			slog.String("account", string(t.Address)),
			slog.String("market", string(t.Market)),
			slog.Int("window", e.window.Size()),
			slog.Uint64("update_frequency_secs", st.Config.UpdateFrequencySecs),
		)
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

func (r *Relayer) fetch(ctx context.Context) ([]domain.AccountInfo, error) {
	ids := make([]domain.AccountID, len(r.targets))
	for i, t := range r.targets {
		ids[i] = t.Address
	}
	infos, err := r.fetcher.GetMultipleAccounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("relayer: fetch funding accounts: %w", err)
	}
	if len(infos) != len(ids) {
		return nil, fmt.Errorf("relayer: fetch funding accounts: got %d results for %d accounts", len(infos), len(ids))
	}
	return infos, nil
}

// Sample pushes the current funding rate of every tracked market into its
// window. Markets unavailable in the snapshot are skipped. It returns the
// number of samples taken.
func (r *Relayer) Sample(snap *marketstate.Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		m, err := marketstate.Decoded[domain.PerpMarketState](snap, e.target.Market)
		if err != nil {
			r.logger.Warn("skip funding sample",
				slog.String("market", string(e.target.Market)),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.window.Push(m.FundingRateRaw)
		n++
	}
	r.logger.Debug("funding snapshot taken", slog.Int("sampled", n))
	return n
}

type update struct {
	entry   *entry
	average int64
}

// due returns every entry whose update frequency has elapsed and whose
// window is full.
func (r *Relayer) due(now time.Time) []update {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []update
	for _, e := range r.entries {
		if now.Sub(e.lastSent) < e.frequency {
			continue
		}
		avg, ok := e.window.Average()
		if !ok {
			continue
		}
		out = append(out, update{entry: e, average: avg})
	}
	return out
}

// RelayOnce sends UpdateFundingData for every due account, in chunks. A
// chunk that fails is logged and retried on a later call. It returns the
// number of accounts updated.
func (r *Relayer) RelayOnce(ctx context.Context) (int, error) {
	pending := r.due(r.now())
	updated := 0
	for start := 0; start < len(pending); start += r.cfg.ChunkSize {
		// Sends already broadcast run to completion; new ones do not start
		// after shutdown.
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		chunk := pending[start:min(start+r.cfg.ChunkSize, len(pending))]
		instrs := make([]settlement.Instruction, 0, len(chunk))
		for _, u := range chunk {
			addr, err := u.entry.target.Address.PublicKey()
			if err != nil {
				return updated, fmt.Errorf("relayer: %w: funding address %s: %v", domain.ErrConfiguration, u.entry.target.Address, err)
			}
			r.logger.Info("relaying funding rate",
				slog.String("exchange", u.entry.target.Exchange.String()),
				slog.Int("market_index", int(u.entry.target.MarketIndex)),
				slog.Int64("data_point", u.average),
			)
			instrs = append(instrs, settlement.UpdateFundingData(r.signer.ProgramID(), r.signer.Authority(), addr, u.average))
		}

		if err := r.send(ctx, "funding:update", instrs); err != nil {
			if ctx.Err() != nil {
				return updated, ctx.Err()
			}
			r.logger.Warn("funding update chunk failed", slog.Int("accounts", len(chunk)), slog.String("error", err.Error()))
			continue
		}

		now := r.now()
		r.mu.Lock()
		for _, u := range chunk {
			e := u.entry
			e.lastSent = now
			next := adapter.NextEMA(e.ema, u.average, e.period)
			e.ema = &next
			r.logger.Debug("funding ema advanced",
				slog.String("account", string(e.target.Address)),
				slog.Int64("ema", next),
			)
		}
		r.mu.Unlock()
		updated += len(chunk)
	}
	return updated, nil
}

func (r *Relayer) send(ctx context.Context, label string, instrs []settlement.Instruction) error {
	a := r.sender.SendAndConfirm(ctx, label, func(_ domain.ExecutionAttempt, anchor domain.Anchor) ([]byte, error) {
		return r.signer.Sign(instrs, anchor)
	})
	if a.State != domain.AttemptConfirmed {
		return fmt.Errorf("relayer: %s attempt %s ended %s: %s", label, a.ID, a.State, a.FailureReason)
	}
	r.logger.Info("funding transaction confirmed",
		slog.String("label", label),
		slog.String("handle", a.LastHandle),
		slog.Int("instructions", len(instrs)),
	)
	return nil
}

// Run loads the funding accounts, then samples and relays on their
// intervals until ctx is done.
func (r *Relayer) Run(ctx context.Context) error {
	if err := r.Load(ctx); err != nil {
		return err
	}
	sample := time.NewTicker(r.cfg.SnapshotInterval)
	defer sample.Stop()
	relay := time.NewTicker(r.cfg.SendInterval)
	defer relay.Stop()

	r.Sample(r.source.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sample.C:
			r.Sample(r.source.Snapshot())
		case <-relay.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				return err
			}
		}
	}
}

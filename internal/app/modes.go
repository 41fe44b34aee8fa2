package app

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/perparb/internal/adapter"
	"github.com/alanyoungcy/perparb/internal/arbitrage"
	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/executor"
	"github.com/alanyoungcy/perparb/internal/marketstate"
	"github.com/alanyoungcy/perparb/internal/pipeline"
	"github.com/alanyoungcy/perparb/internal/recorder"
	"github.com/alanyoungcy/perparb/internal/relayer"
	"github.com/alanyoungcy/perparb/internal/risk"
	"github.com/alanyoungcy/perparb/internal/settlement"
)

// TradeMode syncs market state, detects opportunities and executes them.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, tasks{detect: true, dispatch: true})
}

// MonitorMode syncs market state and detects opportunities without
// admitting any of them.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, tasks{detect: true})
}

// RelayMode syncs the tracked perp markets and relays their funding rates.
func (a *App) RelayMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, tasks{relay: true})
}

// FullMode is TradeMode plus RelayMode over one shared cache and engine.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, tasks{detect: true, dispatch: true, relay: true})
}

type tasks struct {
	detect   bool
	dispatch bool
	relay    bool
}

func (a *App) run(ctx context.Context, deps *Dependencies, t tasks) error {
	cache, syncer, err := a.startSync(ctx, deps)
	if err != nil {
		return err
	}
	a.audit(ctx, deps, "engine.start", map[string]any{
		"mode":     a.cfg.Mode,
		"dry_run":  a.cfg.DryRun,
		"pairs":    len(deps.Pairs),
		"targets":  len(deps.Targets),
		"accounts": deps.Registry.Len(),
	})

	var (
		engine  *executor.Engine
		builder *settlement.Builder
	)
	if t.dispatch || t.relay {
		engine, builder, err = a.buildEngine(ctx, deps, cache)
		if err != nil {
			return err
		}
		defer engine.Wait()
	}

	var rel *relayer.Relayer
	if t.relay {
		rel = relayer.New(relayer.Config{
			SnapshotInterval: a.cfg.Relayer.SnapshotInterval.Duration,
			SendInterval:     a.cfg.Relayer.SendInterval.Duration,
			ChunkSize:        a.cfg.Relayer.ChunkSize,
			InitConfig:       a.cfg.Relayer.Init.FundingConfig(),
		}, deps.Targets, deps.RPC, cache, builder, engine, a.logger)

		if a.cfg.Relayer.EnsureAccounts && !a.cfg.DryRun {
			n, err := rel.EnsureAccounts(ctx)
			if err != nil {
				return fmt.Errorf("app: initialize funding accounts: %w", err)
			}
			a.logger.InfoContext(ctx, "funding accounts checked", slog.Int("initialized", n))
			if n > 0 {
				a.audit(ctx, deps, "funding.initialized", map[string]any{"count": n})
			}
		}
	}

	var (
		runner *arbitrage.Runner
		rec    *recorder.Recorder
	)
	if t.detect {
		detector, err := arbitrage.NewDetector(arbitrage.DefaultRegistry(), deps.Pairs, a.logger)
		if err != nil {
			return fmt.Errorf("app: detector: %w", err)
		}
		runner = arbitrage.NewRunner(cache, detector, arbitrage.RunnerConfig{
			Interval:     a.cfg.Detector.Interval.Duration,
			StaleTimeout: a.cfg.Detector.StaleTimeout.Duration,
		}, a.logger)
		runner.SetResyncRequester(syncer)
		if deps.SignalBus != nil {
			runner.SetSignalBus(deps.SignalBus)
		}
		if t.dispatch {
			runner.SetDispatcher(engine)
		}
		if a.cfg.Recorder.Enabled && deps.Blob != nil {
			rec = recorder.New(deps.Blob, recorder.Config{
				Prefix:    a.cfg.Recorder.Prefix,
				MaxFrames: a.cfg.Recorder.MaxFrames,
				MaxAge:    a.cfg.Recorder.MaxAge.Duration,
				QueueSize: a.cfg.Recorder.QueueSize,
			}, a.logger)
			runner.SetRecorder(rec)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return syncer.Run(ctx) })
	if runner != nil {
		g.Go(func() error { return runner.Run(ctx) })
	}
	if rec != nil {
		g.Go(func() error { return rec.Run(ctx) })
	}
	if rel != nil {
		g.Go(func() error { return rel.Run(ctx) })
	}

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		job := pipeline.NewArchiveJob(deps.Archiver, a.cfg.Archive.Retention.Duration, a.logger)
		g.Go(func() error { return job.RunCron(ctx, a.cfg.Archive.Cron) })
	}

	return g.Wait()
}

// startSync builds the cache and syncer and performs the first full fetch.
// Startup fails when none of the tracked accounts can be resolved.
func (a *App) startSync(ctx context.Context, deps *Dependencies) (*marketstate.Cache, *marketstate.Syncer, error) {
	accounts := deps.Registry.Accounts()
	if len(accounts) == 0 {
		return nil, nil, fmt.Errorf("app: %w: no accounts to track", domain.ErrConfiguration)
	}

	cache := marketstate.NewCache(deps.Registry, a.logger)
	syncer := marketstate.NewSyncer(cache, deps.RPC, deps.Streamer, groupAccounts(accounts, a.cfg.Sync.StreamGroupSize), marketstate.SyncConfig{
		RefreshInterval:  a.cfg.Sync.RefreshInterval.Duration,
		ReconnectMin:     a.cfg.Sync.ReconnectMin.Duration,
		ReconnectMax:     a.cfg.Sync.ReconnectMax.Duration,
		ResyncBackoffMin: a.cfg.Sync.ResyncBackoffMin.Duration,
		ResyncBackoffMax: a.cfg.Sync.ResyncBackoffMax.Duration,
		BatchSize:        a.cfg.Sync.BatchSize,
	}, a.logger)

	res, err := syncer.Resync(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("app: initial resync: %w", err)
	}
	for _, id := range res.Missing {
		a.logger.WarnContext(ctx, "tracked account does not exist", slog.String("account", string(id)))
	}
	if res.Accepted == 0 {
		return nil, nil, fmt.Errorf("app: %w: none of %d tracked accounts could be resolved", domain.ErrConfiguration, len(accounts))
	}
	a.logger.InfoContext(ctx, "initial resync complete",
		slog.Int("accounts", len(accounts)),
		slog.Int("accepted", res.Accepted),
		slog.Int("missing", len(res.Missing)),
		slog.Int("decode_errors", res.DecodeErrors),
	)
	return cache, syncer, nil
}

// buildEngine assembles the settlement builder, risk manager and execution
// engine. Positions are restored from Postgres when it is configured.
func (a *App) buildEngine(ctx context.Context, deps *Dependencies, cache *marketstate.Cache) (*executor.Engine, *settlement.Builder, error) {
	builder := settlement.NewBuilder(deps.ProgramID, deps.Signer, deps.Pairs)

	riskMgr := risk.NewManager(risk.Config{
		MaxNetExposure: a.cfg.Risk.MaxNetExposure,
		MaxConcurrent:  a.cfg.Risk.MaxConcurrent,
		LockTTL:        a.cfg.Risk.LockTTL.Duration,
		MarginRatio:    a.cfg.Risk.MarginRatio,
	}, a.logger)
	if a.cfg.Risk.DistributedLock && deps.LockManager != nil {
		riskMgr.SetLockManager(deps.LockManager)
	}
	if deps.PositionStore != nil {
		positions, err := deps.PositionStore.List(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("app: restore positions: %w", err)
		}
		riskMgr.Restore(positions)
		riskMgr.SetPositionStore(deps.PositionStore)
		a.logger.InfoContext(ctx, "positions restored", slog.Int("count", len(positions)))
	}

	engine := executor.NewEngine(deps.RPC, builder, riskMgr, cache, executor.Config{
		MaxRetries:        a.cfg.Execution.MaxRetries,
		PollInterval:      a.cfg.Execution.PollInterval.Duration,
		NetworkErrorLimit: a.cfg.Execution.NetworkErrorLimit,
		NetworkBackoff:    a.cfg.Execution.NetworkBackoff.Duration,
		AnchorTimeout:     a.cfg.Execution.AnchorTimeout.Duration,
		DryRun:            a.cfg.DryRun,
	}, a.logger)
	if deps.AttemptStore != nil {
		engine.SetAttemptStore(deps.AttemptStore)
		a.reportOpenAttempts(ctx, deps)
	}
	if deps.SignalBus != nil {
		engine.SetSignalBus(deps.SignalBus)
	}
	return engine, builder, nil
}

// reportOpenAttempts warns about attempts a previous process left
// non-terminal. Their transactions may still land, so the operator has to
// check them against the ledger. It returns how many were found.
func (a *App) reportOpenAttempts(ctx context.Context, deps *Dependencies) int {
	open, err := deps.AttemptStore.ListOpen(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "list open attempts failed", slog.String("error", err.Error()))
		return 0
	}
	if len(open) == 0 {
		return 0
	}
	ids := make([]string, len(open))
	for i, at := range open {
		ids[i] = at.ID
		a.logger.WarnContext(ctx, "attempt left open by a previous run",
			slog.String("attempt_id", at.ID),
			slog.String("label", at.Label),
			slog.String("state", string(at.State)),
			slog.String("last_handle", at.LastHandle),
			slog.Time("updated_at", at.UpdatedAt),
		)
	}
	a.audit(ctx, deps, "attempts.unresolved", map[string]any{
		"count":       len(open),
		"attempt_ids": ids,
	})
	return len(open)
}

// ListFunding prints every configured funding account with its decoded
// header, one row per target.
func (a *App) ListFunding(ctx context.Context, deps *Dependencies) error {
	ids := make([]domain.AccountID, len(deps.Targets))
	for i, t := range deps.Targets {
		ids[i] = t.Address
	}
	infos, err := deps.RPC.GetMultipleAccounts(ctx, ids)
	if err != nil {
		return fmt.Errorf("app: list funding accounts: %w", err)
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tID\tEXCHANGE\tMARKET_INDEX\tUPDATE_FREQ\tLAST_UPDATED\tEMA\tSTATUS")
	for i, t := range deps.Targets {
		if i >= len(infos) || !infos[i].Exists {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t-\t-\t-\tmissing\n", t.Address, t.ID, t.Exchange, t.MarketIndex)
			continue
		}
		v, err := adapter.DecodeAs(domain.ProtocolFunding, infos[i].Data)
		if err != nil {
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t-\t-\t-\t%v\n", t.Address, t.ID, t.Exchange, t.MarketIndex, err)
			continue
		}
		st := v.(domain.FundingAccountState)
		ema := "-"
		if st.EMARaw != nil {
			ema = st.EMA.String()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%ds\t%d\t%s\tok\n",
			t.Address, st.ID, st.Exchange, st.MarketIndex,
			st.Config.UpdateFrequencySecs, st.LastUpdatedTS, ema)
	}
	return w.Flush()
}

// audit appends to the audit log when Postgres is configured. Failures are
// logged and otherwise ignored.
func (a *App) audit(ctx context.Context, deps *Dependencies, event string, detail map[string]any) {
	if deps.AuditStore == nil {
		return
	}
	if err := deps.AuditStore.Log(ctx, event, detail); err != nil {
		a.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// groupAccounts splits accounts into websocket stream groups of at most size.
func groupAccounts(accounts []domain.AccountID, size int) [][]domain.AccountID {
	if size <= 0 {
		size = len(accounts)
	}
	var out [][]domain.AccountID
	for start := 0; start < len(accounts); start += size {
		out = append(out, accounts[start:min(start+size, len(accounts))])
	}
	return out
}

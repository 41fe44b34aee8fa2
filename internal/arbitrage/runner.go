package arbitrage

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// SnapshotSource is the part of the market-state cache the runner reads.
type SnapshotSource interface {
	Snapshot() *marketstate.Snapshot
	MarkStaleIfDisconnected(timeout time.Duration) []domain.AccountID
}

// Dispatcher hands ranked opportunities to execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, opps []domain.Opportunity)
}

// Recorder persists the inputs and outputs of a detection cycle.
type Recorder interface {
	Record(snap *marketstate.Snapshot, opps []domain.Opportunity) error
}

// ResyncRequester is asked for a full resync when accounts go stale.
type ResyncRequester interface {
	RequestResync()
}

// RunnerConfig controls the detection loop.
type RunnerConfig struct {
	Interval     time.Duration
	StaleTimeout time.Duration
}

// Runner drives periodic detection cycles: mark stale accounts, snapshot,
// detect, record, publish and dispatch.
type Runner struct {
	source   SnapshotSource
	detector *Detector
	cfg      RunnerConfig
	logger   *slog.Logger

	dispatcher Dispatcher
	recorder   Recorder
	resync     ResyncRequester
	bus        domain.SignalBus
}

// NewRunner creates a runner. Without a dispatcher (SetDispatcher) it only
// detects, which is monitor mode.
func NewRunner(source SnapshotSource, detector *Detector, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Runner{
		source:   source,
		detector: detector,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "arb_runner")),
	}
}

// SetDispatcher enables execution of detected opportunities.
func (r *Runner) SetDispatcher(d Dispatcher) { r.dispatcher = d }

// SetRecorder enables cycle recording.
func (r *Runner) SetRecorder(rec Recorder) { r.recorder = rec }

// SetResyncRequester is notified when a cycle marks accounts stale.
func (r *Runner) SetResyncRequester(rr ResyncRequester) { r.resync = rr }

// SetSignalBus enables publishing opportunities.
func (r *Runner) SetSignalBus(bus domain.SignalBus) { r.bus = bus }

// opportunityEvent is the JSON shape published to the opportunities channel.
type opportunityEvent struct {
	ID             string `json:"id"`
	PairID         string `json:"pair_id"`
	Kind           string `json:"kind"`
	Direction      string `json:"direction"`
	ExpectedEdge   string `json:"expected_edge"`
	Size           string `json:"size"`
	ReferencePrice string `json:"reference_price"`
	BasisSequence  uint64 `json:"basis_sequence"`
	ValidUntil     uint64 `json:"valid_until"`
	DetectedAt     string `json:"detected_at"`
}

// Run executes a cycle every Interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("arb runner started",
		slog.Int("pairs", len(r.detector.pairs)),
		slog.Duration("interval", r.cfg.Interval),
		slog.Bool("dispatch", r.dispatcher != nil),
	)
	defer r.logger.Info("arb runner stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle performs one detection cycle and returns what it detected.
func (r *Runner) RunCycle(ctx context.Context) []domain.Opportunity {
	if r.cfg.StaleTimeout > 0 {
		if stale := r.source.MarkStaleIfDisconnected(r.cfg.StaleTimeout); len(stale) > 0 && r.resync != nil {
			r.resync.RequestResync()
		}
	}

	snap := r.source.Snapshot()
	opps := r.detector.Detect(snap)

	if r.recorder != nil {
		if err := r.recorder.Record(snap, opps); err != nil {
			r.logger.Warn("record cycle failed", slog.String("error", err.Error()))
		}
	}
	if len(opps) == 0 {
		return nil
	}

	for _, o := range opps {
		r.logger.Info("opportunity detected",
			slog.String("opp_id", o.ID),
			slog.String("pair", o.PairID),
			slog.String("direction", string(o.Direction)),
			slog.String("edge", o.ExpectedEdge.String()),
			slog.Uint64("sequence", o.BasisSequence),
		)
		r.publish(ctx, o)
	}
	if r.dispatcher != nil {
		r.dispatcher.Dispatch(ctx, opps)
	}
	return opps
}

func (r *Runner) publish(ctx context.Context, o domain.Opportunity) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(opportunityEvent{
		ID:             o.ID,
		PairID:         o.PairID,
		Kind:           string(o.Kind),
		Direction:      string(o.Direction),
		ExpectedEdge:   o.ExpectedEdge.String(),
		Size:           o.Size.String(),
		ReferencePrice: o.ReferencePrice.String(),
		BasisSequence:  o.BasisSequence,
		ValidUntil:     o.ValidUntil,
		DetectedAt:     o.DetectedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := r.bus.Publish(ctx, domain.ChannelOpportunities, payload); err != nil {
		r.logger.Debug("publish opportunity failed", slog.String("error", err.Error()))
	}
}

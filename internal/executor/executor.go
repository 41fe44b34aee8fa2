// Package executor drives settlement transactions from admission to a
// terminal state. Each admitted opportunity gets its own goroutine that owns
// its ExecutionAttempt until Confirmed, Failed or Expired.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/risk"
)

// TxBuilder builds the signed settlement transaction for one submission.
type TxBuilder interface {
	Build(attempt domain.ExecutionAttempt, opp domain.Opportunity, anchor domain.Anchor) ([]byte, error)
}

// Admitter is the risk gate.
type Admitter interface {
	TryAdmit(ctx context.Context, opp domain.Opportunity, currentSeq uint64) risk.Admission
	Complete(ctx context.Context, t *risk.Ticket, state domain.AttemptState) error
}

// SequenceSource reports the current cache sequence.
type SequenceSource interface {
	Sequence() uint64
}

// BuildFunc builds a signed transaction against anchor.
type BuildFunc func(attempt domain.ExecutionAttempt, anchor domain.Anchor) ([]byte, error)

// Config tunes the attempt state machine.
type Config struct {
	// MaxRetries bounds rebuild-and-resubmit cycles after an anchor expires.
	MaxRetries int
	// PollInterval is the status polling period.
	PollInterval time.Duration
	// NetworkErrorLimit bounds transient network errors per attempt.
	NetworkErrorLimit int
	// NetworkBackoff is the first retry delay after a network error; it
	// doubles per error.
	NetworkBackoff time.Duration
	// AnchorTimeout is a wall-clock bound on each anchor, applied alongside
	// the block height check. Zero disables it.
	AnchorTimeout time.Duration
	// DryRun builds and simulates but never submits.
	DryRun bool
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.NetworkErrorLimit <= 0 {
		c.NetworkErrorLimit = 5
	}
	if c.NetworkBackoff <= 0 {
		c.NetworkBackoff = 500 * time.Millisecond
	}
	return c
}

// Engine runs execution attempts.
type Engine struct {
	ledger  domain.Ledger
	builder TxBuilder
	risk    Admitter
	seq     SequenceSource
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	attempts domain.AttemptStore
	bus      domain.SignalBus

	wg sync.WaitGroup
}

// NewEngine creates an execution engine.
func NewEngine(ledger domain.Ledger, builder TxBuilder, admitter Admitter, seq SequenceSource, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:  ledger,
		builder: builder,
		risk:    admitter,
		seq:     seq,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "executor")),
		now:     time.Now,
	}
}

// SetAttemptStore records every attempt transition.
func (e *Engine) SetAttemptStore(s domain.AttemptStore) { e.attempts = s }

// SetSignalBus publishes attempt transitions.
func (e *Engine) SetSignalBus(b domain.SignalBus) { e.bus = b }

// SetClock replaces the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Dispatch admits each opportunity through the risk gate and runs admitted
// ones concurrently. Attempts outlive ctx: a broadcast transaction cannot be
// recalled, so each runs to a terminal state. Use Wait to drain them.
func (e *Engine) Dispatch(ctx context.Context, opps []domain.Opportunity) {
	for _, opp := range opps {
		adm := e.risk.TryAdmit(ctx, opp, e.seq.Sequence())
		if !adm.Granted {
			e.logger.Debug("opportunity not admitted",
				slog.String("opp_id", opp.ID),
				slog.String("pair", opp.PairID),
				slog.String("reason", string(adm.Reason)),
			)
			continue
		}
		e.wg.Add(1)
		go func(opp domain.Opportunity, t *risk.Ticket) {
			defer e.wg.Done()
			e.runAdmitted(context.WithoutCancel(ctx), opp, t)
		}(opp, adm.Ticket)
	}
}

// Execute admits and runs one opportunity synchronously.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity) (domain.ExecutionAttempt, error) {
	adm := e.risk.TryAdmit(ctx, opp, e.seq.Sequence())
	if !adm.Granted {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: %s not admitted: %s", opp.PairID, adm.Reason)
	}
	return e.runAdmitted(ctx, opp, adm.Ticket), nil
}

func (e *Engine) runAdmitted(ctx context.Context, opp domain.Opportunity, t *risk.Ticket) domain.ExecutionAttempt {
	a := e.newAttempt("arb:"+opp.PairID, opp.ID, opp.PairID)
	build := func(a domain.ExecutionAttempt, anchor domain.Anchor) ([]byte, error) {
		return e.builder.Build(a, opp, anchor)
	}
	valid := func() bool { return opp.ValidAt(e.seq.Sequence()) }

	a = e.run(ctx, a, build, valid)
	if err := e.risk.Complete(ctx, t, a.State); err != nil {
		e.logger.Error("release attempt failed",
			slog.String("attempt_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	return a
}

// SendAndConfirm runs an attempt for arbitrary instructions, such as funding
// relays, with the same retry and finality handling as arbitrage attempts.
// Like dispatched attempts it runs to a terminal state even if ctx is
// cancelled, and Wait covers it.
func (e *Engine) SendAndConfirm(ctx context.Context, label string, build BuildFunc) domain.ExecutionAttempt {
	e.wg.Add(1)
	defer e.wg.Done()
	a := e.newAttempt(label, "", "")
	return e.run(context.WithoutCancel(ctx), a, build, func() bool { return true })
}

// Wait blocks until every dispatched or sending attempt is terminal.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) newAttempt(label, oppID, pairID string) domain.ExecutionAttempt {
	now := e.now().UTC()
	return domain.ExecutionAttempt{
		ID:             uuid.New().String(),
		Label:          label,
		OpportunityID:  oppID,
		PairID:         pairID,
		IdempotencyKey: [domain.IdempotencyKeyLen]byte(uuid.New()),
		State:          domain.AttemptBuilding,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

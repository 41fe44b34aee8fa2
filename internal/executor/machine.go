package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// errNetworkBudget means an attempt used up its transient-error allowance.
var errNetworkBudget = errors.New("network error limit reached")

// attemptRun is the mutable state of one attempt, owned by one goroutine.
type attemptRun struct {
	a           domain.ExecutionAttempt
	networkErrs int
	log         *slog.Logger
}

// run drives a through Building, Submitted and AwaitingFinality until a
// terminal state. An expired anchor loops back to Building with a fresh
// anchor at most MaxRetries times; every rebuild reuses the attempt's
// idempotency key, so the settlement program rejects any earlier submission
// that lands late.
func (e *Engine) run(ctx context.Context, a domain.ExecutionAttempt, build BuildFunc, stillValid func() bool) domain.ExecutionAttempt {
	r := &attemptRun{
		a: a,
		log: e.logger.With(
			slog.String("attempt_id", a.ID),
			slog.String("label", a.Label),
		),
	}
	e.record(ctx, r)

	for {
		tx, anchor, err := e.prepare(ctx, r, build)
		if err != nil {
			return e.fail(ctx, r, err)
		}
		if e.cfg.DryRun {
			r.log.Info("dry run: built and simulated, not submitting")
			return e.fail(ctx, r, errors.New("dry run"))
		}

		handle, err := e.submit(ctx, r, tx)
		switch {
		case errors.Is(err, domain.ErrValidityExpired):
			e.transition(ctx, r, domain.AttemptExpired)
		case err != nil:
			return e.fail(ctx, r, err)
		default:
			r.a.LastHandle = handle
			r.a.Submissions++
			e.transition(ctx, r, domain.AttemptSubmitted)
			if err := e.poll(ctx, r, anchor); err != nil {
				return e.fail(ctx, r, err)
			}
		}

		if r.a.State != domain.AttemptExpired {
			return r.a
		}
		if r.a.RetryCount >= e.cfg.MaxRetries {
			return e.fail(ctx, r, fmt.Errorf("%w: retries exhausted after %d resubmissions", domain.ErrValidityExpired, r.a.RetryCount))
		}
		if !stillValid() {
			r.a.FailureReason = "opportunity no longer valid"
			r.log.Info("attempt expired", slog.String("reason", r.a.FailureReason))
			e.record(ctx, r)
			return r.a
		}
		r.a.RetryCount++
		r.log.Info("anchor expired, rebuilding", slog.Int("retry", r.a.RetryCount))
		e.transition(ctx, r, domain.AttemptBuilding)
	}
}

// prepare fetches an anchor, builds the transaction and, before the first
// submission only, simulates it.
func (e *Engine) prepare(ctx context.Context, r *attemptRun, build BuildFunc) ([]byte, domain.Anchor, error) {
	var anchor domain.Anchor
	err := e.withNetworkRetry(ctx, r, func() error {
		var err error
		anchor, err = e.ledger.GetValidityAnchor(ctx)
		return err
	})
	if err != nil {
		return nil, anchor, err
	}
	if e.cfg.AnchorTimeout > 0 {
		anchor.ExpiresAt = e.now().Add(e.cfg.AnchorTimeout)
	}

	tx, err := build(r.a, anchor)
	if err != nil {
		return nil, anchor, fmt.Errorf("build: %w", err)
	}

	if r.a.Submissions > 0 {
		return tx, anchor, nil
	}
	var sim domain.SimulationResult
	err = e.withNetworkRetry(ctx, r, func() error {
		var err error
		sim, err = e.ledger.SimulateTransaction(ctx, tx)
		return err
	})
	if err != nil {
		return nil, anchor, err
	}
	if sim.Err != "" {
		for _, l := range sim.Logs {
			r.log.Debug("simulation log", slog.String("line", l))
		}
		return nil, anchor, fmt.Errorf("%w: %s", domain.ErrSimulation, sim.Err)
	}
	return tx, anchor, nil
}

func (e *Engine) submit(ctx context.Context, r *attemptRun, tx []byte) (string, error) {
	var handle string
	err := e.withNetworkRetry(ctx, r, func() error {
		var err error
		handle, err = e.ledger.SubmitTransaction(ctx, tx)
		return err
	})
	return handle, err
}

// poll waits for the submitted transaction to finalize, fail or expire. It
// returns an error only for failures that end the attempt.
func (e *Engine) poll(ctx context.Context, r *attemptRun, anchor domain.Anchor) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var st domain.TransactionStatus
		err := e.withNetworkRetry(ctx, r, func() error {
			var err error
			st, err = e.ledger.GetTransactionStatus(ctx, r.a.LastHandle)
			return err
		})
		if err != nil {
			return err
		}

		switch st.State {
		case domain.TxFinalized:
			e.transition(ctx, r, domain.AttemptConfirmed)
			return nil
		case domain.TxFailed:
			return fmt.Errorf("program error: %s", st.Err)
		case domain.TxIncluded:
			if r.a.State != domain.AttemptAwaitingFinality {
				r.log.Debug("included", slog.Uint64("slot", st.Slot))
				e.transition(ctx, r, domain.AttemptAwaitingFinality)
			}
		case domain.TxNotFound:
			expired, err := e.anchorLapsed(ctx, r, anchor)
			if err != nil {
				return err
			}
			if expired {
				e.transition(ctx, r, domain.AttemptExpired)
				return nil
			}
		}
	}
}

func (e *Engine) anchorLapsed(ctx context.Context, r *attemptRun, anchor domain.Anchor) (bool, error) {
	if !anchor.ExpiresAt.IsZero() && !e.now().Before(anchor.ExpiresAt) {
		return true, nil
	}
	var height uint64
	err := e.withNetworkRetry(ctx, r, func() error {
		var err error
		height, err = e.ledger.BlockHeight(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	return height > anchor.LastValidHeight, nil
}

// withNetworkRetry retries fn on domain.ErrNetwork with doubling backoff,
// charging each failure to the attempt's network error budget.
func (e *Engine) withNetworkRetry(ctx context.Context, r *attemptRun, fn func() error) error {
	backoff := e.cfg.NetworkBackoff
	for {
		err := fn()
		if err == nil || !errors.Is(err, domain.ErrNetwork) {
			return err
		}
		r.networkErrs++
		if r.networkErrs >= e.cfg.NetworkErrorLimit {
			return fmt.Errorf("%w: %w", errNetworkBudget, err)
		}
		r.log.Warn("network error, retrying",
			slog.Int("errors", r.networkErrs),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (e *Engine) transition(ctx context.Context, r *attemptRun, to domain.AttemptState) {
	from := r.a.State
	r.a.State = to
	r.log.Info("attempt transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("retry", r.a.RetryCount),
		slog.String("handle", r.a.LastHandle),
	)
	e.record(ctx, r)
}

func (e *Engine) fail(ctx context.Context, r *attemptRun, err error) domain.ExecutionAttempt {
	r.a.FailureReason = err.Error()
	r.log.Warn("attempt failed", slog.String("error", err.Error()))
	e.transition(ctx, r, domain.AttemptFailed)
	return r.a
}

// attemptEvent is the JSON shape published for each attempt transition.
type attemptEvent struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	OpportunityID string `json:"opportunity_id,omitempty"`
	PairID        string `json:"pair_id,omitempty"`
	State         string `json:"state"`
	RetryCount    int    `json:"retry_count"`
	Submissions   int    `json:"submissions"`
	Handle        string `json:"handle,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

// record persists and publishes the attempt. Failures are logged only; the
// state machine never waits on its audit trail.
func (e *Engine) record(ctx context.Context, r *attemptRun) {
	r.a.UpdatedAt = e.now().UTC()
	if e.attempts != nil {
		if err := e.attempts.Upsert(ctx, r.a); err != nil {
			r.log.Warn("persist attempt failed", slog.String("error", err.Error()))
		}
	}
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(attemptEvent{
		ID:            r.a.ID,
		Label:         r.a.Label,
		OpportunityID: r.a.OpportunityID,
		PairID:        r.a.PairID,
		State:         string(r.a.State),
		RetryCount:    r.a.RetryCount,
		Submissions:   r.a.Submissions,
		Handle:        r.a.LastHandle,
		FailureReason: r.a.FailureReason,
		UpdatedAt:     r.a.UpdatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelAttempts, payload); err != nil {
		r.log.Debug("publish attempt failed", slog.String("error", err.Error()))
	}
	if r.a.State.Terminal() {
		if err := e.bus.StreamAppend(ctx, domain.StreamAttempts, payload); err != nil {
			r.log.Debug("append attempt failed", slog.String("error", err.Error()))
		}
	}
}

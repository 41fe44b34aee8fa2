// Package risk is the admission gate between detection and execution. It
// owns the per-pair position table and the single-flight set. Reservations
// are serialized behind one mutex so concurrent admits for the same pair have
// exactly one winner.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Reason explains a denied admission.
type Reason string

const (
	ReasonInFlight         Reason = "attempt_in_flight"
	ReasonExpired          Reason = "valid_until_passed"
	ReasonExposureLimit    Reason = "exposure_limit"
	ReasonConcurrencyLimit Reason = "concurrency_limit"
	ReasonLockHeld         Reason = "lock_held"
	ReasonLockError        Reason = "lock_error"
)

// Config holds the tunable admission limits.
type Config struct {
	// MaxNetExposure bounds |net_exposure| per pair after the attempt
	// confirms. Zero disables the check.
	MaxNetExposure decimal.Decimal
	// MaxConcurrent bounds open attempts across all pairs. Zero means
	// unlimited.
	MaxConcurrent int
	// LockTTL is the distributed lock lease when a LockManager is set. It
	// must outlive the longest attempt; nothing renews it.
	LockTTL time.Duration
	// MarginRatio converts notional into margin_used.
	MarginRatio decimal.Decimal
}

// Ticket is held by the admitted attempt and handed back to Complete.
type Ticket struct {
	PairID      string
	Opportunity domain.Opportunity
	AdmittedAt  time.Time

	unlock func()
}

// Admission is the result of TryAdmit.
type Admission struct {
	Granted bool
	Reason  Reason
	Ticket  *Ticket
}

// Manager tracks positions and open attempts.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	locks     domain.LockManager
	positions domain.PositionStore

	mu       sync.Mutex
	inFlight map[string]*Ticket
	table    map[string]domain.Position
}

// NewManager creates a Manager with no positions.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "risk")),
		now:      time.Now,
		inFlight: make(map[string]*Ticket),
		table:    make(map[string]domain.Position),
	}
}

// SetLockManager makes admission also take a distributed per-pair lock, so
// two engine processes sharing a wallet cannot both trade one pair.
func (m *Manager) SetLockManager(l domain.LockManager) { m.locks = l }

// SetPositionStore persists positions after each confirmed attempt.
func (m *Manager) SetPositionStore(s domain.PositionStore) { m.positions = s }

// Restore seeds the position table, typically from the position store at
// startup.
func (m *Manager) Restore(positions []domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range positions {
		m.table[p.PairID] = p
	}
}

// TryAdmit decides whether opp may proceed to execution at the given cache
// sequence. A granted admission holds the pair until Complete is called
// with its ticket.
//
// The pair is reserved before the distributed lock is requested, and the
// mutex is not held across that round-trip, so admissions and completions
// for other pairs never wait on the lock backend.
func (m *Manager) TryAdmit(ctx context.Context, opp domain.Opportunity, currentSeq uint64) Admission {
	m.mu.Lock()
	if _, busy := m.inFlight[opp.PairID]; busy {
		m.mu.Unlock()
		return m.deny(opp, ReasonInFlight)
	}
	if !opp.ValidAt(currentSeq) {
		m.mu.Unlock()
		return m.deny(opp, ReasonExpired)
	}
	if m.cfg.MaxNetExposure.IsPositive() {
		next := m.table[opp.PairID].NetExposure.Add(opp.ExposureDelta())
		if next.Abs().GreaterThan(m.cfg.MaxNetExposure) {
			m.mu.Unlock()
			return m.deny(opp, ReasonExposureLimit)
		}
	}
	if m.cfg.MaxConcurrent > 0 && len(m.inFlight) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return m.deny(opp, ReasonConcurrencyLimit)
	}
	t := &Ticket{PairID: opp.PairID, Opportunity: opp, AdmittedAt: m.now()}
	m.inFlight[opp.PairID] = t
	m.mu.Unlock()

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, lockKey(opp.PairID), m.cfg.LockTTL)
		if err != nil {
			m.release(t)
			if errors.Is(err, domain.ErrLockHeld) {
				return m.deny(opp, ReasonLockHeld)
			}
			m.logger.Warn("acquire pair lock failed",
				slog.String("pair", opp.PairID),
				slog.String("error", err.Error()),
			)
			return m.deny(opp, ReasonLockError)
		}
		t.unlock = unlock
	}

	m.logger.Debug("admitted",
		slog.String("pair", opp.PairID),
		slog.String("opp_id", opp.ID),
	)
	return Admission{Granted: true, Ticket: t}
}

// release drops a reservation that never became an admission.
func (m *Manager) release(t *Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.inFlight[t.PairID]; ok && cur == t {
		delete(m.inFlight, t.PairID)
	}
}

func (m *Manager) deny(opp domain.Opportunity, reason Reason) Admission {
	m.logger.Debug("denied",
		slog.String("pair", opp.PairID),
		slog.String("opp_id", opp.ID),
		slog.String("reason", string(reason)),
	)
	return Admission{Reason: reason}
}

// Complete releases the pair held by t. A Confirmed attempt applies the
// opportunity to the pair's position first; Failed and Expired leave the
// position untouched.
func (m *Manager) Complete(ctx context.Context, t *Ticket, state domain.AttemptState) error {
	if t == nil {
		return nil
	}
	m.mu.Lock()
	if cur, ok := m.inFlight[t.PairID]; !ok || cur != t {
		m.mu.Unlock()
		return fmt.Errorf("risk: complete %s: ticket not in flight", t.PairID)
	}
	delete(m.inFlight, t.PairID)

	var (
		pos     domain.Position
		changed bool
	)
	if state == domain.AttemptConfirmed {
		pos = m.apply(t.Opportunity)
		changed = true
	}
	m.mu.Unlock()

	if t.unlock != nil {
		t.unlock()
	}

	if changed {
		m.logger.Info("position updated",
			slog.String("pair", pos.PairID),
			slog.String("net_exposure", pos.NetExposure.String()),
			slog.String("margin_used", pos.MarginUsed.String()),
		)
		if m.positions != nil {
			if err := m.positions.Upsert(ctx, pos); err != nil {
				return fmt.Errorf("risk: persist position %s: %w", pos.PairID, err)
			}
		}
	}
	return nil
}

// apply must be called with mu held.
func (m *Manager) apply(opp domain.Opportunity) domain.Position {
	pos := m.table[opp.PairID]
	pos.PairID = opp.PairID
	pos.NetExposure = pos.NetExposure.Add(opp.ExposureDelta())
	pos.MarginUsed = pos.NetExposure.Abs().Mul(opp.ReferencePrice).Mul(m.cfg.MarginRatio)
	pos.UpdatedAt = m.now().UTC()
	m.table[opp.PairID] = pos
	return pos
}

// InFlight reports whether pairID has an open attempt.
func (m *Manager) InFlight(pairID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[pairID]
	return ok
}

// Position returns the current position for pairID.
func (m *Manager) Position(pairID string) domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.table[pairID]
	if !ok {
		p.PairID = pairID
	}
	return p
}

// Positions returns all known positions sorted by pair.
func (m *Manager) Positions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.table))
	for _, p := range m.table {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PairID < out[j].PairID })
	return out
}

func lockKey(pairID string) string {
	return "pair:" + pairID
}

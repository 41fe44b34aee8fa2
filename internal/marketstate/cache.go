// Package marketstate keeps the local view of remote account state. Updates
// arrive out of order from several streams and periodic fetches; the cache
// keeps the highest-sequence snapshot per account and tracks which accounts
// can be trusted for detection.
package marketstate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Decoder turns raw account bytes into typed state. adapter.Registry
// implements it.
type Decoder interface {
	Decode(raw []byte, account domain.AccountID) (any, error)
	Protocol(account domain.AccountID) (domain.Protocol, bool)
}

type accountState struct {
	snap domain.AccountSnapshot
	has  bool
	// lastHeard is the last time any well-formed update arrived, accepted or
	// not. Staleness is judged on it.
	lastHeard time.Time
	stale     bool
	untrusted bool
}

// Cache is the single owner of account snapshots. All mutation goes through
// its methods; readers take immutable Snapshots.
type Cache struct {
	decoder Decoder
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	accounts   map[domain.AccountID]*accountState
	sequence   uint64
	generation uint64
}

// NewCache creates an empty cache. Every account starts untrusted until the
// first full resync completes.
func NewCache(decoder Decoder, logger *slog.Logger) *Cache {
	return &Cache{
		decoder:  decoder,
		logger:   logger.With(slog.String("component", "market_cache")),
		now:      time.Now,
		accounts: make(map[domain.AccountID]*accountState),
	}
}

// SetClock replaces the wall clock. Must be called before use.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// ApplyUpdate decodes raw and stores it as the snapshot of account if
// sequence is strictly greater than the stored one. It reports whether the
// update was accepted. Bytes that fail to decode are dropped and the error,
// wrapping domain.ErrDecode, is returned; the previous snapshot is kept.
func (c *Cache) ApplyUpdate(account domain.AccountID, sequence uint64, raw []byte) (bool, error) {
	proto, ok := c.decoder.Protocol(account)
	if !ok {
		return false, fmt.Errorf("marketstate: untracked account %s: %w", account, domain.ErrDecode)
	}
	state, err := c.decoder.Decode(raw, account)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.accounts[account]
	if st == nil {
		st = &accountState{untrusted: true}
		c.accounts[account] = st
	}
	st.lastHeard = now
	if st.has && sequence <= st.snap.Sequence {
		return false, nil
	}

	st.snap = domain.AccountSnapshot{
		Account:    account,
		Protocol:   proto,
		Sequence:   sequence,
		Raw:        raw,
		State:      state,
		ObservedAt: now,
	}
	st.has = true
	if sequence > c.sequence {
		c.sequence = sequence
	}
	return true, nil
}

// Snapshot returns an immutable view of every account. It never blocks
// writers for longer than a map copy.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Snapshot{
		TakenAt:  c.now(),
		Sequence: c.sequence,
		accounts: make(map[domain.AccountID]domain.AccountSnapshot, len(c.accounts)),
		excluded: make(map[domain.AccountID]struct{}),
	}
	for id, st := range c.accounts {
		if !st.has {
			continue
		}
		if st.stale || st.untrusted {
			s.excluded[id] = struct{}{}
			continue
		}
		s.accounts[id] = st.snap
	}
	return s
}

// Sequence returns the highest sequence number the cache has accepted. It
// never goes backwards, including across invalidation.
func (c *Cache) Sequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// MarkStaleIfDisconnected flags every account that has not heard an update
// within timeout. Flagged accounts are excluded from snapshots until a full
// resync completes. It returns the accounts newly flagged.
func (c *Cache) MarkStaleIfDisconnected(timeout time.Duration) []domain.AccountID {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var flagged []domain.AccountID
	for id, st := range c.accounts {
		if st.stale || !st.has {
			continue
		}
		if now.Sub(st.lastHeard) > timeout {
			st.stale = true
			flagged = append(flagged, id)
		}
	}
	if len(flagged) > 0 {
		c.logger.Warn("accounts marked stale",
			slog.Int("count", len(flagged)),
			slog.Duration("timeout", timeout),
		)
	}
	return flagged
}

// Invalidate marks every account untrusted after a stream disconnect and
// starts a new generation. A resync begun before the call can no longer
// restore trust.
func (c *Cache) Invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	for _, st := range c.accounts {
		st.untrusted = true
	}
	return c.generation
}

// BeginResync returns the generation a full resync is running against.
func (c *Cache) BeginResync() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// CompleteResync restores trust in the refreshed accounts, but only if no
// invalidation happened since BeginResync returned generation. Accounts the
// resync did not refresh keep their flags until a later resync covers them.
func (c *Cache) CompleteResync(generation uint64, refreshed []domain.AccountID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return false
	}
	for _, id := range refreshed {
		st := c.accounts[id]
		if st == nil || !st.has {
			continue
		}
		st.untrusted = false
		st.stale = false
	}
	return true
}

// Stats counts accounts by trust state.
type Stats struct {
	Trusted   int
	Stale     int
	Untrusted int
	Sequence  uint64
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Sequence: c.sequence}
	for _, st := range c.accounts {
		switch {
		case !st.has:
		case st.untrusted:
			s.Untrusted++
		case st.stale:
			s.Stale++
		default:
			s.Trusted++
		}
	}
	return s
}

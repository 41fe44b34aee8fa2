package marketstate

import (
	"sort"
	"time"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Snapshot is an immutable point-in-time view of the cache. It holds only
// trusted accounts; stale and untrusted ones are listed in Excluded.
// Different accounts may come from different sequence numbers, but no
// account is ever partially updated.
type Snapshot struct {
	TakenAt  time.Time
	Sequence uint64

	accounts map[domain.AccountID]domain.AccountSnapshot
	excluded map[domain.AccountID]struct{}
}

// NewSnapshot builds a Snapshot from explicit parts. The cache builds its
// own; this is for replaying recorded cycles. Sequence is the highest
// sequence among accounts unless a larger one is given.
func NewSnapshot(takenAt time.Time, sequence uint64, accounts []domain.AccountSnapshot, excluded []domain.AccountID) *Snapshot {
	s := &Snapshot{
		TakenAt:  takenAt,
		Sequence: sequence,
		accounts: make(map[domain.AccountID]domain.AccountSnapshot, len(accounts)),
		excluded: make(map[domain.AccountID]struct{}, len(excluded)),
	}
	for _, a := range accounts {
		s.accounts[a.Account] = a
		if a.Sequence > s.Sequence {
			s.Sequence = a.Sequence
		}
	}
	for _, id := range excluded {
		s.excluded[id] = struct{}{}
		delete(s.accounts, id)
	}
	return s
}

// Get returns the trusted snapshot of account.
func (s *Snapshot) Get(account domain.AccountID) (domain.AccountSnapshot, bool) {
	a, ok := s.accounts[account]
	return a, ok
}

// Excluded reports whether account is known but stale or untrusted.
func (s *Snapshot) Excluded(account domain.AccountID) bool {
	_, ok := s.excluded[account]
	return ok
}

// Accounts returns the trusted snapshots sorted by account.
func (s *Snapshot) Accounts() []domain.AccountSnapshot {
	out := make([]domain.AccountSnapshot, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// ExcludedAccounts returns the excluded accounts, sorted.
func (s *Snapshot) ExcludedAccounts() []domain.AccountID {
	out := make([]domain.AccountID, 0, len(s.excluded))
	for id := range s.excluded {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of trusted accounts.
func (s *Snapshot) Len() int { return len(s.accounts) }

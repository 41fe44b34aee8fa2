// Package recorder writes every detection cycle's inputs and outputs to
// object storage as JSONL, and replays recordings through a detector to
// check that detection is reproducible.
package recorder

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/adapter"
	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// Frame is one recorded detection cycle.
type Frame struct {
	Sequence      uint64             `json:"sequence"`
	TakenAt       time.Time          `json:"taken_at"`
	Accounts      []AccountFrame     `json:"accounts"`
	Excluded      []domain.AccountID `json:"excluded,omitempty"`
	Opportunities []OpportunityFrame `json:"opportunities"`
}

// AccountFrame holds raw account bytes; replay decodes them again.
type AccountFrame struct {
	Account    domain.AccountID `json:"account"`
	Protocol   domain.Protocol  `json:"protocol"`
	Sequence   uint64           `json:"sequence"`
	Raw        []byte           `json:"raw"`
	ObservedAt time.Time        `json:"observed_at"`
}

// OpportunityFrame is the recorded form of a detected opportunity.
type OpportunityFrame struct {
	ID             string           `json:"id"`
	PairID         string           `json:"pair_id"`
	Kind           domain.PairKind  `json:"kind"`
	Direction      domain.Direction `json:"direction"`
	ExpectedEdge   decimal.Decimal  `json:"expected_edge"`
	Size           decimal.Decimal  `json:"size"`
	ReferencePrice decimal.Decimal  `json:"reference_price"`
	BasisSequence  uint64           `json:"basis_sequence"`
	ValidUntil     uint64           `json:"valid_until"`
}

// NewFrame captures snap and the opportunities detected on it.
func NewFrame(snap *marketstate.Snapshot, opps []domain.Opportunity) Frame {
	accounts := snap.Accounts()
	f := Frame{
		Sequence:      snap.Sequence,
		TakenAt:       snap.TakenAt,
		Accounts:      make([]AccountFrame, len(accounts)),
		Excluded:      snap.ExcludedAccounts(),
		Opportunities: make([]OpportunityFrame, len(opps)),
	}
	for i, a := range accounts {
		f.Accounts[i] = AccountFrame{
			Account:    a.Account,
			Protocol:   a.Protocol,
			Sequence:   a.Sequence,
			Raw:        a.Raw,
			ObservedAt: a.ObservedAt,
		}
	}
	for i, o := range opps {
		f.Opportunities[i] = opportunityFrame(o)
	}
	return f
}

func opportunityFrame(o domain.Opportunity) OpportunityFrame {
	return OpportunityFrame{
		ID:             o.ID,
		PairID:         o.PairID,
		Kind:           o.Kind,
		Direction:      o.Direction,
		ExpectedEdge:   o.ExpectedEdge,
		Size:           o.Size,
		ReferencePrice: o.ReferencePrice,
		BasisSequence:  o.BasisSequence,
		ValidUntil:     o.ValidUntil,
	}
}

// Snapshot decodes the recorded accounts back into a cache snapshot.
func (f Frame) Snapshot() (*marketstate.Snapshot, error) {
	accounts := make([]domain.AccountSnapshot, len(f.Accounts))
	for i, a := range f.Accounts {
		state, err := adapter.DecodeAs(a.Protocol, a.Raw)
		if err != nil {
			return nil, fmt.Errorf("recorder: frame %d: account %s: %w", f.Sequence, a.Account, err)
		}
		accounts[i] = domain.AccountSnapshot{
			Account:    a.Account,
			Protocol:   a.Protocol,
			Sequence:   a.Sequence,
			Raw:        a.Raw,
			State:      state,
			ObservedAt: a.ObservedAt,
		}
	}
	return marketstate.NewSnapshot(f.TakenAt, f.Sequence, accounts, f.Excluded), nil
}

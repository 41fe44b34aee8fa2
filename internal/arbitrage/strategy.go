// Package arbitrage detects price and funding-rate divergences between
// oracle and perpetual-market state. Detection is a pure function of a cache
// snapshot: it reads no clock and draws no randomness, so replaying a
// recorded snapshot reproduces the same opportunities.
package arbitrage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// ErrOracleLag means the oracle's publish slot trails the snapshot by more
// than the pair allows.
var ErrOracleLag = errors.New("oracle lagging")

// Strategy evaluates one kind of market pair against a snapshot. It returns
// nil without error when the pair shows no edge above its threshold, and an
// error when an input is unusable.
type Strategy interface {
	Name() string
	Detect(snap *marketstate.Snapshot, pair domain.MarketPair) (*domain.Opportunity, error)
}

// opportunityNamespace seeds deterministic opportunity IDs.
var opportunityNamespace = uuid.MustParse("5f0c4d7e-2b1a-4c6e-9a35-7d1f0b8e4a21")

// newOpportunity stamps an opportunity with identity and validity derived
// from the snapshot alone.
func newOpportunity(snap *marketstate.Snapshot, pair domain.MarketPair, dir domain.Direction, edge, refPrice decimal.Decimal) *domain.Opportunity {
	name := fmt.Sprintf("%s|%d|%s", pair.ID, snap.Sequence, dir)
	return &domain.Opportunity{
		ID:             uuid.NewSHA1(opportunityNamespace, []byte(name)).String(),
		PairID:         pair.ID,
		Kind:           pair.Kind,
		Direction:      dir,
		ExpectedEdge:   edge,
		Size:           pair.Size,
		ReferencePrice: refPrice,
		BasisSequence:  snap.Sequence,
		ValidUntil:     snap.Sequence + pair.ValidityWindow,
		DetectedAt:     snap.TakenAt,
	}
}

func checkOracleLag(snap *marketstate.Snapshot, pair domain.MarketPair, oracleSlot uint64) error {
	if pair.MaxOracleLag == 0 || snap.Sequence <= oracleSlot {
		return nil
	}
	if lag := snap.Sequence - oracleSlot; lag > pair.MaxOracleLag {
		return fmt.Errorf("arbitrage: pair %s: oracle %d slots behind: %w", pair.ID, lag, ErrOracleLag)
	}
	return nil
}

package arbitrage

import (
	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// Basis trades a market's mark price back toward its oracle price.
//
// expected_edge = |mark - oracle| - fee_slippage, emitted only when strictly
// greater than the pair's min_edge. A mark above the oracle sells the mark.
type Basis struct{}

// NewBasis creates the basis strategy.
func NewBasis() *Basis { return &Basis{} }

// Name returns the strategy identifier.
func (b *Basis) Name() string { return string(domain.PairKindBasis) }

// Detect evaluates pair against snap.
func (b *Basis) Detect(snap *marketstate.Snapshot, pair domain.MarketPair) (*domain.Opportunity, error) {
	v, err := marketstate.View(snap, pair.Oracle, pair.MarketA)
	if err != nil {
		return nil, err
	}
	if err := checkOracleLag(snap, pair, v.OracleSlot); err != nil {
		return nil, err
	}

	basis := v.Basis()
	edge := basis.Abs().Sub(pair.FeeSlippage)
	if !edge.GreaterThan(pair.MinEdge) {
		return nil, nil
	}

	dir := domain.DirectionLongMarkShortOracle
	if basis.IsPositive() {
		dir = domain.DirectionShortMarkLongOracle
	}
	return newOpportunity(snap, pair, dir, edge, v.MarkPrice), nil
}

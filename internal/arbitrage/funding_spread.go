package arbitrage

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// FundingSpread trades the funding-rate differential between two markets on
// the same underlying: short the market paying the higher rate, long the
// other.
//
// When the pair names funding accounts, their EMA is used instead of the
// market's instantaneous rate. A funding account without an EMA yet blocks
// detection for the pair.
type FundingSpread struct{}

// NewFundingSpread creates the funding-spread strategy.
func NewFundingSpread() *FundingSpread { return &FundingSpread{} }

// Name returns the strategy identifier.
func (f *FundingSpread) Name() string { return string(domain.PairKindFundingSpread) }

// Detect evaluates pair against snap.
func (f *FundingSpread) Detect(snap *marketstate.Snapshot, pair domain.MarketPair) (*domain.Opportunity, error) {
	viewA, err := marketstate.View(snap, pair.Oracle, pair.MarketA)
	if err != nil {
		return nil, err
	}
	viewB, err := marketstate.View(snap, pair.Oracle, pair.MarketB)
	if err != nil {
		return nil, err
	}
	if err := checkOracleLag(snap, pair, viewA.OracleSlot); err != nil {
		return nil, err
	}

	rateA, err := rate(snap, pair.FundingA, viewA)
	if err != nil {
		return nil, err
	}
	rateB, err := rate(snap, pair.FundingB, viewB)
	if err != nil {
		return nil, err
	}

	diff := rateA.Sub(rateB)
	edge := diff.Abs().Sub(pair.FeeSlippage)
	if !edge.GreaterThan(pair.MinEdge) {
		return nil, nil
	}

	dir := domain.DirectionLongAShortB
	if diff.IsPositive() {
		dir = domain.DirectionShortALongB
	}
	return newOpportunity(snap, pair, dir, edge, viewA.MarkPrice), nil
}

func rate(snap *marketstate.Snapshot, funding domain.AccountID, v domain.MarketView) (decimal.Decimal, error) {
	if funding == "" {
		return v.FundingRate, nil
	}
	return marketstate.FundingEMA(snap, funding)
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PairKind selects the detection rule applied to a market pair.
type PairKind string

const (
	// PairKindBasis trades the divergence between a market's mark price and
	// its oracle price.
	PairKindBasis PairKind = "basis"
	// PairKindFundingSpread trades the funding-rate differential between two
	// markets on the same underlying.
	PairKindFundingSpread PairKind = "funding_spread"
)

// MarketPair is a configured arbitrage pair.
//
// For basis pairs MarketA is joined with Oracle. For funding-spread pairs
// MarketA and MarketB are both joined with Oracle and their funding rates
// compared; FundingA and FundingB optionally name settlement-program funding
// accounts whose EMA replaces the instantaneous market rate.
type MarketPair struct {
	ID       string
	Kind     PairKind
	Oracle   AccountID
	MarketA  AccountID
	MarketB  AccountID
	FundingA AccountID
	FundingB AccountID

	FeeSlippage decimal.Decimal
	MinEdge     decimal.Decimal
	Size        decimal.Decimal

	// ValidityWindow is the number of sequence numbers an opportunity stays
	// admissible after the snapshot it was detected on.
	ValidityWindow uint64
	// MaxOracleLag rejects an oracle whose publish slot trails the snapshot
	// sequence by more than this. Zero disables the check.
	MaxOracleLag uint64
}

// Accounts returns every account the pair reads, in a fixed order, skipping
// empty ones.
func (p MarketPair) Accounts() []AccountID {
	out := make([]AccountID, 0, 5)
	for _, id := range []AccountID{p.Oracle, p.MarketA, p.MarketB, p.FundingA, p.FundingB} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// MarketView is a derived read-only join of an oracle and a market snapshot.
// It is recomputed on demand and never stored.
type MarketView struct {
	Oracle      AccountID
	Market      AccountID
	OraclePrice decimal.Decimal
	MarkPrice   decimal.Decimal
	FundingRate decimal.Decimal
	OracleSlot  uint64
	// Sequence is the highest sequence among the joined snapshots.
	Sequence uint64
	// Staleness is the snapshot time minus the oldest observation joined.
	Staleness time.Duration
}

// Basis returns mark minus oracle.
func (v MarketView) Basis() decimal.Decimal {
	return v.MarkPrice.Sub(v.OraclePrice)
}

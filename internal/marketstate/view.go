package marketstate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

var (
	// ErrUnavailable means an input account is missing, stale or untrusted.
	ErrUnavailable = errors.New("account unavailable")
	// ErrNoPrice means an input account decoded but carries no usable price.
	ErrNoPrice = errors.New("no usable price")
)

// View joins an oracle snapshot with a market snapshot. It fails when either
// account is unavailable in snap or holds the wrong kind of state.
func View(snap *Snapshot, oracle, market domain.AccountID) (domain.MarketView, error) {
	o, err := get[domain.OracleState](snap, oracle)
	if err != nil {
		return domain.MarketView{}, err
	}
	m, err := get[domain.PerpMarketState](snap, market)
	if err != nil {
		return domain.MarketView{}, err
	}
	oSnap, _ := snap.Get(oracle)
	mSnap, _ := snap.Get(market)

	if !o.Price.IsPositive() {
		return domain.MarketView{}, fmt.Errorf("marketstate: oracle %s: %w", oracle, ErrNoPrice)
	}
	if !m.MarkPrice.IsPositive() {
		return domain.MarketView{}, fmt.Errorf("marketstate: market %s: %w", market, ErrNoPrice)
	}

	oldest := oSnap.ObservedAt
	if mSnap.ObservedAt.Before(oldest) {
		oldest = mSnap.ObservedAt
	}
	seq := oSnap.Sequence
	if mSnap.Sequence > seq {
		seq = mSnap.Sequence
	}
	return domain.MarketView{
		Oracle:      oracle,
		Market:      market,
		OraclePrice: o.Price,
		MarkPrice:   m.MarkPrice,
		FundingRate: m.FundingRate,
		OracleSlot:  o.PublishSlot,
		Sequence:    seq,
		Staleness:   snap.TakenAt.Sub(oldest),
	}, nil
}

// FundingEMA returns the funding-rate EMA recorded in a settlement-program
// funding account. An account without an EMA yet is ErrNoPrice.
func FundingEMA(snap *Snapshot, account domain.AccountID) (decimal.Decimal, error) {
	f, err := get[domain.FundingAccountState](snap, account)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if f.EMARaw == nil {
		return decimal.Decimal{}, fmt.Errorf("marketstate: funding %s has no ema: %w", account, ErrNoPrice)
	}
	return f.EMA, nil
}

// Decoded returns the typed state of account.
func Decoded[T any](snap *Snapshot, account domain.AccountID) (T, error) {
	return get[T](snap, account)
}

func get[T any](snap *Snapshot, account domain.AccountID) (T, error) {
	var zero T
	a, ok := snap.Get(account)
	if !ok {
		return zero, fmt.Errorf("marketstate: %s: %w", account, ErrUnavailable)
	}
	v, ok := a.State.(T)
	if !ok {
		return zero, fmt.Errorf("marketstate: %s holds %T, want %T: %w", account, a.State, zero, ErrUnavailable)
	}
	return v, nil
}

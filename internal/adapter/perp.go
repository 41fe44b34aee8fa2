package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

var (
	perpADiscriminator = [8]byte{0x0a, 0xdf, 0x0c, 0x2c, 0x6b, 0xf5, 0x37, 0xf7}
	perpBDiscriminator = [8]byte{0x4d, 0x61, 0x6e, 0x67, 0x6f, 0x50, 0x65, 0x72}
)

const (
	perpAVersion = 1
	perpBVersion = 1

	// PerpAAccountLen is the encoded size of a perp_a market account.
	PerpAAccountLen = 8 + 1 + 2 + 32 + 8 + 8 + 8 + 8
	// PerpBAccountLen is the encoded size of a perp_b market account.
	PerpBAccountLen = 8 + 1 + 2 + 1 + 32 + 8 + 8 + 8
)

// perp_a layout:
//
//	disc [8] | version u8 | market_index u16 | oracle [32] | mark_price i64 |
//	last_funding_rate i64 | last_funding_ts i64 | open_interest u64
func decodePerpA(raw []byte) (domain.PerpMarketState, error) {
	r := newReader(raw)
	r.discriminator(perpADiscriminator)
	version := r.u8()
	idx := r.u16()
	oracle := r.pubkey()
	mark := r.i64()
	rate := r.i64()
	ts := r.i64()
	oi := r.u64()
	if r.err != nil {
		return domain.PerpMarketState{}, decodeErr(domain.ProtocolPerpA, r.err)
	}
	if version != perpAVersion {
		return domain.PerpMarketState{}, decodeErr(domain.ProtocolPerpA, fmt.Errorf("unsupported version %d", version))
	}
	return domain.PerpMarketState{
		MarketIndex:    idx,
		Oracle:         oracle.AccountID(),
		MarkPrice:      decimal.New(mark, -domain.PricePrecision),
		FundingRate:    decimal.New(rate, -domain.FundingRatePrecision),
		FundingRateRaw: rate,
		LastFundingTS:  ts,
		OpenInterest:   decimal.New(int64(oi), -domain.PricePrecision),
	}, nil
}

// perp_b layout:
//
//	disc [8] | version u8 | market_index u16 | base_decimals u8 | oracle [32] |
//	best_bid i64 | best_ask i64 | funding_rate i64
//
// The mark price is the mid of the top of book, zero when either side is
// empty.
func decodePerpB(raw []byte) (domain.PerpMarketState, error) {
	r := newReader(raw)
	r.discriminator(perpBDiscriminator)
	version := r.u8()
	idx := r.u16()
	_ = r.u8()
	oracle := r.pubkey()
	bid := r.i64()
	ask := r.i64()
	rate := r.i64()
	if r.err != nil {
		return domain.PerpMarketState{}, decodeErr(domain.ProtocolPerpB, r.err)
	}
	if version != perpBVersion {
		return domain.PerpMarketState{}, decodeErr(domain.ProtocolPerpB, fmt.Errorf("unsupported version %d", version))
	}
	st := domain.PerpMarketState{
		MarketIndex:    idx,
		Oracle:         oracle.AccountID(),
		BestBid:        decimal.New(bid, -domain.PricePrecision),
		BestAsk:        decimal.New(ask, -domain.PricePrecision),
		FundingRate:    decimal.New(rate, -domain.FundingRatePrecision),
		FundingRateRaw: rate,
	}
	if bid > 0 && ask > 0 {
		st.MarkPrice = st.BestBid.Add(st.BestAsk).Div(decimal.NewFromInt(2))
	}
	return st, nil
}

// EncodePerpA serialises a perp_a market account.
func EncodePerpA(s domain.PerpMarketState, oracle domain.PublicKey) []byte {
	w := &writer{buf: make([]byte, 0, PerpAAccountLen)}
	w.bytes(perpADiscriminator[:])
	w.u8(perpAVersion)
	w.u16(s.MarketIndex)
	w.bytes(oracle[:])
	w.i64(s.MarkPrice.Shift(domain.PricePrecision).IntPart())
	w.i64(s.FundingRate.Shift(domain.FundingRatePrecision).IntPart())
	w.i64(s.LastFundingTS)
	w.u64(uint64(s.OpenInterest.Shift(domain.PricePrecision).IntPart()))
	return w.buf
}

// EncodePerpB serialises a perp_b market account from its top of book.
func EncodePerpB(s domain.PerpMarketState, oracle domain.PublicKey) []byte {
	w := &writer{buf: make([]byte, 0, PerpBAccountLen)}
	w.bytes(perpBDiscriminator[:])
	w.u8(perpBVersion)
	w.u16(s.MarketIndex)
	w.u8(domain.PricePrecision)
	w.bytes(oracle[:])
	w.i64(s.BestBid.Shift(domain.PricePrecision).IntPart())
	w.i64(s.BestAsk.Shift(domain.PricePrecision).IntPart())
	w.i64(s.FundingRate.Shift(domain.FundingRatePrecision).IntPart())
	return w.buf
}

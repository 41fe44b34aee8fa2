package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

var fundingDiscriminator = [8]byte{'F', 'U', 'N', 'D', 'A', 'C', 'C', 'T'}

const (
	fundingVersion = 1

	// FundingHeaderLen is the encoded size of a funding account before its
	// data points.
	FundingHeaderLen = 8 + 1 + 1 + 2 + 1 + 2 + 32 + 8 + 8 + 8 + 4 + 2 + 9
	// fundingPointLen is the encoded size of one optional data point.
	fundingPointLen = 9

	// MaxFundingDataPoints bounds data_points_count.
	MaxFundingDataPoints = 1024
)

// FundingAccountLen returns the encoded size of a funding account holding n
// data points.
func FundingAccountLen(n int) int {
	return FundingHeaderLen + n*fundingPointLen
}

// funding layout:
//
//	disc [8] | version u8 | bump u8 | id u16 | exchange u8 | market_index u16 |
//	authority [32] | last_updated_ts i64 | update_frequency_secs u64 |
//	staleness_threshold_secs u64 | period_length u32 | data_points_count u16 |
//	ema option<i64> | data_points_count * option<i64>
func decodeFunding(raw []byte) (domain.FundingAccountState, error) {
	r := newReader(raw)
	r.discriminator(fundingDiscriminator)
	version := r.u8()
	st := domain.FundingAccountState{
		Bump:        r.u8(),
		ID:          r.u16(),
		Exchange:    domain.Exchange(r.u8()),
		MarketIndex: r.u16(),
	}
	authority := r.pubkey()
	st.LastUpdatedTS = r.i64()
	st.Config = domain.FundingConfig{
		UpdateFrequencySecs:    r.u64(),
		StalenessThresholdSecs: r.u64(),
		PeriodLength:           r.u32(),
		DataPointsCount:        r.u16(),
	}
	st.EMARaw = r.optionI64()
	if r.err != nil {
		return domain.FundingAccountState{}, decodeErr(domain.ProtocolFunding, r.err)
	}
	if version != fundingVersion {
		return domain.FundingAccountState{}, decodeErr(domain.ProtocolFunding, fmt.Errorf("unsupported version %d", version))
	}
	if st.Exchange != domain.ExchangePerpA && st.Exchange != domain.ExchangePerpB {
		return domain.FundingAccountState{}, decodeErr(domain.ProtocolFunding, fmt.Errorf("unknown exchange %d", st.Exchange))
	}
	if st.Config.DataPointsCount > MaxFundingDataPoints {
		return domain.FundingAccountState{}, decodeErr(domain.ProtocolFunding, fmt.Errorf("data_points_count %d", st.Config.DataPointsCount))
	}
	st.DataPoints = make([]*int64, st.Config.DataPointsCount)
	for i := range st.DataPoints {
		st.DataPoints[i] = r.optionI64()
	}
	if r.err != nil {
		return domain.FundingAccountState{}, decodeErr(domain.ProtocolFunding, r.err)
	}
	st.Authority = authority.AccountID()
	if st.EMARaw != nil {
		st.EMA = decimal.New(*st.EMARaw, -domain.FundingRatePrecision)
	}
	return st, nil
}

// EncodeFunding serialises a funding account.
func EncodeFunding(s domain.FundingAccountState, authority domain.PublicKey) []byte {
	w := &writer{buf: make([]byte, 0, FundingAccountLen(len(s.DataPoints)))}
	w.bytes(fundingDiscriminator[:])
	w.u8(fundingVersion)
	w.u8(s.Bump)
	w.u16(s.ID)
	w.u8(uint8(s.Exchange))
	w.u16(s.MarketIndex)
	w.bytes(authority[:])
	w.i64(s.LastUpdatedTS)
	w.u64(s.Config.UpdateFrequencySecs)
	w.u64(s.Config.StalenessThresholdSecs)
	w.u32(s.Config.PeriodLength)
	w.u16(uint16(len(s.DataPoints)))
	w.optionI64(s.EMARaw)
	for _, dp := range s.DataPoints {
		w.optionI64(dp)
	}
	return w.buf
}

// NextEMA folds one data point into the funding EMA the way the settlement
// program does: the first point seeds the average, later ones are weighted
// by 2/(period+1). Integer arithmetic truncates toward zero.
func NextEMA(prev *int64, dataPoint int64, period uint32) int64 {
	if prev == nil {
		return dataPoint
	}
	return (dataPoint-*prev)*2/(int64(period)+1) + *prev
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountID is the base58 address of a remote ledger account.
type AccountID string

// PublicKey parses the address.
func (id AccountID) PublicKey() (PublicKey, error) {
	return ParsePublicKey(string(id))
}

// Protocol tags the byte layout an account is decoded with. The set is
// closed: every tracked account maps to exactly one of these.
type Protocol string

const (
	ProtocolOracle  Protocol = "oracle"
	ProtocolPerpA   Protocol = "perp_a"
	ProtocolPerpB   Protocol = "perp_b"
	ProtocolFunding Protocol = "funding"
)

// Valid reports whether p is one of the known protocol tags.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolOracle, ProtocolPerpA, ProtocolPerpB, ProtocolFunding:
		return true
	}
	return false
}

// IsMarket reports whether p decodes to a PerpMarketState.
func (p Protocol) IsMarket() bool {
	return p == ProtocolPerpA || p == ProtocolPerpB
}

// AccountSnapshot is the last accepted state of one account. The cache keeps
// one per account, the one with the highest Sequence it has seen.
type AccountSnapshot struct {
	Account    AccountID
	Protocol   Protocol
	Sequence   uint64
	Raw        []byte
	State      any
	ObservedAt time.Time
}

// AccountUpdate is a raw account notification from a stream or a fetch.
type AccountUpdate struct {
	Account    AccountID
	Sequence   uint64
	Data       []byte
	ReceivedAt time.Time
}

// AccountInfo is the result of a point-in-time account fetch. Exists is
// false when the ledger has no account at the address.
type AccountInfo struct {
	Account AccountID
	Exists  bool
	Data    []byte
	Slot    uint64
	Owner   AccountID
}

// OracleState is a decoded price-oracle account.
type OracleState struct {
	Price       decimal.Decimal
	Confidence  decimal.Decimal
	Exponent    int32
	PublishSlot uint64
}

// PerpMarketState is a decoded perpetual-futures market. FundingRateRaw is
// the per-hour funding rate in FundingRatePrecision units.
type PerpMarketState struct {
	MarketIndex    uint16
	Oracle         AccountID
	MarkPrice      decimal.Decimal
	BestBid        decimal.Decimal
	BestAsk        decimal.Decimal
	FundingRate    decimal.Decimal
	FundingRateRaw int64
	LastFundingTS  int64
	OpenInterest   decimal.Decimal
}

// Exchange identifies which perp venue a funding account tracks.
type Exchange uint8

const (
	ExchangePerpA Exchange = 0
	ExchangePerpB Exchange = 1
)

// String returns the protocol tag of the venue.
func (e Exchange) String() string {
	switch e {
	case ExchangePerpA:
		return string(ProtocolPerpA)
	case ExchangePerpB:
		return string(ProtocolPerpB)
	}
	return "unknown"
}

// FundingConfig mirrors the configuration stored in a funding account.
type FundingConfig struct {
	UpdateFrequencySecs    uint64
	StalenessThresholdSecs uint64
	PeriodLength           uint32
	DataPointsCount        uint16
}

// FundingAccountState is a decoded settlement-program funding account.
// EMARaw is nil until the first data point has been recorded.
type FundingAccountState struct {
	Bump          uint8
	ID            uint16
	Exchange      Exchange
	MarketIndex   uint16
	Authority     AccountID
	LastUpdatedTS int64
	Config        FundingConfig
	EMARaw        *int64
	EMA           decimal.Decimal
	DataPoints    []*int64
}

// FundingRatePrecision is the fixed-point scale of raw funding rates.
const FundingRatePrecision = 9

// PricePrecision is the fixed-point scale of raw market prices.
const PricePrecision = 6

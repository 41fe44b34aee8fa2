package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

var (
	oracleID   = domain.PublicKey{1}.AccountID()
	marketAID  = domain.PublicKey{2}.AccountID()
	marketBID  = domain.PublicKey{3}.AccountID()
	fundingAID = domain.PublicKey{4}.AccountID()
	fundingBID = domain.PublicKey{5}.AccountID()
	takenAt    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func oracleAt(price string, seq uint64) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Account:    oracleID,
		Protocol:   domain.ProtocolOracle,
		Sequence:   seq,
		State:      domain.OracleState{Price: dec(price), Exponent: -8, PublishSlot: seq},
		ObservedAt: takenAt,
	}
}

func marketAt(id domain.AccountID, mark, rate string, seq uint64) domain.AccountSnapshot {
	return domain.AccountSnapshot{
		Account:  id,
		Protocol: domain.ProtocolPerpA,
		Sequence: seq,
		State: domain.PerpMarketState{
			Oracle:      oracleID,
			MarkPrice:   dec(mark),
			FundingRate: dec(rate),
		},
		ObservedAt: takenAt,
	}
}

func fundingAt(id domain.AccountID, ema *int64, seq uint64) domain.AccountSnapshot {
	st := domain.FundingAccountState{EMARaw: ema}
	if ema != nil {
		st.EMA = decimal.New(*ema, -domain.FundingRatePrecision)
	}
	return domain.AccountSnapshot{
		Account:    id,
		Protocol:   domain.ProtocolFunding,
		Sequence:   seq,
		State:      st,
		ObservedAt: takenAt,
	}
}

func basisPair(id string) domain.MarketPair {
	return domain.MarketPair{
		ID:             id,
		Kind:           domain.PairKindBasis,
		Oracle:         oracleID,
		MarketA:        marketAID,
		FeeSlippage:    dec("0.10"),
		MinEdge:        dec("0.05"),
		Size:           dec("2"),
		ValidityWindow: 10,
	}
}

func newDetector(t *testing.T, pairs ...domain.MarketPair) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultRegistry(), pairs, discardLogger())
	require.NoError(t, err)
	return d
}

func TestBasisMarkAboveOracle(t *testing.T) {
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100.00", 41),
		marketAt(marketAID, "100.50", "0", 42),
	}, nil)

	opps := newDetector(t, basisPair("sol-basis")).Detect(snap)
	require.Len(t, opps, 1)

	o := opps[0]
	assert.Equal(t, "sol-basis", o.PairID)
	assert.Equal(t, domain.DirectionShortMarkLongOracle, o.Direction)
	assert.Truef(t, o.ExpectedEdge.Equal(dec("0.40")), "edge %s", o.ExpectedEdge)
	assert.Equal(t, uint64(42), o.BasisSequence)
	assert.Equal(t, uint64(52), o.ValidUntil)
	assert.True(t, o.ReferencePrice.Equal(dec("100.50")))
	assert.True(t, o.ExposureDelta().Equal(dec("-2")))
	assert.Equal(t, takenAt, o.DetectedAt)
}

func TestBasisMarkBelowOracle(t *testing.T) {
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100.00", 7),
		marketAt(marketAID, "99.00", "0", 7),
	}, nil)

	opps := newDetector(t, basisPair("p")).Detect(snap)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.DirectionLongMarkShortOracle, opps[0].Direction)
	assert.True(t, opps[0].ExpectedEdge.Equal(dec("0.90")))
}

func TestBasisThresholdIsExclusive(t *testing.T) {
	// |100.15 - 100| - 0.10 = 0.05, exactly min_edge.
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 3),
		marketAt(marketAID, "100.15", "0", 3),
	}, nil)
	assert.Empty(t, newDetector(t, basisPair("p")).Detect(snap))

	snap = marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 3),
		marketAt(marketAID, "100.150001", "0", 3),
	}, nil)
	assert.Len(t, newDetector(t, basisPair("p")).Detect(snap), 1)
}

func TestDetectIsDeterministic(t *testing.T) {
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100.00", 9),
		marketAt(marketAID, "101.00", "0", 9),
	}, nil)
	d := newDetector(t, basisPair("a"), basisPair("b"))

	first := d.Detect(snap)
	for range 10 {
		assert.Equal(t, first, d.Detect(snap))
	}
	assert.NotEqual(t, first[0].ID, first[1].ID)
}

func TestDetectRanking(t *testing.T) {
	wide := basisPair("wide")
	wide.FeeSlippage = dec("0.01")
	tieB := basisPair("tie-b")
	tieA := basisPair("tie-a")

	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 5),
		marketAt(marketAID, "101", "0", 5),
	}, nil)
	opps := newDetector(t, tieB, wide, tieA).Detect(snap)
	require.Len(t, opps, 3)
	assert.Equal(t, []string{"wide", "tie-a", "tie-b"}, []string{opps[0].PairID, opps[1].PairID, opps[2].PairID})
}

func TestDetectSkipsExcludedAccounts(t *testing.T) {
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 5),
		marketAt(marketAID, "105", "0", 5),
	}, []domain.AccountID{marketAID})
	assert.Empty(t, newDetector(t, basisPair("p")).Detect(snap))
}

func TestDetectOracleLag(t *testing.T) {
	p := basisPair("p")
	p.MaxOracleLag = 5
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 10),
		marketAt(marketAID, "105", "0", 16),
	}, nil)
	assert.Empty(t, newDetector(t, p).Detect(snap))

	p.MaxOracleLag = 6
	assert.Len(t, newDetector(t, p).Detect(snap), 1)
}

func TestFundingSpreadUsesMarketRates(t *testing.T) {
	pair := domain.MarketPair{
		ID:             "fs",
		Kind:           domain.PairKindFundingSpread,
		Oracle:         oracleID,
		MarketA:        marketAID,
		MarketB:        marketBID,
		FeeSlippage:    dec("0.0001"),
		MinEdge:        dec("0.0001"),
		Size:           dec("1"),
		ValidityWindow: 4,
	}
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 20),
		marketAt(marketAID, "100", "0.0001", 20),
		marketAt(marketBID, "100", "0.0005", 20),
	}, nil)

	opps := newDetector(t, pair).Detect(snap)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.DirectionLongAShortB, opps[0].Direction)
	assert.True(t, opps[0].ExpectedEdge.Equal(dec("0.0003")))
	assert.True(t, opps[0].ExposureDelta().Equal(dec("1")))
}

func TestFundingSpreadPrefersEMA(t *testing.T) {
	emaA, emaB := int64(900000), int64(100000)
	pair := domain.MarketPair{
		ID:          "fs",
		Kind:        domain.PairKindFundingSpread,
		Oracle:      oracleID,
		MarketA:     marketAID,
		MarketB:     marketBID,
		FundingA:    fundingAID,
		FundingB:    fundingBID,
		FeeSlippage: dec("0.0001"),
		MinEdge:     dec("0"),
		Size:        dec("1"),
	}
	snap := marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 20),
		marketAt(marketAID, "100", "0", 20),
		marketAt(marketBID, "100", "0", 20),
		fundingAt(fundingAID, &emaA, 20),
		fundingAt(fundingBID, &emaB, 20),
	}, nil)

	opps := newDetector(t, pair).Detect(snap)
	require.Len(t, opps, 1)
	assert.Equal(t, domain.DirectionShortALongB, opps[0].Direction)
	assert.Truef(t, opps[0].ExpectedEdge.Equal(dec("0.0007")), "edge %s", opps[0].ExpectedEdge)

	snap = marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 20),
		marketAt(marketAID, "100", "0", 20),
		marketAt(marketBID, "100", "0", 20),
		fundingAt(fundingAID, &emaA, 20),
		fundingAt(fundingBID, nil, 20),
	}, nil)
	assert.Empty(t, newDetector(t, pair).Detect(snap))
}

func TestNewDetectorRejectsBadPairs(t *testing.T) {
	_, err := NewDetector(DefaultRegistry(), []domain.MarketPair{{ID: "x", Kind: "triangle"}}, discardLogger())
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewDetector(DefaultRegistry(), []domain.MarketPair{basisPair("x"), basisPair("x")}, discardLogger())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

type stubSource struct {
	snap  *marketstate.Snapshot
	stale []domain.AccountID
}

func (s *stubSource) Snapshot() *marketstate.Snapshot { return s.snap }
func (s *stubSource) MarkStaleIfDisconnected(time.Duration) []domain.AccountID {
	return s.stale
}

type recordingDispatcher struct {
	mu   sync.Mutex
	seen [][]domain.Opportunity
}

func (r *recordingDispatcher) Dispatch(_ context.Context, opps []domain.Opportunity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, opps)
}

type countingResync struct{ n int }

func (c *countingResync) RequestResync() { c.n++ }

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return b.Publish(ctx, stream, payload)
}

func TestRunCycleDispatchesAndPublishes(t *testing.T) {
	src := &stubSource{snap: marketstate.NewSnapshot(takenAt, 0, []domain.AccountSnapshot{
		oracleAt("100", 5),
		marketAt(marketAID, "101", "0", 5),
	}, nil)}
	disp := &recordingDispatcher{}
	bus := &memBus{}
	r := NewRunner(src, newDetector(t, basisPair("p")), RunnerConfig{}, discardLogger())
	r.SetDispatcher(disp)
	r.SetSignalBus(bus)

	opps := r.RunCycle(t.Context())
	require.Len(t, opps, 1)
	require.Len(t, disp.seen, 1)
	assert.Equal(t, opps, disp.seen[0])
	require.Len(t, bus.messages[domain.ChannelOpportunities], 1)
	assert.Contains(t, string(bus.messages[domain.ChannelOpportunities][0]), `"pair_id":"p"`)
}

func TestRunCycleStaleRequestsResync(t *testing.T) {
	src := &stubSource{
		snap:  marketstate.NewSnapshot(takenAt, 0, nil, []domain.AccountID{oracleID, marketAID}),
		stale: []domain.AccountID{marketAID},
	}
	rs := &countingResync{}
	disp := &recordingDispatcher{}
	r := NewRunner(src, newDetector(t, basisPair("p")), RunnerConfig{StaleTimeout: time.Second}, discardLogger())
	r.SetResyncRequester(rs)
	r.SetDispatcher(disp)

	assert.Empty(t, r.RunCycle(t.Context()))
	assert.Equal(t, 1, rs.n)
	assert.Empty(t, disp.seen)
}

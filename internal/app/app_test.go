package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/adapter"
	"github.com/alanyoungcy/perparb/internal/config"
	"github.com/alanyoungcy/perparb/internal/domain"
)

var (
	programKey = domain.PublicKey{0xaa, 1}
	oracleKey  = domain.PublicKey{1}
	marketKey  = domain.PublicKey{2}
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeNode serves getMultipleAccounts from accounts; unknown keys are null.
func fakeNode(t *testing.T, accounts map[string][]byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		if call.Method != "getMultipleAccounts" {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		var keys []string
		require.NoError(t, json.Unmarshal(call.Params[0], &keys))
		values := make([]any, len(keys))
		for i, k := range keys {
			if data, ok := accounts[k]; ok {
				values[i] = map[string]any{
					"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
					"owner":      programKey.String(),
					"lamports":   1,
					"executable": false,
				}
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      call.ID,
			"result":  map[string]any{"context": map[string]any{"slot": 10}, "value": values},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func monitorConfig(rpcURL string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "monitor"
	cfg.Ledger.RPCURL = rpcURL
	cfg.Markets.Pairs = []config.PairConfig{{
		ID:              "sol-basis",
		Kind:            string(domain.PairKindBasis),
		Oracle:          oracleKey.String(),
		MarketA:         marketKey.String(),
		MarketAProtocol: string(domain.ProtocolPerpA),
		FeeSlippage:     decimal.RequireFromString("0.1"),
		MinEdge:         decimal.RequireFromString("0.05"),
		Size:            decimal.NewFromInt(2),
		ValidityWindow:  10,
	}}
	return &cfg
}

func TestGroupAccounts(t *testing.T) {
	ids := []domain.AccountID{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]domain.AccountID{{"a", "b"}, {"c", "d"}, {"e"}}, groupAccounts(ids, 2))
	assert.Equal(t, [][]domain.AccountID{ids}, groupAccounts(ids, 0))
	assert.Empty(t, groupAccounts(nil, 3))
}

func TestWireMonitorTracksPairAccounts(t *testing.T) {
	deps, cleanup, err := Wire(t.Context(), monitorConfig("http://127.0.0.1:1"), discard())
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, 2, deps.Registry.Len())
	p, ok := deps.Registry.Protocol(marketKey.AccountID())
	require.True(t, ok)
	assert.Equal(t, domain.ProtocolPerpA, p)
	assert.Nil(t, deps.Signer, "monitor never signs")
	assert.Nil(t, deps.AttemptStore)
	assert.Nil(t, deps.Blob)
}

func TestWireAllowListFiltersPairs(t *testing.T) {
	cfg := monitorConfig("http://127.0.0.1:1")
	other := cfg.Markets.Pairs[0]
	other.ID = "eth-basis"
	other.Oracle = domain.PublicKey{5}.String()
	other.MarketA = domain.PublicKey{6}.String()
	cfg.Markets.Pairs = append(cfg.Markets.Pairs, other)
	cfg.Markets.Allow = []string{"eth-basis"}

	deps, cleanup, err := Wire(t.Context(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	require.Len(t, deps.Pairs, 1)
	assert.Equal(t, "eth-basis", deps.Pairs[0].ID)
	_, tracked := deps.Registry.Protocol(marketKey.AccountID())
	assert.False(t, tracked)
}

func TestWireRejectsConflictingLayouts(t *testing.T) {
	cfg := monitorConfig("http://127.0.0.1:1")
	other := cfg.Markets.Pairs[0]
	other.ID = "sol-basis-b"
	other.MarketAProtocol = string(domain.ProtocolPerpB)
	cfg.Markets.Pairs = append(cfg.Markets.Pairs, other)

	_, _, err := Wire(t.Context(), cfg, discard())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestWireDryRunUsesEphemeralKey(t *testing.T) {
	cfg := monitorConfig("http://127.0.0.1:1")
	cfg.Mode = "trade"
	cfg.DryRun = true
	cfg.Ledger.ProgramID = programKey.String()

	deps, cleanup, err := Wire(t.Context(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()
	require.NotNil(t, deps.Signer)
	assert.Equal(t, programKey, deps.ProgramID)
}

func TestWireBadWallet(t *testing.T) {
	cfg := monitorConfig("http://127.0.0.1:1")
	cfg.Mode = "trade"
	cfg.Ledger.ProgramID = programKey.String()
	cfg.Wallet.PrivateKey = "not-base58-0OIl"

	_, _, err := Wire(t.Context(), cfg, discard())
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestStartSyncFailsWhenNothingResolves(t *testing.T) {
	cfg := monitorConfig(fakeNode(t, nil))
	a := New(cfg, discard())
	deps, cleanup, err := Wire(t.Context(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	_, _, err = a.startSync(t.Context(), deps)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestStartSyncLoadsCache(t *testing.T) {
	oracle := adapter.EncodeOracle(domain.OracleState{
		Price:       decimal.RequireFromString("100"),
		Confidence:  decimal.RequireFromString("0.01"),
		Exponent:    -8,
		PublishSlot: 10,
	})
	market := adapter.EncodePerpA(domain.PerpMarketState{MarkPrice: decimal.RequireFromString("100.5")}, oracleKey)
	cfg := monitorConfig(fakeNode(t, map[string][]byte{
		oracleKey.String(): oracle,
		marketKey.String(): market,
	}))
	a := New(cfg, discard())
	deps, cleanup, err := Wire(t.Context(), cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	cache, _, err := a.startSync(t.Context(), deps)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Snapshot().Len())
}

func TestListFunding(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "list-funding"
	cfg.Ledger.ProgramID = programKey.String()
	cfg.Relayer.Targets = []config.FundingTargetConfig{
		{ID: 0, Exchange: "perp_a", MarketIndex: 1, Market: marketKey.String()},
		{ID: 0, Exchange: "perp_b", MarketIndex: 4, Market: marketKey.String()},
	}

	// Resolve addresses first so the node can serve the first one.
	probe, cleanup, err := Wire(t.Context(), &cfg, discard())
	require.NoError(t, err)
	cleanup()
	require.Len(t, probe.Targets, 2)

	ema := int64(1_500_000_000)
	raw := adapter.EncodeFunding(domain.FundingAccountState{
		ID:            0,
		Exchange:      domain.ExchangePerpA,
		MarketIndex:   1,
		LastUpdatedTS: 1_700_000_000,
		Config:        domain.FundingConfig{UpdateFrequencySecs: 120, StalenessThresholdSecs: 600, PeriodLength: 5, DataPointsCount: 2},
		EMARaw:        &ema,
		DataPoints:    make([]*int64, 2),
	}, programKey)
	cfg.Ledger.RPCURL = fakeNode(t, map[string][]byte{string(probe.Targets[0].Address): raw})

	a := New(&cfg, discard())
	var out bytes.Buffer
	a.out = &out
	deps, cleanup, err := Wire(t.Context(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, a.ListFunding(t.Context(), deps))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ADDRESS")
	assert.Contains(t, lines[1], string(probe.Targets[0].Address))
	assert.Contains(t, lines[1], "120s")
	assert.Contains(t, lines[1], "1.5")
	assert.Contains(t, lines[1], "ok")
	assert.Contains(t, lines[2], "perp_b")
	assert.Contains(t, lines[2], "missing")
}

type memAudit struct {
	events  []string
	details []map[string]any
	err     error
}

func (m *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	m.events = append(m.events, event)
	m.details = append(m.details, detail)
	return m.err
}

func TestAudit(t *testing.T) {
	a := New(monitorConfig(""), discard())
	a.audit(t.Context(), &Dependencies{}, "engine.start", nil)

	store := &memAudit{}
	a.audit(t.Context(), &Dependencies{AuditStore: store}, "engine.start", nil)
	store.err = errors.New("down")
	a.audit(t.Context(), &Dependencies{AuditStore: store}, "funding.initialized", nil)
	assert.Equal(t, []string{"engine.start", "funding.initialized"}, store.events)
}

type openAttempts struct {
	open []domain.ExecutionAttempt
	err  error
}

func (s *openAttempts) Upsert(context.Context, domain.ExecutionAttempt) error { return nil }

func (s *openAttempts) ListOpen(context.Context) ([]domain.ExecutionAttempt, error) {
	return s.open, s.err
}

func (s *openAttempts) ListTerminalBefore(context.Context, time.Time) ([]domain.ExecutionAttempt, error) {
	return nil, nil
}

func TestReportOpenAttempts(t *testing.T) {
	a := New(monitorConfig(""), discard())
	audit := &memAudit{}
	attempts := &openAttempts{open: []domain.ExecutionAttempt{
		{ID: "a1", Label: "arb:sol-basis", State: domain.AttemptSubmitted, LastHandle: "sig-1"},
		{ID: "a2", Label: "funding:update", State: domain.AttemptBuilding},
	}}
	deps := &Dependencies{AttemptStore: attempts, AuditStore: audit}

	assert.Equal(t, 2, a.reportOpenAttempts(t.Context(), deps))
	require.Equal(t, []string{"attempts.unresolved"}, audit.events)
	assert.Equal(t, []string{"a1", "a2"}, audit.details[0]["attempt_ids"])

	attempts.open, attempts.err = nil, errors.New("down")
	assert.Zero(t, a.reportOpenAttempts(t.Context(), deps))
	assert.Len(t, audit.events, 1)
}

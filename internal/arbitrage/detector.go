package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/perparb/internal/domain"
	"github.com/alanyoungcy/perparb/internal/marketstate"
)

// Detector evaluates every configured pair against a snapshot using the
// strategy registered for the pair's kind.
type Detector struct {
	pairs      []domain.MarketPair
	strategies []Strategy
	logger     *slog.Logger
}

// NewDetector binds each pair to its strategy. It fails if a pair's kind has
// no registered strategy or two pairs share an ID.
func NewDetector(registry *Registry, pairs []domain.MarketPair, logger *slog.Logger) (*Detector, error) {
	d := &Detector{
		pairs:      make([]domain.MarketPair, 0, len(pairs)),
		strategies: make([]Strategy, 0, len(pairs)),
		logger:     logger.With(slog.String("component", "arb_detector")),
	}
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("arbitrage: duplicate pair id %q: %w", p.ID, domain.ErrConfiguration)
		}
		seen[p.ID] = struct{}{}
		s, err := registry.Get(p.Kind)
		if err != nil {
			return nil, fmt.Errorf("arbitrage: pair %s: %v: %w", p.ID, err, domain.ErrConfiguration)
		}
		d.pairs = append(d.pairs, p)
		d.strategies = append(d.strategies, s)
	}
	return d, nil
}

// Pairs returns the configured pairs.
func (d *Detector) Pairs() []domain.MarketPair {
	return append([]domain.MarketPair(nil), d.pairs...)
}

// Detect returns at most one opportunity per pair, ranked by expected edge
// descending with ties broken by pair ID. Pairs whose inputs are unavailable
// in snap are skipped. The result depends only on snap.
func (d *Detector) Detect(snap *marketstate.Snapshot) []domain.Opportunity {
	var out []domain.Opportunity
	for i, p := range d.pairs {
		opp, err := d.strategies[i].Detect(snap, p)
		if err != nil {
			level := slog.LevelDebug
			if !errors.Is(err, marketstate.ErrUnavailable) && !errors.Is(err, marketstate.ErrNoPrice) && !errors.Is(err, ErrOracleLag) {
				level = slog.LevelWarn
			}
			d.logger.Log(context.Background(), level, "pair skipped",
				slog.String("pair", p.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if opp != nil {
			out = append(out, *opp)
		}
	}
	Rank(out)
	return out
}

// Rank orders opportunities by expected edge descending, then pair ID
// ascending.
func Rank(opps []domain.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if c := opps[i].ExpectedEdge.Cmp(opps[j].ExpectedEdge); c != 0 {
			return c > 0
		}
		return opps[i].PairID < opps[j].PairID
	})
}

package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Builder turns opportunities into signed ExecuteArbitrage transactions.
type Builder struct {
	programID domain.PublicKey
	signer    Signer
	pairs     map[string]domain.MarketPair
}

// NewBuilder creates a Builder for the configured pairs.
func NewBuilder(programID domain.PublicKey, signer Signer, pairs []domain.MarketPair) *Builder {
	b := &Builder{
		programID: programID,
		signer:    signer,
		pairs:     make(map[string]domain.MarketPair, len(pairs)),
	}
	for _, p := range pairs {
		b.pairs[p.ID] = p
	}
	return b
}

// ProgramID returns the settlement program address.
func (b *Builder) ProgramID() domain.PublicKey { return b.programID }

// Authority returns the signing wallet address.
func (b *Builder) Authority() domain.PublicKey { return b.signer.PublicKey() }

// Build compiles and signs the settlement transaction for one submission of
// attempt. Every rebuild yields a new transaction against the given anchor
// but carries the attempt's unchanging idempotency key.
func (b *Builder) Build(attempt domain.ExecutionAttempt, opp domain.Opportunity, anchor domain.Anchor) ([]byte, error) {
	ix, err := b.instruction(attempt, opp)
	if err != nil {
		return nil, err
	}
	tx, _, err := SignTransaction(b.signer, []Instruction{ix}, anchor.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("settlement: build %s: %w", attempt.ID, err)
	}
	return tx, nil
}

// Sign compiles and signs arbitrary instructions against anchor.
func (b *Builder) Sign(instrs []Instruction, anchor domain.Anchor) ([]byte, error) {
	tx, _, err := SignTransaction(b.signer, instrs, anchor.Blockhash)
	return tx, err
}

func (b *Builder) instruction(attempt domain.ExecutionAttempt, opp domain.Opportunity) (Instruction, error) {
	pair, ok := b.pairs[opp.PairID]
	if !ok {
		return Instruction{}, fmt.Errorf("settlement: unknown pair %q: %w", opp.PairID, domain.ErrConfiguration)
	}
	oracle, err := pair.Oracle.PublicKey()
	if err != nil {
		return Instruction{}, err
	}
	var markets []domain.PublicKey
	for _, id := range []domain.AccountID{pair.MarketA, pair.MarketB} {
		if id == "" {
			continue
		}
		pk, err := id.PublicKey()
		if err != nil {
			return Instruction{}, err
		}
		markets = append(markets, pk)
	}

	authority := b.signer.PublicKey()
	record, _, err := AttemptRecordAddress(b.programID, authority, attempt.IdempotencyKey)
	if err != nil {
		return Instruction{}, err
	}
	if opp.Size.IsNegative() {
		return Instruction{}, fmt.Errorf("settlement: negative size %s", opp.Size)
	}

	return ExecuteArbitrage(b.programID, authority, record, oracle, markets, ArbitrageParams{
		IdempotencyKey: attempt.IdempotencyKey,
		Direction:      opp.Direction.Code(),
		Size:           uint64(fixed(opp.Size)),
		ReferencePrice: fixed(opp.ReferencePrice),
		ExpectedEdge:   fixed(opp.ExpectedEdge),
		ValidUntil:     opp.ValidUntil,
	}), nil
}

func fixed(d decimal.Decimal) int64 {
	return d.Shift(domain.PricePrecision).IntPart()
}

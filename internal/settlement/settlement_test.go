package settlement

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
)

type edSigner struct {
	priv ed25519.PrivateKey
}

func newEdSigner() *edSigner {
	seed := make([]byte, ed25519.SeedSize)
	seed[0] = 9
	return &edSigner{priv: ed25519.NewKeyFromSeed(seed)}
}

func (s *edSigner) PublicKey() domain.PublicKey {
	var pk domain.PublicKey
	copy(pk[:], s.priv.Public().(ed25519.PublicKey))
	return pk
}

func (s *edSigner) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

var (
	programID = domain.PublicKey{0xaa, 1}
	blockhash = domain.PublicKey{0xbb, 2}.String()
)

func TestCompactU16(t *testing.T) {
	cases := map[int][]byte{
		0:      {0x00},
		0x7f:   {0x7f},
		0x80:   {0x80, 0x01},
		0x3fff: {0xff, 0x7f},
		0x4000: {0x80, 0x80, 0x01},
		0xffff: {0xff, 0xff, 0x03},
	}
	for n, want := range cases {
		got := appendCompactU16(nil, n)
		assert.Equalf(t, want, got, "encode %d", n)
		v, used, err := readCompactU16(got)
		require.NoError(t, err)
		assert.Equal(t, n, v)
		assert.Equal(t, len(want), used)
	}
	_, _, err := readCompactU16([]byte{0x80})
	assert.Error(t, err)
}

func TestCompileMessageOrdersAccounts(t *testing.T) {
	payer := domain.PublicKey{1}
	ro := domain.PublicKey{2}
	rw := domain.PublicKey{3}
	ix := Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: ro},
			{PublicKey: payer, IsSigner: true},
			{PublicKey: rw, IsWritable: true},
		},
		Data: []byte{7},
	}
	m, err := CompileMessage(payer, []Instruction{ix}, domain.PublicKey{})
	require.NoError(t, err)

	assert.Equal(t, []domain.PublicKey{payer, rw, ro, programID}, m.AccountKeys)
	assert.Equal(t, uint8(1), m.NumRequiredSignatures)
	assert.Equal(t, uint8(0), m.NumReadonlySignedAccounts)
	assert.Equal(t, uint8(2), m.NumReadonlyUnsignedAccounts)
	require.Len(t, m.Instructions, 1)
	assert.Equal(t, uint8(3), m.Instructions[0].ProgramIDIndex)
	assert.Equal(t, []uint8{2, 0, 1}, m.Instructions[0].AccountIndexes)
}

func TestSignTransactionVerifies(t *testing.T) {
	s := newEdSigner()
	ix := UpdateFundingData(programID, s.PublicKey(), domain.PublicKey{5}, -42)

	tx, sig, err := SignTransaction(s, []Instruction{ix}, blockhash)
	require.NoError(t, err)

	sigs, msg, err := SplitTransaction(tx)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, sig, sigs[0])
	assert.True(t, ed25519.Verify(s.priv.Public().(ed25519.PublicKey), msg, sig))

	_, _, err = SignTransaction(s, []Instruction{ix}, "not-base58!")
	assert.Error(t, err)
}

func TestUpdateFundingDataEncoding(t *testing.T) {
	ix := UpdateFundingData(programID, domain.PublicKey{1}, domain.PublicKey{2}, -5)
	require.Len(t, ix.Data, 9)
	assert.Equal(t, TagUpdateFundingData, ix.Data[0])
	assert.Equal(t, int64(-5), int64(binary.LittleEndian.Uint64(ix.Data[1:])))
}

func TestConfigureFundingAccountOptionals(t *testing.T) {
	period := uint32(7)
	ix := ConfigureFundingAccount(programID, domain.PublicKey{1}, domain.PublicKey{2}, FundingConfigUpdate{PeriodLength: &period})
	assert.Equal(t, []byte{TagConfigureFundingAccount, 0, 0, 1, 7, 0, 0, 0, 0}, ix.Data)
}

func TestFindProgramAddressIsOffCurveAndStable(t *testing.T) {
	a, bumpA, err := FundingAccountAddress(programID, 0, 3, domain.ExchangePerpA)
	require.NoError(t, err)
	b, bumpB, err := FundingAccountAddress(programID, 0, 3, domain.ExchangePerpA)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, bumpA, bumpB)
	assert.False(t, onCurve(a))

	c, _, err := FundingAccountAddress(programID, 0, 3, domain.ExchangePerpB)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = CreateProgramAddress([][]byte{make([]byte, 33)}, programID)
	assert.Error(t, err)
}

func TestBuilderKeepsIdempotencyKeyAcrossRebuilds(t *testing.T) {
	s := newEdSigner()
	pair := domain.MarketPair{
		ID:      "sol-basis",
		Kind:    domain.PairKindBasis,
		Oracle:  domain.PublicKey{1}.AccountID(),
		MarketA: domain.PublicKey{2}.AccountID(),
	}
	b := NewBuilder(programID, s, []domain.MarketPair{pair})
	attempt := domain.ExecutionAttempt{ID: "a1", IdempotencyKey: [16]byte{1, 2, 3}}
	opp := domain.Opportunity{
		PairID:         "sol-basis",
		Direction:      domain.DirectionShortMarkLongOracle,
		Size:           decimal.RequireFromString("1.5"),
		ReferencePrice: decimal.RequireFromString("100.5"),
		ExpectedEdge:   decimal.RequireFromString("0.4"),
		ValidUntil:     99,
	}

	tx1, err := b.Build(attempt, opp, domain.Anchor{Blockhash: blockhash})
	require.NoError(t, err)
	tx2, err := b.Build(attempt, opp, domain.Anchor{Blockhash: domain.PublicKey{0xcc}.String()})
	require.NoError(t, err)
	assert.NotEqual(t, tx1, tx2)

	ix, err := b.instruction(attempt, opp)
	require.NoError(t, err)
	assert.Equal(t, TagExecuteArbitrage, ix.Data[0])
	assert.Equal(t, attempt.IdempotencyKey[:], ix.Data[1:17])
	assert.Equal(t, uint8(0), ix.Data[17])
	assert.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(ix.Data[18:26]))
	assert.Equal(t, uint64(100_500_000), binary.LittleEndian.Uint64(ix.Data[26:34]))
	assert.Equal(t, uint64(400_000), binary.LittleEndian.Uint64(ix.Data[34:42]))
	assert.Equal(t, uint64(99), binary.LittleEndian.Uint64(ix.Data[42:50]))

	opp.PairID = "unknown"
	_, err = b.Build(attempt, opp, domain.Anchor{Blockhash: blockhash})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

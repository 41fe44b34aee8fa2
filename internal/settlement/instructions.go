// Package settlement encodes instructions for the on-chain settlement
// program and compiles them into signed transactions.
package settlement

import (
	"encoding/binary"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Instruction tags, in the order the program declares them.
const (
	TagInitializeFundingAccount uint8 = iota
	TagConfigureFundingAccount
	TagConfigureFundingAuthority
	TagUpdateFundingData
	TagCloseFundingAccount
	TagExecuteArbitrage
)

// FundingConfigUpdate carries optional funding-account settings; nil fields
// are left unchanged by the program.
type FundingConfigUpdate struct {
	UpdateFrequencySecs    *uint64
	StalenessThresholdSecs *uint64
	PeriodLength           *uint32
	DataPointsCount        *uint16
}

// ArbitrageParams is the payload of an ExecuteArbitrage instruction. Prices
// and edge are fixed-point at domain.PricePrecision; size likewise.
type ArbitrageParams struct {
	IdempotencyKey [domain.IdempotencyKeyLen]byte
	Direction      uint8
	Size           uint64
	ReferencePrice int64
	ExpectedEdge   int64
	ValidUntil     uint64
}

type enc []byte

func (e enc) u8(v uint8) enc   { return append(e, v) }
func (e enc) u16(v uint16) enc { return binary.LittleEndian.AppendUint16(e, v) }
func (e enc) u32(v uint32) enc { return binary.LittleEndian.AppendUint32(e, v) }
func (e enc) u64(v uint64) enc { return binary.LittleEndian.AppendUint64(e, v) }
func (e enc) i64(v int64) enc  { return e.u64(uint64(v)) }

func (e enc) optU64(v *uint64) enc {
	if v == nil {
		return e.u8(0)
	}
	return e.u8(1).u64(*v)
}

func (e enc) optU32(v *uint32) enc {
	if v == nil {
		return e.u8(0)
	}
	return e.u8(1).u32(*v)
}

func (e enc) optU16(v *uint16) enc {
	if v == nil {
		return e.u8(0)
	}
	return e.u8(1).u16(*v)
}

// InitializeFundingAccount creates the funding account for one market.
func InitializeFundingAccount(programID, authority, fundingAccount domain.PublicKey, id uint16, exchange domain.Exchange, marketIndex uint16, cfg domain.FundingConfig) Instruction {
	data := enc{}.u8(TagInitializeFundingAccount).
		u16(id).
		u8(uint8(exchange)).
		u16(marketIndex).
		u64(cfg.UpdateFrequencySecs).
		u64(cfg.StalenessThresholdSecs).
		u32(cfg.PeriodLength).
		u16(cfg.DataPointsCount)
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: authority, IsSigner: true},
			{PublicKey: fundingAccount, IsWritable: true},
			{PublicKey: SystemProgramID},
		},
		Data: data,
	}
}

// ConfigureFundingAccount changes a funding account's settings.
func ConfigureFundingAccount(programID, authority, fundingAccount domain.PublicKey, u FundingConfigUpdate) Instruction {
	data := enc{}.u8(TagConfigureFundingAccount).
		optU64(u.UpdateFrequencySecs).
		optU64(u.StalenessThresholdSecs).
		optU32(u.PeriodLength).
		optU16(u.DataPointsCount)
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: authority, IsSigner: true},
			{PublicKey: fundingAccount, IsWritable: true},
			{PublicKey: SystemProgramID},
		},
		Data: data,
	}
}

// ConfigureFundingAuthority hands a funding account to a new authority.
func ConfigureFundingAuthority(programID, authority, fundingAccount, newAuthority domain.PublicKey) Instruction {
	data := append(enc{}.u8(TagConfigureFundingAuthority), newAuthority[:]...)
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: authority, IsSigner: true},
			{PublicKey: fundingAccount, IsWritable: true},
		},
		Data: data,
	}
}

// UpdateFundingData pushes one funding-rate sample.
func UpdateFundingData(programID, authority, fundingAccount domain.PublicKey, dataPoint int64) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: authority, IsSigner: true},
			{PublicKey: fundingAccount, IsWritable: true},
		},
		Data: enc{}.u8(TagUpdateFundingData).i64(dataPoint),
	}
}

// CloseFundingAccount closes a funding account and refunds its rent to
// receiver.
func CloseFundingAccount(programID, authority, fundingAccount, receiver domain.PublicKey) Instruction {
	return Instruction{
		ProgramID: programID,
		Accounts: []AccountMeta{
			{PublicKey: authority, IsSigner: true, IsWritable: true},
			{PublicKey: fundingAccount, IsWritable: true},
			{PublicKey: receiver, IsWritable: true},
		},
		Data: enc{}.u8(TagCloseFundingAccount),
	}
}

// ExecuteArbitrage asks the settlement program to trade both legs of an
// opportunity. The program creates attemptRecord on success and refuses any
// later instruction with the same idempotency key.
func ExecuteArbitrage(programID, authority, attemptRecord, oracle domain.PublicKey, markets []domain.PublicKey, p ArbitrageParams) Instruction {
	data := append(enc{}.u8(TagExecuteArbitrage), p.IdempotencyKey[:]...)
	data = enc(data).
		u8(p.Direction).
		u64(p.Size).
		i64(p.ReferencePrice).
		i64(p.ExpectedEdge).
		u64(p.ValidUntil)

	accounts := []AccountMeta{
		{PublicKey: authority, IsSigner: true, IsWritable: true},
		{PublicKey: attemptRecord, IsWritable: true},
		{PublicKey: SystemProgramID},
		{PublicKey: oracle},
	}
	for _, m := range markets {
		accounts = append(accounts, AccountMeta{PublicKey: m, IsWritable: true})
	}
	return Instruction{ProgramID: programID, Accounts: accounts, Data: data}
}

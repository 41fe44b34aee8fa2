package adapter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	oracleMagic   uint32 = 0xa1b2c3d4
	oracleVersion uint32 = 2
	// OracleAccountLen is the encoded size of an oracle account.
	OracleAccountLen = 4 + 4 + 4 + 8 + 8 + 8

	// maxExponent bounds the decimal exponent an oracle may publish.
	maxExponent = 18
)

// Oracle account layout:
//
//	magic u32 | version u32 | expo i32 | price i64 | conf u64 | publish_slot u64
func decodeOracle(raw []byte) (domain.OracleState, error) {
	r := newReader(raw)
	magic := r.u32()
	version := r.u32()
	expo := r.i32()
	price := r.i64()
	conf := r.u64()
	slot := r.u64()
	if r.err != nil {
		return domain.OracleState{}, decodeErr(domain.ProtocolOracle, r.err)
	}
	if magic != oracleMagic {
		return domain.OracleState{}, decodeErr(domain.ProtocolOracle, fmt.Errorf("magic %#x", magic))
	}
	if version != oracleVersion {
		return domain.OracleState{}, decodeErr(domain.ProtocolOracle, fmt.Errorf("unsupported version %d", version))
	}
	if expo > 0 || expo < -maxExponent {
		return domain.OracleState{}, decodeErr(domain.ProtocolOracle, fmt.Errorf("exponent %d out of range", expo))
	}
	return domain.OracleState{
		Price:       decimal.New(price, expo),
		Confidence:  decimal.New(int64(conf), expo),
		Exponent:    expo,
		PublishSlot: slot,
	}, nil
}

// EncodeOracle serialises an oracle account. Price and Confidence are scaled
// by Exponent.
func EncodeOracle(s domain.OracleState) []byte {
	w := &writer{buf: make([]byte, 0, OracleAccountLen)}
	w.u32(oracleMagic)
	w.u32(oracleVersion)
	w.i32(s.Exponent)
	w.i64(s.Price.Shift(-s.Exponent).IntPart())
	w.u64(uint64(s.Confidence.Shift(-s.Exponent).IntPart()))
	w.u64(s.PublishSlot)
	return w.buf
}

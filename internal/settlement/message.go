package settlement

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// SignatureLen is the byte length of an ed25519 signature.
const SignatureLen = ed25519.SignatureSize

// SystemProgramID is the ledger's native account-creation program.
var SystemProgramID = domain.PublicKey{}

// Signer signs serialized transaction messages.
type Signer interface {
	PublicKey() domain.PublicKey
	Sign(message []byte) ([]byte, error)
}

// AccountMeta is one account an instruction touches.
type AccountMeta struct {
	PublicKey  domain.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a program invocation.
type Instruction struct {
	ProgramID domain.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// Message is a compiled legacy transaction message.
type Message struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
	AccountKeys                 []domain.PublicKey
	RecentBlockhash             domain.PublicKey
	Instructions                []CompiledInstruction
}

// CompiledInstruction references accounts by index into Message.AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

var errTooManyAccounts = errors.New("settlement: message references more than 256 accounts")

// CompileMessage orders every referenced account as writable signers,
// readonly signers, writable non-signers, then readonly non-signers, with the
// fee payer first. Program IDs are readonly non-signers.
func CompileMessage(payer domain.PublicKey, instrs []Instruction, blockhash domain.PublicKey) (*Message, error) {
	type entry struct {
		key      domain.PublicKey
		signer   bool
		writable bool
		order    int
	}
	entries := map[domain.PublicKey]*entry{
		payer: {key: payer, signer: true, writable: true, order: 0},
	}
	next := 1
	touch := func(k domain.PublicKey, signer, writable bool) {
		e, ok := entries[k]
		if !ok {
			e = &entry{key: k, order: next}
			next++
			entries[k] = e
		}
		e.signer = e.signer || signer
		e.writable = e.writable || writable
	}
	for _, ix := range instrs {
		for _, a := range ix.Accounts {
			touch(a.PublicKey, a.IsSigner, a.IsWritable)
		}
		touch(ix.ProgramID, false, false)
	}
	if len(entries) > 256 {
		return nil, errTooManyAccounts
	}

	list := make([]*entry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	class := func(e *entry) int {
		switch {
		case e.key == payer:
			return 0
		case e.signer && e.writable:
			return 1
		case e.signer:
			return 2
		case e.writable:
			return 3
		}
		return 4
	}
	sort.Slice(list, func(i, j int) bool {
		ci, cj := class(list[i]), class(list[j])
		if ci != cj {
			return ci < cj
		}
		return list[i].order < list[j].order
	})

	m := &Message{RecentBlockhash: blockhash}
	index := make(map[domain.PublicKey]uint8, len(list))
	for i, e := range list {
		index[e.key] = uint8(i)
		m.AccountKeys = append(m.AccountKeys, e.key)
		if e.signer {
			m.NumRequiredSignatures++
			if !e.writable {
				m.NumReadonlySignedAccounts++
			}
		} else if !e.writable {
			m.NumReadonlyUnsignedAccounts++
		}
	}
	for _, ix := range instrs {
		ci := CompiledInstruction{ProgramIDIndex: index[ix.ProgramID], Data: ix.Data}
		for _, a := range ix.Accounts {
			ci.AccountIndexes = append(ci.AccountIndexes, index[a.PublicKey])
		}
		m.Instructions = append(m.Instructions, ci)
	}
	return m, nil
}

// Serialize encodes the message in the legacy wire format.
func (m *Message) Serialize() []byte {
	buf := []byte{m.NumRequiredSignatures, m.NumReadonlySignedAccounts, m.NumReadonlyUnsignedAccounts}
	buf = appendCompactU16(buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = appendCompactU16(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		buf = appendCompactU16(buf, len(ix.AccountIndexes))
		buf = append(buf, ix.AccountIndexes...)
		buf = appendCompactU16(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf
}

// SignTransaction compiles instrs against blockhash with signer as fee payer
// and returns the serialized, signed transaction and its first signature.
func SignTransaction(signer Signer, instrs []Instruction, blockhash string) (tx []byte, signature []byte, err error) {
	bh, err := domain.ParsePublicKey(blockhash)
	if err != nil {
		return nil, nil, fmt.Errorf("settlement: blockhash: %w", err)
	}
	msg, err := CompileMessage(signer.PublicKey(), instrs, bh)
	if err != nil {
		return nil, nil, err
	}
	if msg.NumRequiredSignatures != 1 {
		return nil, nil, fmt.Errorf("settlement: message needs %d signers, only the fee payer signs", msg.NumRequiredSignatures)
	}
	raw := msg.Serialize()
	sig, err := signer.Sign(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("settlement: sign: %w", err)
	}
	if len(sig) != SignatureLen {
		return nil, nil, fmt.Errorf("settlement: signature has %d bytes", len(sig))
	}
	out := appendCompactU16(make([]byte, 0, 1+SignatureLen+len(raw)), 1)
	out = append(out, sig...)
	out = append(out, raw...)
	return out, sig, nil
}

// SplitTransaction separates a serialized transaction into its signatures and
// message bytes.
func SplitTransaction(tx []byte) (sigs [][]byte, message []byte, err error) {
	n, used, err := readCompactU16(tx)
	if err != nil {
		return nil, nil, err
	}
	rest := tx[used:]
	if len(rest) < n*SignatureLen {
		return nil, nil, fmt.Errorf("settlement: transaction truncated: %d signatures", n)
	}
	for i := 0; i < n; i++ {
		sigs = append(sigs, rest[i*SignatureLen:(i+1)*SignatureLen])
	}
	return sigs, rest[n*SignatureLen:], nil
}

func appendCompactU16(buf []byte, n int) []byte {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

func readCompactU16(buf []byte) (value, used int, err error) {
	for i := 0; i < 3; i++ {
		if i >= len(buf) {
			return 0, 0, errors.New("settlement: compact-u16 truncated")
		}
		b := buf[i]
		value |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}
	return 0, 0, errors.New("settlement: compact-u16 overflow")
}

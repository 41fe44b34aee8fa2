package domain

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeyLen is the byte length of a ledger account address.
const PublicKeyLen = 32

// PublicKey is the raw form of a ledger account address.
type PublicKey [PublicKeyLen]byte

// ParsePublicKey decodes a base58 account address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("domain: parse public key %q: %w", s, err)
	}
	if len(b) != PublicKeyLen {
		return pk, fmt.Errorf("domain: public key %q has %d bytes, want %d", s, len(b), PublicKeyLen)
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants. It panics on
// malformed input.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// String returns the base58 encoding.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// AccountID returns the address as an AccountID.
func (pk PublicKey) AccountID() AccountID {
	return AccountID(pk.String())
}

// IsZero reports whether every byte is zero.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

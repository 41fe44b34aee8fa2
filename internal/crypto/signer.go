package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// Signer signs transaction messages with an ed25519 wallet key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  domain.PublicKey
}

// NewSigner creates a Signer from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: expected %d-byte seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	s := &Signer{privateKey: priv}
	copy(s.publicKey[:], priv.Public().(ed25519.PublicKey))
	return s, nil
}

// GenerateSigner creates a Signer with a fresh random key and returns its
// seed alongside.
func GenerateSigner() (*Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	seed := priv.Seed()
	s, err := NewSigner(seed)
	return s, seed, err
}

// PublicKey returns the wallet address.
func (s *Signer) PublicKey() domain.PublicKey { return s.publicKey }

// Address returns the wallet address in base58.
func (s *Signer) Address() string { return s.publicKey.String() }

// Sign signs message.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, message), nil
}

// Verify reports whether sig is a valid signature of message by pk.
func Verify(pk domain.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pk[:]), message, sig)
}

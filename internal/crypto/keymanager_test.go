package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return seed
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey(testSeed(), "hunter2")
	require.NoError(t, err)

	seed, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKeyRejectsBadInput(t *testing.T) {
	_, err := EncryptKey(testSeed(), "")
	assert.Error(t, err)
	_, err = EncryptKey([]byte{1, 2, 3}, "pw")
	assert.Error(t, err)
}

func TestParseSecret(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(testSeed())

	seed, err := ParseSecret(base58.Encode(priv))
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)

	seed, err = ParseSecret(base58.Encode(testSeed()))
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)

	tampered := append([]byte(nil), priv...)
	tampered[63] ^= 0xff
	_, err = ParseSecret(base58.Encode(tampered))
	assert.Error(t, err)

	_, err = ParseSecret("0OIl")
	assert.Error(t, err)
}

func TestParseSecretKeypairFile(t *testing.T) {
	priv := ed25519.NewKeyFromSeed(testSeed())
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	seed, err := LoadKey(KeyConfig{RawPrivateKey: path})
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)
}

func TestLoadKeyEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testSeed(), "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	seed, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testSeed(), seed)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestSignerSignsVerifiably(t *testing.T) {
	s, err := NewSigner(testSeed())
	require.NoError(t, err)

	msg := []byte("settle")
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	assert.True(t, Verify(s.PublicKey(), msg, sig))
	assert.False(t, Verify(s.PublicKey(), []byte("other"), sig))
	assert.Equal(t, s.PublicKey().String(), s.Address())
}

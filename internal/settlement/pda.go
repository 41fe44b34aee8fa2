package settlement

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/alanyoungcy/perparb/internal/domain"
)

const (
	maxSeeds   = 16
	maxSeedLen = 32
	pdaMarker  = "ProgramDerivedAddress"
)

var errOnCurve = errors.New("settlement: derived address is on the ed25519 curve")

// CreateProgramAddress hashes seeds with programID. The result must not be a
// valid ed25519 point, otherwise some private key could sign for it.
func CreateProgramAddress(seeds [][]byte, programID domain.PublicKey) (domain.PublicKey, error) {
	if len(seeds) > maxSeeds {
		return domain.PublicKey{}, fmt.Errorf("settlement: %d seeds exceeds %d", len(seeds), maxSeeds)
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > maxSeedLen {
			return domain.PublicKey{}, fmt.Errorf("settlement: seed of %d bytes exceeds %d", len(s), maxSeedLen)
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var pk domain.PublicKey
	copy(pk[:], h.Sum(nil))
	if onCurve(pk) {
		return domain.PublicKey{}, errOnCurve
	}
	return pk, nil
}

// FindProgramAddress searches bump seeds from 255 down for the first
// off-curve address.
func FindProgramAddress(seeds [][]byte, programID domain.PublicKey) (domain.PublicKey, uint8, error) {
	withBump := append(append([][]byte(nil), seeds...), nil)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(withBump, programID)
		if errors.Is(err, errOnCurve) {
			continue
		}
		if err != nil {
			return domain.PublicKey{}, 0, err
		}
		return pk, uint8(bump), nil
	}
	return domain.PublicKey{}, 0, errors.New("settlement: no viable bump seed")
}

func onCurve(pk domain.PublicKey) bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

// FundingAccountAddress derives the funding account for one exchange market.
func FundingAccountAddress(programID domain.PublicKey, id uint16, marketIndex uint16, exchange domain.Exchange) (domain.PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{
		[]byte("funding"),
		binary.LittleEndian.AppendUint16(nil, id),
		binary.LittleEndian.AppendUint16(nil, marketIndex),
		{byte(exchange)},
	}, programID)
}

// AttemptRecordAddress derives the account the settlement program writes
// when it executes an attempt. Its existence makes a second execution of the
// same idempotency key fail.
func AttemptRecordAddress(programID, authority domain.PublicKey, key [domain.IdempotencyKeyLen]byte) (domain.PublicKey, uint8, error) {
	return FindProgramAddress([][]byte{
		[]byte("attempt"),
		authority[:],
		key[:],
	}, programID)
}

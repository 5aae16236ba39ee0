package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// MaxSeeds is the most seeds a derived address may use, bump included.
	MaxSeeds = 16
	// MaxSeedLength is the largest single seed in bytes.
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

// ErrOnCurve means the candidate address is a valid ed25519 point and so
// could have a private key; derived addresses must not.
var ErrOnCurve = errors.New("derived address is on the ed25519 curve")

// ErrNoViableBump means every bump from 255 to 0 produced an on-curve point.
var ErrNoViableBump = errors.New("unable to find a viable program address bump")

// Seed is one component of a derived address. Its encoding must match the
// bytes the program hashes or a different address is silently derived.
type Seed interface {
	SeedBytes() []byte
}

type seedBytes []byte

func (s seedBytes) SeedBytes() []byte { return []byte(s) }

// SeedBytes is a constant byte string seed.
func SeedBytes(b []byte) Seed { return seedBytes(b) }

// SeedString is a constant tag seed such as "campaign".
func SeedString(s string) Seed { return seedBytes(s) }

// SeedAddress is a referenced record address.
func SeedAddress(pk PublicKey) Seed { return seedBytes(pk.Bytes()) }

// SeedU64 encodes v as 8 little-endian bytes.
func SeedU64(v uint64) Seed {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return seedBytes(b)
}

// SeedU32 encodes v as 4 little-endian bytes.
func SeedU32(v uint32) Seed {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return seedBytes(b)
}

// SeedU16 encodes v as 2 little-endian bytes.
func SeedU16(v uint16) Seed {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return seedBytes(b)
}

// IsOnCurve reports whether b decodes to an ed25519 point.
func IsOnCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

// CreateProgramAddress hashes seeds with the owning program id. The result is
// rejected with ErrOnCurve when it lands on the curve.
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	if len(seeds) > MaxSeeds {
		return PublicKey{}, fmt.Errorf("too many seeds: %d > %d", len(seeds), MaxSeeds)
	}
	h := sha256.New()
	for i, s := range seeds {
		if len(s) > MaxSeedLength {
			return PublicKey{}, fmt.Errorf("seed %d is %d bytes, max %d", i, len(s), MaxSeedLength)
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))
	sum := h.Sum(nil)
	if IsOnCurve(sum) {
		return PublicKey{}, ErrOnCurve
	}
	var pk PublicKey
	copy(pk[:], sum)
	return pk, nil
}

// FindProgramAddress returns the first off-curve address walking the bump
// seed down from 255, along with that bump.
func FindProgramAddress(seeds []Seed, programID PublicKey) (PublicKey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return PublicKey{}, 0, fmt.Errorf("too many seeds: %d leaves no room for the bump", len(seeds))
	}
	raw := make([][]byte, 0, len(seeds)+1)
	for _, s := range seeds {
		raw = append(raw, s.SeedBytes())
	}
	raw = append(raw, nil)
	for bump := 255; bump >= 0; bump-- {
		raw[len(raw)-1] = []byte{byte(bump)}
		pk, err := CreateProgramAddress(raw, programID)
		if errors.Is(err, ErrOnCurve) {
			continue
		}
		if err != nil {
			return PublicKey{}, 0, err
		}
		return pk, uint8(bump), nil
	}
	return PublicKey{}, 0, ErrNoViableBump
}

// Deriver derives addresses scoped to one program.
type Deriver struct {
	ProgramID PublicKey
}

// NewDeriver returns a Deriver for programID.
func NewDeriver(programID PublicKey) Deriver {
	return Deriver{ProgramID: programID}
}

// Derive computes the address for a constant tag followed by seeds.
func (d Deriver) Derive(tag string, seeds ...Seed) (PublicKey, uint8, error) {
	all := make([]Seed, 0, len(seeds)+1)
	all = append(all, SeedString(tag))
	all = append(all, seeds...)
	return FindProgramAddress(all, d.ProgramID)
}

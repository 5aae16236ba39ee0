// Package chain holds the ledger primitives the bridge needs: 32-byte account
// keys, program-derived addresses, the legacy transaction wire format and a
// JSON-RPC client that retries transient failures.
package chain

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

// PublicKeyLength is the size in bytes of an account address.
const PublicKeyLength = 32

// PublicKey is a ledger account address.
type PublicKey [PublicKeyLength]byte

// Hash is a recent blockhash. It shares the key encoding.
type Hash = PublicKey

// Signature is an ed25519 transaction signature.
type Signature [64]byte

// SystemProgramID is the native program that owns wallets and moves lamports.
var SystemProgramID = PublicKey{}

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	s = strings.TrimSpace(s)
	if s == "" {
		return pk, fmt.Errorf("empty address")
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != PublicKeyLength {
		return pk, fmt.Errorf("invalid address %q: decoded to %d bytes", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies b into a key.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeyLength {
		return pk, fmt.Errorf("public key must be %d bytes, got %d", PublicKeyLength, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsZero reports whether pk is the all-zero key (the ledger's default key).
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// Bytes returns a copy of the raw key.
func (pk PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeyLength)
	copy(out, pk[:])
	return out
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsZero reports whether the signature slot is still empty.
func (s Signature) IsZero() bool {
	return s == Signature{}
}

// ParseSignature decodes a base58 signature.
func ParseSignature(str string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(strings.TrimSpace(str))
	if err != nil {
		return sig, fmt.Errorf("invalid signature: %w", err)
	}
	if len(raw) != len(sig) {
		return sig, fmt.Errorf("invalid signature length %d", len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// Keypair is an ed25519 signing key together with its address.
type Keypair struct {
	PublicKey  PublicKey
	PrivateKey ed25519.PrivateKey
}

// NewKeypair generates a random keypair. Reference keys come from here.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var pk PublicKey
	copy(pk[:], pub)
	return &Keypair{PublicKey: pk, PrivateKey: priv}, nil
}

// KeypairFromSecret builds a keypair from a 64-byte secret (seed || public key).
func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	if !bytes.Equal(pk[:], secret[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("secret key public half does not match its seed")
	}
	return &Keypair{PublicKey: pk, PrivateKey: priv}, nil
}

// ParseKeypair accepts either a base58 secret or the CLI keypair file form, a
// JSON array of 64 byte values.
func ParseKeypair(s string) (*Keypair, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var raw []byte
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("invalid keypair array: %w", err)
		}
		for _, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("invalid keypair byte %d", v)
			}
			raw = append(raw, byte(v))
		}
		return KeypairFromSecret(raw)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 secret key: %w", err)
	}
	return KeypairFromSecret(raw)
}

// LoadKeypairFile reads a CLI keypair file.
func LoadKeypairFile(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseKeypair(string(data))
}

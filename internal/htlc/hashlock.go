package htlc

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// DigestSize is the length of hashlocks and secrets in bytes.
const DigestSize = sha256.Size

// DefaultTimelock is applied when a swap is created without an explicit unlock time.
const DefaultTimelock = 24 * time.Hour

// Hashlock is the sha256 commitment to a swap secret
type Hashlock [DigestSize]byte

// Secret is the preimage revealed when a swap is claimed
type Secret [DigestSize]byte

// NewSecret generates a random secret together with its hashlock
func NewSecret() (Secret, Hashlock, error) {
	var secret Secret
	if _, err := rand.Read(secret[:]); err != nil {
		return Secret{}, Hashlock{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, HashSecret(secret), nil
}

// HashSecret computes the hashlock for a secret
func HashSecret(secret Secret) Hashlock {
	return Hashlock(sha256.Sum256(secret[:]))
}

// ParseHashlock decodes a hex encoded hashlock, with or without 0x prefix.
func ParseHashlock(s string) (Hashlock, error) {
	var h Hashlock
	b, err := decodeDigest(s)
	if err != nil {
		return h, fmt.Errorf("invalid hashlock: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// ParseSecret decodes a hex encoded secret, with or without 0x prefix.
func ParseSecret(s string) (Secret, error) {
	var secret Secret
	b, err := decodeDigest(s)
	if err != nil {
		return secret, fmt.Errorf("invalid secret: %w", err)
	}
	copy(secret[:], b)
	return secret, nil
}

func decodeDigest(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != DigestSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", DigestSize, len(b))
	}
	return b, nil
}

// Verify reports whether secret opens the hashlock
func (h Hashlock) Verify(secret Secret) bool {
	sum := HashSecret(secret)
	return subtle.ConstantTimeCompare(sum[:], h[:]) == 1
}

// IsZero reports whether the hashlock is unset
func (h Hashlock) IsZero() bool {
	return h == Hashlock{}
}

func (h Hashlock) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hashlock) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hashlock) UnmarshalText(text []byte) error {
	parsed, err := ParseHashlock(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func (s Secret) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// ContractID derives the on-chain HTLC identifier of a swap
func ContractID(swapID string) string {
	return crypto.Keccak256Hash([]byte(swapID)).Hex()
}

// Expired reports whether a timelock ending at unlockTime has elapsed at now
func Expired(unlockTime, now time.Time) bool {
	return !now.Before(unlockTime)
}

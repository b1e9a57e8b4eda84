package adapters

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/chronosvault/trinity-relayer/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a validator's staked secp256k1 key
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex encoded private key
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to load validator key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an already loaded key
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the validator identity checked by the consensus verifier
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign fills in the payload hash and signature of att
func (s *Signer) Sign(att *types.Attestation) error {
	att.PayloadHash = types.PayloadHash(att.SwapID, att.Event, att.Payload)
	digest := att.Digest()
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return fmt.Errorf("failed to sign attestation: %w", err)
	}
	att.Signature = sig
	return nil
}

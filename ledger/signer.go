package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Signer holds the service's ed25519 signing key and the account address
// derived from it (SHA3-256 over pubkey plus the single-key scheme byte).
type Signer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// NewSigner parses a hex-encoded ed25519 seed (optionally 0x-prefixed).
func NewSigner(privateKeyHex string) (*Signer, error) {
	seed, err := hex.DecodeString(strip0x(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("ledger: decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ledger: private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &Signer{
		priv:    priv,
		pub:     pub,
		address: deriveAddress(pub),
	}, nil
}

// Address returns the 0x-prefixed account address of the signing key.
func (s *Signer) Address() string {
	return s.address
}

// PublicKeyHex returns the 0x-prefixed public key attached to envelopes.
func (s *Signer) PublicKeyHex() string {
	return "0x" + hex.EncodeToString(s.pub)
}

// SignHex signs the hex-encoded canonical payload produced by the node's
// encode endpoint and returns a 0x-prefixed signature.
func (s *Signer) SignHex(messageHex string) (string, error) {
	message, err := hex.DecodeString(strip0x(messageHex))
	if err != nil {
		return "", fmt.Errorf("ledger: decode signing payload: %w", err)
	}
	sig := ed25519.Sign(s.priv, message)
	return "0x" + hex.EncodeToString(sig), nil
}

func deriveAddress(pub ed25519.PublicKey) string {
	// single-signer scheme identifier byte
	input := append(append([]byte{}, pub...), 0x00)
	sum := sha3.Sum256(input)
	return "0x" + hex.EncodeToString(sum[:])
}

func strip0x(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "0x")
}

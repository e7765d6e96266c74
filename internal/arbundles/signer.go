package arbundles

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// SignatureType identifies the signing scheme of an item envelope.
type SignatureType uint16

const (
	// SignatureEd25519 matches the ANS-104 numbering for ed25519 owners.
	SignatureEd25519 SignatureType = 2
)

// ErrUnsupportedSignature is returned when an envelope names a scheme this
// package cannot verify.
var ErrUnsupportedSignature = errors.New("unsupported signature type")

// Signer produces and checks signatures for item envelopes.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) (bool, error)
	PublicKey() []byte
	SignatureType() SignatureType
}

// Ed25519Signer signs with an in-memory ed25519 key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeypair creates a fresh ed25519 signer.
func GenerateKeypair() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed derives a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	return NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *Ed25519Signer) Verify(publicKey, message, signature []byte) (bool, error) {
	return VerifyEd25519(publicKey, message, signature)
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.pub
}

func (s *Ed25519Signer) SignatureType() SignatureType {
	return SignatureEd25519
}

// PrivateKey exposes the key so callers can keep an ephemeral bundle key.
func (s *Ed25519Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Seed returns the 32-byte seed the key was derived from.
func (s *Ed25519Signer) Seed() []byte {
	return s.priv.Seed()
}

// VerifyEd25519 checks an ed25519 signature.
func VerifyEd25519(publicKey, message, signature []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: %d", len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size: %d", len(signature))
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, signature), nil
}

// VerifySignature dispatches on the envelope's signature type.
func VerifySignature(t SignatureType, publicKey, message, signature []byte) (bool, error) {
	switch t {
	case SignatureEd25519:
		return VerifyEd25519(publicKey, message, signature)
	default:
		return false, fmt.Errorf("%w: %d", ErrUnsupportedSignature, t)
	}
}

// Digest is the hash used for identifiers and addresses.
func Digest(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// Address renders the digest of a public key, the form wallets and
// gateways display for an owner.
func Address(publicKey []byte) string {
	return EncodeBase64URL(Digest(publicKey))
}

func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

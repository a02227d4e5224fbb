// Package identity provides the node key material and the signature
// primitives used by the server handshake.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// SeedSize is the ed25519 seed length.
	SeedSize = ed25519.SeedSize

	// DiscoveryKeySize is the length of a discovery identifier.
	DiscoveryKeySize = 32
)

// discoveryMessage is hashed under the public key to form a discovery identifier.
var discoveryMessage = []byte("hypercore")

// KeyPair is an ed25519 key pair.
type KeyPair struct {
	Public  ed25519.PublicKey  // Public is the 32-byte public key
	Private ed25519.PrivateKey // Private is the 64-byte private key
}

// Provider implements key derivation, signing and verification.
type Provider struct{}

// New returns the default provider.
func New() *Provider {
	return &Provider{}
}

// KeyPairFromName derives a stable key pair from a node name.
// The seed is 32 bytes filled by repeating the UTF-8 bytes of the name.
func (p *Provider) KeyPairFromName(name string) (KeyPair, error) {
	if name == "" {
		return KeyPair{}, fmt.Errorf("empty node name")
	}

	return p.KeyPairFromSeed(fillSeed([]byte(name)))
}

// KeyPairFromSeed derives a key pair from a 32-byte seed.
func (p *Provider) KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != SeedSize {
		return KeyPair{}, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)

	return KeyPair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}, nil
}

// DiscoveryKey returns the keyed BLAKE2b-256 discovery identifier for key.
// Keys longer than 64 bytes are rejected by BLAKE2b.
func (p *Provider) DiscoveryKey(key []byte) ([DiscoveryKeySize]byte, error) {
	var out [DiscoveryKeySize]byte

	h, err := blake2b.New256(key)
	if err != nil {
		return out, fmt.Errorf("discovery key:\n%w", err)
	}

	h.Write(discoveryMessage)
	copy(out[:], h.Sum(nil))

	return out, nil
}

// RandomBytes returns n cryptographically random bytes.
func (p *Provider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("read random:\n%w", err)
	}

	return buf, nil
}

// Sign signs msg with priv.
func (p *Provider) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
// Malformed keys or signatures verify as false.
func (p *Provider) Verify(msg, sig, pub []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// fillSeed repeats b across a seed-sized buffer.
func fillSeed(b []byte) []byte {
	seed := make([]byte, SeedSize)
	for i := range seed {
		seed[i] = b[i%len(b)]
	}

	return seed
}

// Package keypair implements the server's long-term identity: a 32-byte
// seed held in locked memory, from which an X25519 key-agreement keypair
// and an Ed25519 signing keypair are both derived via HKDF. Persisted file
// format is `seed(32) ‖ pubkey(64)` mode 0600, per the embedding API's
// persisted-state contract; the 64-byte public key is the X25519 public
// key (32) followed by the Ed25519 public key (32).
package keypair

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/zac-lb/sphynx/core/crypto/rand"
)

const (
	// SeedLen is the size of the private seed in the persisted file.
	SeedLen = 32
	// PublicLen is the size of the combined public key (X25519 ‖ Ed25519).
	PublicLen = 64

	hkdfInfoX25519 = "sphynx-identity-x25519-v1"
	hkdfInfoEd     = "sphynx-identity-ed25519-v1"
)

// KeyPair is the server's (or client's) long-term identity. The seed is
// held in a memguard.LockedBuffer, grounded on ratchet.go's use of
// memguard for sensitive ratchet state — here protecting the one secret
// whose compromise unmasks every past and future handshake signature.
type KeyPair struct {
	seed *memguard.LockedBuffer

	x25519Priv [32]byte
	x25519Pub  [32]byte
	edPriv     ed25519.PrivateKey
	edPub      ed25519.PublicKey
}

// Generate creates a fresh KeyPair from system randomness.
func Generate() (*KeyPair, error) {
	seed := make([]byte, SeedLen)
	if _, err := rand.Reader.Read(seed); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// FromSeed reconstructs a KeyPair deterministically from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedLen {
		return nil, fmt.Errorf("keypair: seed must be %d bytes, got %d", SeedLen, len(seed))
	}
	kp := &KeyPair{seed: memguard.NewBufferFromBytes(seed)}

	x25519Seed, err := derive(seed, hkdfInfoX25519, 32)
	if err != nil {
		return nil, err
	}
	copy(kp.x25519Priv[:], x25519Seed)
	pub, err := curve25519.X25519(kp.x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.x25519Pub[:], pub)

	edSeed, err := derive(seed, hkdfInfoEd, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	kp.edPriv = edPriv
	kp.edPub = edPriv.Public().(ed25519.PublicKey)

	return kp, nil
}

func derive(seed []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha3.New256, seed, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// X25519PublicKey returns the key-agreement public key.
func (k *KeyPair) X25519PublicKey() [32]byte { return k.x25519Pub }

// X25519PrivateKey returns the key-agreement private scalar.
func (k *KeyPair) X25519PrivateKey() [32]byte { return k.x25519Priv }

// Ed25519PublicKey returns the signing public key.
func (k *KeyPair) Ed25519PublicKey() ed25519.PublicKey { return k.edPub }

// Sign signs msg with the identity's Ed25519 key.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.edPriv, msg)
}

// PublicBytes returns the 64-byte combined public key: X25519 ‖ Ed25519.
func (k *KeyPair) PublicBytes() [PublicLen]byte {
	var out [PublicLen]byte
	copy(out[:32], k.x25519Pub[:])
	copy(out[32:], k.edPub)
	return out
}

// Destroy wipes the seed from memory. The KeyPair must not be used
// afterward.
func (k *KeyPair) Destroy() {
	k.seed.Destroy()
}

// Save writes the keypair to path in the persisted-state format: seed(32)
// ‖ pubkey(64), mode 0600.
func (k *KeyPair) Save(path string) error {
	buf := make([]byte, 0, SeedLen+PublicLen)
	buf = append(buf, k.seed.Bytes()...)
	pub := k.PublicBytes()
	buf = append(buf, pub[:]...)
	return os.WriteFile(path, buf, 0600)
}

// Load reads a keypair file previously written by Save, verifying that the
// embedded public key matches what the seed derives (guarding against a
// truncated or corrupted file).
func Load(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) != SeedLen+PublicLen {
		return nil, fmt.Errorf("keypair: %s: want %d bytes, got %d", path, SeedLen+PublicLen, len(raw))
	}
	kp, err := FromSeed(raw[:SeedLen])
	if err != nil {
		return nil, err
	}
	pub := kp.PublicBytes()
	if string(pub[:]) != string(raw[SeedLen:]) {
		return nil, fmt.Errorf("keypair: %s: embedded public key does not match seed", path)
	}
	return kp, nil
}

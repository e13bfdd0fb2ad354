package aead

import (
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/zac-lb/sphynx/core/crypto/rand"
)

// secretboxOverhead is the NaCl secretbox nonce (24) plus Poly1305 tag (16).
const secretboxOverhead = 24 + secretbox.Overhead

type secretboxEngine struct {
	key [32]byte
}

// NewSecretbox constructs a fallback Engine backed by NaCl secretbox,
// matching the key-derivation path used by the statefile writer and the
// ratchet (both grounded on golang.org/x/crypto/nacl/secretbox).
func NewSecretbox(key []byte) (Engine, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aead: secretbox key must be 32 bytes, got %d", len(key))
	}
	e := &secretboxEngine{}
	copy(e.key[:], key)
	return e, nil
}

func (e *secretboxEngine) Seal(dst, plaintext []byte) []byte {
	var nonce [24]byte
	if _, err := rand.Reader.Read(nonce[:]); err != nil {
		panic(err)
	}
	dst = append(dst, nonce[:]...)
	return secretbox.Seal(dst, plaintext, &nonce, &e.key)
}

func (e *secretboxEngine) Open(dst, sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("aead: sealed datagram shorter than nonce")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out, ok := secretbox.Open(dst, sealed[24:], &nonce, &e.key)
	if !ok {
		return nil, fmt.Errorf("aead: secretbox authentication failed")
	}
	return out, nil
}

// Package aead implements the authenticated-encryption trailer the wire
// codec treats as an opaque, compile-time-sized suffix on every datagram.
// Two engines are provided: a ChaCha20-Poly1305 engine (the default) and a
// NaCl secretbox engine used for key-derivation parity with the statefile
// writer.
package aead

import (
	"crypto/cipher"
	"fmt"

	"github.com/katzenpost/chacha20poly1305"

	"github.com/zac-lb/sphynx/core/crypto/rand"
)

// Overhead is the number of trailer bytes (nonce + MAC) every sealed
// datagram grows by.
const Overhead = chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// KeySize is the shared secret length consumed by NewChaCha20Poly1305.
const KeySize = chacha20poly1305.KeySize

// Engine is the post-handshake authenticated-encryption context installed
// on a Connexion once the session key is derived.
type Engine interface {
	// Seal appends ciphertext+trailer for plaintext to dst and returns the
	// extended slice. The trailer is Overhead bytes.
	Seal(dst, plaintext []byte) []byte
	// Open authenticates and decrypts a datagram produced by Seal,
	// appending the recovered plaintext to dst. It returns an error
	// (never a partial result) if authentication fails.
	Open(dst, sealed []byte) ([]byte, error)
}

type chachaEngine struct {
	aead cipher.AEAD
}

// NewChaCha20Poly1305 constructs the default Engine from a 32-byte shared
// secret (typically the output of the handshake's X25519 exchange, or of a
// rekey's hybrid exchange, run through HKDF).
func NewChaCha20Poly1305(key []byte) (Engine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: key must be %d bytes, got %d", KeySize, len(key))
	}
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &chachaEngine{aead: a}, nil
}

func (e *chachaEngine) Seal(dst, plaintext []byte) []byte {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Reader.Read(nonce); err != nil {
		panic(err)
	}
	dst = append(dst, nonce...)
	return e.aead.Seal(dst, nonce, plaintext, nil)
}

func (e *chachaEngine) Open(dst, sealed []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("aead: sealed datagram shorter than nonce")
	}
	nonce, ciphertext := sealed[:ns], sealed[ns:]
	return e.aead.Open(dst, nonce, ciphertext, nil)
}

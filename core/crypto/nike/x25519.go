package nike

import (
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/zac-lb/sphynx/core/crypto/rand"
)

// X25519 is the classical leg of the rekey's hybrid key exchange,
// grounded on ratchet.go's golang.org/x/crypto/curve25519 use.
var X25519 Scheme = &x25519Scheme{}

type x25519Scheme struct{}

func (s *x25519Scheme) Name() string        { return "X25519" }
func (s *x25519Scheme) PublicKeySize() int  { return 32 }
func (s *x25519Scheme) PrivateKeySize() int { return 32 }

func (s *x25519Scheme) NewKeypair() (PrivateKey, PublicKey) {
	var priv [32]byte
	if _, err := rand.Reader.Read(priv[:]); err != nil {
		panic(err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	pk := &x25519PrivateKey{}
	copy(pk.b[:], priv[:])
	pub2 := &x25519PublicKey{}
	copy(pub2.b[:], pub)
	return pk, pub2
}

func (s *x25519Scheme) DeriveSecret(priv PrivateKey, pub PublicKey) []byte {
	p := priv.(*x25519PrivateKey)
	q := pub.(*x25519PublicKey)
	secret, err := curve25519.X25519(p.b[:], q.b[:])
	if err != nil {
		panic(err)
	}
	return secret
}

func (s *x25519Scheme) DerivePublicKey(priv PrivateKey) PublicKey {
	p := priv.(*x25519PrivateKey)
	pub, err := curve25519.X25519(p.b[:], curve25519.Basepoint)
	if err != nil {
		panic(err)
	}
	out := &x25519PublicKey{}
	copy(out.b[:], pub)
	return out
}

func (s *x25519Scheme) NewEmptyPublicKey() PublicKey   { return &x25519PublicKey{} }
func (s *x25519Scheme) NewEmptyPrivateKey() PrivateKey { return &x25519PrivateKey{} }

type x25519PublicKey struct{ b [32]byte }

func (k *x25519PublicKey) Bytes() []byte { return k.b[:] }
func (k *x25519PublicKey) FromBytes(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("nike: x25519 public key must be 32 bytes, got %d", len(b))
	}
	copy(k.b[:], b)
	return nil
}
func (k *x25519PublicKey) Reset() { k.b = [32]byte{} }

type x25519PrivateKey struct{ b [32]byte }

func (k *x25519PrivateKey) Bytes() []byte { return k.b[:] }
func (k *x25519PrivateKey) FromBytes(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("nike: x25519 private key must be 32 bytes, got %d", len(b))
	}
	copy(k.b[:], b)
	return nil
}
func (k *x25519PrivateKey) Reset() { k.b = [32]byte{} }

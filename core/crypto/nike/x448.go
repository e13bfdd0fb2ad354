package nike

import (
	"fmt"

	"github.com/cloudflare/circl/dh/x448"

	"github.com/zac-lb/sphynx/core/crypto/rand"
)

// X448 is the second, independent curve combined with X25519 in the
// rekey's hybrid key exchange (defense in depth against a break in
// either single curve), grounded on the circl import already present for
// core/pki/descriptor.go's KEM schemes.
var X448 Scheme = &x448Scheme{}

type x448Scheme struct{}

func (s *x448Scheme) Name() string        { return "X448" }
func (s *x448Scheme) PublicKeySize() int  { return x448.Size }
func (s *x448Scheme) PrivateKeySize() int { return x448.Size }

func (s *x448Scheme) NewKeypair() (PrivateKey, PublicKey) {
	var priv x448.Key
	if _, err := rand.Reader.Read(priv[:]); err != nil {
		panic(err)
	}
	var pub x448.Key
	x448.KeyGen(&pub, &priv)
	pk := &x448PrivateKey{b: priv}
	pub2 := &x448PublicKey{b: pub}
	return pk, pub2
}

func (s *x448Scheme) DeriveSecret(priv PrivateKey, pub PublicKey) []byte {
	p := priv.(*x448PrivateKey)
	q := pub.(*x448PublicKey)
	var shared x448.Key
	if !x448.Shared(&shared, &p.b, &q.b) {
		panic("nike: x448 shared secret computation failed (low-order point)")
	}
	out := make([]byte, x448.Size)
	copy(out, shared[:])
	return out
}

func (s *x448Scheme) DerivePublicKey(priv PrivateKey) PublicKey {
	p := priv.(*x448PrivateKey)
	var pub x448.Key
	x448.KeyGen(&pub, &p.b)
	return &x448PublicKey{b: pub}
}

func (s *x448Scheme) NewEmptyPublicKey() PublicKey   { return &x448PublicKey{} }
func (s *x448Scheme) NewEmptyPrivateKey() PrivateKey { return &x448PrivateKey{} }

type x448PublicKey struct{ b x448.Key }

func (k *x448PublicKey) Bytes() []byte { return k.b[:] }
func (k *x448PublicKey) FromBytes(b []byte) error {
	if len(b) != x448.Size {
		return fmt.Errorf("nike: x448 public key must be %d bytes, got %d", x448.Size, len(b))
	}
	copy(k.b[:], b)
	return nil
}
func (k *x448PublicKey) Reset() { k.b = x448.Key{} }

type x448PrivateKey struct{ b x448.Key }

func (k *x448PrivateKey) Bytes() []byte { return k.b[:] }
func (k *x448PrivateKey) FromBytes(b []byte) error {
	if len(b) != x448.Size {
		return fmt.Errorf("nike: x448 private key must be %d bytes, got %d", x448.Size, len(b))
	}
	copy(k.b[:], b)
	return nil
}
func (k *x448PrivateKey) Reset() { k.b = x448.Key{} }

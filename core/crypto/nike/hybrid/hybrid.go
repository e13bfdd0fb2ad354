// Package hybrid combines two independent NIKE schemes into one: the
// combined shared secret is the concatenation of what each leg derives on
// its own, so recovering it requires breaking both curves, not just the
// weaker one. The katzenpost pack pairs CTIDH with X25519 behind a cgo
// build tag; X25519X448 below pairs X25519 with X448 instead, since both
// are pure Go and need no build tag.
package hybrid

import (
	"encoding/base64"

	"github.com/zac-lb/sphynx/core/crypto/nike"
)

// X25519X448 is the ephemeral key-exchange scheme of the transport's
// post-handshake rekey.
var X25519X448 nike.Scheme = &scheme{
	name: "X25519-X448",
	legA: nike.X25519,
	legB: nike.X448,
}

type scheme struct {
	name string
	legA nike.Scheme
	legB nike.Scheme
}

func (s *scheme) Name() string { return s.name }

func (s *scheme) PublicKeySize() int  { return s.legA.PublicKeySize() + s.legB.PublicKeySize() }
func (s *scheme) PrivateKeySize() int { return s.legA.PrivateKeySize() + s.legB.PrivateKeySize() }

func (s *scheme) NewKeypair() (nike.PrivateKey, nike.PublicKey) {
	privA, pubA := s.legA.NewKeypair()
	privB, pubB := s.legB.NewKeypair()
	return &privateKey{scheme: s, a: privA, b: privB}, &publicKey{scheme: s, a: pubA, b: pubB}
}

// DeriveSecret concatenates each leg's independently derived secret; a
// peer holding only one leg's private key learns nothing from the other
// half.
func (s *scheme) DeriveSecret(privKey nike.PrivateKey, pubKey nike.PublicKey) []byte {
	priv := privKey.(*privateKey)
	pub := pubKey.(*publicKey)
	return append(s.legA.DeriveSecret(priv.a, pub.a), s.legB.DeriveSecret(priv.b, pub.b)...)
}

func (s *scheme) DerivePublicKey(privKey nike.PrivateKey) nike.PublicKey {
	priv := privKey.(*privateKey)
	return &publicKey{scheme: s, a: s.legA.DerivePublicKey(priv.a), b: s.legB.DerivePublicKey(priv.b)}
}

func (s *scheme) NewEmptyPublicKey() nike.PublicKey {
	return &publicKey{scheme: s, a: s.legA.NewEmptyPublicKey(), b: s.legB.NewEmptyPublicKey()}
}

func (s *scheme) NewEmptyPrivateKey() nike.PrivateKey {
	return &privateKey{scheme: s, a: s.legA.NewEmptyPrivateKey(), b: s.legB.NewEmptyPrivateKey()}
}

// pairCodec is the marshaling behavior shared by publicKey and privateKey:
// both are just "two legs' byte encodings, concatenated, split back apart
// by the scheme's per-leg sizes." Implemented once here instead of
// repeating four near-identical methods on each key type.
type pairCodec struct {
	aSize int
	a     interface{ Bytes() []byte }
	b     interface{ Bytes() []byte }
	setA  func([]byte) error
	setB  func([]byte) error
}

func (c pairCodec) bytes() []byte {
	return append(c.a.Bytes(), c.b.Bytes()...)
}

func (c pairCodec) fromBytes(b []byte) error {
	if err := c.setA(b[:c.aSize]); err != nil {
		return err
	}
	return c.setB(b[c.aSize:])
}

func (c pairCodec) marshalBinary() ([]byte, error) { return c.bytes(), nil }

func (c pairCodec) unmarshalBinary(data []byte) error { return c.fromBytes(data) }

func (c pairCodec) marshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(c.bytes())), nil
}

func (c pairCodec) unmarshalText(data []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return err
	}
	return c.fromBytes(raw)
}

type privateKey struct {
	scheme *scheme
	a, b   nike.PrivateKey
}

func (p *privateKey) Reset() {
	p.a.Reset()
	p.b.Reset()
}

func (p *privateKey) codec() pairCodec {
	return pairCodec{
		aSize: p.scheme.legA.PrivateKeySize(),
		a:     p.a, b: p.b,
		setA: p.a.FromBytes, setB: p.b.FromBytes,
	}
}

func (p *privateKey) Bytes() []byte                      { return p.codec().bytes() }
func (p *privateKey) FromBytes(b []byte) error           { return p.codec().fromBytes(b) }
func (p *privateKey) MarshalBinary() ([]byte, error)     { return p.codec().marshalBinary() }
func (p *privateKey) UnmarshalBinary(data []byte) error  { return p.codec().unmarshalBinary(data) }
func (p *privateKey) MarshalText() ([]byte, error)       { return p.codec().marshalText() }
func (p *privateKey) UnmarshalText(data []byte) error    { return p.codec().unmarshalText(data) }

type publicKey struct {
	scheme *scheme
	a, b   nike.PublicKey
}

func (p *publicKey) Reset() {
	p.a.Reset()
	p.b.Reset()
}

func (p *publicKey) codec() pairCodec {
	return pairCodec{
		aSize: p.scheme.legA.PublicKeySize(),
		a:     p.a, b: p.b,
		setA: p.a.FromBytes, setB: p.b.FromBytes,
	}
}

func (p *publicKey) Bytes() []byte                     { return p.codec().bytes() }
func (p *publicKey) FromBytes(b []byte) error          { return p.codec().fromBytes(b) }
func (p *publicKey) MarshalBinary() ([]byte, error)    { return p.codec().marshalBinary() }
func (p *publicKey) UnmarshalBinary(data []byte) error { return p.codec().unmarshalBinary(data) }
func (p *publicKey) MarshalText() ([]byte, error)      { return p.codec().marshalText() }
func (p *publicKey) UnmarshalText(data []byte) error   { return p.codec().unmarshalText(data) }

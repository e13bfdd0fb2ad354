// Package nike defines the non-interactive key exchange abstraction used
// for ephemeral and rekey key agreement, modeled on katzenpost's
// core/crypto/nike.Scheme interface so that two independent curves
// (X25519, X448) present the same shape to callers and can be combined by
// a hybrid scheme.
package nike

// PublicKey is a NIKE public key.
type PublicKey interface {
	Bytes() []byte
	FromBytes(b []byte) error
	Reset()
}

// PrivateKey is a NIKE private key.
type PrivateKey interface {
	Bytes() []byte
	FromBytes(b []byte) error
	Reset()
}

// Scheme is a non-interactive key exchange scheme: two parties each
// generate a keypair, exchange public keys, and independently derive the
// same shared secret via DeriveSecret.
type Scheme interface {
	Name() string
	PublicKeySize() int
	PrivateKeySize() int
	NewKeypair() (PrivateKey, PublicKey)
	DeriveSecret(PrivateKey, PublicKey) []byte
	DerivePublicKey(PrivateKey) PublicKey
	NewEmptyPublicKey() PublicKey
	NewEmptyPrivateKey() PrivateKey
}

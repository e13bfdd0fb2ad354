package transport

import (
	"crypto/sha256"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"

	"github.com/zac-lb/sphynx/core/crypto/aead"
	"github.com/zac-lb/sphynx/core/crypto/nike/hybrid"
)

// rekeyStream is the stream used for the rekey INTERNAL exchange: reliable
// delivery matters here (a lost rekey message must not silently strand the
// connection on a half-updated key), so it rides stream 0 alongside
// keep-alives rather than the unreliable control path the other INTERNAL
// messages use.
const rekeyStream = 0

// MaybeRekey increments the rekey-gate counter and, once it reaches
// RekeyChallengeThreshold, starts a hybrid X25519-X448 key exchange layered
// on top of the already-open session key. This is the only place the
// hybrid NIKE combinator is exercised: the admission handshake's
// fixed-size CHALLENGE/ANSWER fields have no room for an 88-byte hybrid
// public key, but a reliable INTERNAL message on an open connection does.
func (c *Connection) MaybeRekey() {
	if atomic.AddInt64(&c.challengeCount, 1)%100 != 0 {
		return
	}
	c.startRekey()
}

func (c *Connection) startRekey() {
	priv, pub := hybrid.X25519X448.NewKeypair()
	c.rekeyMu.Lock()
	c.rekeyPriv = priv
	c.rekeyMu.Unlock()

	c.writeInternalReliable(rekeyStream, append([]byte{byte(opRekeyPropose)}, pub.Bytes()...))
}

func (c *Connection) onRekeyPropose(payload []byte) {
	peerPub := hybrid.X25519X448.NewEmptyPublicKey()
	if err := peerPub.FromBytes(payload); err != nil {
		return
	}

	priv, pub := hybrid.X25519X448.NewKeypair()
	shared := hybrid.X25519X448.DeriveSecret(priv, peerPub)
	c.installRekeyedSession(shared)

	c.writeInternalReliable(rekeyStream, append([]byte{byte(opRekeyAck)}, pub.Bytes()...))
}

func (c *Connection) onRekeyAck(payload []byte) {
	c.rekeyMu.Lock()
	priv := c.rekeyPriv
	c.rekeyPriv = nil
	c.rekeyMu.Unlock()
	if priv == nil {
		return // no rekey in flight; ignore a stray or duplicate ACK
	}

	peerPub := hybrid.X25519X448.NewEmptyPublicKey()
	if err := peerPub.FromBytes(payload); err != nil {
		return
	}
	shared := hybrid.X25519X448.DeriveSecret(priv, peerPub)
	c.installRekeyedSession(shared)
}

// installRekeyedSession derives a fresh session key from the hybrid shared
// secret via HKDF and swaps it in. The previous session key is not mixed
// into the derivation: the new key depends on the hybrid exchange alone.
func (c *Connection) installRekeyedSession(hybridShared []byte) {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()

	r := hkdf.New(sha256.New, hybridShared, nil, []byte("sphynx-rekey-v1"))
	var key [32]byte
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return
	}
	engine, err := aead.NewChaCha20Poly1305(key[:])
	if err != nil {
		return
	}
	c.engine = engine
}

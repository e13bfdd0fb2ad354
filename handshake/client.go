package handshake

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/zac-lb/sphynx/core/crypto/rand"
)

// Initiator runs the client side of one handshake attempt.
type Initiator struct {
	expectedServerPubkey [64]byte
	serverEdPub          ed25519.PublicKey
	cookie               uint32

	ephPriv [32]byte
	ephPub  [32]byte
	nonce   [32]byte

	addrBytes [16]byte // used to reconstruct the transcript server-side
}

// NewInitiator begins a handshake expecting the server identified by
// expectedServerPubkey (the 64-byte X25519‖Ed25519 combined public key
// produced by keypair.KeyPair.PublicBytes).
func NewInitiator(expectedServerPubkey [64]byte) *Initiator {
	i := &Initiator{expectedServerPubkey: expectedServerPubkey}
	i.serverEdPub = ed25519.PublicKey(expectedServerPubkey[32:64])
	return i
}

// Hello returns the HELLO datagram to send.
func (i *Initiator) Hello() []byte {
	return Hello{ExpectedServerPubkey: i.expectedServerPubkey}.Marshal()
}

// OnCookie processes a COOKIE reply and returns the CHALLENGE datagram to
// send next.
func (i *Initiator) OnCookie(raw []byte) ([]byte, error) {
	c, err := UnmarshalCookie(raw)
	if err != nil {
		return nil, err
	}
	i.cookie = c.Value

	if _, err := rand.Reader.Read(i.ephPriv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(i.ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(i.ephPub[:], pub)
	if _, err := rand.Reader.Read(i.nonce[:]); err != nil {
		return nil, err
	}

	var challengeField [64]byte
	copy(challengeField[:32], i.ephPub[:])
	copy(challengeField[32:], i.nonce[:])

	return Challenge{Cookie: i.cookie, Challenge: challengeField}.Marshal(), nil
}

// OnAnswer processes an ANSWER, verifying the server's signature and key
// confirmation tag, and returns the established Session on success.
func (i *Initiator) OnAnswer(raw []byte, localAddr [16]byte) (Session, error) {
	a, err := UnmarshalAnswer(raw)
	if err != nil {
		return Session{}, err
	}

	serverEphPub := a.Answer[:32]
	sig := a.Answer[32:96]
	confirmTag := a.Answer[96:128]

	var challengeField [64]byte
	copy(challengeField[:32], i.ephPub[:])
	copy(challengeField[32:], i.nonce[:])
	transcript := append(append([]byte{}, challengeField[:]...), serverEphPub...)
	transcript = append(transcript, localAddr[:]...)

	if !ed25519.Verify(i.serverEdPub, transcript, sig) {
		return Session{}, fmt.Errorf("handshake: server signature verification failed")
	}

	shared, err := curve25519.X25519(i.ephPriv[:], serverEphPub)
	if err != nil {
		return Session{}, err
	}
	sessionKey, err := deriveSessionKey(shared, i.nonce[:])
	if err != nil {
		return Session{}, err
	}

	confirm := hmac.New(sha256.New, sessionKey[:])
	confirm.Write([]byte("sphynx-handshake-confirm-v1"))
	want := confirm.Sum(nil)[:32]
	if !hmac.Equal(want, confirmTag) {
		return Session{}, fmt.Errorf("handshake: key confirmation failed")
	}

	return Session{SharedKey: sessionKey}, nil
}

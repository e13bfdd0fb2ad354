// Package handshake implements the Sphynx admission protocol: HELLO,
// COOKIE, CHALLENGE, ANSWER/ERROR. The live wire crypto is a single X25519
// ephemeral exchange authenticated by the server's long-term Ed25519
// identity and confirmed by an HMAC tag, chosen to fit the fixed
// 64/64/128-byte message payloads exactly; the richer X25519-X448 hybrid in
// core/crypto/nike/hybrid is reserved for the post-handshake rekey
// extension (see transport's rekey.go), not the admission exchange itself.
package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
	"github.com/zac-lb/sphynx/core/crypto/rand"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/cookie"
)

// RekeyChallengeThreshold is the rekey-gate threshold. The responder itself
// does not act on it; a connection's own post-handshake rekey gate (see
// transport.Connection.MaybeRekey) uses the same value but counts ticks on
// its own connection, not admissions across the whole responder.
const RekeyChallengeThreshold = 100

// Session is the result of a completed handshake: the 32-byte key used to
// construct the connection's core/crypto/aead.Engine.
type Session struct {
	SharedKey [32]byte
}

type clientState struct {
	stage        stage
	cookie       uint32
	challengeMsg []byte // cached CHALLENGE for retransmit-duplicate detection
	answerMsg    []byte // cached ANSWER, resent if an identical CHALLENGE repeats
	ephemeralPub [32]byte
}

type stage int

const (
	stageNone stage = iota
	stageCookieIssued
	stageAuthenticated
)

// Responder runs the server side of the handshake for one listening
// endpoint. It is safe for concurrent use from multiple dispatcher
// workers.
type Responder struct {
	identity *keypair.KeyPair
	jar      *cookie.Jar

	mu      sync.Mutex
	clients map[netaddr.NetAddr]*clientState

	challengeCount int64 // atomic
}

// NewResponder constructs a Responder bound to a server identity and
// cookie jar.
func NewResponder(identity *keypair.KeyPair, jar *cookie.Jar) *Responder {
	return &Responder{
		identity: identity,
		jar:      jar,
		clients:  make(map[netaddr.NetAddr]*clientState),
	}
}

// OnHello processes a HELLO and returns the COOKIE datagram to send, or an
// error if the message is malformed or its magic is wrong (a silent drop —
// callers should simply not send anything on error).
func (r *Responder) OnHello(addr netaddr.NetAddr, raw []byte) ([]byte, error) {
	h, err := UnmarshalHello(raw)
	if err != nil {
		return nil, err
	}
	want := r.identity.PublicBytes()
	if string(h.ExpectedServerPubkey[:]) != string(want[:]) {
		return nil, fmt.Errorf("handshake: client expected a different server key")
	}

	c := r.jar.Generate(addr)

	r.mu.Lock()
	r.clients[addr] = &clientState{stage: stageCookieIssued, cookie: c}
	r.mu.Unlock()

	return Cookie{Value: c}.Marshal(), nil
}

// AdmitResult is returned by OnChallenge.
type AdmitResult struct {
	Answer  []byte
	Session Session
	Err     *ErrorMsg
}

// OnChallenge processes a CHALLENGE. floodedOrFull lets the caller fold in
// the connection-map-derived admission checks (flood detection, population
// cap, address denylist) that live outside this package.
func (r *Responder) OnChallenge(addr netaddr.NetAddr, raw []byte, floodedOrFull func() *ErrorMsg) (AdmitResult, error) {
	ch, err := UnmarshalChallenge(raw)
	if err != nil {
		return AdmitResult{}, err
	}

	if !r.jar.Verify(addr, ch.Cookie) {
		return AdmitResult{}, fmt.Errorf("handshake: cookie verification failed")
	}

	if reason := floodedOrFull(); reason != nil {
		return AdmitResult{Answer: reason.Marshal(), Err: reason}, nil
	}

	r.mu.Lock()
	st, ok := r.clients[addr]
	if !ok {
		st = &clientState{}
		r.clients[addr] = st
	}
	if st.stage == stageAuthenticated && st.challengeMsg != nil && string(st.challengeMsg) == string(raw) {
		// Identical retransmit: resend the cached ANSWER rather than
		// re-running the key exchange.
		answer := st.answerMsg
		r.mu.Unlock()
		return AdmitResult{Answer: answer}, nil
	}
	r.mu.Unlock()

	clientEphemeral := ch.Challenge[:32]

	ephPriv, ephPub, err := newX25519Ephemeral()
	if err != nil {
		return AdmitResult{}, err
	}
	shared, err := curve25519.X25519(ephPriv[:], clientEphemeral)
	if err != nil {
		reason := ReasonTampering
		return AdmitResult{Answer: ErrorMsg{Reason: reason}.Marshal(), Err: &ErrorMsg{Reason: reason}}, nil
	}

	nonce := ch.Challenge[32:64]
	sessionKey, err := deriveSessionKey(shared, nonce)
	if err != nil {
		return AdmitResult{}, err
	}

	transcript := append(append(append([]byte{}, ch.Challenge[:]...), ephPub[:]...), addr.Addr[:]...)
	sig := r.identity.Sign(transcript)

	confirm := hmac.New(sha256.New, sessionKey[:])
	confirm.Write([]byte("sphynx-handshake-confirm-v1"))
	tag := confirm.Sum(nil)[:32]

	var answerField [128]byte
	copy(answerField[:32], ephPub[:])
	copy(answerField[32:96], sig)
	copy(answerField[96:128], tag)

	answer := Answer{DataPort: 0, Answer: answerField}.Marshal()

	atomic.AddInt64(&r.challengeCount, 1)

	r.mu.Lock()
	r.clients[addr] = &clientState{
		stage:        stageAuthenticated,
		cookie:       ch.Cookie,
		challengeMsg: append([]byte{}, raw...),
		answerMsg:    answer,
		ephemeralPub: ephPub,
	}
	r.mu.Unlock()

	return AdmitResult{Answer: answer, Session: Session{SharedKey: sessionKey}}, nil
}

// Forget drops any cached handshake state for addr, called once a
// connection is fully established and handed off to the transport engine.
func (r *Responder) Forget(addr netaddr.NetAddr) {
	r.mu.Lock()
	delete(r.clients, addr)
	r.mu.Unlock()
}

// ChallengeCount reports the total number of challenges this responder has
// admitted, for metrics/logging.
func (r *Responder) ChallengeCount() int64 {
	return atomic.LoadInt64(&r.challengeCount)
}

// ExportState serializes every authenticated client's cached CHALLENGE/
// ANSWER pair, so a duplicate CHALLENGE arriving just after a restart
// still gets the identical cached ANSWER rather than forcing a fresh
// handshake. Clients still mid-handshake (cookie issued, not yet
// authenticated) are not included: a lost COOKIE is cheap to retry.
func (r *Responder) ExportState() ([]byte, error) {
	r.mu.Lock()
	var cached []cachedAnswer
	for addr, cs := range r.clients {
		if cs.stage != stageAuthenticated {
			continue
		}
		cached = append(cached, cachedAnswer{
			Addr:      addr,
			Challenge: cs.challengeMsg,
			Answer:    cs.answerMsg,
			At:        time.Now(),
		})
	}
	r.mu.Unlock()
	return cbor.Marshal(cached)
}

// ImportState restores a set of cached ANSWERs exported by ExportState,
// called once at startup before the responder begins serving.
func (r *Responder) ImportState(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var cached []cachedAnswer
	if err := cbor.Unmarshal(data, &cached); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cached {
		r.clients[c.Addr] = &clientState{
			stage:        stageAuthenticated,
			challengeMsg: c.Challenge,
			answerMsg:    c.Answer,
		}
	}
	return nil
}

func newX25519Ephemeral() (priv [32]byte, pub [32]byte, err error) {
	if _, err = rand.Reader.Read(priv[:]); err != nil {
		return
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}

func deriveSessionKey(shared, nonce []byte) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, shared, nonce, []byte("sphynx-session-v1"))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// cachedAnswer is the cbor-serialized form ExportState/ImportState persist
// across a restart, mirroring katzenpost's own use of cbor for
// wire-adjacent (but not hot-path) structures.
type cachedAnswer struct {
	Addr      netaddr.NetAddr
	Challenge []byte
	Answer    []byte
	At        time.Time
}

// Package cookie implements the Sphynx cookie jar: a stateless, server-side
// pseudorandom token over (address, port) that lets the server defer
// allocating any per-client state until the client proves it can receive
// traffic at its claimed address.
package cookie

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/dchest/siphash"

	"github.com/zac-lb/sphynx/core/crypto/rand"
	"github.com/zac-lb/sphynx/core/netaddr"
)

// RotationInterval is the cadence at which the jar's keyed PRF rotates to a
// fresh key.
const RotationInterval = 5 * time.Minute

// Jar produces and verifies cookies. Verify accepts a cookie generated
// under either the current or the immediately previous key, so a cookie
// issued just before a rotation still validates.
type Jar struct {
	mu       sync.RWMutex
	current  [16]byte
	previous [16]byte
}

// NewJar constructs a Jar with a freshly randomized key.
func NewJar() (*Jar, error) {
	j := &Jar{}
	if err := randomize(j.current[:]); err != nil {
		return nil, err
	}
	j.previous = j.current
	return j, nil
}

func randomize(b []byte) error {
	_, err := rand.Reader.Read(b)
	return err
}

// Rotate replaces the previous key with the current one and draws a fresh
// current key. Callers should invoke this roughly every RotationInterval
// (the server does so from its jarRotationLoop).
func (j *Jar) Rotate() error {
	var next [16]byte
	if err := randomize(next[:]); err != nil {
		return err
	}
	j.mu.Lock()
	j.previous = j.current
	j.current = next
	j.mu.Unlock()
	return nil
}

// Generate produces the 32-bit cookie for addr under the current key.
func (j *Jar) Generate(addr netaddr.NetAddr) uint32 {
	j.mu.RLock()
	k := j.current
	j.mu.RUnlock()
	return cookieFor(k, addr)
}

// Verify reports whether cookie is valid for addr under the current or
// previous key.
func (j *Jar) Verify(addr netaddr.NetAddr, c uint32) bool {
	j.mu.RLock()
	cur, prev := j.current, j.previous
	j.mu.RUnlock()
	return c == cookieFor(cur, addr) || c == cookieFor(prev, addr)
}

// Snapshot returns the current and previous keys, for persistence across a
// restart so a cookie issued just before shutdown still verifies after.
func (j *Jar) Snapshot() (current, previous [16]byte) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.current, j.previous
}

// Restore replaces the jar's keys with a previously snapshotted pair.
func (j *Jar) Restore(current, previous [16]byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.current, j.previous = current, previous
}

func cookieFor(key [16]byte, addr netaddr.NetAddr) uint32 {
	k0 := binary.LittleEndian.Uint64(key[0:8])
	k1 := binary.LittleEndian.Uint64(key[8:16])

	// IPv4 and IPv6 use distinct byte layouts (the v4-in-v6 prefix would
	// otherwise make every IPv4 address collide with its promoted form)
	// but share the same keyed PRF.
	var msg []byte
	if addr.Family == netaddr.FamilyV4 {
		msg = make([]byte, 4+2+1)
		copy(msg, addr.Addr[12:16])
		binary.LittleEndian.PutUint16(msg[4:6], addr.Port)
		msg[6] = 4
	} else {
		msg = make([]byte, 16+2+1)
		copy(msg, addr.Addr[:])
		binary.LittleEndian.PutUint16(msg[16:18], addr.Port)
		msg[18] = 6
	}

	h := siphash.Hash(k0, k1, msg)
	return uint32(h)
}

package connmap

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zac-lb/sphynx/core/netaddr"
)

type fakeConn struct {
	addr netaddr.NetAddr
}

func (c *fakeConn) RemoteAddr() netaddr.NetAddr { return c.addr }

func addrV4(port uint16) netaddr.NetAddr {
	return netaddr.NetAddr{
		Family: netaddr.FamilyV4,
		Addr:   [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 127, 0, 0, 1},
		Port:   port,
		Valid:  true,
	}
}

// addrFromSeed spreads seed across the full 32-bit IPv4 address space (port
// fixed) so a brute-force search for addresses hashing to one particular
// slot has enough candidates to find more than a couple of matches — a
// fixed IP with only the port varying (65536 values into 32768 slots)
// averages just ~2 hits per slot, nowhere near enough for the flood
// threshold test below.
func addrFromSeed(seed uint32) netaddr.NetAddr {
	var a netaddr.NetAddr
	a.Family = netaddr.FamilyV4
	a.Valid = true
	a.Port = 1
	copy(a.Addr[10:12], []byte{0xff, 0xff})
	binary.BigEndian.PutUint32(a.Addr[12:16], seed)
	return a
}

const collisionSearchLimit = 5_000_000

// collidingAddrs returns two distinct addresses that hash to the same home
// slot, so the second necessarily lands further down the first's probe
// chain on Insert.
func collidingAddrs(t *testing.T) (netaddr.NetAddr, netaddr.NetAddr) {
	t.Helper()
	seen := make(map[uint32]netaddr.NetAddr)
	for seed := uint32(0); seed < collisionSearchLimit; seed++ {
		a := addrFromSeed(seed)
		k := index(a)
		if other, ok := seen[k]; ok {
			return other, a
		}
		seen[k] = a
	}
	t.Fatal("no colliding addresses found within the search limit")
	return netaddr.NetAddr{}, netaddr.NetAddr{}
}

func TestInsertLookupRemove(t *testing.T) {
	m := New()
	a := addrV4(1)
	ca := &fakeConn{addr: a}

	require.True(t, m.Insert(ca))
	got, ok := m.Lookup(a)
	require.True(t, ok)
	require.Same(t, ca, got)
	require.Equal(t, 1, m.Count())

	m.Remove(a)
	_, ok = m.Lookup(a)
	require.False(t, ok)
	require.Equal(t, 0, m.Count())
}

// TestRemoveDoesNotOrphanCollidingEntry is a regression test: removing the
// entry that occupies a shared home slot must not make a different address
// further down that slot's probe chain unreachable.
func TestRemoveDoesNotOrphanCollidingEntry(t *testing.T) {
	home, chained := collidingAddrs(t)
	require.Equal(t, index(home), index(chained))

	m := New()
	homeConn := &fakeConn{addr: home}
	chainedConn := &fakeConn{addr: chained}

	require.True(t, m.Insert(homeConn))
	require.True(t, m.Insert(chainedConn))

	m.Remove(home)

	got, ok := m.Lookup(chained)
	require.True(t, ok, "removing the home-slot entry must not orphan a colliding entry later in its probe chain")
	require.Same(t, chainedConn, got)

	_, ok = m.Lookup(home)
	require.False(t, ok)
	require.Equal(t, 1, m.Count())
}

// TestInsertReusesTombstonedSlot checks that a slot vacated by Remove is
// available again for a later Insert into the same chain.
func TestInsertReusesTombstonedSlot(t *testing.T) {
	home, chained := collidingAddrs(t)

	m := New()
	require.True(t, m.Insert(&fakeConn{addr: home}))
	require.True(t, m.Insert(&fakeConn{addr: chained}))
	m.Remove(home)

	again := &fakeConn{addr: home}
	require.True(t, m.Insert(again))
	got, ok := m.Lookup(home)
	require.True(t, ok)
	require.Same(t, again, got)

	got, ok = m.Lookup(chained)
	require.True(t, ok)
	require.Equal(t, 2, m.Count())
}

func TestLookupCheckFloodSuppression(t *testing.T) {
	m := New()
	home, _ := collidingAddrs(t)

	// A live connection on the home slot is always found, never counted as
	// a flood probe.
	conn := &fakeConn{addr: home}
	require.True(t, m.Insert(conn))
	got, flooded := m.LookupCheckFlood(home)
	require.False(t, flooded)
	require.Same(t, conn, got)
	m.Remove(home)

	// Distinct unconnected addresses probing the same home slot accumulate
	// until the threshold is exceeded.
	distinct := distinctCollidingAddrs(t, home, ConnectionFloodThreshold+1)
	var lastFlooded bool
	for _, a := range distinct {
		_, lastFlooded = m.LookupCheckFlood(a)
	}
	require.True(t, lastFlooded, fmt.Sprintf("expected flood suppression after %d distinct probes", len(distinct)))
}

// distinctCollidingAddrs finds n distinct addresses (other than home) that
// all hash to home's slot.
func distinctCollidingAddrs(t *testing.T, home netaddr.NetAddr, n int) []netaddr.NetAddr {
	t.Helper()
	want := index(home)
	var out []netaddr.NetAddr
	for seed := uint32(0); seed < collisionSearchLimit && len(out) < n; seed++ {
		a := addrFromSeed(seed)
		if a.Equal(home) {
			continue
		}
		if index(a) == want {
			out = append(out, a)
		}
	}
	require.Len(t, out, n, "not enough colliding addresses found within the search limit")
	return out
}

func TestInsertRejectsAtMaxPopulation(t *testing.T) {
	m := New()
	m.count = MaxPopulation
	require.False(t, m.Insert(&fakeConn{addr: addrV4(1)}))
}

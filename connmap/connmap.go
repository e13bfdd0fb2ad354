// Package connmap implements the Sphynx connection map: an open-addressed
// hash table keyed by remote address, with a linear-congruential probe
// sequence and bloom-filter-assisted flood detection so a burst of spoofed
// source addresses hashing to one slot can't force an unbounded per-slot
// scan.
package connmap

import (
	"sync"

	"github.com/yawning/bloom"

	"github.com/zac-lb/sphynx/core/netaddr"
)

const (
	// HashTableSize is the table capacity, a power of two.
	HashTableSize = 32768
	// MaxPopulation bounds load to 0.5.
	MaxPopulation = HashTableSize / 2
	// ConnectionFloodThreshold is the number of distinct non-connected
	// addresses that may collide on one slot before flood suppression
	// kicks in.
	ConnectionFloodThreshold = 10

	// LCG constants for the collision probe sequence: k <- (k*A + B) mod N.
	lcgA = 71*5861*4 + 1 // 1664525
	lcgB = 1013904223
)

// Conn is the minimal shape the connection map needs from a connection
// object; the transport package's *transport.Connection satisfies it.
type Conn interface {
	RemoteAddr() netaddr.NetAddr
}

type slot struct {
	addr netaddr.NetAddr
	conn Conn
	// occupied is true while the slot holds a live entry.
	occupied bool
	// tombstone is true once the slot has ever held an entry. It outlives
	// Remove (which clears occupied but not tombstone) so that probe chains
	// built through this slot by *other* colliding keys stay intact: a
	// probe loop only stops at a slot that was never written, never at one
	// that was merely vacated.
	tombstone bool
}

// Map is the address -> connection lookup table used for flood detection
// and worker assignment on ingress.
type Map struct {
	mu    sync.RWMutex
	slots [HashTableSize]slot
	count int

	// floodFilters holds one small bloom filter per slot, tracking
	// distinct non-connected addresses recently seen probing that slot;
	// floodCounts is the approximate distinct-address count the filter
	// lets us maintain (a bloom filter can only answer "have I possibly
	// seen this" membership queries, not report its own cardinality).
	floodFilters [HashTableSize]*bloom.Filter
	floodCounts  [HashTableSize]int
}

// New constructs an empty connection map.
func New() *Map {
	return &Map{}
}

func index(addr netaddr.NetAddr) uint32 {
	return uint32(addr.Hash64()) & (HashTableSize - 1)
}

func probe(k uint32) uint32 {
	return uint32(uint64(k)*lcgA+lcgB) & (HashTableSize - 1)
}

// Insert adds conn at its remote address. It returns false if the map is at
// MaxPopulation or if every slot in the probe sequence is occupied by a
// different address (table corruption / pathological load).
func (m *Map) Insert(conn Conn) bool {
	addr := conn.RemoteAddr()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count >= MaxPopulation {
		return false
	}
	k := index(addr)
	firstFree := -1
	for i := 0; i < HashTableSize; i++ {
		s := &m.slots[k]
		if s.occupied {
			if s.addr.Equal(addr) {
				s.conn = conn
				return true
			}
		} else {
			if firstFree == -1 {
				firstFree = int(k)
			}
			if !s.tombstone {
				// Never written: addr cannot appear further down this
				// chain, since every insert follows this same probe
				// sequence and would have stopped here too.
				break
			}
		}
		k = probe(k)
	}
	if firstFree == -1 {
		return false
	}
	s := &m.slots[firstFree]
	s.addr = addr
	s.conn = conn
	s.occupied = true
	s.tombstone = true
	m.count++
	return true
}

// Remove deletes the entry for addr, if present. It lazily tombstones the
// slot rather than zeroing it: two addresses can collide into the same home
// slot (routine at the table's 0.5 load factor), in which case the second
// address's entry lives further down the first address's probe chain. If
// Remove cleared the home slot's occupied flag outright, Lookup/
// LookupCheckFlood for the second address — which also starts its probe at
// that home slot — would see an unoccupied slot and stop immediately,
// making the second address's entry permanently unreachable even though it
// is still sitting later in the table. Leaving tombstone set keeps the
// chain walkable; only a slot that was never written at all is a safe
// place to stop.
func (m *Map) Remove(addr netaddr.NetAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := index(addr)
	for i := 0; i < HashTableSize; i++ {
		s := &m.slots[k]
		if s.occupied && s.addr.Equal(addr) {
			s.conn = nil
			s.occupied = false
			m.count--
			return
		}
		if !s.occupied && !s.tombstone {
			return
		}
		k = probe(k)
	}
}

// Lookup returns the connection for addr, if any.
func (m *Map) Lookup(addr netaddr.NetAddr) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := index(addr)
	for i := 0; i < HashTableSize; i++ {
		s := &m.slots[k]
		if s.occupied {
			if s.addr.Equal(addr) {
				return s.conn, true
			}
		} else if !s.tombstone {
			return nil, false
		}
		k = probe(k)
	}
	return nil, false
}

// LookupCheckFlood resolves addr to its connection (if any) and reports
// whether the slot addr hashes to is currently flooded: more than
// ConnectionFloodThreshold distinct non-connected addresses have probed it
// without ever becoming connections.
func (m *Map) LookupCheckFlood(addr netaddr.NetAddr) (conn Conn, flooded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := index(addr)
	for i := 0; i < HashTableSize; i++ {
		s := &m.slots[k]
		if s.occupied {
			if s.addr.Equal(addr) {
				return s.conn, false
			}
		} else if !s.tombstone {
			break
		}
		k = probe(k)
	}

	home := index(addr)
	f := m.floodFilters[home]
	if f == nil {
		f = bloom.New(256, 0.01)
		m.floodFilters[home] = f
	}
	key := append(append([]byte{}, addr.Addr[:]...), byte(addr.Port), byte(addr.Port>>8))
	if !f.Test(key) {
		f.Add(key)
		m.floodCounts[home]++
	}
	return nil, m.floodCounts[home] > ConnectionFloodThreshold
}

// Count returns the number of connected entries.
func (m *Map) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

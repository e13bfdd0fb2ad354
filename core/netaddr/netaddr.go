// Package netaddr implements the NetAddr value type: a 16-byte address, a
// port, and a family tag, with the v4-in-v6 promotion/demotion rules the
// connection map and cookie jar rely on for a single address representation
// regardless of socket family.
package netaddr

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Family distinguishes IPv4 from IPv6 addresses stored in the 16-byte
// Addr field.
type Family uint16

const (
	FamilyNone Family = iota
	FamilyV4
	FamilyV6
)

// NetAddr is a fixed-size address suitable for use as a hash-table key
// (the connection map hashes its bytes directly) and for wire
// serialization in handshake messages.
type NetAddr struct {
	Addr   [16]byte
	Port   uint16
	Family Family
	Valid  bool
}

// FromUDPAddr constructs a NetAddr from a standard library *net.UDPAddr,
// promoting an IPv4 address into its v4-in-v6 form.
func FromUDPAddr(a *net.UDPAddr) (NetAddr, error) {
	if a == nil {
		return NetAddr{}, fmt.Errorf("netaddr: nil UDPAddr")
	}
	var na NetAddr
	na.Port = uint16(a.Port)
	if v4 := a.IP.To4(); v4 != nil {
		na.Family = FamilyV4
		copy(na.Addr[10:12], []byte{0xff, 0xff})
		copy(na.Addr[12:16], v4)
	} else {
		v6 := a.IP.To16()
		if v6 == nil {
			return NetAddr{}, fmt.Errorf("netaddr: invalid IP %v", a.IP)
		}
		na.Family = FamilyV6
		copy(na.Addr[:], v6)
	}
	na.Valid = true
	return na, nil
}

// UDPAddr converts back to a *net.UDPAddr, demoting a v4-in-v6 address to
// plain IPv4 when the family tag says it originated there.
func (n NetAddr) UDPAddr() *net.UDPAddr {
	if n.Family == FamilyV4 {
		ip := make(net.IP, 4)
		copy(ip, n.Addr[12:16])
		return &net.UDPAddr{IP: ip, Port: int(n.Port)}
	}
	ip := make(net.IP, 16)
	copy(ip, n.Addr[:])
	return &net.UDPAddr{IP: ip, Port: int(n.Port)}
}

// Equal compares family, address bytes, and port.
func (n NetAddr) Equal(o NetAddr) bool {
	return n.Family == o.Family && n.Addr == o.Addr && n.Port == o.Port
}

// Hash64 folds the address into a 64-bit value suitable as an input to the
// connection map's probe sequence; it is not itself the slot index.
func (n NetAddr) Hash64() uint64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for _, b := range n.Addr {
		h ^= uint64(b)
		h *= 1099511628211
	}
	var portBytes [2]byte
	binary.LittleEndian.PutUint16(portBytes[:], n.Port)
	for _, b := range portBytes {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

func (n NetAddr) String() string {
	return n.UDPAddr().String()
}

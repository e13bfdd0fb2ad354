package dispatcher

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/transport"
)

// recvBufSize is sized to the largest MTU rung the transport's ladder
// ever probes.
const recvBufSize = transport.MTUMax

// Endpoint owns the single UDP socket and its batched read/write path,
// feeding classified datagrams to a Dispatcher and writing sealed
// datagrams back out on behalf of Connections.
type Endpoint struct {
	conn   *net.UDPConn
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	isV6   bool
	disp   *Dispatcher
	msgs   []ipv4.Message
	msgs6  []ipv6.Message
}

// NewEndpoint binds a UDP socket at addr and wraps it for batched I/O.
func NewEndpoint(addr *net.UDPAddr, disp *Dispatcher) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{conn: conn, disp: disp}
	if addr.IP.To4() == nil {
		e.isV6 = true
		e.pc6 = ipv6.NewPacketConn(conn)
		e.msgs6 = make([]ipv6.Message, RecvBatchSize)
		for i := range e.msgs6 {
			e.msgs6[i].Buffers = [][]byte{make([]byte, recvBufSize)}
		}
	} else {
		e.pc4 = ipv4.NewPacketConn(conn)
		e.msgs = make([]ipv4.Message, RecvBatchSize)
		for i := range e.msgs {
			e.msgs[i].Buffers = [][]byte{make([]byte, recvBufSize)}
		}
	}
	return e, nil
}

// ReadBatch performs one batched read and hands the classified result to
// the Dispatcher. Returns the number of datagrams read.
func (e *Endpoint) ReadBatch() (int, error) {
	if e.isV6 {
		return e.readBatch6()
	}
	return e.readBatch4()
}

func (e *Endpoint) readBatch4() (int, error) {
	n, err := e.pc4.ReadBatch(e.msgs, 0)
	if err != nil {
		return 0, err
	}
	batch := make([]RawDatagram, 0, n)
	for i := 0; i < n; i++ {
		m := &e.msgs[i]
		ua, ok := m.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr, err := netaddr.FromUDPAddr(ua)
		if err != nil {
			continue
		}
		buf := make([]byte, m.N)
		copy(buf, m.Buffers[0][:m.N])
		batch = append(batch, RawDatagram{Addr: addr, Buf: buf})
	}
	e.disp.Dispatch(batch)
	return n, nil
}

func (e *Endpoint) readBatch6() (int, error) {
	n, err := e.pc6.ReadBatch(e.msgs6, 0)
	if err != nil {
		return 0, err
	}
	batch := make([]RawDatagram, 0, n)
	for i := 0; i < n; i++ {
		m := &e.msgs6[i]
		ua, ok := m.Addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		addr, err := netaddr.FromUDPAddr(ua)
		if err != nil {
			continue
		}
		buf := make([]byte, m.N)
		copy(buf, m.Buffers[0][:m.N])
		batch = append(batch, RawDatagram{Addr: addr, Buf: buf})
	}
	e.disp.Dispatch(batch)
	return n, nil
}

// WritePacket satisfies transport.PacketWriter, sending one datagram to
// addr. Egress is not batched: the transport engine already coalesces
// multiple message blocks into one datagram per tick, so there is rarely
// more than one outbound write per connection per tick to amortize.
func (e *Endpoint) WritePacket(addr netaddr.NetAddr, b []byte) error {
	_, err := e.conn.WriteToUDP(b, addr.UDPAddr())
	return err
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// LocalAddr returns the bound socket address, useful when NewEndpoint was
// given port 0 and the OS chose one.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

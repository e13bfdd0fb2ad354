package dispatcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zac-lb/sphynx/connmap"
	"github.com/zac-lb/sphynx/core/netaddr"
)

type fakeConn struct {
	addr     netaddr.NetAddr
	workerID int

	mu   sync.Mutex
	recv [][]byte
}

func (f *fakeConn) RemoteAddr() netaddr.NetAddr { return f.addr }
func (f *fakeConn) WorkerID() int               { return f.workerID }
func (f *fakeConn) OnWorkerRecv(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = append(f.recv, append([]byte{}, b...))
}
func (f *fakeConn) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recv)
}

type fakeHandshake struct {
	mu   sync.Mutex
	hits int
}

func (h *fakeHandshake) OnWorkerRecv(addr netaddr.NetAddr, datagram []byte, workerID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits++
}

func (h *fakeHandshake) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits
}

func newAddr(port uint16) netaddr.NetAddr {
	return netaddr.NetAddr{Family: netaddr.FamilyV4, Port: port, Valid: true}
}

func TestDispatchRoutesKnownConnectionToPinnedWorker(t *testing.T) {
	conns := connmap.New()
	hs := &fakeHandshake{}
	pool := NewWorkerPool(hs, 4)
	defer pool.HaltAndWait()

	conn := &fakeConn{addr: newAddr(1), workerID: 2}
	require.True(t, conns.Insert(conn))

	d := New(conns, hs, pool, 2)
	d.Dispatch([]RawDatagram{{Addr: conn.addr, Buf: []byte("hello")}})

	require.Eventually(t, func() bool { return conn.received() == 1 }, time.Second, time.Millisecond)
}

func TestDispatchRoutesUnknownAddressToHandshake(t *testing.T) {
	conns := connmap.New()
	hs := &fakeHandshake{}
	pool := NewWorkerPool(hs, 2)
	defer pool.HaltAndWait()

	d := New(conns, hs, pool, 2)
	d.Dispatch([]RawDatagram{{Addr: newAddr(9), Buf: []byte("hi")}})

	require.Eventually(t, func() bool { return hs.count() == 1 }, time.Second, time.Millisecond)
}

func TestSetBitTestBitRoundTrip(t *testing.T) {
	var bits [MaxWorkerThreads / 64]uint64
	setBit(&bits, 0)
	setBit(&bits, 63)
	setBit(&bits, 5)
	require.True(t, testBit(&bits, 0))
	require.True(t, testBit(&bits, 63))
	require.True(t, testBit(&bits, 5))
	require.False(t, testBit(&bits, 1))
}

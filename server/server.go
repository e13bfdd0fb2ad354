// Package server implements the Sphynx embedding API's server side: the
// Start/NewConnexion/AcceptNewConnexion abstraction wired to the
// dispatcher, connection map, handshake responder, cookie jar, and
// encrypted statefile built up in the sibling packages.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zac-lb/sphynx/connmap"
	"github.com/zac-lb/sphynx/cookie"
	"github.com/zac-lb/sphynx/core/crypto/aead"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/core/sendbuf"
	"github.com/zac-lb/sphynx/dispatcher"
	"github.com/zac-lb/sphynx/handshake"
	"github.com/zac-lb/sphynx/statewriter"
	"github.com/zac-lb/sphynx/transport"
)

// Message is one application DATA payload delivered to a Connexion.
type Message struct {
	Stream  uint8
	Payload []byte
}

// Connexion is the per-connection application hook set, mirroring the
// embedding API's callback table.
type Connexion interface {
	// OnConnect fires once the handshake completes and the connection
	// transitions to Open.
	OnConnect(conn *transport.Connection)
	// OnMessages delivers application DATA payloads in the order
	// transport.Connection produced them. The transport engine delivers
	// each reliable/unreliable block to its MessageHandler as soon as it's
	// ready (in-order for ordered streams, immediately for stream 0), so
	// msgs is usually length 1; it is a slice rather than a single
	// Message so a future batching change to the transport layer doesn't
	// need an interface-breaking change here.
	OnMessages(conn *transport.Connection, msgs []Message)
	// OnTick fires once per transport.TickRate from the server's own
	// ticker; it is not sequenced with the connection's internal
	// maintenance pass (retransmit, flow control, flush).
	OnTick(conn *transport.Connection, now time.Time)
	// OnDisconnectReason fires once, when the connection transitions to
	// Closed, with the reason it closed for.
	OnDisconnectReason(reason transport.DisconnectReason)
}

// BaseConnexion is a no-op Connexion applications can embed to override
// only the callbacks they care about.
type BaseConnexion struct{}

func (BaseConnexion) OnConnect(*transport.Connection)               {}
func (BaseConnexion) OnMessages(*transport.Connection, []Message)   {}
func (BaseConnexion) OnTick(*transport.Connection, time.Time)       {}
func (BaseConnexion) OnDisconnectReason(transport.DisconnectReason) {}

type boundConnexion struct {
	conn     *transport.Connection
	app      Connexion
	reported int32 // atomic: 1 once OnDisconnectReason has been delivered for this connection
}

// reportDisconnect delivers OnDisconnectReason exactly once, however the
// connection came to close (appTickLoop's reap noticing a self-close, or
// an explicit Server.Disconnect call racing it).
func (bc *boundConnexion) reportDisconnect(reason transport.DisconnectReason) {
	if atomic.CompareAndSwapInt32(&bc.reported, 0, 1) {
		bc.app.OnDisconnectReason(reason)
	}
}

// Server is one listening Sphynx endpoint.
type Server struct {
	ctx *Context

	jar       *cookie.Jar
	responder *handshake.Responder
	conns     *connmap.Map
	bufPool   *sendbuf.Pool
	bans      *bbolt.DB
	sw        *statewriter.Writer

	pool     *dispatcher.WorkerPool
	disp     *dispatcher.Dispatcher
	endpoint *dispatcher.Endpoint

	mu       sync.Mutex
	byAddr   map[netaddr.NetAddr]*boundConnexion
	tickStop chan struct{}
}

var bansBucket = []byte("bans")

// Start binds port, restores persisted jar/handshake state if present, and
// begins serving. statefilePassphrase encrypts the on-disk jar/handshake
// snapshot (see statewriter); it is local secret material, never sent over
// the wire.
func Start(ctx *Context, port int, statefilePassphrase []byte) (*Server, error) {
	jar, err := cookie.NewJar()
	if err != nil {
		return nil, fmt.Errorf("server: failed to construct cookie jar: %w", err)
	}
	responder := handshake.NewResponder(ctx.Identity, jar)

	stateFile := ctx.Settings.Sphynx.Server.StateFile
	sw, savedState, err := statewriter.LoadWriter(nil, stateFile, statefilePassphrase)
	if err != nil {
		sw = statewriter.NewWriter(nil, stateFile, statefilePassphrase)
	} else {
		jar.Restore(savedState.JarCurrent, savedState.JarPrevious)
		if err := responder.ImportState(savedState.Responder); err != nil {
			ctx.Logger.Warnf("server: failed to import handshake state: %v", err)
		}
	}
	sw.Start()

	banPath := ctx.Settings.Sphynx.Server.BanStoreFile
	bans, err := bbolt.Open(banPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("server: failed to open ban store: %w", err)
	}
	if err := bans.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bansBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("server: failed to initialize ban bucket: %w", err)
	}

	s := &Server{
		ctx:       ctx,
		jar:       jar,
		responder: responder,
		conns:     connmap.New(),
		bufPool:   sendbuf.NewPool(),
		bans:      bans,
		sw:        sw,
		byAddr:    make(map[netaddr.NetAddr]*boundConnexion),
		tickStop:  make(chan struct{}),
	}

	numWorkers := ctx.Settings.Sphynx.Server.NumWorkers
	numConnect := ctx.Settings.Sphynx.Server.NumConnectWorkers
	s.pool = dispatcher.NewWorkerPool(s, numWorkers+numConnect)
	s.disp = dispatcher.New(s.conns, s, s.pool, numConnect)

	addr := &net.UDPAddr{Port: port}
	if !ctx.Settings.Sphynx.Server.SupportIPv6 {
		addr.IP = net.IPv4zero
	}
	endpoint, err := dispatcher.NewEndpoint(addr, s.disp)
	if err != nil {
		return nil, fmt.Errorf("server: failed to bind endpoint: %w", err)
	}
	s.endpoint = endpoint

	go s.acceptLoop()
	go s.jarRotationLoop()
	go s.metricsLoop(numWorkers + numConnect)
	go s.appTickLoop()

	return s, nil
}

// Addr returns the server's bound UDP socket address, useful when Start
// was given port 0 and the OS chose one.
func (s *Server) Addr() *net.UDPAddr {
	return s.endpoint.LocalAddr()
}

// IdentityPublicBytes returns the 64-byte combined public key clients must
// be given out of band before calling client.Connect.
func (s *Server) IdentityPublicBytes() [64]byte {
	return s.ctx.Identity.PublicBytes()
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.tickStop:
			return
		default:
		}
		if _, err := s.endpoint.ReadBatch(); err != nil {
			s.ctx.Logger.Errorf("server: ReadBatch failed: %v", err)
			return
		}
	}
}

func (s *Server) jarRotationLoop() {
	ticker := time.NewTicker(cookie.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker.C:
			if err := s.jar.Rotate(); err != nil {
				s.ctx.Logger.Errorf("server: cookie jar rotation failed: %v", err)
				continue
			}
			s.persistState()
		}
	}
}

func (s *Server) metricsLoop(numWorkers int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	counts := make(map[int]int)
	for {
		select {
		case <-s.tickStop:
			return
		case <-ticker.C:
			for k := range counts {
				counts[k] = 0
			}
			s.mu.Lock()
			for _, bc := range s.byAddr {
				counts[bc.conn.WorkerID()]++
			}
			s.mu.Unlock()
			for id := 0; id < numWorkers; id++ {
				s.ctx.Metrics.SetWorkerConnections(id, counts[id])
			}
		}
	}
}

// appTickLoop drives Connexion.OnTick once per transport.TickRate,
// separately from each Connection's own internal tick loop (retransmit,
// flow control, flush), since the application callback has no business
// running inside the engine's send-mutex-held critical section.
func (s *Server) appTickLoop() {
	ticker := time.NewTicker(transport.TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-s.tickStop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			conns := make([]*boundConnexion, 0, len(s.byAddr))
			for _, bc := range s.byAddr {
				conns = append(conns, bc)
			}
			s.mu.Unlock()
			for _, bc := range conns {
				if bc.conn.State() == transport.StateClosed {
					s.reap(bc)
					continue
				}
				bc.app.OnTick(bc.conn, now)
			}
		}
	}
}

// reap finalizes a connection that closed itself (timeout or a peer DISCO)
// rather than through Server.Disconnect: it still needs removing from the
// connection map and one OnDisconnectReason delivery.
func (s *Server) reap(bc *boundConnexion) {
	s.conns.Remove(bc.conn.RemoteAddr())
	s.mu.Lock()
	delete(s.byAddr, bc.conn.RemoteAddr())
	s.mu.Unlock()
	bc.conn.Halt()
	bc.reportDisconnect(bc.conn.DisconnectReason())
}

func (s *Server) persistState() {
	current, previous := s.jar.Snapshot()
	responderState, err := s.responder.ExportState()
	if err != nil {
		s.ctx.Logger.Warnf("server: failed to export handshake state: %v", err)
		return
	}
	s.sw.Save(statewriter.State{
		JarCurrent:  current,
		JarPrevious: previous,
		Responder:   responderState,
	})
}

// IsBanned reports whether addr has been placed in the persistent ban
// list.
func (s *Server) IsBanned(addr netaddr.NetAddr) bool {
	banned := false
	_ = s.bans.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bansBucket).Get(banKey(addr))
		banned = v != nil
		return nil
	})
	return banned
}

// Ban permanently adds addr to the persistent ban list.
func (s *Server) Ban(addr netaddr.NetAddr) error {
	return s.bans.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bansBucket).Put(banKey(addr), []byte{1})
	})
}

// Unban removes addr from the persistent ban list.
func (s *Server) Unban(addr netaddr.NetAddr) error {
	return s.bans.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bansBucket).Delete(banKey(addr))
	})
}

func banKey(addr netaddr.NetAddr) []byte {
	key := make([]byte, 0, 19)
	key = append(key, addr.Addr[:]...)
	key = append(key, byte(addr.Port), byte(addr.Port>>8))
	return key
}

// OnWorkerRecv satisfies dispatcher.HandshakeRouter: every datagram from an
// address with no existing connection lands here.
func (s *Server) OnWorkerRecv(addr netaddr.NetAddr, datagram []byte, workerID int) {
	if s.IsBanned(addr) {
		return
	}
	if !s.ctx.AcceptNewConnexion(addr) {
		return
	}
	if len(datagram) < 1 {
		return
	}

	switch handshake.Opcode(datagram[0]) {
	case handshake.OpHello:
		cookieMsg, err := s.responder.OnHello(addr, datagram)
		if err != nil {
			return
		}
		s.endpoint.WritePacket(addr, cookieMsg)
	case handshake.OpChallenge:
		s.onChallenge(addr, datagram, workerID)
	}
}

func (s *Server) onChallenge(addr netaddr.NetAddr, datagram []byte, workerID int) {
	floodedOrFull := func() *handshake.ErrorMsg {
		if s.conns.Count() >= connmap.MaxPopulation {
			return &handshake.ErrorMsg{Reason: handshake.ReasonServerFull}
		}
		return nil
	}
	result, err := s.responder.OnChallenge(addr, datagram, floodedOrFull)
	if err != nil {
		return
	}
	s.endpoint.WritePacket(addr, result.Answer)
	if result.Err != nil {
		return
	}

	engine, err := aead.NewChaCha20Poly1305(result.Session.SharedKey[:])
	if err != nil {
		return
	}

	app := s.ctx.NewConnexion()
	conn := transport.NewConnection(addr, engine, s.endpoint, s.bufPool, func(stream uint8, payload []byte) {
		s.mu.Lock()
		bc := s.byAddr[addr]
		s.mu.Unlock()
		if bc == nil {
			return
		}
		bc.app.OnMessages(conn, []Message{{Stream: stream, Payload: payload}})
	})
	conn.SetWorkerID(workerID)
	conn.Open()
	conn.Start()

	bc := &boundConnexion{conn: conn, app: app}
	s.mu.Lock()
	s.byAddr[addr] = bc
	s.mu.Unlock()

	if !s.conns.Insert(conn) {
		s.Disconnect(conn, transport.ReasonServerFull)
		return
	}

	s.responder.Forget(addr)
	app.OnConnect(conn)
}

// Disconnect tears down conn, notifying its Connexion and removing it from
// the connection map.
func (s *Server) Disconnect(conn *transport.Connection, reason transport.DisconnectReason) {
	conn.PostDisconnect(reason)
	conn.Halt()
	s.conns.Remove(conn.RemoteAddr())

	s.mu.Lock()
	bc, ok := s.byAddr[conn.RemoteAddr()]
	delete(s.byAddr, conn.RemoteAddr())
	s.mu.Unlock()

	if ok {
		bc.reportDisconnect(reason)
	}
}

// Shutdown disconnects every connection and releases the listening socket
// and ban store.
func (s *Server) Shutdown() {
	close(s.tickStop)

	s.mu.Lock()
	conns := make([]*boundConnexion, 0, len(s.byAddr))
	for _, bc := range s.byAddr {
		conns = append(conns, bc)
	}
	s.mu.Unlock()

	for _, bc := range conns {
		s.Disconnect(bc.conn, transport.ReasonShutdown)
	}

	s.persistState()
	s.sw.HaltAndWait()
	s.pool.HaltAndWait()
	s.endpoint.Close()
	s.bans.Close()
}

// Package client implements the Sphynx embedding API's client side:
// Connect drives the HELLO/COOKIE/CHALLENGE/ANSWER exchange against a
// known server identity and, on success, hands the caller an open
// transport.Connection wired to the same Connexion callback set the
// server side uses.
package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zac-lb/sphynx/core/crypto/aead"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/core/sendbuf"
	"github.com/zac-lb/sphynx/handshake"
	"github.com/zac-lb/sphynx/metrics"
	"github.com/zac-lb/sphynx/server"
	"github.com/zac-lb/sphynx/transport"
)

// handshakeRetryInterval paces HELLO/CHALLENGE retransmits while waiting
// for a reply, matching transport's own minResendInterval.
const handshakeRetryInterval = 250 * time.Millisecond

// handshakeRetries bounds how many times a handshake message is resent
// before Connect gives up and reports a timeout.
const handshakeRetries = 8

// Context bundles a client's injected collaborators, mirroring
// server.Context. There is no NewConnexion factory here: a Client only
// ever drives the single connection Connect establishes.
type Context struct {
	Logger  *log.Logger
	Metrics *metrics.Metrics

	// App receives the established connection's callbacks.
	App server.Connexion
}

// NewContext constructs a Context with a default logger and metrics
// registry, for callers that don't need to override them.
func NewContext(app server.Connexion) *Context {
	return &Context{
		Logger: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "sphynx/client",
		}),
		Metrics: metrics.New(prometheus.NewRegistry()),
		App:     app,
	}
}

// Client is one established outbound connection to a Sphynx server.
type Client struct {
	ctx  *Context
	conn *net.UDPConn
	tc   *transport.Connection

	tickStop   chan struct{}
	closeOnce  sync.Once
	reportOnce sync.Once
}

// udpPacketWriter satisfies transport.PacketWriter over a connected UDP
// socket: there is only ever one peer, so the addr argument is ignored.
type udpPacketWriter struct {
	conn *net.UDPConn
}

func (w udpPacketWriter) WritePacket(_ netaddr.NetAddr, b []byte) error {
	_, err := w.conn.Write(b)
	return err
}

// Connect performs the HELLO/COOKIE/CHALLENGE/ANSWER exchange against
// serverAddr (host:port) and, on success, returns a Client with its
// transport.Connection already Open and ticking. expectedServerPubkey is
// the 64-byte X25519‖Ed25519 combined public key the caller already
// trusts. statefilePassphrase is accepted for signature symmetry with
// server.Start's session_key parameter but is currently unused: a Client
// has no cookie jar or handshake-responder cache that needs an encrypted
// statefile across restarts.
func Connect(ctx *Context, serverAddr string, expectedServerPubkey [64]byte, statefilePassphrase []byte) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("client: failed to resolve %s: %w", serverAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("client: failed to dial %s: %w", serverAddr, err)
	}

	localAddr, err := netaddr.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		conn.Close()
		return nil, err
	}
	serverNetAddr, err := netaddr.FromUDPAddr(raddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	init := handshake.NewInitiator(expectedServerPubkey)

	cookieMsg, err := roundTrip(conn, init.Hello())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: HELLO failed: %w", err)
	}
	challengeMsg, err := init.OnCookie(cookieMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: malformed COOKIE: %w", err)
	}

	answerMsg, err := roundTrip(conn, challengeMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: CHALLENGE failed: %w", err)
	}
	if len(answerMsg) >= 1 && handshake.Opcode(answerMsg[0]) == handshake.OpError {
		e, _ := handshake.UnmarshalError(answerMsg)
		conn.Close()
		return nil, fmt.Errorf("client: server refused connection: reason 0x%x", e.Reason)
	}
	session, err := init.OnAnswer(answerMsg, localAddr.Addr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	engine, err := aead.NewChaCha20Poly1305(session.SharedKey[:])
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		ctx:      ctx,
		conn:     conn,
		tickStop: make(chan struct{}),
	}

	tc := transport.NewConnection(serverNetAddr, engine, udpPacketWriter{conn}, sendbuf.NewPool(), func(stream uint8, payload []byte) {
		ctx.App.OnMessages(c.tc, []server.Message{{Stream: stream, Payload: payload}})
	})
	c.tc = tc
	tc.Open()
	tc.Start()

	go c.recvLoop()
	go c.appTickLoop()

	ctx.App.OnConnect(tc)
	return c, nil
}

// roundTrip sends msg and waits up to handshakeRetryInterval for a reply,
// resending on timeout until handshakeRetries is exhausted.
func roundTrip(conn *net.UDPConn, msg []byte) ([]byte, error) {
	buf := make([]byte, transport.MTUMax)
	for attempt := 0; attempt < handshakeRetries; attempt++ {
		if _, err := conn.Write(msg); err != nil {
			return nil, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(handshakeRetryInterval)); err != nil {
			return nil, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
		conn.SetReadDeadline(time.Time{})
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
	return nil, fmt.Errorf("client: handshake timed out after %d attempts", handshakeRetries)
}

// recvLoop feeds every datagram from the dialed socket to the transport
// engine. Reads return only datagrams from the connected peer.
func (c *Client) recvLoop() {
	buf := make([]byte, transport.MTUMax)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		c.tc.OnWorkerRecv(datagram)
	}
}

// appTickLoop drives Connexion.OnTick once per transport.TickRate and
// detects the connection closing itself (timeout, peer DISCO) the same
// way server.appTickLoop does, delivering exactly one OnDisconnectReason.
func (c *Client) appTickLoop() {
	ticker := time.NewTicker(transport.TickRate)
	defer ticker.Stop()
	for {
		select {
		case <-c.tickStop:
			return
		case now := <-ticker.C:
			if c.tc.State() == transport.StateClosed {
				c.teardown()
				c.reportDisconnect(c.tc.DisconnectReason())
				return
			}
			c.ctx.App.OnTick(c.tc, now)
		}
	}
}

// Disconnect sends DISCO(reason) to the server and tears the connection
// down locally, delivering OnDisconnectReason(reason).
func (c *Client) Disconnect(reason transport.DisconnectReason) {
	c.tc.PostDisconnect(reason)
	c.teardown()
	c.reportDisconnect(reason)
}

// reportDisconnect delivers OnDisconnectReason exactly once, however the
// connection came to close (appTickLoop noticing a self-close, or an
// explicit Disconnect call racing it).
func (c *Client) reportDisconnect(reason transport.DisconnectReason) {
	c.reportOnce.Do(func() {
		c.ctx.App.OnDisconnectReason(reason)
	})
}

// teardown releases the socket and stops the tick loop; safe to call more
// than once or concurrently.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.tickStop)
		c.tc.Halt()
		c.conn.Close()
	})
}

// Connection returns the underlying transport.Connection, for callers that
// want direct access to WriteReliable/WriteUnreliable/FlushWrite outside a
// Connexion callback.
func (c *Client) Connection() *transport.Connection { return c.tc }

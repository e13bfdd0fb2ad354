package server

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/transport"
)

type recordingConnexion struct {
	mu        sync.Mutex
	connected bool
	messages  [][]byte
	reason    transport.DisconnectReason
	gotReason bool
}

func (r *recordingConnexion) OnConnect(*transport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
}

func (r *recordingConnexion) OnMessages(_ *transport.Connection, msgs []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.messages = append(r.messages, m.Payload)
	}
}

func (r *recordingConnexion) OnTick(*transport.Connection, time.Time) {}

func (r *recordingConnexion) OnDisconnectReason(reason transport.DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reason = reason
	r.gotReason = true
}

func (r *recordingConnexion) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func newTestContext(t *testing.T, app *recordingConnexion) *Context {
	t.Helper()
	dir := t.TempDir()

	identity, err := keypair.Generate()
	require.NoError(t, err)

	settings := defaultSettings()
	settings.Sphynx.Server.StateFile = dir + "/state.bin"
	settings.Sphynx.Server.BanStoreFile = dir + "/bans.db"
	settings.Sphynx.Server.NumWorkers = 2
	settings.Sphynx.Server.NumConnectWorkers = 1

	ctx := NewContext(&settings, identity)
	ctx.NewConnexion = func() Connexion { return app }
	return ctx
}

func TestStartBeginsWithNoConnections(t *testing.T) {
	app := &recordingConnexion{}
	ctx := newTestContext(t, app)

	srv, err := Start(ctx, 0, []byte("test-passphrase"))
	require.NoError(t, err)
	defer srv.Shutdown()

	require.Eventually(t, func() bool {
		return srv.conns.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestIsBannedRoundTrips(t *testing.T) {
	app := &recordingConnexion{}
	ctx := newTestContext(t, app)

	srv, err := Start(ctx, 0, []byte("test-passphrase"))
	require.NoError(t, err)
	defer srv.Shutdown()

	addr := netaddr.NetAddr{Family: netaddr.FamilyV4, Port: 1234, Valid: true}
	require.False(t, srv.IsBanned(addr))

	require.NoError(t, srv.Ban(addr))
	require.True(t, srv.IsBanned(addr))

	require.NoError(t, srv.Unban(addr))
	require.False(t, srv.IsBanned(addr))
}

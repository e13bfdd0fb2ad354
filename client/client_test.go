package client

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
	"github.com/zac-lb/sphynx/server"
	"github.com/zac-lb/sphynx/transport"
)

type recordingConnexion struct {
	mu        sync.Mutex
	connected bool
	messages  [][]byte
	gotReason bool
}

func (r *recordingConnexion) OnConnect(*transport.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
}

func (r *recordingConnexion) OnMessages(_ *transport.Connection, msgs []server.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.messages = append(r.messages, m.Payload)
	}
}

func (r *recordingConnexion) OnTick(*transport.Connection, time.Time) {}

func (r *recordingConnexion) OnDisconnectReason(transport.DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gotReason = true
}

func (r *recordingConnexion) isConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *recordingConnexion) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func startTestServer(t *testing.T, app server.Connexion) *server.Server {
	t.Helper()
	dir := t.TempDir()

	identity, err := keypair.Generate()
	require.NoError(t, err)

	settingsPath := dir + "/sphynx.toml"
	require.NoError(t, os.WriteFile(settingsPath, []byte("[Sphynx.Server]\n"), 0600))
	settings, err := server.LoadSettings(settingsPath)
	require.NoError(t, err)
	settings.Sphynx.Server.StateFile = dir + "/state.bin"
	settings.Sphynx.Server.BanStoreFile = dir + "/bans.db"
	settings.Sphynx.Server.NumWorkers = 2
	settings.Sphynx.Server.NumConnectWorkers = 1

	ctx := server.NewContext(settings, identity)
	ctx.NewConnexion = func() server.Connexion { return app }

	srv, err := server.Start(ctx, 0, []byte("server-passphrase"))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	return srv
}

func TestConnectCompletesHandshakeAndExchangesMessages(t *testing.T) {
	serverApp := &recordingConnexion{}
	srv := startTestServer(t, serverApp)

	clientApp := &recordingConnexion{}
	ctx := NewContext(clientApp)

	c, err := Connect(ctx, fmt.Sprintf("127.0.0.1:%d", srv.Addr().Port), srv.IdentityPublicBytes(), []byte("client-passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(transport.ReasonUserExit) })

	require.Eventually(t, clientApp.isConnected, time.Second, 10*time.Millisecond)
	require.Eventually(t, serverApp.isConnected, time.Second, 10*time.Millisecond)

	require.NoError(t, c.Connection().WriteReliable(1, []byte("hello server")))
	c.Connection().FlushWrite()

	require.Eventually(t, func() bool { return serverApp.messageCount() == 1 }, time.Second, 10*time.Millisecond)
}

// Command sphynx-server runs a standalone Sphynx server, logging every
// connect/message/disconnect it sees. It exists to exercise the embedding
// API end-to-end; real applications link package server directly and
// supply their own Connexion.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/carlmjohnson/versioninfo"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/server"
	"github.com/zac-lb/sphynx/transport"
)

type loggingConnexion struct {
	server.BaseConnexion
	addr netaddr.NetAddr
}

func (c *loggingConnexion) OnConnect(conn *transport.Connection) {
	c.addr = conn.RemoteAddr()
	log.Printf("sphynx-server: connected %s", c.addr)
}

func (c *loggingConnexion) OnMessages(conn *transport.Connection, msgs []server.Message) {
	for _, m := range msgs {
		log.Printf("sphynx-server: %s stream=%d %d bytes", c.addr, m.Stream, len(m.Payload))
		if err := conn.WriteReliable(m.Stream, m.Payload); err != nil {
			log.Printf("sphynx-server: echo failed: %v", err)
		}
	}
	conn.FlushWrite()
}

func (c *loggingConnexion) OnDisconnectReason(reason transport.DisconnectReason) {
	log.Printf("sphynx-server: disconnected %s reason=0x%x", c.addr, reason)
}

func main() {
	settingsPath := flag.String("settings", "sphynx.toml", "path to the TOML settings file")
	keyPath := flag.String("key", "sphynx.key", "path to the server's identity keypair")
	port := flag.Int("port", 8443, "UDP port to listen on")
	passphraseEnv := flag.String("passphrase-env", "SPHYNX_STATEFILE_PASSPHRASE", "environment variable holding the statefile encryption passphrase")
	versioninfo.AddFlag(flag.CommandLine)
	flag.Parse()

	settings, err := server.LoadSettings(*settingsPath)
	if err != nil {
		log.Fatalf("sphynx-server: %v", err)
	}

	identity, err := keypair.Load(*keyPath)
	if err != nil {
		log.Fatalf("sphynx-server: failed to load identity: %v", err)
	}
	defer identity.Destroy()

	passphrase := []byte(os.Getenv(*passphraseEnv))
	if len(passphrase) == 0 {
		log.Fatalf("sphynx-server: %s is unset or empty", *passphraseEnv)
	}

	ctx := server.NewContext(settings, identity)
	ctx.NewConnexion = func() server.Connexion { return &loggingConnexion{} }

	srv, err := server.Start(ctx, *port, passphrase)
	if err != nil {
		log.Fatalf("sphynx-server: failed to start: %v", err)
	}
	log.Printf("sphynx-server: listening on %s", srv.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	log.Println("sphynx-server: shutting down")
	shutdownStart := time.Now()
	srv.Shutdown()
	log.Printf("sphynx-server: shutdown took %s", time.Since(shutdownStart))
}

// Command sphynx-client connects to a Sphynx server, sends one message per
// line read from stdin on stream 0, and logs whatever comes back. It
// exists to exercise the embedding API end-to-end; real applications link
// package client directly and supply their own Connexion.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/carlmjohnson/versioninfo"

	"github.com/zac-lb/sphynx/client"
	"github.com/zac-lb/sphynx/server"
	"github.com/zac-lb/sphynx/transport"
)

type loggingConnexion struct {
	server.BaseConnexion
	done chan struct{}
}

func (c *loggingConnexion) OnConnect(*transport.Connection) {
	log.Println("sphynx-client: connected")
}

func (c *loggingConnexion) OnMessages(_ *transport.Connection, msgs []server.Message) {
	for _, m := range msgs {
		log.Printf("sphynx-client: stream=%d %q", m.Stream, m.Payload)
	}
}

func (c *loggingConnexion) OnDisconnectReason(reason transport.DisconnectReason) {
	log.Printf("sphynx-client: disconnected reason=0x%x", reason)
	close(c.done)
}

func main() {
	serverAddr := flag.String("server", "127.0.0.1:8443", "server address, host:port")
	pubkeyHex := flag.String("pubkey", "", "the server's 64-byte public key, hex-encoded")
	passphraseEnv := flag.String("passphrase-env", "SPHYNX_STATEFILE_PASSPHRASE", "environment variable holding the statefile encryption passphrase (unused by the client, kept for API symmetry)")
	versioninfo.AddFlag(flag.CommandLine)
	flag.Parse()

	if *pubkeyHex == "" {
		log.Fatal("sphynx-client: -pubkey is required")
	}
	pubkeyBytes, err := hex.DecodeString(*pubkeyHex)
	if err != nil || len(pubkeyBytes) != 64 {
		log.Fatal("sphynx-client: -pubkey must be 64 bytes, hex-encoded")
	}
	var pubkey [64]byte
	copy(pubkey[:], pubkeyBytes)

	app := &loggingConnexion{done: make(chan struct{})}
	ctx := client.NewContext(app)

	passphrase := []byte(os.Getenv(*passphraseEnv))
	c, err := client.Connect(ctx, *serverAddr, pubkey, passphrase)
	if err != nil {
		log.Fatalf("sphynx-client: failed to connect: %v", err)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := c.Connection().WriteReliable(0, scanner.Bytes()); err != nil {
				log.Printf("sphynx-client: send failed: %v", err)
				continue
			}
			c.Connection().FlushWrite()
		}
		c.Disconnect(transport.ReasonUserExit)
	}()

	<-app.done
	fmt.Println("sphynx-client: done")
}

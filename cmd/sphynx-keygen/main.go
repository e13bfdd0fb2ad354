// Command sphynx-keygen generates a fresh long-term identity keypair and
// writes it to disk in the persisted-state format Server/Client expect:
// seed(32) ‖ pubkey(64), mode 0600.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/carlmjohnson/versioninfo"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
)

func main() {
	out := flag.String("out", "sphynx.key", "path to write the generated keypair to")
	versioninfo.AddFlag(flag.CommandLine)
	flag.Parse()

	kp, err := keypair.Generate()
	if err != nil {
		log.Fatalf("sphynx-keygen: failed to generate keypair: %v", err)
	}
	defer kp.Destroy()

	if _, err := os.Stat(*out); err == nil {
		log.Fatalf("sphynx-keygen: %s already exists, refusing to overwrite", *out)
	}
	if err := kp.Save(*out); err != nil {
		log.Fatalf("sphynx-keygen: failed to write %s: %v", *out, err)
	}

	pub := kp.PublicBytes()
	fmt.Printf("wrote %s\npublic key: %s\n", *out, hex.EncodeToString(pub[:]))
}

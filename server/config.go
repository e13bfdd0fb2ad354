package server

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zac-lb/sphynx/core/crypto/keypair"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/metrics"
)

// Settings is the TOML-decoded contents of the server's settings file,
// named the way the original Settings singleton was, under a `Sphynx.
// Server` table.
type Settings struct {
	Sphynx struct {
		Server struct {
			SupportIPv6         bool   `toml:"SupportIPv6"`
			KernelReceiveBuffer int    `toml:"KernelReceiveBuffer"`
			NumWorkers          int    `toml:"NumWorkers"`
			NumConnectWorkers   int    `toml:"NumConnectWorkers"`
			StateFile           string `toml:"StateFile"`
			BanStoreFile        string `toml:"BanStoreFile"`
		} `toml:"Server"`
	} `toml:"Sphynx"`
}

// defaults fills in the settings the original described as having
// non-zero defaults: KernelReceiveBuffer=8_000_000, SupportIPv6=false.
func defaultSettings() Settings {
	var s Settings
	s.Sphynx.Server.KernelReceiveBuffer = 8_000_000
	s.Sphynx.Server.NumWorkers = 4
	s.Sphynx.Server.NumConnectWorkers = 2
	s.Sphynx.Server.StateFile = "sphynx-state.bin"
	s.Sphynx.Server.BanStoreFile = "sphynx-bans.db"
	return s
}

// LoadSettings reads and decodes a TOML settings file, applying the
// documented defaults for any field the file doesn't set.
func LoadSettings(path string) (*Settings, error) {
	s := defaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("server: failed to load settings from %s: %w", path, err)
	}
	return &s, nil
}

// Context bundles the settings and every injected collaborator a Server
// needs, following Design Notes' directive that Settings/Logging/
// ThreadPool are external collaborators passed in explicitly rather than
// package-level singletons.
type Context struct {
	Settings *Settings
	Identity *keypair.KeyPair
	Logger   *log.Logger
	Metrics  *metrics.Metrics

	// NewConnexion is the factory hook: called once per newly admitted
	// connection to produce the application's Connexion implementation.
	NewConnexion func() Connexion

	// AcceptNewConnexion is the policy hook: called before a handshake is
	// allowed to proceed for addr. Returning false causes the server to
	// silently drop every handshake datagram (HELLO or CHALLENGE) from addr,
	// the same as if the address were flooded.
	AcceptNewConnexion func(addr netaddr.NetAddr) bool
}

// NewContext constructs a Context with a default logger and metrics
// registry, for callers that don't need to override them.
func NewContext(settings *Settings, identity *keypair.KeyPair) *Context {
	return &Context{
		Settings: settings,
		Identity: identity,
		Logger: log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "sphynx/server",
		}),
		Metrics:            metrics.New(prometheus.NewRegistry()),
		AcceptNewConnexion: func(netaddr.NetAddr) bool { return true },
	}
}

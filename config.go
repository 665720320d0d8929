package knapsack

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/session"
)

// Config configures a Node.
type Config struct {
	// DataDir holds the identity key and the chunk store. Created when
	// missing.
	DataDir string
	// MinimumFreeGB is the free-space threshold the chunk store enforces
	// on startup.
	MinimumFreeGB int
	// OverlayListenAddr is the UDP address for discovery, e.g. ":42441".
	OverlayListenAddr string
	// ExchangeListenAddr is the QUIC address for content exchange, e.g.
	// ":42442".
	ExchangeListenAddr string
	// AdvertiseAddr overrides the exchange address placed in provider
	// records, for nodes behind port forwarding. Defaults to
	// ExchangeListenAddr.
	AdvertiseAddr string
	// BootstrapSeeds are overlay addresses of already-running nodes. May
	// be empty for the first node of a network.
	BootstrapSeeds []string
	// GarbageCollectionInterval is the cadence of store value-log GC.
	// Defaults to 5 minutes.
	GarbageCollectionInterval time.Duration
	// Session tunes the locate and acquire coordinator.
	Session session.Config
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.DataDir == "" {
		c.DataDir = "knapsack-data"
	}
	if c.OverlayListenAddr == "" {
		c.OverlayListenAddr = ":42441"
	}
	if c.ExchangeListenAddr == "" {
		c.ExchangeListenAddr = ":42442"
	}
	if c.GarbageCollectionInterval <= 0 {
		c.GarbageCollectionInterval = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Session.Logger == nil {
		c.Session.Logger = c.Logger
	}
}

// Package session coordinates multi-peer work on top of discovery and the
// exchange protocol: locating videos by query and acquiring full videos
// chunk by chunk with bounded fan-out and provider failover.
package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/exchange"
	"github.com/knapsack-vid/knapsack/pkg/store"
	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Discovery resolves content ids to peers that can serve them. The overlay
// implements this; tests substitute fakes.
type Discovery interface {
	// FindProviders returns up to max peers advertising content. An empty
	// slice is a valid answer.
	FindProviders(ctx context.Context, content types.Hash, max int) ([]exchange.Peer, error)

	// KnownPeers returns up to max known peers in no particular order.
	KnownPeers(max int) []exchange.Peer
}

// Requester issues single exchanges to single peers. The exchange client
// implements this.
type Requester interface {
	RequestMetadata(ctx context.Context, peer exchange.Peer, content types.Hash) (types.VideoMeta, error)
	RequestChunk(ctx context.Context, peer exchange.Peer, content types.Hash) ([]byte, error)
	Search(ctx context.Context, peer exchange.Peer, query string, limit int) ([]types.VideoMeta, error)

	// Rank orders peers best-first by past behavior.
	Rank(peers []exchange.Peer) []exchange.Peer
}

// Config configures a Coordinator.
type Config struct {
	// FanOut caps concurrent chunk requests per acquisition. Defaults to 8.
	FanOut int
	// SendTimeout bounds one chunk or metadata exchange. Defaults to 15s.
	SendTimeout time.Duration
	// MaxDiscoveryRounds is how many consecutive zero-progress provider
	// refreshes are tolerated before giving up. Defaults to 3.
	MaxDiscoveryRounds int
	// MaxProvidersPerChunk caps the failover list per chunk. Defaults to 5.
	MaxProvidersPerChunk int
	// LocateFanOut caps how many peers a Locate queries. Defaults to 8.
	LocateFanOut int
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.FanOut <= 0 {
		c.FanOut = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.MaxDiscoveryRounds <= 0 {
		c.MaxDiscoveryRounds = 3
	}
	if c.MaxProvidersPerChunk <= 0 {
		c.MaxProvidersPerChunk = 5
	}
	if c.LocateFanOut <= 0 {
		c.LocateFanOut = 8
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Coordinator runs locate and acquire sessions against the local store, the
// discovery service, and the exchange client.
type Coordinator struct {
	config    Config
	log       *logrus.Logger
	store     *store.Store
	discovery Discovery
	requester Requester
}

// New creates a Coordinator.
func New(st *store.Store, discovery Discovery, requester Requester, config Config) *Coordinator {
	config.withDefaults()
	return &Coordinator{
		config:    config,
		log:       config.Logger,
		store:     st,
		discovery: discovery,
		requester: requester,
	}
}

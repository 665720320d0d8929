package overlay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Config configures an Overlay.
type Config struct {
	// ListenAddr is the UDP address the overlay binds to, e.g. ":42441".
	ListenAddr string
	// ExchangeAddr is the QUIC address advertised in this node's provider
	// records and contact entries.
	ExchangeAddr string
	// Alpha is the lookup concurrency. Defaults to 3.
	Alpha int
	// RPCTimeout bounds a single overlay round trip. Defaults to 800ms.
	RPCTimeout time.Duration
	// ProviderTTL is how long a provider record stays valid without being
	// republished. Defaults to 3x RepublishInterval.
	ProviderTTL time.Duration
	// RepublishInterval is the cadence at which this node re-announces its
	// published content. Defaults to 15 minutes.
	RepublishInterval time.Duration
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

func (c *Config) withDefaults() {
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 800 * time.Millisecond
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = 15 * time.Minute
	}
	if c.ProviderTTL <= 0 {
		c.ProviderTTL = 3 * c.RepublishInterval
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Overlay is the discovery service: Kademlia routing plus provider records.
// Provider propagation is eventually consistent; Publish followed
// immediately by FindProviders on another node is not guaranteed to see the
// record.
type Overlay struct {
	config    Config
	log       *logrus.Logger
	me        Contact
	rt        *routingTable
	net       *network
	providers *providerStore

	publishedMu sync.RWMutex
	published   map[types.Hash]struct{}

	joined   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// New binds the overlay's UDP socket and starts its background loops. The
// node is usable for purely local operations before Bootstrap succeeds.
func New(self types.PeerID, config Config) (*Overlay, error) {
	config.withDefaults()

	o := &Overlay{
		config:    config,
		log:       config.Logger,
		providers: newProviderStore(config.ProviderTTL),
		published: make(map[types.Hash]struct{}),
		stop:      make(chan struct{}),
	}
	o.me = Contact{ID: self, ExchangeAddr: config.ExchangeAddr}

	netw, err := newNetwork(o, config.ListenAddr, config.RPCTimeout, config.Logger)
	if err != nil {
		return nil, err
	}
	o.net = netw
	o.me.Addr = netw.addr()
	o.rt = newRoutingTable(o.me)
	o.rt.setPingFunc(func(c Contact) bool {
		_, err := o.net.sendPing(c.Addr)
		return err == nil
	})

	go o.republisher()

	return o, nil
}

// Addr returns the bound UDP address.
func (o *Overlay) Addr() string {
	return o.net.addr()
}

// Self returns this node's contact entry.
func (o *Overlay) Self() Contact {
	return o.me
}

// Joined reports whether at least one bootstrap seed has been reached.
func (o *Overlay) Joined() bool {
	return o.joined.Load()
}

// Bootstrap joins the overlay through the given seed addresses: ping each
// seed, then run an iterative lookup for our own id to populate the routing
// table. If no seed is reachable it returns ErrOverlayUnavailable; the
// caller logs this and keeps the node running for local operations.
func (o *Overlay) Bootstrap(ctx context.Context, seeds []string) error {
	reached := 0
	for _, seed := range seeds {
		if seed == "" || seed == o.me.Addr {
			continue
		}
		contact, err := o.net.sendPing(seed)
		if err != nil {
			o.log.WithFields(logrus.Fields{
				"seed":  seed,
				"error": err.Error(),
			}).Warn("bootstrap seed unreachable")
			continue
		}
		reached++
		o.log.WithFields(logrus.Fields{
			"seed": seed,
			"peer": contact.ID.Short(),
		}).Debug("bootstrap seed reached")
	}
	if reached == 0 {
		return fmt.Errorf("no bootstrap seed reachable: %w", types.ErrOverlayUnavailable)
	}

	// Canonical join step: lookup our own id.
	o.lookup(ctx, types.Hash(o.me.ID))
	o.joined.Store(true)
	return nil
}

// lookup performs an α-parallel iterative FIND_NODE for target, learning
// every returned contact into the routing table. It converges when the best
// known distance stops improving.
func (o *Overlay) lookup(ctx context.Context, target types.Hash) {
	visited := make(map[types.PeerID]struct{})

	nextBatch := func() []Contact {
		candidates := o.rt.findClosest(target, bucketSize*3)
		batch := make([]Contact, 0, o.config.Alpha)
		for _, contact := range candidates {
			if len(batch) >= o.config.Alpha {
				break
			}
			if contact.Addr == "" {
				continue
			}
			if _, seen := visited[contact.ID]; seen {
				continue
			}
			visited[contact.ID] = struct{}{}
			batch = append(batch, contact)
		}
		return batch
	}

	var lastBest *types.Hash
	for {
		if ctx.Err() != nil {
			return
		}
		batch := nextBatch()
		if len(batch) == 0 {
			return
		}

		var wg sync.WaitGroup
		for i := range batch {
			peer := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := o.net.sendFindNode(peer, target); err != nil {
					// Unresponsive contacts make way for cached replacements.
					o.rt.removeContact(peer.ID)
				}
			}()
		}
		wg.Wait()

		closestNow := o.rt.findClosest(target, 1)
		if len(closestNow) == 0 {
			return
		}
		best := xorDistance(types.Hash(closestNow[0].ID), target)
		if lastBest != nil && !lessDistance(best, *lastBest) {
			return
		}
		lastBest = &best
	}
}

// Publish announces this node as a provider of content. The record is placed
// on the k closest nodes to the content id and stored locally; it expires
// after the TTL, so the republisher re-issues it periodically. Before a
// successful bootstrap only the local record is kept.
func (o *Overlay) Publish(ctx context.Context, content types.Hash) error {
	rec := ProviderRecord{
		Content:      content,
		Peer:         o.me.ID,
		ExchangeAddr: o.me.ExchangeAddr,
		AdvertisedAt: time.Now(),
	}
	o.providers.add(rec)

	o.publishedMu.Lock()
	o.published[content] = struct{}{}
	o.publishedMu.Unlock()

	if !o.joined.Load() {
		o.log.WithField("content", content.Short()).
			Debug("publish kept local, overlay not joined")
		return nil
	}

	o.lookup(ctx, content)
	targets := o.rt.findClosest(content, bucketSize)

	var wg sync.WaitGroup
	var placed atomic.Int32
	for i := range targets {
		peer := targets[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.net.sendAddProvider(peer, rec); err == nil {
				placed.Add(1)
			}
		}()
	}
	wg.Wait()

	o.log.WithFields(logrus.Fields{
		"content": content.Short(),
		"placed":  placed.Load(),
		"targets": len(targets),
	}).Debug("provider record published")
	return nil
}

// FindProviders performs an iterative lookup for providers of content and
// returns up to max distinct unexpired records. An empty result is valid and
// means no provider is known yet; ErrOverlayUnavailable is returned only
// when the overlay socket is gone.
func (o *Overlay) FindProviders(ctx context.Context, content types.Hash, max int) ([]ProviderRecord, error) {
	if o.net.isClosed() {
		return nil, types.ErrOverlayUnavailable
	}
	if max <= 0 {
		max = bucketSize
	}

	found := make(map[types.PeerID]ProviderRecord)
	for _, rec := range o.providers.lookup(content) {
		if rec.Peer != o.me.ID {
			found[rec.Peer] = rec
		}
	}

	visited := make(map[types.PeerID]struct{})
	nextBatch := func() []Contact {
		candidates := o.rt.findClosest(content, bucketSize*3)
		batch := make([]Contact, 0, o.config.Alpha)
		for _, contact := range candidates {
			if len(batch) >= o.config.Alpha {
				break
			}
			if contact.Addr == "" {
				continue
			}
			if _, seen := visited[contact.ID]; seen {
				continue
			}
			visited[contact.ID] = struct{}{}
			batch = append(batch, contact)
		}
		return batch
	}

	var mu sync.Mutex
	var lastBest *types.Hash
	for len(found) < max {
		if ctx.Err() != nil {
			break
		}
		batch := nextBatch()
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for i := range batch {
			peer := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				records, _, err := o.net.sendGetProviders(peer, content)
				if err != nil {
					return
				}
				mu.Lock()
				for _, rec := range records {
					if rec.Peer == o.me.ID {
						continue
					}
					if _, ok := found[rec.Peer]; !ok && len(found) < max {
						found[rec.Peer] = rec
					}
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		closestNow := o.rt.findClosest(content, 1)
		if len(closestNow) == 0 {
			break
		}
		best := xorDistance(types.Hash(closestNow[0].ID), content)
		if lastBest != nil && !lessDistance(best, *lastBest) {
			break
		}
		lastBest = &best
	}

	out := make([]ProviderRecord, 0, len(found))
	for _, rec := range found {
		out = append(out, rec)
	}
	return out, nil
}

// FindPeer resolves a peer id to its current contact entry, running a lookup
// when the peer is not already in the routing table. The second return is
// false when the peer is not currently locatable (churn).
func (o *Overlay) FindPeer(ctx context.Context, peer types.PeerID) (Contact, bool) {
	if c, ok := o.lookupLocal(peer); ok {
		return c, true
	}
	o.lookup(ctx, types.Hash(peer))
	return o.lookupLocal(peer)
}

func (o *Overlay) lookupLocal(peer types.PeerID) (Contact, bool) {
	for _, c := range o.rt.findClosest(types.Hash(peer), 1) {
		if c.ID == peer {
			return c, true
		}
	}
	return Contact{}, false
}

// KnownPeers returns up to max known contacts in random order. Search
// fan-out uses this, since search is not content-addressed.
func (o *Overlay) KnownPeers(max int) []Contact {
	return o.rt.randomContacts(max)
}

// republisher re-announces published content and refreshes the routing table
// with a random-target lookup each interval.
func (o *Overlay) republisher() {
	ticker := time.NewTicker(o.config.RepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.publishedMu.RLock()
			keys := make([]types.Hash, 0, len(o.published))
			for k := range o.published {
				keys = append(keys, k)
			}
			o.publishedMu.RUnlock()

			ctx, cancel := context.WithTimeout(context.Background(), o.config.RepublishInterval/2)
			for _, content := range keys {
				if err := o.Publish(ctx, content); err != nil {
					o.log.WithFields(logrus.Fields{
						"content": content.Short(),
						"error":   err.Error(),
					}).Warn("republish failed")
				}
			}
			if o.joined.Load() {
				o.lookup(ctx, randomHash())
			}
			cancel()
		case <-o.stop:
			return
		}
	}
}

// Close stops the background loops and releases the UDP socket.
func (o *Overlay) Close() error {
	o.stopOnce.Do(func() { close(o.stop) })
	return o.net.close()
}

// Package knapsack assembles the full peer-to-peer video node: chunk store,
// discovery overlay, exchange server and client, and the session
// coordinator, behind one Node facade.
package knapsack

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/chunker"
	"github.com/knapsack-vid/knapsack/pkg/exchange"
	"github.com/knapsack-vid/knapsack/pkg/overlay"
	"github.com/knapsack-vid/knapsack/pkg/session"
	"github.com/knapsack-vid/knapsack/pkg/store"
	"github.com/knapsack-vid/knapsack/pkg/types"
)

const identityFile = "identity.key"

// Node is one participant in the distribution network.
type Node struct {
	config Config
	log    *logrus.Logger

	id        types.PeerID
	store     *store.Store
	overlay   *overlay.Overlay
	transport exchange.Transport
	server    *exchange.Server
	client    *exchange.Client
	sessions  *session.Coordinator

	stop     chan struct{}
	stopOnce sync.Once
}

// New brings up the store and both network planes. The node serves and
// exchanges immediately; call Start to join the overlay.
func New(config Config) (*Node, error) {
	config.withDefaults()
	log := config.Logger

	id, err := loadOrCreateIdentity(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("node identity: %w", err)
	}

	st, err := store.NewStore(store.StoreConfig{
		Path:          filepath.Join(config.DataDir, "store"),
		MinimumFreeGB: config.MinimumFreeGB,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	transport, err := exchange.NewQUICTransport(id, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	client := exchange.NewClient(transport, exchange.ClientConfig{
		SendTimeout: config.Session.SendTimeout,
		Logger:      log,
	})

	server, err := exchange.NewServer(transport, st, client, exchange.ServerConfig{
		ListenAddr: config.ExchangeListenAddr,
		Logger:     log,
	})
	if err != nil {
		client.Close()
		st.Close()
		return nil, err
	}

	advertiseAddr := config.AdvertiseAddr
	if advertiseAddr == "" {
		advertiseAddr = server.Addr()
	}

	ov, err := overlay.New(id, overlay.Config{
		ListenAddr:   config.OverlayListenAddr,
		ExchangeAddr: advertiseAddr,
		Logger:       log,
	})
	if err != nil {
		_ = server.Close()
		client.Close()
		st.Close()
		return nil, err
	}

	n := &Node{
		config:    config,
		log:       log,
		id:        id,
		store:     st,
		overlay:   ov,
		transport: transport,
		server:    server,
		client:    client,
		stop:      make(chan struct{}),
	}
	n.sessions = session.New(st, &overlayDiscovery{overlay: ov}, client, config.Session)

	go n.garbageCollector()

	log.WithFields(logrus.Fields{
		"peer":     id.Short(),
		"overlay":  ov.Addr(),
		"exchange": server.Addr(),
	}).Info("node up")

	return n, nil
}

// ID returns this node's peer id.
func (n *Node) ID() types.PeerID {
	return n.id
}

// Store exposes the local chunk store.
func (n *Node) Store() *store.Store {
	return n.store
}

// OverlayAddr returns the bound discovery address.
func (n *Node) OverlayAddr() string {
	return n.overlay.Addr()
}

// ExchangeAddr returns the bound exchange address.
func (n *Node) ExchangeAddr() string {
	return n.server.Addr()
}

// Start joins the overlay through the configured bootstrap seeds and
// re-advertises everything the store already holds. A node with no
// reachable seed stays up and serves local content; it logs the condition
// and returns ErrOverlayUnavailable so the caller can surface it.
func (n *Node) Start(ctx context.Context) error {
	if len(n.config.BootstrapSeeds) == 0 {
		n.log.Info("no bootstrap seeds configured, running standalone")
		return nil
	}

	if err := n.overlay.Bootstrap(ctx, n.config.BootstrapSeeds); err != nil {
		n.log.WithField("error", err.Error()).
			Warn("overlay join failed, local operations remain available")
		return err
	}

	videos, err := n.store.ListVideos()
	if err != nil {
		return err
	}
	for _, meta := range videos {
		if err := n.Advertise(ctx, meta.ID); err != nil {
			n.log.WithFields(logrus.Fields{
				"video": meta.ID.Short(),
				"error": err.Error(),
			}).Warn("re-advertising stored video failed")
		}
	}
	return nil
}

// Prepare chunks the video file at path into the local store and writes the
// sidecar metadata file next to it. It does not advertise; call Advertise
// once the node has joined the overlay.
func (n *Node) Prepare(path string) (types.VideoMeta, error) {
	meta, chunks, err := chunker.ChunkFile(path, chunker.DefaultChunkSize)
	if err != nil {
		return types.VideoMeta{}, err
	}

	if err := n.store.PutVideo(meta); err != nil {
		return types.VideoMeta{}, err
	}
	for _, chunk := range chunks {
		if err := n.store.PutChunk(chunk.ID, meta.ID, chunk.Data); err != nil {
			return types.VideoMeta{}, err
		}
	}

	if err := WriteSidecar(path, meta); err != nil {
		return types.VideoMeta{}, err
	}

	n.log.WithFields(logrus.Fields{
		"video":  meta.ID.Short(),
		"chunks": len(meta.Chunks),
		"title":  meta.Title,
	}).Info("video prepared")
	return meta, nil
}

// Advertise publishes provider records for the video and each of its
// chunks, making this node discoverable as a source for all of them.
func (n *Node) Advertise(ctx context.Context, videoID types.Hash) error {
	meta, err := n.store.GetVideo(videoID)
	if err != nil {
		return err
	}
	complete, err := n.store.HasAllChunks(videoID)
	if err != nil {
		return err
	}
	if !complete {
		return fmt.Errorf("advertise %s: %w", videoID.Short(), types.ErrDanglingReference)
	}

	if err := n.overlay.Publish(ctx, meta.ID); err != nil {
		return err
	}
	for _, chunk := range meta.Chunks {
		if err := n.overlay.Publish(ctx, chunk.ID); err != nil {
			return err
		}
	}
	return nil
}

// Search runs a distributed title and description search across known peers
// plus the local store.
func (n *Node) Search(ctx context.Context, query string, limit int) ([]types.VideoMeta, error) {
	return n.sessions.Locate(ctx, query, limit)
}

// Acquire fetches the full video into the local store and advertises this
// node as a new provider for it.
func (n *Node) Acquire(ctx context.Context, videoID types.Hash) (types.VideoMeta, error) {
	meta, err := n.sessions.Acquire(ctx, videoID)
	if err != nil {
		return types.VideoMeta{}, err
	}

	if err := n.Advertise(ctx, meta.ID); err != nil {
		n.log.WithFields(logrus.Fields{
			"video": meta.ID.Short(),
			"error": err.Error(),
		}).Warn("advertising acquired video failed")
	}
	return meta, nil
}

// Export reassembles a fully stored video into the file at path.
func (n *Node) Export(videoID types.Hash, path string) error {
	meta, err := n.store.GetVideo(videoID)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, chunk := range meta.Chunks {
		data, err := n.store.GetChunk(chunk.ID)
		if err != nil {
			return fmt.Errorf("chunk %d of %s: %w", chunk.Order, videoID.Short(), err)
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return f.Sync()
}

// garbageCollector periodically compacts the store's value log.
func (n *Node) garbageCollector() {
	ticker := time.NewTicker(n.config.GarbageCollectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.store.GarbageCollect(); err != nil {
				n.log.WithField("error", err.Error()).Debug("store GC pass")
			}
		case <-n.stop:
			return
		}
	}
}

// Close shuts the node down: overlay first so peers stop routing to us,
// then the exchange plane, then the store.
func (n *Node) Close() error {
	n.stopOnce.Do(func() { close(n.stop) })

	var errs []error
	if err := n.overlay.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.server.Close(); err != nil {
		errs = append(errs, err)
	}
	n.client.Close()
	if err := n.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// loadOrCreateIdentity reads the node's ed25519 key from dataDir, creating
// a fresh one on first start. The peer id is derived from the public key,
// so it is stable across restarts.
func loadOrCreateIdentity(dataDir string) (types.PeerID, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return types.PeerID{}, err
	}

	keyPath := filepath.Join(dataDir, identityFile)
	raw, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		if len(raw) != ed25519.PrivateKeySize {
			return types.PeerID{}, fmt.Errorf("identity key %s has wrong size %d", keyPath, len(raw))
		}
		priv := ed25519.PrivateKey(raw)
		return types.PeerIDFromPublicKey(priv.Public().(ed25519.PublicKey)), nil
	case os.IsNotExist(err):
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return types.PeerID{}, err
		}
		if err := os.WriteFile(keyPath, priv, 0o600); err != nil {
			return types.PeerID{}, err
		}
		return types.PeerIDFromPublicKey(pub), nil
	default:
		return types.PeerID{}, err
	}
}

// WriteSidecar writes the metadata record as JSON next to the video file,
// at "<path>.json".
func WriteSidecar(path string, meta types.VideoMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path+".json", data, 0o644)
}

// LoadSidecar reads a metadata record from a sidecar file and validates it.
func LoadSidecar(path string) (types.VideoMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.VideoMeta{}, err
	}
	var meta types.VideoMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return types.VideoMeta{}, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return types.VideoMeta{}, fmt.Errorf("sidecar %s: %w", path, err)
	}
	return meta, nil
}

// overlayDiscovery adapts the overlay to the session coordinator's
// Discovery interface, mapping provider records to exchange peers.
type overlayDiscovery struct {
	overlay *overlay.Overlay
}

func (d *overlayDiscovery) FindProviders(ctx context.Context, content types.Hash, max int) ([]exchange.Peer, error) {
	records, err := d.overlay.FindProviders(ctx, content, max)
	if err != nil {
		return nil, err
	}
	peers := make([]exchange.Peer, 0, len(records))
	for _, rec := range records {
		if rec.ExchangeAddr == "" {
			continue
		}
		peers = append(peers, exchange.Peer{ID: rec.Peer, Addr: rec.ExchangeAddr})
	}
	return peers, nil
}

func (d *overlayDiscovery) KnownPeers(max int) []exchange.Peer {
	contacts := d.overlay.KnownPeers(max)
	peers := make([]exchange.Peer, 0, len(contacts))
	for _, c := range contacts {
		if c.ExchangeAddr == "" {
			continue
		}
		peers = append(peers, exchange.Peer{ID: c.ID, Addr: c.ExchangeAddr})
	}
	return peers
}

var _ session.Discovery = (*overlayDiscovery)(nil)

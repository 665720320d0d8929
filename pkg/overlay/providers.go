package overlay

import (
	"sync"
	"time"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// ProviderRecord maps a content id to one peer currently serving it, plus
// the peer's exchange address. Records are transient: they expire after the
// overlay's TTL and must be republished by any peer actually holding the
// content. Multiple records per content id are expected.
type ProviderRecord struct {
	Content      types.Hash
	Peer         types.PeerID
	ExchangeAddr string
	AdvertisedAt time.Time
}

// providerStore is the local slice of the distributed provider table:
// records other peers pushed to this node plus the node's own
// advertisements. Expired records are dropped lazily on read.
type providerStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[types.Hash]map[types.PeerID]ProviderRecord
}

func newProviderStore(ttl time.Duration) *providerStore {
	return &providerStore{
		ttl:     ttl,
		records: make(map[types.Hash]map[types.PeerID]ProviderRecord),
	}
}

// add inserts or refreshes a record. The newest AdvertisedAt wins.
func (ps *providerStore) add(rec ProviderRecord) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peers, ok := ps.records[rec.Content]
	if !ok {
		peers = make(map[types.PeerID]ProviderRecord)
		ps.records[rec.Content] = peers
	}
	if existing, ok := peers[rec.Peer]; ok && existing.AdvertisedAt.After(rec.AdvertisedAt) {
		return
	}
	peers[rec.Peer] = rec
}

// lookup returns the unexpired records for content.
func (ps *providerStore) lookup(content types.Hash) []ProviderRecord {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	peers, ok := ps.records[content]
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-ps.ttl)
	var out []ProviderRecord
	for peer, rec := range peers {
		if rec.AdvertisedAt.Before(cutoff) {
			delete(peers, peer)
			continue
		}
		out = append(out, rec)
	}
	if len(peers) == 0 {
		delete(ps.records, content)
	}
	return out
}

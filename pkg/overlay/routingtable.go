package overlay

import (
	"sync"

	"lukechampine.com/frand"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

const idBits = types.HashLen * 8

// routingTable keeps one bucket per shared-prefix length with the local
// peer. Internally synchronized; callers treat it as a concurrent-safe
// service.
type routingTable struct {
	me      Contact
	buckets [idBits]*bucket
	mu      sync.RWMutex

	// pingFunc probes liveness of an LRU contact when a bucket is full.
	// Called outside the lock.
	pingFunc func(Contact) bool
}

func newRoutingTable(me Contact) *routingTable {
	rt := &routingTable{me: me}
	for i := 0; i < idBits; i++ {
		rt.buckets[i] = newBucket()
	}
	return rt
}

// setPingFunc wires the liveness probe used by the eviction policy.
func (rt *routingTable) setPingFunc(pf func(Contact) bool) {
	rt.mu.Lock()
	rt.pingFunc = pf
	rt.mu.Unlock()
}

// addContact inserts or refreshes a contact in the correct bucket. When the
// bucket is full the least-recently-seen contact is pinged: if it is dead it
// is evicted, otherwise the newcomer goes to the replacement cache.
func (rt *routingTable) addContact(contact Contact) {
	if contact.ID.IsZero() || contact.ID == rt.me.ID {
		return
	}

	bucketIndex := rt.bucketIndex(types.Hash(contact.ID))

	// Phase 1: decide under lock.
	rt.mu.Lock()
	b := rt.buckets[bucketIndex]
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == contact.ID {
			// Refresh position and addresses.
			e.Value = contact
			b.list.MoveToFront(e)
			rt.mu.Unlock()
			return
		}
	}
	if b.list.Len() < bucketSize {
		b.list.PushFront(contact)
		rt.mu.Unlock()
		return
	}
	lru := b.list.Back().Value.(Contact)
	pf := rt.pingFunc
	rt.mu.Unlock()

	// Phase 2: liveness check outside the lock.
	alive := false
	if pf != nil {
		alive = pf(lru)
	}

	// Phase 3: mutate based on liveness. The bucket may have changed while
	// the probe ran, so re-check before inserting.
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b = rt.buckets[bucketIndex]

	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == contact.ID {
			e.Value = contact
			b.list.MoveToFront(e)
			return
		}
	}

	if !alive {
		for e := b.list.Back(); e != nil; e = e.Prev() {
			if e.Value.(Contact).ID == lru.ID {
				b.list.Remove(e)
				break
			}
		}
	}
	if b.list.Len() < bucketSize {
		b.list.PushFront(contact)
		return
	}

	// Bucket still full: keep the responsive LRU fresh and remember the
	// newcomer for later promotion.
	if alive {
		for e := b.list.Back(); e != nil; e = e.Prev() {
			if e.Value.(Contact).ID == lru.ID {
				b.list.MoveToFront(e)
				break
			}
		}
	}
	b.addReplacement(contact)
}

// removeContact drops a contact (after a failed exchange, say) and promotes
// a replacement if one is cached.
func (rt *routingTable) removeContact(id types.PeerID) {
	bucketIndex := rt.bucketIndex(types.Hash(id))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[bucketIndex]
	for e := b.list.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == id {
			b.list.Remove(e)
			if repl, ok := b.popReplacement(); ok {
				b.list.PushBack(repl)
			}
			return
		}
	}
}

// findClosest returns up to count contacts closest to target.
func (rt *routingTable) findClosest(target types.Hash, count int) []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var candidates contactCandidates
	bucketIndex := rt.bucketIndex(target)
	candidates.Append(rt.buckets[bucketIndex].contactsWithDistance(target))

	for i := 1; (bucketIndex-i >= 0 || bucketIndex+i < idBits) && candidates.Len() < count; i++ {
		if bucketIndex-i >= 0 {
			candidates.Append(rt.buckets[bucketIndex-i].contactsWithDistance(target))
		}
		if bucketIndex+i < idBits {
			candidates.Append(rt.buckets[bucketIndex+i].contactsWithDistance(target))
		}
	}

	candidates.Sort()
	return candidates.GetContacts(count)
}

// randomContacts returns up to count known contacts in random order. Used
// for query fan-out that is not content-addressed (search).
func (rt *routingTable) randomContacts(count int) []Contact {
	rt.mu.RLock()
	var all []Contact
	for _, b := range rt.buckets {
		for e := b.list.Front(); e != nil; e = e.Next() {
			all = append(all, e.Value.(Contact))
		}
	}
	rt.mu.RUnlock()

	frand.Shuffle(len(all), func(i, j int) {
		all[i], all[j] = all[j], all[i]
	})
	if count > len(all) {
		count = len(all)
	}
	return all[:count]
}

// size returns the number of known contacts.
func (rt *routingTable) size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.Len()
	}
	return n
}

// bucketIndex returns the bucket index for the given id: the position of the
// first differing bit with the local peer id.
func (rt *routingTable) bucketIndex(id types.Hash) int {
	distance := xorDistance(id, types.Hash(rt.me.ID))
	for i := 0; i < types.HashLen; i++ {
		for j := 0; j < 8; j++ {
			if (distance[i]>>uint8(7-j))&0x1 != 0 {
				return i*8 + j
			}
		}
	}
	return idBits - 1
}

package overlay

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

func TestXorDistance(t *testing.T) {
	a := types.HashBytes([]byte("a"))
	b := types.HashBytes([]byte("b"))

	assert.True(t, xorDistance(a, a).IsZero(), "distance to self is zero")
	assert.Equal(t, xorDistance(a, b), xorDistance(b, a), "distance is symmetric")
	assert.False(t, xorDistance(a, b).IsZero())
}

func TestLessDistance(t *testing.T) {
	var zero, one, two types.Hash
	one[types.HashLen-1] = 1
	two[types.HashLen-1] = 2

	assert.True(t, lessDistance(zero, one))
	assert.True(t, lessDistance(one, two))
	assert.False(t, lessDistance(two, one))
	assert.False(t, lessDistance(one, one))
}

func peerN(n int) types.PeerID {
	return types.PeerID(types.HashBytes([]byte(fmt.Sprintf("peer-%d", n))))
}

func TestRoutingTable_AddAndFindClosest(t *testing.T) {
	me := NewContact(peerN(0), "127.0.0.1:1000", "")
	rt := newRoutingTable(me)

	for i := 1; i <= 50; i++ {
		rt.addContact(NewContact(peerN(i), fmt.Sprintf("127.0.0.1:%d", 1000+i), ""))
	}
	assert.Equal(t, 50, rt.size())

	target := types.Hash(peerN(7))
	closest := rt.findClosest(target, 10)
	require.Len(t, closest, 10)
	assert.Equal(t, peerN(7), closest[0].ID, "the target itself must rank first")

	// Results are sorted by ascending distance.
	for i := 1; i < len(closest); i++ {
		prev := xorDistance(types.Hash(closest[i-1].ID), target)
		cur := xorDistance(types.Hash(closest[i].ID), target)
		assert.False(t, lessDistance(cur, prev), "result %d out of order", i)
	}
}

func TestRoutingTable_IgnoresSelfAndZero(t *testing.T) {
	me := NewContact(peerN(0), "127.0.0.1:1000", "")
	rt := newRoutingTable(me)

	rt.addContact(me)
	rt.addContact(Contact{})
	assert.Equal(t, 0, rt.size())
}

func TestRoutingTable_RefreshUpdatesAddress(t *testing.T) {
	rt := newRoutingTable(NewContact(peerN(0), "127.0.0.1:1000", ""))

	rt.addContact(NewContact(peerN(1), "127.0.0.1:1001", ""))
	rt.addContact(NewContact(peerN(1), "127.0.0.1:2001", "127.0.0.1:3001"))

	assert.Equal(t, 1, rt.size())
	c := rt.findClosest(types.Hash(peerN(1)), 1)[0]
	assert.Equal(t, "127.0.0.1:2001", c.Addr)
	assert.Equal(t, "127.0.0.1:3001", c.ExchangeAddr)
}

// fullBucketFixture generates count contacts that all share the same bucket
// index relative to me, by brute-forcing ids.
func fullBucketFixture(t *testing.T, rt *routingTable, me Contact, count int) (int, []Contact) {
	t.Helper()
	var added []Contact
	wantIndex := -1
	for i := 1; len(added) < count && i < 100000; i++ {
		c := NewContact(peerN(i), fmt.Sprintf("127.0.0.1:%d", 10000+i), "")
		idx := rt.bucketIndex(types.Hash(c.ID))
		if wantIndex == -1 {
			wantIndex = idx
		}
		if idx != wantIndex {
			continue
		}
		added = append(added, c)
	}
	require.Len(t, added, count, "fixture could not fill a bucket")
	return wantIndex, added
}

func TestRoutingTable_FullBucketEvictsDeadLRU(t *testing.T) {
	me := NewContact(peerN(0), "127.0.0.1:1000", "")
	rt := newRoutingTable(me)
	rt.setPingFunc(func(Contact) bool { return false })

	idx, contacts := fullBucketFixture(t, rt, me, bucketSize+1)
	for _, c := range contacts[:bucketSize] {
		rt.addContact(c)
	}
	require.Equal(t, bucketSize, rt.buckets[idx].Len())

	// LRU (the first inserted) is dead, so the newcomer replaces it.
	rt.addContact(contacts[bucketSize])
	assert.Equal(t, bucketSize, rt.buckets[idx].Len())

	found := false
	for e := rt.buckets[idx].list.Front(); e != nil; e = e.Next() {
		if e.Value.(Contact).ID == contacts[bucketSize].ID {
			found = true
		}
		assert.NotEqual(t, contacts[0].ID, e.Value.(Contact).ID, "dead LRU must be gone")
	}
	assert.True(t, found, "newcomer must be in the bucket")
}

func TestRoutingTable_FullBucketKeepsAliveLRU(t *testing.T) {
	me := NewContact(peerN(0), "127.0.0.1:1000", "")
	rt := newRoutingTable(me)
	rt.setPingFunc(func(Contact) bool { return true })

	idx, contacts := fullBucketFixture(t, rt, me, bucketSize+1)
	for _, c := range contacts[:bucketSize] {
		rt.addContact(c)
	}

	rt.addContact(contacts[bucketSize])
	assert.Equal(t, bucketSize, rt.buckets[idx].Len())

	for e := rt.buckets[idx].list.Front(); e != nil; e = e.Next() {
		assert.NotEqual(t, contacts[bucketSize].ID, e.Value.(Contact).ID,
			"newcomer must not displace a live contact")
	}
	// The live LRU moved to the front, the newcomer went to the
	// replacement cache.
	assert.Equal(t, contacts[0].ID, rt.buckets[idx].list.Front().Value.(Contact).ID)
	assert.Len(t, rt.buckets[idx].repl, 1)
}

func TestRoutingTable_FullBucketProbeRaceKeepsCapacity(t *testing.T) {
	me := NewContact(peerN(0), "127.0.0.1:1000", "")
	rt := newRoutingTable(me)

	idx, contacts := fullBucketFixture(t, rt, me, bucketSize+2)
	newcomer := contacts[bucketSize]
	rival := contacts[bucketSize+1]

	// While the liveness probe for the newcomer is in flight, a rival
	// contact arrives and takes the slot freed by the dead LRU.
	var firstProbe atomic.Bool
	rt.setPingFunc(func(Contact) bool {
		if firstProbe.CompareAndSwap(false, true) {
			rt.addContact(rival)
		}
		return false
	})

	for _, c := range contacts[:bucketSize] {
		rt.addContact(c)
	}
	require.Equal(t, bucketSize, rt.buckets[idx].Len())

	rt.addContact(newcomer)

	assert.Equal(t, bucketSize, rt.buckets[idx].Len(),
		"bucket must never exceed its capacity")

	rivalIn := false
	for e := rt.buckets[idx].list.Front(); e != nil; e = e.Next() {
		id := e.Value.(Contact).ID
		if id == rival.ID {
			rivalIn = true
		}
		assert.NotEqual(t, newcomer.ID, id, "late newcomer must not enter the full bucket")
	}
	assert.True(t, rivalIn, "rival took the freed slot")
	require.Len(t, rt.buckets[idx].repl, 1)
	assert.Equal(t, newcomer.ID, rt.buckets[idx].repl[0].ID,
		"late newcomer goes to the replacement cache")
}

func TestRoutingTable_RemovePromotesReplacement(t *testing.T) {
	me := NewContact(peerN(0), "127.0.0.1:1000", "")
	rt := newRoutingTable(me)
	rt.setPingFunc(func(Contact) bool { return true })

	idx, contacts := fullBucketFixture(t, rt, me, bucketSize+1)
	for _, c := range contacts {
		rt.addContact(c)
	}
	require.Len(t, rt.buckets[idx].repl, 1)

	rt.removeContact(contacts[3].ID)
	assert.Equal(t, bucketSize, rt.buckets[idx].Len(), "replacement fills the gap")
	assert.Empty(t, rt.buckets[idx].repl)
}

func TestRoutingTable_RandomContacts(t *testing.T) {
	rt := newRoutingTable(NewContact(peerN(0), "127.0.0.1:1000", ""))
	for i := 1; i <= 10; i++ {
		rt.addContact(NewContact(peerN(i), fmt.Sprintf("127.0.0.1:%d", 1000+i), ""))
	}

	assert.Len(t, rt.randomContacts(5), 5)
	assert.Len(t, rt.randomContacts(100), 10, "capped at the table size")

	seen := make(map[types.PeerID]struct{})
	for _, c := range rt.randomContacts(10) {
		seen[c.ID] = struct{}{}
	}
	assert.Len(t, seen, 10, "no duplicates")
}

package overlay

import (
	"container/list"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// bucketSize is Kademlia's k: the number of contacts kept per bucket and the
// replication target for provider records.
const bucketSize = 20

// bucket holds up to bucketSize contacts ordered most-recently-seen first,
// plus a bounded replacement cache of contacts that did not fit. Buckets are
// not internally locked; the routing table serializes access.
type bucket struct {
	list    *list.List
	repl    []Contact
	replCap int
}

func newBucket() *bucket {
	return &bucket{list: list.New(), replCap: 32}
}

func (b *bucket) Len() int {
	return b.list.Len()
}

// contactsWithDistance returns the bucket's contacts with distance to target
// already calculated.
func (b *bucket) contactsWithDistance(target types.Hash) []Contact {
	var contacts []Contact
	for elt := b.list.Front(); elt != nil; elt = elt.Next() {
		contact := elt.Value.(Contact)
		contact.CalcDistance(target)
		contacts = append(contacts, contact)
	}
	return contacts
}

// addReplacement appends to the replacement cache, bounded, no duplicates.
func (b *bucket) addReplacement(c Contact) {
	for i := range b.repl {
		if b.repl[i].ID == c.ID {
			return
		}
	}
	if len(b.repl) >= b.replCap {
		copy(b.repl, b.repl[1:])
		b.repl = b.repl[:b.replCap-1]
	}
	b.repl = append(b.repl, c)
}

// popReplacement returns the most recent replacement, if any.
func (b *bucket) popReplacement() (Contact, bool) {
	n := len(b.repl)
	if n == 0 {
		return Contact{}, false
	}
	c := b.repl[n-1]
	b.repl = b.repl[:n-1]
	return c, true
}

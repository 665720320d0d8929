package overlay

import (
	"fmt"
	"sort"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Contact is one known overlay participant: its peer id, its UDP overlay
// address, and the QUIC address its exchange server listens on. The exchange
// address rides along in overlay messages so the exchange layer can dial a
// provider without a second resolution round trip.
type Contact struct {
	ID           types.PeerID
	Addr         string
	ExchangeAddr string

	distance types.Hash
}

// NewContact builds a contact without a computed distance.
func NewContact(id types.PeerID, addr, exchangeAddr string) Contact {
	return Contact{ID: id, Addr: addr, ExchangeAddr: exchangeAddr}
}

// CalcDistance stores the XOR distance between the contact and the target.
func (c *Contact) CalcDistance(target types.Hash) {
	c.distance = xorDistance(types.Hash(c.ID), target)
}

// Less compares by previously calculated distance.
func (c *Contact) Less(other *Contact) bool {
	return lessDistance(c.distance, other.distance)
}

func (c Contact) String() string {
	return fmt.Sprintf("contact(%s, %s)", c.ID.Short(), c.Addr)
}

// contactCandidates is a sortable working set used during lookups.
type contactCandidates struct {
	contacts []Contact
}

// Append adds contacts, skipping ids already present.
func (cc *contactCandidates) Append(contacts []Contact) {
	for _, c := range contacts {
		exists := false
		for _, existing := range cc.contacts {
			if existing.ID == c.ID {
				exists = true
				break
			}
		}
		if !exists {
			cc.contacts = append(cc.contacts, c)
		}
	}
}

// Sort orders candidates by ascending distance.
func (cc *contactCandidates) Sort() {
	sort.SliceStable(cc.contacts, func(i, j int) bool {
		return cc.contacts[i].Less(&cc.contacts[j])
	})
}

// Len returns the number of candidates.
func (cc *contactCandidates) Len() int {
	return len(cc.contacts)
}

// GetContacts returns the first count candidates.
func (cc *contactCandidates) GetContacts(count int) []Contact {
	if count > len(cc.contacts) {
		count = len(cc.contacts)
	}
	return cc.contacts[:count]
}

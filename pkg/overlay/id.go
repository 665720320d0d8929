// Package overlay implements the Kademlia-style discovery overlay: routing
// table membership over UDP and provider-record publication and lookup.
// It maps content ids to the set of peers currently serving them.
package overlay

import (
	"lukechampine.com/frand"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Peers and content share the 256-bit XOR keyspace: a PeerID and a content
// Hash are both sha256 digests, so distance between them is well defined.

func xorDistance(a, b types.Hash) types.Hash {
	var d types.Hash
	for i := 0; i < types.HashLen; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// lessDistance compares two distances lexicographically.
func lessDistance(a, b types.Hash) bool {
	for i := 0; i < types.HashLen; i++ {
		if a[i] < b[i] {
			return true
		}
		if a[i] > b[i] {
			return false
		}
	}
	return false
}

// randomHash returns a uniformly random point in the keyspace, used for
// routing table refresh targets.
func randomHash() types.Hash {
	var h types.Hash
	frand.Read(h[:])
	return h
}

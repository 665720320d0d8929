// Package types holds the data shapes shared by every knapsack component:
// content identifiers, peer identifiers, video and chunk metadata, and the
// error taxonomy.
package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashLen is the number of bytes in a Hash (SHA-256).
const HashLen = 32

// Hash is a fixed-length SHA-256 digest. It identifies a chunk payload or a
// whole video and is the primary key everywhere. Equality is byte-exact.
type Hash [HashLen]byte

// HashBytes computes the digest of the given payload.
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// HashFromHex parses a 64-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(decoded) != HashLen {
		return h, fmt.Errorf("invalid hash length: got %d want %d", len(decoded), HashLen)
	}
	copy(h[:], decoded)
	return h, nil
}

// String hex-encodes the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns a truncated hex form for logging.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// IsZero reports whether the hash is the all-zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Equal reports byte-exact equality.
func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h[:], other[:])
}

// MarshalJSON encodes the hash as a hex string. The sidecar metadata file
// written next to prepared media uses this form and is read by other tools,
// so the encoding must stay stable.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// PeerID is the stable identifier of a network participant, derived from the
// peer's public key. It shares the Hash metric space so peers and content can
// be placed in the same XOR keyspace.
type PeerID Hash

// PeerIDFromPublicKey derives a PeerID from an ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) PeerID {
	return PeerID(sha256.Sum256(pub))
}

// PeerIDFromHex parses a 64-character hex string into a PeerID.
func PeerIDFromHex(s string) (PeerID, error) {
	h, err := HashFromHex(s)
	return PeerID(h), err
}

// String hex-encodes the peer id.
func (p PeerID) String() string {
	return Hash(p).String()
}

// Short returns a truncated hex form for logging.
func (p PeerID) Short() string {
	return Hash(p).Short()
}

// IsZero reports whether the peer id is unset.
func (p PeerID) IsZero() bool {
	return Hash(p).IsZero()
}

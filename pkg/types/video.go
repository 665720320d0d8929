package types

import (
	"crypto/sha256"
	"fmt"
)

// ChunkMeta summarizes one chunk of a video: its content id, byte length, and
// position in the chunk sequence. The payload bytes themselves live in the
// chunk store, addressed by ID.
//
// The JSON field names match the sidecar metadata file format.
type ChunkMeta struct {
	ID    Hash   `json:"hash"`
	Size  uint32 `json:"size"`
	Order uint32 `json:"order"`
}

// VideoMeta describes a prepared video. ID is the digest of the ordered
// concatenation of the chunk ids, not of the raw file bytes, so integrity can
// be verified chunk by chunk without re-reading the whole file.
type VideoMeta struct {
	ID          Hash        `json:"hash"`
	Chunks      []ChunkMeta `json:"chunks"`
	Duration    float64     `json:"duration"`
	Codec       string      `json:"codec"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
}

// ComputeID hashes the ordered concatenation of the chunk ids. Chunk ids are
// fixed-width, so there is no delimiter ambiguity.
func (v VideoMeta) ComputeID() Hash {
	h := sha256.New()
	for _, c := range v.Chunks {
		h.Write(c.ID[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// TotalSize returns the summed chunk sizes in bytes.
func (v VideoMeta) TotalSize() uint64 {
	var total uint64
	for _, c := range v.Chunks {
		total += uint64(c.Size)
	}
	return total
}

// Validate checks the structural invariants: at least one chunk, Order forms
// a dense sequence 0..n-1, and ID matches the chunk id sequence. Remote
// metadata must pass Validate before it is accepted into the store.
func (v VideoMeta) Validate() error {
	if len(v.Chunks) == 0 {
		return fmt.Errorf("video %s: %w", v.ID.Short(), ErrEmptyInput)
	}
	for i, c := range v.Chunks {
		if c.Order != uint32(i) {
			return fmt.Errorf("video %s: chunk order not dense: index %d has order %d", v.ID.Short(), i, c.Order)
		}
		if c.ID.IsZero() {
			return fmt.Errorf("video %s: chunk %d has zero id", v.ID.Short(), i)
		}
	}
	if computed := v.ComputeID(); computed != v.ID {
		return fmt.Errorf("video id %s does not match chunk sequence %s: %w",
			v.ID.Short(), computed.Short(), ErrHashMismatch)
	}
	return nil
}

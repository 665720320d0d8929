package chunker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

func TestChunkBytes_Deterministic(t *testing.T) {
	data := frand.Bytes(3 * 1024)

	metaA, chunksA, err := ChunkBytes(data, 1024)
	require.NoError(t, err)
	metaB, chunksB, err := ChunkBytes(data, 1024)
	require.NoError(t, err)

	assert.Equal(t, metaA.ID, metaB.ID)
	require.Equal(t, len(chunksA), len(chunksB))
	for i := range chunksA {
		assert.Equal(t, chunksA[i].ID, chunksB[i].ID)
	}
}

func TestChunkBytes_SizesAndOrder(t *testing.T) {
	// 10 MiB at 4 MiB chunks: 4 + 4 + 2.
	data := frand.Bytes(10 << 20)

	meta, chunks, err := ChunkBytes(data, 4<<20)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, uint32(4<<20), meta.Chunks[0].Size)
	assert.Equal(t, uint32(4<<20), meta.Chunks[1].Size)
	assert.Equal(t, uint32(2<<20), meta.Chunks[2].Size)

	for i, c := range chunks {
		assert.Equal(t, uint32(i), c.Order)
		assert.Equal(t, types.HashBytes(c.Data), c.ID, "chunk id must be the digest of its payload")
		assert.Equal(t, meta.Chunks[i].ID, c.ID)
	}
	require.NoError(t, meta.Validate())
}

func TestChunkBytes_CoversEveryByte(t *testing.T) {
	data := frand.Bytes(5000)

	_, chunks, err := ChunkBytes(data, 1024)
	require.NoError(t, err)

	assert.Equal(t, data, Reassemble(chunks))
}

func TestChunkBytes_SingleChunkInput(t *testing.T) {
	data := []byte("smaller than one chunk")

	meta, chunks, err := ChunkBytes(data, 1024)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(len(data)), meta.Chunks[0].Size)
}

func TestChunkBytes_EmptyInput(t *testing.T) {
	_, _, err := ChunkBytes(nil, 1024)
	assert.ErrorIs(t, err, types.ErrEmptyInput)
}

func TestChunkBytes_IDChangesWithContent(t *testing.T) {
	data := frand.Bytes(4096)
	flipped := append([]byte(nil), data...)
	flipped[2048] ^= 0xff

	metaA, _, err := ChunkBytes(data, 1024)
	require.NoError(t, err)
	metaB, _, err := ChunkBytes(flipped, 1024)
	require.NoError(t, err)

	assert.NotEqual(t, metaA.ID, metaB.ID)
}

func TestChunkFile_FillsDescriptiveFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holiday clip.mp4")
	require.NoError(t, os.WriteFile(path, frand.Bytes(2048), 0o644))

	meta, chunks, err := ChunkFile(path, 1024)
	require.NoError(t, err)

	assert.Equal(t, "holiday clip", meta.Title)
	assert.Equal(t, "No description", meta.Description)
	assert.Len(t, chunks, 2)
	// Random bytes are not a valid container; probing falls back to the
	// sentinel values.
	assert.Equal(t, UnknownCodec, meta.Codec)
	assert.Equal(t, float64(0), meta.Duration)
}

func TestChunkFile_Missing(t *testing.T) {
	_, _, err := ChunkFile(filepath.Join(t.TempDir(), "nope.mp4"), 1024)
	assert.Error(t, err)
}

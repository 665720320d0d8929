// Package chunker turns media files into content-addressed chunks. Splitting
// is deterministic: the same bytes and chunk size always produce the same
// chunk ids and the same video id.
package chunker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	chunker "github.com/ipfs/boxo/chunker"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// DefaultChunkSize is the chunk size used when the caller passes 0.
const DefaultChunkSize = 4 << 20 // 4 MiB

// Chunk is one contiguous piece of a video together with its content id and
// position. Data is the exact payload the id was computed over.
type Chunk struct {
	ID    types.Hash
	Order uint32
	Data  []byte
}

// ChunkBytes splits data into chunks of at most chunkSize bytes and hashes
// each one. See ChunkReader.
func ChunkBytes(data []byte, chunkSize int) (types.VideoMeta, []Chunk, error) {
	return ChunkReader(bytes.NewReader(data), chunkSize)
}

// ChunkReader splits the reader into fixed-size chunks (the final chunk may
// be shorter), hashes every chunk payload, and computes the video id over the
// ordered concatenation of the chunk ids. Zero-length input is an error.
//
// Hashing runs on a bounded pool of workers; chunk order in the result is the
// read order regardless of hashing completion order.
func ChunkReader(reader io.Reader, chunkSize int) (types.VideoMeta, []Chunk, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	splitter := chunker.NewSizeSplitter(reader, int64(chunkSize))

	workers := runtime.NumCPU()
	workerLimit := make(chan struct{}, workers)
	hashed := make(chan Chunk, workers+1)
	var wg sync.WaitGroup

	byOrder := make(map[uint32]Chunk)
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		defer collectorWg.Done()
		for c := range hashed {
			byOrder[c.Order] = c
		}
	}()

	var readErr error
	var count uint32
	for order := uint32(0); ; order++ {
		data, err := splitter.NextBytes()
		if err == io.EOF {
			count = order
			break
		}
		if err != nil {
			readErr = fmt.Errorf("reading chunk %d: %w", order, err)
			count = order
			break
		}

		wg.Add(1)
		workerLimit <- struct{}{}
		go func(order uint32, data []byte) {
			defer wg.Done()
			hashed <- Chunk{ID: types.HashBytes(data), Order: order, Data: data}
			<-workerLimit
		}(order, data)
	}

	wg.Wait()
	close(hashed)
	collectorWg.Wait()

	if readErr != nil {
		return types.VideoMeta{}, nil, readErr
	}
	if count == 0 {
		return types.VideoMeta{}, nil, types.ErrEmptyInput
	}

	chunks := make([]Chunk, count)
	metas := make([]types.ChunkMeta, count)
	for i := uint32(0); i < count; i++ {
		c, ok := byOrder[i]
		if !ok {
			return types.VideoMeta{}, nil, fmt.Errorf("chunk %d missing after hashing", i)
		}
		chunks[i] = c
		metas[i] = types.ChunkMeta{
			ID:    c.ID,
			Size:  uint32(len(c.Data)),
			Order: i,
		}
	}

	meta := types.VideoMeta{Chunks: metas}
	meta.ID = meta.ComputeID()
	return meta, chunks, nil
}

// ChunkFile chunks the file at path and fills in the descriptive metadata:
// title from the file name, duration and codec best-effort from container
// inspection. Failure to probe the container is not an error; the sentinel
// values ("unknown", 0) are used instead.
func ChunkFile(path string, chunkSize int) (types.VideoMeta, []Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.VideoMeta{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	meta, chunks, err := ChunkReader(f, chunkSize)
	if err != nil {
		return types.VideoMeta{}, nil, err
	}

	base := filepath.Base(path)
	meta.Title = strings.TrimSuffix(base, filepath.Ext(base))
	meta.Description = "No description"

	info := Probe(path)
	meta.Codec = info.Codec
	meta.Duration = info.Duration

	return meta, chunks, nil
}

// Reassemble concatenates chunk payloads in order. Used by callers
// materializing a full video from its stored chunks.
func Reassemble(chunks []Chunk) []byte {
	var total int
	for _, c := range chunks {
		total += len(c.Data)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}

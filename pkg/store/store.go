// Package store is the durable chunk store: badger-backed keyed storage for
// chunk payloads and video metadata with referential integrity between the
// two. Chunk payloads are zstd-compressed at rest.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Key prefixes partition the single badger keyspace into the two logical
// tables: video metadata and chunk payloads.
var (
	videoPrefix = []byte("v/")
	chunkPrefix = []byte("c/")
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// Path is the data directory. Created if it does not exist.
	Path string
	// MinimumFreeGB refuses to open the store when the filesystem has less
	// free space than this. Zero disables the check.
	MinimumFreeGB int
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// Store is safe for concurrent use. Badger gives per-key transaction
// conflict detection, so writers to different keys do not block each other.
type Store struct {
	config StoreConfig
	log    *logrus.Logger
	db     *badger.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// NewStore opens (or creates) the store at config.Path.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if err := config.check(); err != nil {
		return nil, fmt.Errorf("checking store config: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", config.Path, err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{
		config: config,
		log:    config.Logger,
		db:     db,
		enc:    enc,
		dec:    dec,
	}, nil
}

func videoKey(id types.Hash) []byte {
	return append(append([]byte{}, videoPrefix...), id[:]...)
}

func chunkKey(id types.Hash) []byte {
	return append(append([]byte{}, chunkPrefix...), id[:]...)
}

func encodeVideo(meta types.VideoMeta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, fmt.Errorf("encoding video %s: %w", meta.ID.Short(), err)
	}
	return buf.Bytes(), nil
}

func decodeVideo(data []byte) (types.VideoMeta, error) {
	var meta types.VideoMeta
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return types.VideoMeta{}, fmt.Errorf("decoding video metadata: %w", err)
	}
	return meta, nil
}

// PutVideo inserts or replaces the metadata record. Idempotent: re-storing
// identical metadata is observably a no-op. The metadata must pass Validate.
func (s *Store) PutVideo(meta types.VideoMeta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	data, err := encodeVideo(meta)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(videoKey(meta.ID), data)
	})
	if err != nil {
		return fmt.Errorf("storing video %s: %w", meta.ID.Short(), err)
	}
	return nil
}

// GetVideo returns the metadata for the given video id.
func (s *Store) GetVideo(id types.Hash) (types.VideoMeta, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(videoKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.VideoMeta{}, fmt.Errorf("video %s: %w", id.Short(), types.ErrNotFound)
	}
	if err != nil {
		return types.VideoMeta{}, fmt.Errorf("reading video %s: %w", id.Short(), err)
	}
	return decodeVideo(data)
}

// PutChunk stores a chunk payload under its content id. The owning video must
// already be stored, otherwise ErrDanglingReference. The payload digest must
// equal chunkID, otherwise ErrHashMismatch and nothing is written. Re-storing
// a chunk that is already present is a no-op; the digest check guarantees the
// stored payload is identical.
func (s *Store) PutChunk(chunkID, videoID types.Hash, payload []byte) error {
	if !types.HashBytes(payload).Equal(chunkID) {
		return fmt.Errorf("chunk %s: %w", chunkID.Short(), types.ErrHashMismatch)
	}

	compressed := s.enc.EncodeAll(payload, nil)

	var err error
	for {
		err = s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get(videoKey(videoID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("chunk %s for video %s: %w",
						chunkID.Short(), videoID.Short(), types.ErrDanglingReference)
				}
				return err
			}
			if _, err := txn.Get(chunkKey(chunkID)); err == nil {
				// Already stored; identical by construction.
				return nil
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			return txn.Set(chunkKey(chunkID), compressed)
		})
		// Concurrent writers of the same chunk conflict on the read-check;
		// the retry lands on the already-stored no-op path.
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, types.ErrDanglingReference) {
			return err
		}
		return fmt.Errorf("storing chunk %s: %w", chunkID.Short(), err)
	}
	return nil
}

// GetChunk returns the payload bytes for the given chunk id.
func (s *Store) GetChunk(id types.Hash) ([]byte, error) {
	var compressed []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(id))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("chunk %s: %w", id.Short(), types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s: %w", id.Short(), err)
	}

	payload, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk %s: %w", id.Short(), err)
	}
	if !types.HashBytes(payload).Equal(id) {
		return nil, fmt.Errorf("chunk %s corrupted on disk: %w", id.Short(), types.ErrHashMismatch)
	}
	return payload, nil
}

// HasChunk reports whether the payload for the given chunk id is stored.
func (s *Store) HasChunk(id types.Hash) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MissingChunks returns the chunk summaries of the video whose payloads are
// not stored yet, in order. An empty result means the video is complete.
func (s *Store) MissingChunks(videoID types.Hash) ([]types.ChunkMeta, error) {
	meta, err := s.GetVideo(videoID)
	if err != nil {
		return nil, err
	}

	var missing []types.ChunkMeta
	err = s.db.View(func(txn *badger.Txn) error {
		for _, c := range meta.Chunks {
			_, err := txn.Get(chunkKey(c.ID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				missing = append(missing, c)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checking chunks of video %s: %w", videoID.Short(), err)
	}
	return missing, nil
}

// HasAllChunks reports whether every chunk of the video is stored. This is
// the session coordinator's completion condition.
func (s *Store) HasAllChunks(videoID types.Hash) (bool, error) {
	missing, err := s.MissingChunks(videoID)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// DeleteVideo evicts a video: metadata and all chunk payloads in one
// transaction. Partial deletion of a still-referenced video is not offered,
// keeping the dense-sequence invariant intact.
func (s *Store) DeleteVideo(videoID types.Hash) error {
	meta, err := s.GetVideo(videoID)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, c := range meta.Chunks {
			if err := txn.Delete(chunkKey(c.ID)); err != nil {
				return err
			}
		}
		return txn.Delete(videoKey(videoID))
	})
	if err != nil {
		return fmt.Errorf("deleting video %s: %w", videoID.Short(), err)
	}
	s.log.WithFields(logrus.Fields{
		"video":  videoID.Short(),
		"chunks": len(meta.Chunks),
	}).Info("video evicted")
	return nil
}

// ListVideos returns the metadata of every stored video.
func (s *Store) ListVideos() ([]types.VideoMeta, error) {
	var videos []types.VideoMeta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(videoPrefix); it.ValidForPrefix(videoPrefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			meta, err := decodeVideo(data)
			if err != nil {
				return err
			}
			videos = append(videos, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing videos: %w", err)
	}
	return videos, nil
}

// SearchVideos scans the local metadata table for videos whose title or
// description contains the query, case-insensitively. An empty result is not
// an error.
func (s *Store) SearchVideos(query string) ([]types.VideoMeta, error) {
	all, err := s.ListVideos()
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var matches []types.VideoMeta
	for _, v := range all {
		if strings.Contains(strings.ToLower(v.Title), needle) ||
			strings.Contains(strings.ToLower(v.Description), needle) {
			matches = append(matches, v)
		}
	}
	return matches, nil
}

// GarbageCollect syncs and compacts the value log. Called periodically by
// the node.
func (s *Store) GarbageCollect() error {
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("syncing db: %w", err)
	}
	err := s.db.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("value log gc: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

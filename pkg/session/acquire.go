package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/exchange"
	"github.com/knapsack-vid/knapsack/pkg/types"
)

const providersPerVideo = 20

// Acquire fetches the full video identified by content into the local store:
// resolve the metadata from a provider, then fetch every missing chunk with
// bounded fan-out and per-chunk provider failover. Acquire is resumable; on
// re-run only chunks still missing are fetched.
//
// Cancelling ctx stops new requests from being issued, but requests already
// in flight run to completion and their chunks are kept, so the next Acquire
// resumes from wherever this one got to.
func (c *Coordinator) Acquire(ctx context.Context, content types.Hash) (types.VideoMeta, error) {
	meta, err := c.store.GetVideo(content)
	switch {
	case err == nil:
		complete, err := c.store.HasAllChunks(content)
		if err != nil {
			return types.VideoMeta{}, err
		}
		if complete {
			return meta, nil
		}
	case errors.Is(err, types.ErrNotFound):
		meta, err = c.resolveMetadata(ctx, content)
		if err != nil {
			return types.VideoMeta{}, err
		}
		if err := c.store.PutVideo(meta); err != nil {
			return types.VideoMeta{}, err
		}
	default:
		return types.VideoMeta{}, err
	}

	if err := c.fetchChunks(ctx, meta); err != nil {
		return types.VideoMeta{}, err
	}
	return meta, nil
}

// resolveMetadata asks the providers of content for its metadata record in
// parallel and returns the first record that validates against the
// requested id.
func (c *Coordinator) resolveMetadata(ctx context.Context, content types.Hash) (types.VideoMeta, error) {
	providers, err := c.discovery.FindProviders(ctx, content, providersPerVideo)
	if err != nil {
		return types.VideoMeta{}, err
	}
	providers = c.requester.Rank(providers)
	if len(providers) == 0 {
		return types.VideoMeta{}, fmt.Errorf("no provider for %s: %w", content.Short(), types.ErrUnreachable)
	}

	results := make(chan types.VideoMeta, len(providers))
	var wg sync.WaitGroup
	for i := range providers {
		peer := providers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
			defer cancel()

			meta, err := c.requester.RequestMetadata(sendCtx, peer, content)
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"peer":  peer.ID.Short(),
					"error": err.Error(),
				}).Debug("metadata provider skipped")
				return
			}
			results <- meta
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for meta := range results {
		if meta.ID == content && meta.Validate() == nil {
			return meta, nil
		}
	}
	if ctx.Err() != nil {
		return types.VideoMeta{}, ctx.Err()
	}
	return types.VideoMeta{}, fmt.Errorf("metadata for %s: %w", content.Short(), types.ErrUnreachable)
}

// fetchChunks runs fetch rounds until no chunk is missing. A round
// refreshes providers and tries every missing chunk once, with at most
// FanOut requests in flight. Rounds that make zero progress consume the
// discovery budget; when it is spent the video is declared unreachable.
func (c *Coordinator) fetchChunks(ctx context.Context, meta types.VideoMeta) error {
	zeroProgressRounds := 0
	for {
		missing, err := c.store.MissingChunks(meta.ID)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		videoProviders, err := c.discovery.FindProviders(ctx, meta.ID, providersPerVideo)
		if err != nil {
			return err
		}

		fetched := c.fetchRound(ctx, meta.ID, missing, videoProviders)
		c.log.WithFields(logrus.Fields{
			"video":   meta.ID.Short(),
			"missing": len(missing),
			"fetched": fetched,
		}).Debug("chunk fetch round done")

		if fetched == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zeroProgressRounds++
			if zeroProgressRounds >= c.config.MaxDiscoveryRounds {
				return fmt.Errorf("%d chunks of %s still missing after %d stalled rounds: %w",
					len(missing), meta.ID.Short(), zeroProgressRounds, types.ErrUnreachable)
			}
		} else {
			zeroProgressRounds = 0
		}
	}
}

// fetchRound tries every chunk in missing once and reports how many landed
// in the store. Each chunk gets its own ranked failover list: its own
// providers first, then the video-level providers.
func (c *Coordinator) fetchRound(ctx context.Context, videoID types.Hash, missing []types.ChunkMeta, videoProviders []exchange.Peer) int {
	workerLimit := make(chan struct{}, c.config.FanOut)
	var wg sync.WaitGroup
	var fetched atomic.Int32

	for i := range missing {
		// Cancellation boundary: no new chunk is started after ctx is
		// cancelled, but started ones run to completion below.
		if ctx.Err() != nil {
			break
		}

		chunk := missing[i]
		workerLimit <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-workerLimit }()

			if c.fetchChunk(ctx, videoID, chunk, videoProviders) {
				fetched.Add(1)
			}
		}()
	}
	wg.Wait()
	return int(fetched.Load())
}

// fetchChunk walks the chunk's failover list until one provider delivers a
// payload that verifies. In-flight sends get a detached context so a fetch
// that already left the building completes and is persisted even when the
// session is cancelled.
func (c *Coordinator) fetchChunk(ctx context.Context, videoID types.Hash, chunk types.ChunkMeta, videoProviders []exchange.Peer) bool {
	providers := c.chunkProviders(ctx, chunk.ID, videoProviders)
	if len(providers) == 0 {
		return false
	}

	for _, peer := range providers {
		if ctx.Err() != nil {
			return false
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), c.config.SendTimeout)
		payload, err := c.requester.RequestChunk(sendCtx, peer, chunk.ID)
		cancel()
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"chunk": chunk.ID.Short(),
				"peer":  peer.ID.Short(),
				"error": err.Error(),
			}).Debug("chunk provider failed, trying next")
			continue
		}

		if err := c.store.PutChunk(chunk.ID, videoID, payload); err != nil {
			c.log.WithFields(logrus.Fields{
				"chunk": chunk.ID.Short(),
				"error": err.Error(),
			}).Warn("storing fetched chunk failed")
			return false
		}
		return true
	}
	return false
}

// chunkProviders merges the chunk's own providers with the video-level
// providers, deduplicated, ranked, and capped at MaxProvidersPerChunk.
func (c *Coordinator) chunkProviders(ctx context.Context, chunkID types.Hash, videoProviders []exchange.Peer) []exchange.Peer {
	merged := make([]exchange.Peer, 0, len(videoProviders)+c.config.MaxProvidersPerChunk)
	seen := make(map[types.PeerID]struct{})

	own, err := c.discovery.FindProviders(ctx, chunkID, c.config.MaxProvidersPerChunk)
	if err == nil {
		for _, peer := range own {
			if _, ok := seen[peer.ID]; !ok {
				seen[peer.ID] = struct{}{}
				merged = append(merged, peer)
			}
		}
	}
	for _, peer := range videoProviders {
		if _, ok := seen[peer.ID]; !ok {
			seen[peer.ID] = struct{}{}
			merged = append(merged, peer)
		}
	}

	merged = c.requester.Rank(merged)
	if len(merged) > c.config.MaxProvidersPerChunk {
		merged = merged[:c.config.MaxProvidersPerChunk]
	}
	return merged
}

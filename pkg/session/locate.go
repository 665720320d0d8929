package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Locate fans a search query out to known peers and merges the answers with
// local matches, deduplicated by video id. Partial results are results: a
// peer that fails or times out is skipped, not fatal. The local store is
// always consulted, so Locate works even before the overlay is joined.
func (c *Coordinator) Locate(ctx context.Context, query string, limit int) ([]types.VideoMeta, error) {
	if limit <= 0 {
		limit = 32
	}

	merged := make(map[types.Hash]types.VideoMeta)

	local, err := c.store.SearchVideos(query)
	if err != nil {
		return nil, err
	}
	for _, meta := range local {
		merged[meta.ID] = meta
	}

	peers := c.requester.Rank(c.discovery.KnownPeers(c.config.LocateFanOut))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range peers {
		peer := peers[i]
		wg.Add(1)
		go func() {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
			defer cancel()

			results, err := c.requester.Search(sendCtx, peer, query, limit)
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"peer":  peer.ID.Short(),
					"error": err.Error(),
				}).Debug("search peer skipped")
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, meta := range results {
				if meta.Validate() != nil {
					continue
				}
				if _, ok := merged[meta.ID]; !ok {
					merged[meta.ID] = meta
				}
			}
		}()
	}
	wg.Wait()

	out := make([]types.VideoMeta, 0, len(merged))
	for _, meta := range merged {
		out = append(out, meta)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

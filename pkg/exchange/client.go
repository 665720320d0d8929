package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

const defaultSendTimeout = 15 * time.Second

// Client issues metadata, chunk, and search exchanges to remote peers. It
// keeps one persistent connection per peer and a trust score per peer, so a
// peer that serves corrupt chunks sinks to the bottom of every ranking.
type Client struct {
	log  *logrus.Logger
	pool *connPool

	sendTimeout time.Duration

	trustMu sync.RWMutex
	trust   map[types.PeerID]float64
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// SendTimeout bounds one full exchange: open stream, write request,
	// read response. Defaults to 15s.
	SendTimeout time.Duration
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// NewClient creates a client on top of an established transport.
func NewClient(transport Transport, config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaultSendTimeout
	}
	return &Client{
		log:         config.Logger,
		pool:        newConnPool(transport, config.Logger),
		sendTimeout: config.SendTimeout,
		trust:       make(map[types.PeerID]float64),
	}
}

// RequestMetadata fetches the metadata record for content from peer. A
// MsgNotFound reply maps to ErrNotFound; a record whose id does not match
// the requested content maps to ErrIntegrityViolation.
func (c *Client) RequestMetadata(ctx context.Context, peer Peer, content types.Hash) (types.VideoMeta, error) {
	req := Message{Type: MsgMetadataRequest, Payload: MustSerialize(MetadataRequest{Content: content})}
	resp, err := c.send(ctx, peer, req)
	if err != nil {
		return types.VideoMeta{}, err
	}

	switch resp.Type {
	case MsgMetadataResponse:
		payload, err := Deserialize[MetadataResponse](resp.Payload)
		if err != nil {
			return types.VideoMeta{}, fmt.Errorf("decode metadata response: %w", err)
		}
		if err := payload.Meta.Validate(); err != nil || payload.Meta.ID != content {
			c.demote(peer.ID, 1.0)
			return types.VideoMeta{}, fmt.Errorf("metadata from %s: %w", peer.ID.Short(), types.ErrIntegrityViolation)
		}
		c.promote(peer.ID)
		return payload.Meta, nil
	case MsgNotFound:
		return types.VideoMeta{}, types.ErrNotFound
	default:
		c.demote(peer.ID, 0.5)
		return types.VideoMeta{}, fmt.Errorf("unexpected reply %s to metadata request", resp.Type)
	}
}

// RequestChunk fetches a chunk payload from peer and verifies its digest
// before returning it. A corrupt payload is never surfaced to the caller:
// the peer is demoted and ErrIntegrityViolation is returned so the caller
// retries elsewhere.
func (c *Client) RequestChunk(ctx context.Context, peer Peer, content types.Hash) ([]byte, error) {
	req := Message{Type: MsgChunkRequest, Payload: MustSerialize(ChunkRequest{Content: content})}
	resp, err := c.send(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case MsgChunkResponse:
		payload, err := Deserialize[ChunkResponse](resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode chunk response: %w", err)
		}
		if types.HashBytes(payload.Payload) != content {
			c.demote(peer.ID, 1.0)
			c.log.WithFields(logrus.Fields{
				"peer":  peer.ID.Short(),
				"chunk": content.Short(),
			}).Warn("chunk digest mismatch, discarding")
			return nil, fmt.Errorf("chunk from %s: %w", peer.ID.Short(), types.ErrIntegrityViolation)
		}
		c.promote(peer.ID)
		return payload.Payload, nil
	case MsgNotFound:
		return nil, types.ErrNotFound
	default:
		c.demote(peer.ID, 0.5)
		return nil, fmt.Errorf("unexpected reply %s to chunk request", resp.Type)
	}
}

// Search asks peer to scan its local metadata table. An empty result slice
// is a valid answer.
func (c *Client) Search(ctx context.Context, peer Peer, query string, limit int) ([]types.VideoMeta, error) {
	req := Message{Type: MsgSearchRequest, Payload: MustSerialize(SearchRequest{Query: query, Limit: limit})}
	resp, err := c.send(ctx, peer, req)
	if err != nil {
		return nil, err
	}

	switch resp.Type {
	case MsgSearchResponse:
		payload, err := Deserialize[SearchResponse](resp.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode search response: %w", err)
		}
		c.promote(peer.ID)
		return payload.Results, nil
	default:
		c.demote(peer.ID, 0.5)
		return nil, fmt.Errorf("unexpected reply %s to search request", resp.Type)
	}
}

// send runs one exchange on a fresh stream of the pooled connection to peer.
func (c *Client) send(ctx context.Context, peer Peer, req Message) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	conn, err := c.pool.getOrConnect(ctx, peer)
	if err != nil {
		c.demote(peer.ID, 0.25)
		return Message{}, mapNetErr(fmt.Errorf("connect %s: %w", peer, err))
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		// The pooled connection may have died since the last exchange.
		c.pool.drop(peer.ID)
		c.demote(peer.ID, 0.25)
		return Message{}, mapNetErr(fmt.Errorf("open stream to %s: %w", peer, err))
	}
	defer func() { _ = stream.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(deadline); err != nil {
			return Message{}, err
		}
	}

	if err := WriteMessage(stream, req); err != nil {
		c.demote(peer.ID, 0.25)
		return Message{}, mapNetErr(fmt.Errorf("send %s to %s: %w", req.Type, peer, err))
	}
	resp, err := ReadMessage(stream)
	if err != nil {
		c.demote(peer.ID, 0.25)
		return Message{}, mapNetErr(fmt.Errorf("receive reply from %s: %w", peer, err))
	}
	return resp, nil
}

// Rank orders peers best-first by trust score. Unknown peers rank as
// neutral, so fresh providers are tried before known-bad ones.
func (c *Client) Rank(peers []Peer) []Peer {
	out := make([]Peer, len(peers))
	copy(out, peers)

	c.trustMu.RLock()
	defer c.trustMu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return c.trust[out[i].ID] > c.trust[out[j].ID]
	})
	return out
}

func (c *Client) promote(peer types.PeerID) {
	c.trustMu.Lock()
	defer c.trustMu.Unlock()
	if c.trust[peer] < 5 {
		c.trust[peer] += 0.1
	}
}

func (c *Client) demote(peer types.PeerID, penalty float64) {
	c.trustMu.Lock()
	defer c.trustMu.Unlock()
	c.trust[peer] -= penalty
}

// Close closes every pooled connection.
func (c *Client) Close() {
	c.pool.closeAll()
}

// mapNetErr normalizes network timeouts to ErrTimedOut so callers can match
// with errors.Is regardless of the underlying transport error type.
func mapNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", types.ErrTimedOut, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrTimedOut, err)
	}
	return err
}

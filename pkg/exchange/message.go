// Package exchange implements the peer-to-peer request/response protocol:
// metadata, chunk, and search exchanges over QUIC streams. Each exchange is
// one stream: the request is written, the correlated response is read on the
// same stream, and the stream is closed. Multiple exchanges to the same peer
// proceed concurrently over independent streams.
package exchange

import (
	"fmt"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// MessageType identifies the request or response variant a payload carries.
// The protocol is a closed tagged union: one arm per kind, encoding
// independent of transport.
type MessageType uint8

const (
	// MsgMetadataRequest asks for the metadata of a video by content id.
	MsgMetadataRequest MessageType = iota + 1
	// MsgChunkRequest asks for a chunk payload by content id.
	MsgChunkRequest
	// MsgSearchRequest asks the peer to scan its local metadata.
	MsgSearchRequest
	// MsgMetadataResponse carries a video metadata record.
	MsgMetadataResponse
	// MsgChunkResponse carries a chunk payload.
	MsgChunkResponse
	// MsgSearchResponse carries zero or more matching metadata records.
	MsgSearchResponse
	// MsgNotFound is the response when the peer does not hold the content.
	MsgNotFound
)

var messageTypeNames = map[MessageType]string{
	MsgMetadataRequest:  "MetadataRequest",
	MsgChunkRequest:     "ChunkRequest",
	MsgSearchRequest:    "SearchRequest",
	MsgMetadataResponse: "MetadataResponse",
	MsgChunkResponse:    "ChunkResponse",
	MsgSearchResponse:   "SearchResponse",
	MsgNotFound:         "NotFound",
}

// String returns the name of the message type.
func (mt MessageType) String() string {
	if name, ok := messageTypeNames[mt]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", mt)
}

// Message is one protocol frame: a type and a payload whose format depends
// on the type.
type Message struct {
	Type    MessageType
	Payload []byte
}

// MetadataRequest asks for the metadata record of Content.
type MetadataRequest struct {
	Content types.Hash
}

// ChunkRequest asks for the payload of chunk Content.
type ChunkRequest struct {
	Content types.Hash
}

// SearchRequest asks the peer to scan its local metadata table.
type SearchRequest struct {
	Query string
	Limit int
}

// MetadataResponse carries the requested metadata record.
type MetadataResponse struct {
	Meta types.VideoMeta
}

// ChunkResponse carries the requested chunk payload.
type ChunkResponse struct {
	Content types.Hash
	Payload []byte
}

// SearchResponse carries the peer's local matches; may be empty.
type SearchResponse struct {
	Results []types.VideoMeta
}

// Peer addresses one remote exchange endpoint.
type Peer struct {
	ID   types.PeerID
	Addr string
}

func (p Peer) String() string {
	return fmt.Sprintf("peer(%s, %s)", p.ID.Short(), p.Addr)
}

package exchange

import (
	"context"
	"io"
	"time"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// Transport defines the low-level network operations for the exchange
// layer. The default implementation uses QUIC for reliable, multiplexed,
// encrypted communication.
type Transport interface {
	// Dial establishes a connection to a remote exchange endpoint.
	Dial(ctx context.Context, address string) (Conn, error)

	// Listen starts accepting incoming connections on address ("host:port").
	Listen(address string) (Listener, error)

	// Close shuts down the transport and all active connections.
	Close() error
}

// Listener accepts incoming connections from remote peers.
type Listener interface {
	// Accept waits for and returns the next incoming connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() string

	// Close stops the listener.
	Close() error
}

// Conn is a connection to another peer. Each exchange runs on its own
// stream, so concurrent exchanges to the same peer do not serialize.
type Conn interface {
	// OpenStream opens a new outgoing stream for one exchange.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for the next incoming exchange stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// RemotePeer returns the id of the connected peer, learned during the
	// connection handshake.
	RemotePeer() types.PeerID

	// Close terminates the connection.
	Close() error

	// IsClosed reports whether the connection has been closed.
	IsClosed() bool
}

// Stream is one bidirectional exchange stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// SetDeadline bounds both reads and writes on the stream.
	SetDeadline(t time.Time) error
}

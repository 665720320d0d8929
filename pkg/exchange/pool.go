package exchange

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// connPool caches one persistent connection per peer. Dialing the same peer
// from several goroutines at once still results in a single connection: the
// pool re-checks under the lock after every dial.
type connPool struct {
	transport Transport
	log       *logrus.Logger

	mu    sync.Mutex
	conns map[types.PeerID]Conn

	// dialHook runs for every freshly dialed connection the pool keeps.
	// The server registers itself here so dialed connections serve
	// incoming streams exactly like accepted ones.
	dialHook func(Conn)
}

func newConnPool(transport Transport, log *logrus.Logger) *connPool {
	return &connPool{
		transport: transport,
		log:       log,
		conns:     make(map[types.PeerID]Conn),
	}
}

// getOrConnect returns the cached connection to peer, dialing a new one if
// none is cached or the cached one has died.
func (p *connPool) getOrConnect(ctx context.Context, peer Peer) (Conn, error) {
	p.mu.Lock()
	if conn, ok := p.conns[peer.ID]; ok {
		if !conn.IsClosed() {
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, peer.ID)
	}
	p.mu.Unlock()

	conn, err := p.transport.Dial(ctx, peer.Addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()

	// Another goroutine may have connected while we dialed; keep the
	// first connection and drop ours.
	if existing, ok := p.conns[peer.ID]; ok && !existing.IsClosed() {
		p.mu.Unlock()
		go func() { _ = conn.Close() }()
		return existing, nil
	}
	p.conns[conn.RemotePeer()] = conn
	hook := p.dialHook
	p.mu.Unlock()

	if hook != nil {
		hook(conn)
	}
	return conn, nil
}

// setDialHook installs the callback invoked once per kept dialed connection.
func (p *connPool) setDialHook(fn func(Conn)) {
	p.mu.Lock()
	p.dialHook = fn
	p.mu.Unlock()
}

// addIncoming caches a connection accepted by the server side so outgoing
// exchanges reuse it instead of dialing back.
func (p *connPool) addIncoming(conn Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	peer := conn.RemotePeer()
	if existing, ok := p.conns[peer]; ok && !existing.IsClosed() {
		return
	}
	p.conns[peer] = conn
}

// drop removes and closes the cached connection to peer, if any.
func (p *connPool) drop(peer types.PeerID) {
	p.mu.Lock()
	conn, ok := p.conns[peer]
	if ok {
		delete(p.conns, peer)
	}
	p.mu.Unlock()

	if ok {
		if err := conn.Close(); err != nil {
			p.log.WithFields(logrus.Fields{
				"peer":  peer.Short(),
				"error": err.Error(),
			}).Debug("closing dropped connection")
		}
	}
}

// closeAll closes every cached connection.
func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := make([]Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[types.PeerID]Conn)
	p.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

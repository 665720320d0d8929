package overlay

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"lukechampine.com/frand"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

// network provides UDP request/response for the overlay RPCs. Responses are
// matched to requests by MsgID through the inflight map.
type network struct {
	conn        *net.UDPConn
	overlay     *Overlay
	log         *logrus.Logger
	timeout     time.Duration
	mu          sync.Mutex
	inflight    map[string]chan envelope
	closed      bool
	readStopped chan struct{}
}

func newNetwork(o *Overlay, listenAddr string, timeout time.Duration, log *logrus.Logger) (*network, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving overlay address %s: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding overlay udp socket: %w", err)
	}
	n := &network{
		conn:        conn,
		overlay:     o,
		log:         log,
		timeout:     timeout,
		inflight:    make(map[string]chan envelope),
		readStopped: make(chan struct{}),
	}
	go n.readLoop()
	return n, nil
}

func (n *network) addr() string {
	return n.conn.LocalAddr().String()
}

func (n *network) close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	_ = n.conn.Close()
	select {
	case <-n.readStopped:
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}

func (n *network) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func nextMsgID() string {
	return hex.EncodeToString(frand.Bytes(16))
}

func (n *network) send(to *net.UDPAddr, env envelope) error {
	b, err := env.marshal()
	if err != nil {
		return err
	}
	_, err = n.conn.WriteToUDP(b, to)
	return err
}

func (n *network) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		length, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			close(n.readStopped)
			return
		}
		var env envelope
		if err := env.unmarshal(buf[:length]); err != nil {
			continue
		}

		// Response path: deliver to the waiter.
		if env.Type.isResponse() {
			n.mu.Lock()
			ch := n.inflight[env.MsgID]
			n.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
			}
			continue
		}

		// Request path: handled off the read loop. Learning the sender can
		// itself trigger an eviction ping, and that ping's pong arrives on
		// this very loop; dispatching inline would deadlock it into a
		// guaranteed timeout.
		go n.dispatch(env, src)
	}
}

func (n *network) dispatch(env envelope, src *net.UDPAddr) {
	if contact, err := env.From.toContact(); err == nil {
		n.overlay.rt.addContact(contact)
	}
	switch env.Type {
	case msgPing:
		n.handlePing(env, src)
	case msgFindNode:
		n.handleFindNode(env, src)
	case msgAddProvider:
		n.handleAddProvider(env, src)
	case msgGetProviders:
		n.handleGetProviders(env, src)
	default:
		// Unknown types are ignored.
	}
}

func (n *network) handlePing(env envelope, src *net.UDPAddr) {
	reply := envelope{
		Type:  msgPong,
		From:  fromContact(n.overlay.me),
		MsgID: env.MsgID,
	}
	_ = n.send(src, reply)
}

func (n *network) handleFindNode(env envelope, src *net.UDPAddr) {
	target, err := types.HashFromHex(env.Target)
	if err != nil {
		return
	}
	contacts := n.overlay.rt.findClosest(target, bucketSize)

	reply := envelope{
		Type:  msgFindNodeOK,
		From:  fromContact(n.overlay.me),
		MsgID: env.MsgID,
	}
	for _, c := range contacts {
		reply.Contacts = append(reply.Contacts, fromContact(c))
	}
	_ = n.send(src, reply)
}

func (n *network) handleAddProvider(env envelope, src *net.UDPAddr) {
	content, err := types.HashFromHex(env.Target)
	if err != nil {
		return
	}
	for _, wp := range env.Providers {
		rec, err := wp.toRecord(content)
		if err != nil {
			continue
		}
		n.overlay.providers.add(rec)
	}

	reply := envelope{
		Type:  msgAddProviderOK,
		From:  fromContact(n.overlay.me),
		MsgID: env.MsgID,
	}
	_ = n.send(src, reply)
}

func (n *network) handleGetProviders(env envelope, src *net.UDPAddr) {
	content, err := types.HashFromHex(env.Target)
	if err != nil {
		return
	}

	reply := envelope{
		Type:  msgGetProvidersOK,
		From:  fromContact(n.overlay.me),
		MsgID: env.MsgID,
	}
	for _, rec := range n.overlay.providers.lookup(content) {
		reply.Providers = append(reply.Providers, fromRecord(rec))
	}
	// Like FIND_VALUE: also return the closest contacts so the querier can
	// keep iterating when we hold no records.
	for _, c := range n.overlay.rt.findClosest(content, bucketSize) {
		reply.Contacts = append(reply.Contacts, fromContact(c))
	}
	_ = n.send(src, reply)
}

// roundTrip sends env and waits for the correlated response or times out.
func (n *network) roundTrip(addr string, env envelope) (envelope, error) {
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return envelope{}, fmt.Errorf("resolving %s: %w", addr, err)
	}

	ch := make(chan envelope, 1)
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return envelope{}, types.ErrOverlayUnavailable
	}
	n.inflight[env.MsgID] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.inflight, env.MsgID)
		n.mu.Unlock()
	}()

	if err := n.send(dst, env); err != nil {
		return envelope{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(n.timeout):
		return envelope{}, fmt.Errorf("overlay rpc %s to %s: %w", env.Type, addr, types.ErrTimedOut)
	}
}

// sendPing pings addr and returns the responding contact. Used for
// bootstrap, where only the seed's address is known, and for the routing
// table's liveness probe.
func (n *network) sendPing(addr string) (Contact, error) {
	env := envelope{
		Type:  msgPing,
		From:  fromContact(n.overlay.me),
		MsgID: nextMsgID(),
	}
	resp, err := n.roundTrip(addr, env)
	if err != nil {
		return Contact{}, err
	}
	contact, err := resp.From.toContact()
	if err != nil {
		return Contact{}, err
	}
	n.overlay.rt.addContact(contact)
	return contact, nil
}

// sendFindNode asks peer for contacts close to target and learns the
// results into the routing table.
func (n *network) sendFindNode(peer Contact, target types.Hash) ([]Contact, error) {
	env := envelope{
		Type:   msgFindNode,
		From:   fromContact(n.overlay.me),
		MsgID:  nextMsgID(),
		Target: target.String(),
	}
	resp, err := n.roundTrip(peer.Addr, env)
	if err != nil {
		return nil, err
	}
	if resp.Type != msgFindNodeOK {
		return nil, fmt.Errorf("unexpected overlay response %s", resp.Type)
	}

	contacts := make([]Contact, 0, len(resp.Contacts))
	for _, wc := range resp.Contacts {
		c, err := wc.toContact()
		if err != nil {
			continue
		}
		contacts = append(contacts, c)
		n.overlay.rt.addContact(c)
	}
	if c, err := resp.From.toContact(); err == nil {
		n.overlay.rt.addContact(c)
	}
	return contacts, nil
}

// sendAddProvider pushes this node's provider record for content to peer.
func (n *network) sendAddProvider(peer Contact, rec ProviderRecord) error {
	env := envelope{
		Type:      msgAddProvider,
		From:      fromContact(n.overlay.me),
		MsgID:     nextMsgID(),
		Target:    rec.Content.String(),
		Providers: []wireProvider{fromRecord(rec)},
	}
	resp, err := n.roundTrip(peer.Addr, env)
	if err != nil {
		return err
	}
	if resp.Type != msgAddProviderOK {
		return fmt.Errorf("unexpected overlay response %s", resp.Type)
	}
	return nil
}

// sendGetProviders asks peer for provider records of content. Returns the
// records plus the peer's closest contacts for iteration.
func (n *network) sendGetProviders(peer Contact, content types.Hash) ([]ProviderRecord, []Contact, error) {
	env := envelope{
		Type:   msgGetProviders,
		From:   fromContact(n.overlay.me),
		MsgID:  nextMsgID(),
		Target: content.String(),
	}
	resp, err := n.roundTrip(peer.Addr, env)
	if err != nil {
		return nil, nil, err
	}
	if resp.Type != msgGetProvidersOK {
		return nil, nil, fmt.Errorf("unexpected overlay response %s", resp.Type)
	}

	var records []ProviderRecord
	for _, wp := range resp.Providers {
		rec, err := wp.toRecord(content)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	var contacts []Contact
	for _, wc := range resp.Contacts {
		c, err := wc.toContact()
		if err != nil {
			continue
		}
		contacts = append(contacts, c)
		n.overlay.rt.addContact(c)
	}
	return records, contacts, nil
}

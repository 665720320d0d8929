package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/frand"

	"github.com/knapsack-vid/knapsack/pkg/chunker"
	"github.com/knapsack-vid/knapsack/pkg/exchange"
	"github.com/knapsack-vid/knapsack/pkg/store"
	"github.com/knapsack-vid/knapsack/pkg/types"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func randomPeer(name string) exchange.Peer {
	return exchange.Peer{
		ID:   types.PeerID(types.HashBytes([]byte(name))),
		Addr: "127.0.0.1:0",
	}
}

// fakeDiscovery serves a fixed provider table.
type fakeDiscovery struct {
	mu        sync.Mutex
	providers map[types.Hash][]exchange.Peer
	known     []exchange.Peer
}

func newFakeDiscovery() *fakeDiscovery {
	return &fakeDiscovery{providers: make(map[types.Hash][]exchange.Peer)}
}

func (d *fakeDiscovery) addProvider(content types.Hash, peer exchange.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[content] = append(d.providers[content], peer)
}

func (d *fakeDiscovery) FindProviders(_ context.Context, content types.Hash, max int) ([]exchange.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := d.providers[content]
	if len(peers) > max {
		peers = peers[:max]
	}
	return append([]exchange.Peer(nil), peers...), nil
}

func (d *fakeDiscovery) KnownPeers(max int) []exchange.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.known) > max {
		return append([]exchange.Peer(nil), d.known[:max]...)
	}
	return append([]exchange.Peer(nil), d.known...)
}

// fakeRequester answers exchanges from per-peer canned state. Peers listed
// in failing always error; peers in corrupt return mismatched payloads.
type fakeRequester struct {
	mu       sync.Mutex
	metas    map[types.PeerID]types.VideoMeta
	chunks   map[types.PeerID]map[types.Hash][]byte
	searches map[types.PeerID][]types.VideoMeta
	failing  map[types.PeerID]bool
	corrupt  map[types.PeerID]bool
	requests map[types.PeerID]int
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		metas:    make(map[types.PeerID]types.VideoMeta),
		chunks:   make(map[types.PeerID]map[types.Hash][]byte),
		searches: make(map[types.PeerID][]types.VideoMeta),
		failing:  make(map[types.PeerID]bool),
		corrupt:  make(map[types.PeerID]bool),
		requests: make(map[types.PeerID]int),
	}
}

func (r *fakeRequester) serve(peer exchange.Peer, meta types.VideoMeta, chunks []chunker.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metas[peer.ID] = meta
	payloads := make(map[types.Hash][]byte)
	for _, c := range chunks {
		payloads[c.ID] = c.Data
	}
	r.chunks[peer.ID] = payloads
}

func (r *fakeRequester) record(peer types.PeerID) error {
	r.requests[peer]++
	if r.failing[peer] {
		return types.ErrTimedOut
	}
	return nil
}

func (r *fakeRequester) RequestMetadata(_ context.Context, peer exchange.Peer, content types.Hash) (types.VideoMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(peer.ID); err != nil {
		return types.VideoMeta{}, err
	}
	meta, ok := r.metas[peer.ID]
	if !ok || meta.ID != content {
		return types.VideoMeta{}, types.ErrNotFound
	}
	return meta, nil
}

func (r *fakeRequester) RequestChunk(_ context.Context, peer exchange.Peer, content types.Hash) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(peer.ID); err != nil {
		return nil, err
	}
	if r.corrupt[peer.ID] {
		return nil, types.ErrIntegrityViolation
	}
	data, ok := r.chunks[peer.ID][content]
	if !ok {
		return nil, types.ErrNotFound
	}
	return data, nil
}

func (r *fakeRequester) Search(_ context.Context, peer exchange.Peer, query string, _ int) ([]types.VideoMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record(peer.ID); err != nil {
		return nil, err
	}
	return r.searches[peer.ID], nil
}

func (r *fakeRequester) Rank(peers []exchange.Peer) []exchange.Peer {
	return peers
}

func (r *fakeRequester) requestCount(peer types.PeerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[peer]
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *fakeDiscovery, *fakeRequester) {
	t.Helper()
	st, err := store.NewStore(store.StoreConfig{Path: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	discovery := newFakeDiscovery()
	requester := newFakeRequester()
	coord := New(st, discovery, requester, Config{
		FanOut:             4,
		SendTimeout:        time.Second,
		MaxDiscoveryRounds: 2,
		Logger:             quietLogger(),
	})
	return coord, st, discovery, requester
}

func makeVideo(t *testing.T, size int) (types.VideoMeta, []chunker.Chunk) {
	t.Helper()
	meta, chunks, err := chunker.ChunkBytes(frand.Bytes(size), 1024)
	require.NoError(t, err)
	meta.Title = "session test video"
	return meta, chunks
}

func advertise(d *fakeDiscovery, peer exchange.Peer, meta types.VideoMeta) {
	d.addProvider(meta.ID, peer)
	for _, c := range meta.Chunks {
		d.addProvider(c.ID, peer)
	}
}

func TestAcquire_FullVideoFromSingleProvider(t *testing.T) {
	coord, st, discovery, requester := newTestCoordinator(t)
	meta, chunks := makeVideo(t, 5000)

	peer := randomPeer("provider")
	requester.serve(peer, meta, chunks)
	advertise(discovery, peer, meta)

	got, err := coord.Acquire(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)

	complete, err := st.HasAllChunks(meta.ID)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestAcquire_AlreadyComplete(t *testing.T) {
	coord, st, _, requester := newTestCoordinator(t)
	meta, chunks := makeVideo(t, 3000)

	require.NoError(t, st.PutVideo(meta))
	for _, c := range chunks {
		require.NoError(t, st.PutChunk(c.ID, meta.ID, c.Data))
	}

	got, err := coord.Acquire(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)
	assert.Zero(t, requester.requestCount(randomPeer("provider").ID),
		"a complete local copy must not trigger network traffic")
}

func TestAcquire_FailsOverToSecondProvider(t *testing.T) {
	coord, st, discovery, requester := newTestCoordinator(t)
	meta, chunks := makeVideo(t, 5000)

	dead := randomPeer("dead provider")
	alive := randomPeer("alive provider")
	requester.serve(dead, meta, chunks)
	requester.serve(alive, meta, chunks)
	requester.failing[dead.ID] = true
	advertise(discovery, dead, meta)
	advertise(discovery, alive, meta)

	_, err := coord.Acquire(context.Background(), meta.ID)
	require.NoError(t, err)

	complete, err := st.HasAllChunks(meta.ID)
	require.NoError(t, err)
	assert.True(t, complete, "every chunk must come from the alive provider")
	assert.Greater(t, requester.requestCount(alive.ID), 0)
}

func TestAcquire_CorruptProviderSkipped(t *testing.T) {
	coord, st, discovery, requester := newTestCoordinator(t)
	meta, chunks := makeVideo(t, 4000)

	corrupt := randomPeer("corrupt provider")
	honest := randomPeer("honest provider")
	requester.serve(corrupt, meta, chunks)
	requester.serve(honest, meta, chunks)
	requester.corrupt[corrupt.ID] = true
	advertise(discovery, corrupt, meta)
	advertise(discovery, honest, meta)

	_, err := coord.Acquire(context.Background(), meta.ID)
	require.NoError(t, err)

	complete, err := st.HasAllChunks(meta.ID)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestAcquire_NoProviders(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	meta, _ := makeVideo(t, 2000)

	_, err := coord.Acquire(context.Background(), meta.ID)
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

func TestAcquire_AllProvidersFailing(t *testing.T) {
	coord, _, discovery, requester := newTestCoordinator(t)
	meta, chunks := makeVideo(t, 3000)

	dead := randomPeer("dead")
	requester.serve(dead, meta, chunks)
	requester.failing[dead.ID] = true
	advertise(discovery, dead, meta)

	_, err := coord.Acquire(context.Background(), meta.ID)
	assert.ErrorIs(t, err, types.ErrUnreachable)
}

func TestAcquire_StallsAfterMetadataExhaustsBudget(t *testing.T) {
	coord, st, discovery, requester := newTestCoordinator(t)
	meta, _ := makeVideo(t, 4000)

	// Provider serves metadata but then stops serving chunks.
	flaky := randomPeer("flaky")
	requester.serve(flaky, meta, nil)
	advertise(discovery, flaky, meta)

	_, err := coord.Acquire(context.Background(), meta.ID)
	assert.ErrorIs(t, err, types.ErrUnreachable)

	// The metadata round still landed, so a later attempt resumes from it.
	_, err = st.GetVideo(meta.ID)
	assert.NoError(t, err)
}

func TestAcquire_CancelledContext(t *testing.T) {
	coord, _, discovery, requester := newTestCoordinator(t)
	meta, chunks := makeVideo(t, 3000)

	peer := randomPeer("provider")
	requester.serve(peer, meta, chunks)
	advertise(discovery, peer, meta)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := coord.Acquire(ctx, meta.ID)
	assert.ErrorIs(t, err, context.Canceled)
}

// gatedRequester blocks the first chunk request until released, so a test
// can cancel the session while that request is in flight.
type gatedRequester struct {
	*fakeRequester
	started    chan types.Hash
	release    chan struct{}
	gateFirst  sync.Once
	chunkCalls atomic.Int32
}

func (g *gatedRequester) RequestChunk(ctx context.Context, peer exchange.Peer, content types.Hash) ([]byte, error) {
	g.chunkCalls.Add(1)
	gated := false
	g.gateFirst.Do(func() { gated = true })
	if gated {
		g.started <- content
		<-g.release
	}
	return g.fakeRequester.RequestChunk(ctx, peer, content)
}

func TestAcquire_CancelMidFlightKeepsStartedChunk(t *testing.T) {
	st, err := store.NewStore(store.StoreConfig{Path: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	discovery := newFakeDiscovery()
	requester := &gatedRequester{
		fakeRequester: newFakeRequester(),
		started:       make(chan types.Hash),
		release:       make(chan struct{}),
	}
	coord := New(st, discovery, requester, Config{
		FanOut:             1,
		SendTimeout:        time.Second,
		MaxDiscoveryRounds: 2,
		Logger:             quietLogger(),
	})

	meta, chunks := makeVideo(t, 3000)
	peer := randomPeer("provider")
	requester.serve(peer, meta, chunks)
	advertise(discovery, peer, meta)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := coord.Acquire(ctx, meta.ID)
		done <- err
	}()

	first := <-requester.started
	cancel()
	close(requester.release)

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)

	// The request already in flight ran to completion and its chunk was
	// kept for the next attempt to resume from.
	ok, err := st.HasChunk(first)
	require.NoError(t, err)
	assert.True(t, ok, "in-flight chunk must be persisted")

	// No further chunk request went out after the cancellation.
	assert.EqualValues(t, 1, requester.chunkCalls.Load(),
		"cancellation must stop new chunk requests")
}

func TestLocate_MergesLocalAndRemote(t *testing.T) {
	coord, st, discovery, requester := newTestCoordinator(t)

	local, _ := makeVideo(t, 2000)
	local.Title = "local recording"
	local.ID = local.ComputeID()
	require.NoError(t, st.PutVideo(local))

	remote, _ := makeVideo(t, 2500)
	remote.Title = "remote recording"

	peer := randomPeer("searcher")
	discovery.known = []exchange.Peer{peer}
	requester.searches[peer.ID] = []types.VideoMeta{remote}

	results, err := coord.Locate(context.Background(), "recording", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := map[types.Hash]bool{}
	for _, meta := range results {
		ids[meta.ID] = true
	}
	assert.True(t, ids[local.ID])
	assert.True(t, ids[remote.ID])
}

func TestLocate_DeduplicatesAcrossPeers(t *testing.T) {
	coord, _, discovery, requester := newTestCoordinator(t)
	meta, _ := makeVideo(t, 2000)

	a := randomPeer("peer a")
	b := randomPeer("peer b")
	discovery.known = []exchange.Peer{a, b}
	requester.searches[a.ID] = []types.VideoMeta{meta}
	requester.searches[b.ID] = []types.VideoMeta{meta}

	results, err := coord.Locate(context.Background(), "session", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestLocate_PartialResultsOnPeerFailure(t *testing.T) {
	coord, _, discovery, requester := newTestCoordinator(t)
	meta, _ := makeVideo(t, 2000)

	good := randomPeer("good")
	bad := randomPeer("bad")
	discovery.known = []exchange.Peer{good, bad}
	requester.searches[good.ID] = []types.VideoMeta{meta}
	requester.failing[bad.ID] = true

	results, err := coord.Locate(context.Background(), "anything", 10)
	require.NoError(t, err, "a failing peer must not fail the search")
	assert.Len(t, results, 1)
}

func TestLocate_RejectsInvalidRemoteMetadata(t *testing.T) {
	coord, _, discovery, requester := newTestCoordinator(t)
	meta, _ := makeVideo(t, 2000)
	meta.ID = types.HashBytes([]byte("forged id"))

	peer := randomPeer("forger")
	discovery.known = []exchange.Peer{peer}
	requester.searches[peer.ID] = []types.VideoMeta{meta}

	results, err := coord.Locate(context.Background(), "anything", 10)
	require.NoError(t, err)
	assert.Empty(t, results, "metadata failing validation must be dropped")
}

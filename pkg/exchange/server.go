package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/store"
	"github.com/knapsack-vid/knapsack/pkg/types"
)

const (
	streamTimeout      = 30 * time.Second
	defaultSearchLimit = 32
)

// Server answers incoming metadata, chunk, and search exchanges from the
// local chunk store. Every accepted connection gets its own stream-accept
// loop, every stream its own handler goroutine.
type Server struct {
	log   *logrus.Logger
	store *store.Store
	pool  *connPool

	listener Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// ListenAddr is the QUIC address to serve on, e.g. ":42442". Use ":0"
	// to let the kernel pick a port.
	ListenAddr string
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

// NewServer starts serving exchanges on config.ListenAddr. When client is
// non-nil, connections the server accepts are shared with the client's pool
// so outgoing exchanges to the same peer reuse them instead of dialing back,
// and connections the client dials are served here so the remote side can
// reuse them in the other direction.
func NewServer(transport Transport, st *store.Store, client *Client, config ServerConfig) (*Server, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	var pool *connPool
	if client != nil {
		pool = client.pool
	}

	listener, err := transport.Listen(config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("exchange listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:      config.Logger,
		store:    st,
		pool:     pool,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}

	if pool != nil {
		// A shared connection must answer streams from both sides. Without
		// this, a peer that reuses a connection we dialed would wait on
		// requests nobody serves.
		pool.setDialHook(func(conn Conn) {
			s.wg.Add(1)
			go s.serveConn(conn)
		})
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.WithField("address", listener.Addr()).Info("exchange server listening")
	return s, nil
}

// Addr returns the bound listen address, with the kernel-assigned port when
// the server was started on ":0".
func (s *Server) Addr() string {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.log.WithField("error", err.Error()).Debug("accept failed")
			continue
		}

		if s.pool != nil {
			s.pool.addIncoming(conn)
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn Conn) {
	defer s.wg.Done()
	peer := conn.RemotePeer()

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !conn.IsClosed() {
				s.log.WithFields(logrus.Fields{
					"peer":  peer.Short(),
					"error": err.Error(),
				}).Debug("connection stream loop ended")
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveStream(peer, stream)
		}()
	}
}

// serveStream handles one exchange: read the request, answer it from the
// store, close the stream.
func (s *Server) serveStream(peer types.PeerID, stream Stream) {
	defer func() { _ = stream.Close() }()

	if err := stream.SetDeadline(time.Now().Add(streamTimeout)); err != nil {
		return
	}

	req, err := ReadMessage(stream)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"peer":  peer.Short(),
			"error": err.Error(),
		}).Debug("malformed exchange request")
		return
	}

	resp, err := s.handle(req)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"peer":  peer.Short(),
			"type":  req.Type.String(),
			"error": err.Error(),
		}).Warn("exchange handler failed")
		return
	}

	if err := WriteMessage(stream, resp); err != nil {
		s.log.WithFields(logrus.Fields{
			"peer":  peer.Short(),
			"type":  resp.Type.String(),
			"error": err.Error(),
		}).Debug("sending exchange reply failed")
	}
}

func (s *Server) handle(req Message) (Message, error) {
	switch req.Type {
	case MsgMetadataRequest:
		payload, err := Deserialize[MetadataRequest](req.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("decode metadata request: %w", err)
		}
		meta, err := s.store.GetVideo(payload.Content)
		if errors.Is(err, types.ErrNotFound) {
			return Message{Type: MsgNotFound}, nil
		}
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgMetadataResponse, Payload: MustSerialize(MetadataResponse{Meta: meta})}, nil

	case MsgChunkRequest:
		payload, err := Deserialize[ChunkRequest](req.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("decode chunk request: %w", err)
		}
		data, err := s.store.GetChunk(payload.Content)
		if errors.Is(err, types.ErrNotFound) {
			return Message{Type: MsgNotFound}, nil
		}
		if err != nil {
			return Message{}, err
		}
		return Message{Type: MsgChunkResponse, Payload: MustSerialize(ChunkResponse{Content: payload.Content, Payload: data})}, nil

	case MsgSearchRequest:
		payload, err := Deserialize[SearchRequest](req.Payload)
		if err != nil {
			return Message{}, fmt.Errorf("decode search request: %w", err)
		}
		results, err := s.store.SearchVideos(payload.Query)
		if err != nil {
			return Message{}, err
		}
		limit := payload.Limit
		if limit <= 0 || limit > defaultSearchLimit {
			limit = defaultSearchLimit
		}
		if len(results) > limit {
			results = results[:limit]
		}
		return Message{Type: MsgSearchResponse, Payload: MustSerialize(SearchResponse{Results: results})}, nil

	default:
		return Message{}, fmt.Errorf("unsupported request type %s", req.Type)
	}
}

// Close stops the accept loop and waits for in-flight handlers to finish.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

package exchange

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/knapsack-vid/knapsack/pkg/types"
)

const (
	alpnProtocol     = "knapsack/1.0"
	handshakeTimeout = 10 * time.Second
)

// quicTransport implements Transport over QUIC. Each connection is a
// persistent QUIC connection; every exchange opens its own stream.
type quicTransport struct {
	log       *logrus.Logger
	localID   types.PeerID
	tlsConfig *tls.Config
	quicConf  *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
	closed   bool
}

// NewQUICTransport creates the QUIC transport for the given local peer id.
func NewQUICTransport(localID types.PeerID, log *logrus.Logger) (Transport, error) {
	if log == nil {
		log = logrus.New()
	}
	tlsConfig, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:     2 * time.Minute,
		KeepAlivePeriod:    15 * time.Second,
		MaxIncomingStreams: 256,
	}

	return &quicTransport{
		log:       log,
		localID:   localID,
		tlsConfig: tlsConfig,
		quicConf:  quicConf,
	}, nil
}

// Dial establishes a persistent QUIC connection and performs the peer id
// handshake on the first stream.
func (t *quicTransport) Dial(ctx context.Context, address string) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("transport is closed")
	}
	t.mu.Unlock()

	clientTLS := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}

	conn, err := quic.DialAddr(ctx, address, clientTLS, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", address, err)
	}

	qc := &quicConn{conn: conn, localID: t.localID}
	if err := qc.performClientHandshake(ctx); err != nil {
		_ = conn.CloseWithError(1, "handshake failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}

	t.log.WithFields(logrus.Fields{
		"address": address,
		"peer":    qc.remoteID.Short(),
	}).Debug("quic connection established")

	return qc, nil
}

// Listen starts accepting incoming QUIC connections on address.
func (t *quicTransport) Listen(address string) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errors.New("transport is closed")
	}

	listener, err := quic.ListenAddr(address, t.tlsConfig, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", address, err)
	}
	t.listener = listener

	return &quicListener{listener: listener, localID: t.localID, log: t.log}, nil
}

// Close shuts down the transport and releases all resources.
func (t *quicTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

type quicListener struct {
	listener *quic.Listener
	localID  types.PeerID
	log      *logrus.Logger
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	qc := &quicConn{conn: conn, localID: l.localID}
	if err := qc.performServerHandshake(ctx); err != nil {
		_ = conn.CloseWithError(1, "handshake failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"address": conn.RemoteAddr().String(),
		"peer":    qc.remoteID.Short(),
	}).Debug("quic connection accepted")

	return qc, nil
}

func (l *quicListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *quicListener) Close() error {
	return l.listener.Close()
}

// quicConn implements Conn over a persistent QUIC connection.
type quicConn struct {
	conn     *quic.Conn
	localID  types.PeerID
	remoteID types.PeerID

	mu     sync.Mutex
	closed bool
}

// performClientHandshake exchanges peer ids on the control stream, client
// id first.
func (c *quicConn) performClientHandshake(ctx context.Context) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if err := stream.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	if _, err := stream.Write(c.localID[:]); err != nil {
		return fmt.Errorf("send local id: %w", err)
	}
	var remote types.PeerID
	if _, err := io.ReadFull(stream, remote[:]); err != nil {
		return fmt.Errorf("receive remote id: %w", err)
	}
	c.remoteID = remote
	return nil
}

// performServerHandshake mirrors the client handshake: receive first, then
// send our id back.
func (c *quicConn) performServerHandshake(ctx context.Context) error {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("accept control stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if err := stream.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	var remote types.PeerID
	if _, err := io.ReadFull(stream, remote[:]); err != nil {
		return fmt.Errorf("receive remote id: %w", err)
	}
	c.remoteID = remote
	if _, err := stream.Write(c.localID[:]); err != nil {
		return fmt.Errorf("send local id: %w", err)
	}
	return nil
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	c.mu.Unlock()
	return c.conn.OpenStreamSync(ctx)
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	c.mu.Unlock()
	return c.conn.AcceptStream(ctx)
}

func (c *quicConn) RemotePeer() types.PeerID {
	return c.remoteID
}

func (c *quicConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.CloseWithError(0, "connection closed")
}

func (c *quicConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case <-c.conn.Context().Done():
		return true
	default:
		return false
	}
}

// generateTLSConfig creates a TLS configuration with a self-signed
// certificate. Peer authenticity comes from the peer id handshake, not the
// certificate; transport encryption is what TLS provides here.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"knapsack"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

var (
	_ Transport = (*quicTransport)(nil)
	_ Listener  = (*quicListener)(nil)
	_ Conn      = (*quicConn)(nil)
)

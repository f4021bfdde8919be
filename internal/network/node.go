// Package network is the P2P layer: QUIC transport with length-prefixed
// frames, self-signed TLS identity, and duplicate suppression. It carries
// opaque byte vectors; the directory service interprets them.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"dsnode/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "dsnode/1"

	// dialTimeout bounds one connection attempt to a remote endpoint.
	dialTimeout = 10 * time.Second
)

// Config holds the configuration for a network Node.
type Config struct {
	// PrivateKey is the node's transport identity key.
	PrivateKey ed25519.PrivateKey

	// ListenAddr is the address to listen on (e.g. ":33133").
	ListenAddr string
}

// Node accepts and initiates QUIC connections and delivers inbound
// messages to the registered handlers.
type Node struct {
	privateKey ed25519.PrivateKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	peersMu sync.RWMutex
	peers   map[string]*Peer // keyed by remote address

	handlersMu sync.RWMutex
	onMessage  func(*Peer, []byte)
	onRequest  func(*Peer, []byte) ([]byte, error)

	dedup *Dedup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a network node from the given configuration.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := selfSignedCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("build identity certificate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // identity is the key itself, not a CA chain
			NextProtos:         []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		peers:  make(map[string]*Peer),
		dedup:  NewDedup(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Addr returns the listener's address, or empty before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.listenAddr, err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect returns an existing peer for addr or dials a new connection.
func (n *Node) Connect(addr string) (*Peer, error) {
	n.peersMu.RLock()
	p, ok := n.peers[addr]
	n.peersMu.RUnlock()

	if ok {
		return p, nil
	}

	ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return n.setupPeer(conn, addr), nil
}

// Send delivers one message to the endpoint, dialing if necessary.
func (n *Node) Send(addr string, data []byte) error {
	p, err := n.Connect(addr)
	if err != nil {
		return err
	}

	return p.Send(data)
}

// SendToAll delivers the message to every endpoint, returning the last
// error; partial delivery is expected during committee churn.
func (n *Node) SendToAll(addrs []string, data []byte) error {
	var lastErr error

	for _, addr := range addrs {
		if err := n.Send(addr, data); err != nil {
			logger.Debug("send failed", "addr", addr, "error", err)
			lastErr = err
		}
	}

	return lastErr
}

// OnMessage sets the handler for inbound one-way messages.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for inbound request/response streams.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.dedup.Close()
	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		n.setupPeer(conn, conn.RemoteAddr().String())
	}
}

// setupPeer registers a connection and starts its receive loop.
func (n *Node) setupPeer(conn *quic.Conn, addr string) *Peer {
	peer := &Peer{
		address: addr,
		conn:    conn,
		node:    n,
	}

	n.peersMu.Lock()
	n.peers[addr] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer
}

// dropPeer removes a disconnected peer from the registry.
func (n *Node) dropPeer(p *Peer) {
	n.peersMu.Lock()
	delete(n.peers, p.address)
	n.peersMu.Unlock()
}

// deliverMessage runs dedup and hands a message to the handler.
func (n *Node) deliverMessage(p *Peer, data []byte) {
	if !n.dedup.Check(data) {
		logger.Debug("duplicate message dropped", "peer", p.address, "bytes", len(data))
		return
	}

	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// deliverRequest hands a request to the handler and returns the response.
func (n *Node) deliverRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}

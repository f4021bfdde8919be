package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"dsnode/internal/logger"
)

const (
	// defaultRequestTimeout bounds Request calls without a context
	// deadline.
	defaultRequestTimeout = 30 * time.Second
)

// Peer is a live connection to a remote node.
type Peer struct {
	address string
	conn    *quic.Conn
	node    *Node
	closed  atomic.Bool
	mu      sync.Mutex // serializes stream opens
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// RemoteIP returns the remote IP address of the connection, used to bind
// PoW submissions to their source.
func (p *Peer) RemoteIP() net.IP {
	host, _, err := net.SplitHostPort(p.conn.RemoteAddr().String())
	if err != nil {
		return nil
	}

	return net.ParseIP(host)
}

// Send writes one message on a fresh unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeFrame(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message: %w", err)
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeFrame(stream, data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	response, err := readFrame(stream)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts streams until the connection dies.
func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams()

	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	if !p.closed.Swap(true) {
		p.node.dropPeer(p)
	}
}

// acceptBidiStreams serves request/response streams.
func (p *Peer) acceptBidiStreams() {
	for {
		stream, err := p.conn.AcceptStream(p.node.ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readFrame(stream)
	if err != nil {
		return
	}

	response, err := p.node.deliverRequest(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		return
	}

	writeFrame(stream, response)
}

// handleUniStream reads one message and delivers it.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readFrame(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	p.node.deliverMessage(p, data)
}

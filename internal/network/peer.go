package network

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/quic-go/quic-go"
)

// ErrConnectionReset marks a connection that was reset or lost without a clean close.
var ErrConnectionReset = errors.New("connection reset by peer")

// closedChan is returned by Drained when nothing is pending.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Peer is one connection to a remote node, carrying a single framed duplex stream.
// Writes are queued and flushed by a dedicated goroutine.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the remote address
	topic     Topic             // topic is the topic the connection was opened under
	outbound  bool              // outbound is true for dialed connections
	conn      *quic.Conn        // conn is the underlying QUIC connection
	stream    *quic.Stream      // stream is the duplex frame stream
	node      *Node             // node is the parent node

	mu      sync.Mutex    // mu protects the fields below
	queue   [][]byte      // queue holds frames awaiting the write loop
	queued  int           // queued is the byte count in queue
	drain   chan struct{} // drain is closed when queued falls to the low-water mark
	closed  bool          // closed is set once the peer stops accepting writes
	local   bool          // local is set when Close was called on this side
	wake    chan struct{} // wake signals the write loop
	done    chan struct{} // done is closed on close
	discOne sync.Once     // discOne guards disconnect handling
}

// newPeer creates a peer for an established stream.
func newPeer(n *Node, conn *quic.Conn, stream *quic.Stream, pub ed25519.PublicKey, addr string, topic Topic, outbound bool) *Peer {
	return &Peer{
		publicKey: pub,
		address:   addr,
		topic:     topic,
		outbound:  outbound,
		conn:      conn,
		stream:    stream,
		node:      n,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// KeyHex returns the hex-encoded remote public key.
func (p *Peer) KeyHex() string {
	return hex.EncodeToString(p.publicKey)
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Topic returns the topic the connection was opened under.
func (p *Peer) Topic() Topic {
	return p.topic
}

// Outbound reports whether this side dialed the connection.
func (p *Peer) Outbound() bool {
	return p.outbound
}

// Write queues data as one frame. It returns false when the queue has reached
// the high-water mark or the peer is closed; in the first case the frame is
// still queued and the caller should wait on Drained.
func (p *Peer) Write(data []byte) bool {
	frame := append([]byte(nil), data...)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}

	p.queue = append(p.queue, frame)
	p.queued += len(frame)
	full := p.queued >= p.node.highWater
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return !full
}

// Writable reports whether the peer still accepts writes.
func (p *Peer) Writable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return !p.closed
}

// Drained returns a channel closed once the queue falls to the low-water mark
// or the peer closes.
func (p *Peer) Drained() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.queued <= p.node.lowWater {
		return closedChan
	}

	if p.drain == nil {
		p.drain = make(chan struct{})
	}

	return p.drain
}

// Close closes the connection. Queued frames are discarded.
func (p *Peer) Close() error {
	p.mu.Lock()
	p.local = true
	p.mu.Unlock()

	if !p.markClosed() {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// closedLocally reports whether Close was called on this side.
func (p *Peer) closedLocally() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.local
}

// markClosed stops writes and releases waiters. Returns false if already closed.
func (p *Peer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	p.closed = true
	p.queue = nil
	p.queued = 0
	close(p.done)

	if p.drain != nil {
		close(p.drain)
		p.drain = nil
	}

	return true
}

// writeLoop flushes queued frames to the stream in order.
func (p *Peer) writeLoop() {
	for {
		frame, ok := p.next()
		if !ok {
			return
		}

		if err := writeFrame(p.stream, frame); err != nil {
			p.node.log.Debug("write failed", "peer", p.address, "error", err)
			p.disconnect(err)
			return
		}

		p.sent(len(frame))
	}
}

// next blocks until a frame is queued or the peer closes.
func (p *Peer) next() ([]byte, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false
		}

		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return frame, true
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.done:
		}
	}
}

// sent accounts for a flushed frame and fires drain at the low-water mark.
func (p *Peer) sent(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.queued -= n
	if p.queued <= p.node.lowWater && p.drain != nil {
		close(p.drain)
		p.drain = nil
	}
}

// receiveLoop reads frames until the stream ends.
func (p *Peer) receiveLoop() {
	for {
		data, err := readFrame(p.stream)
		if err != nil {
			p.node.log.Debug("receive loop ended", "peer", p.address, "error", err)
			p.disconnect(err)
			return
		}

		p.node.callOnData(p, data)
	}
}

// disconnect closes the peer after a transport error and notifies the node once.
func (p *Peer) disconnect(cause error) {
	p.discOne.Do(func() {
		local := p.closedLocally()
		if p.markClosed() {
			p.conn.CloseWithError(0, "closed")
		}

		if local {
			cause = nil
		}

		p.node.handlePeerDisconnect(p, cause)
	})
}

// isReset reports whether err is an abrupt loss of the connection rather than a clean close.
func isReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return false
	}

	var statelessReset *quic.StatelessResetError
	if errors.As(err, &statelessReset) {
		return true
	}

	var idle *quic.IdleTimeoutError
	if errors.As(err, &idle) {
		return true
	}

	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		return true
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode != 0 {
		return true
	}

	return errors.Is(err, syscall.ECONNRESET)
}

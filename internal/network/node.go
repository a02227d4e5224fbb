// Package network implements the overlay swarm: QUIC connections between
// nodes that share a topic, each carrying one framed duplex stream.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// defaultHighWater is the queued byte count at which Write reports backpressure.
	defaultHighWater = 1 << 20

	// defaultLowWater is the queued byte count at which Drained fires.
	defaultLowWater = 256 << 10

	// helloTimeout bounds the wait for the initiator's topic frame.
	helloTimeout = 10 * time.Second

	// faultBuffer is the capacity of the fault channel.
	faultBuffer = 16

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "symmetry/1"
)

// Topic identifies a swarm on the overlay.
type Topic [32]byte

// String returns the hex topic.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the listen address; empty for a dial-only node
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	MaxConnections int                // MaxConnections caps accepted inbound connections; 0 means no cap
	HighWater      int                // HighWater is the per-peer backpressure threshold in bytes
	LowWater       int                // LowWater is the per-peer drain threshold in bytes
	Logger         *slog.Logger       // Logger receives transport diagnostics
}

// dialTarget is the remembered destination of an outbound peer.
type dialTarget struct {
	addr  string
	topic Topic
}

// Node accepts connections on joined topics and dials remote nodes.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration
	log        *slog.Logger

	listener *quic.Listener // listener is the QUIC listener

	peers   map[*Peer]struct{} // peers is the set of live peers
	inbound int                // inbound counts accepted live peers
	peersMu sync.RWMutex       // peersMu protects peers and inbound

	topics   map[Topic]struct{} // topics are the topics joined as server
	topicsMu sync.RWMutex       // topicsMu protects topics

	knownAddrs   map[string]dialTarget // knownAddrs maps public key hex to dial target (for reconnection)
	knownAddrsMu sync.RWMutex          // knownAddrsMu protects knownAddrs

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay
	maxConnections int
	highWater      int
	lowWater       int

	faults chan error // faults carries transport faults

	onConnect func(*Peer)         // onConnect is called when a peer connects
	onData    func(*Peer, []byte) // onData is called for every received frame
	onClose   func(*Peer)         // onClose is called once when a peer closes
	handlerMu sync.RWMutex        // handlerMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	highWater, lowWater := cfg.HighWater, cfg.LowWater
	if highWater <= 0 {
		highWater = defaultHighWater
	}
	if lowWater <= 0 {
		lowWater = defaultLowWater
	}
	if lowWater >= highWater {
		lowWater = highWater / 4
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the public key is checked from the peer certificate
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		log:            log.With("component", "network"),
		peers:          make(map[*Peer]struct{}),
		topics:         make(map[Topic]struct{}),
		knownAddrs:     make(map[string]dialTarget),
		reconnectDelay: reconnectDelay,
		maxConnections: cfg.MaxConnections,
		highWater:      highWater,
		lowWater:       lowWater,
		faults:         make(chan error, faultBuffer),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not listening.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections. A dial-only node has nothing to start.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return nil
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Join announces topic as served: inbound connections naming it are accepted.
func (n *Node) Join(topic Topic) {
	n.topicsMu.Lock()
	n.topics[topic] = struct{}{}
	n.topicsMu.Unlock()

	n.log.Debug("joined topic", "topic", topic.String())
}

// Leave stops accepting new connections for topic.
func (n *Node) Leave(topic Topic) {
	n.topicsMu.Lock()
	delete(n.topics, topic)
	n.topicsMu.Unlock()
}

// joined reports whether topic is served.
func (n *Node) joined(topic Topic) bool {
	n.topicsMu.RLock()
	defer n.topicsMu.RUnlock()

	_, ok := n.topics[topic]
	return ok
}

// Dial connects to addr under topic. The peer is redialed with backoff
// if the connection drops while the node is running.
func (n *Node) Dial(ctx context.Context, addr string, topic Topic) (*Peer, error) {
	return n.dial(ctx, addr, topic, false)
}

// dial opens the connection and sends the topic hello. With notify the
// onConnect handler runs before the peer's loops start.
func (n *Node) dial(ctx context.Context, addr string, topic Topic, notify bool) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, errNodeClosed
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeFrame(stream, topic[:]); err != nil {
		conn.CloseWithError(1, "hello failed")
		return nil, fmt.Errorf("send hello:\n%w", err)
	}

	peer, err := n.setupPeer(conn, stream, addr, topic, true, notify)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns all live peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// InboundCount returns the number of live accepted peers.
func (n *Node) InboundCount() int {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.inbound
}

// Faults returns the transport fault channel.
// Connection resets are wrapped with ErrConnectionReset.
func (n *Node) Faults() <-chan error {
	return n.faults
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlerMu.Lock()
	n.onConnect = fn
	n.handlerMu.Unlock()
}

// OnData sets the handler called for every frame received from a peer.
func (n *Node) OnData(fn func(*Peer, []byte)) {
	n.handlerMu.Lock()
	n.onData = fn
	n.handlerMu.Unlock()
}

// OnClose sets the handler called once when a peer closes.
func (n *Node) OnClose(fn func(*Peer)) {
	n.handlerMu.Lock()
	n.onClose = fn
	n.handlerMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	for _, p := range n.Peers() {
		p.Close()
	}

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handleIncoming(conn)
		}()
	}
}

// handleIncoming reads the topic hello and admits the connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	addr := conn.RemoteAddr().String()

	if n.atCapacity() {
		n.log.Warn("connection limit reached, rejecting", "remote", addr)
		conn.CloseWithError(2, "too many connections")
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, helloTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "no stream")
		return
	}

	stream.SetReadDeadline(time.Now().Add(helloTimeout))
	hello, err := readFrame(stream)
	stream.SetReadDeadline(time.Time{})

	if err != nil || len(hello) != len(Topic{}) {
		n.log.Debug("bad hello", "remote", addr, "error", err)
		conn.CloseWithError(1, "bad hello")
		return
	}

	var topic Topic
	copy(topic[:], hello)

	if !n.joined(topic) {
		n.log.Debug("unknown topic", "remote", addr, "topic", topic.String())
		conn.CloseWithError(3, "unknown topic")
		return
	}

	if _, err := n.setupPeer(conn, stream, addr, topic, false, true); err != nil {
		conn.CloseWithError(1, "setup failed")
	}
}

// atCapacity reports whether another inbound connection would exceed the cap.
func (n *Node) atCapacity() bool {
	if n.maxConnections <= 0 {
		return false
	}

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.inbound >= n.maxConnections
}

// setupPeer registers a peer for an established stream and starts its loops.
// With notify, onConnect is called before the loops start so a peer that drops
// immediately is still reported connected before it is reported closed.
func (n *Node) setupPeer(conn *quic.Conn, stream *quic.Stream, addr string, topic Topic, outbound, notify bool) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := newPeer(n, conn, stream, pubKey, addr, topic, outbound)

	n.peersMu.Lock()
	n.peers[peer] = struct{}{}
	if !outbound {
		n.inbound++
	}
	n.peersMu.Unlock()

	if outbound {
		n.knownAddrsMu.Lock()
		n.knownAddrs[peer.KeyHex()] = dialTarget{addr: addr, topic: topic}
		n.knownAddrsMu.Unlock()
	}

	if notify {
		n.callOnConnect(peer)
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		peer.writeLoop()
	}()
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect removes p and schedules a redial for outbound peers.
func (n *Node) handlePeerDisconnect(p *Peer, cause error) {
	n.peersMu.Lock()
	if _, ok := n.peers[p]; ok {
		delete(n.peers, p)
		if !p.outbound {
			n.inbound--
		}
	}
	n.peersMu.Unlock()

	if cause != nil && isReset(cause) {
		n.publishFault(fmt.Errorf("%w: %s: %v", ErrConnectionReset, p.address, cause))
	}

	n.callOnClose(p)

	if !p.outbound || p.closedLocally() || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.KeyHex())
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		target, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return // forgotten
		}

		_, err := n.dial(n.ctx, target.addr, target.topic, true)
		if err == nil {
			n.log.Info("reconnected", "remote", target.addr)
			return
		}

		n.log.Debug("reconnect failed", "remote", target.addr, "error", err, "retry_in", delay)

		delay = delay * 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Forget stops redialing the peer with the given public key.
func (n *Node) Forget(pubKey ed25519.PublicKey) {
	n.knownAddrsMu.Lock()
	delete(n.knownAddrs, hex.EncodeToString(pubKey))
	n.knownAddrsMu.Unlock()
}

// publishFault sends err on the fault channel, dropping it when full.
func (n *Node) publishFault(err error) {
	select {
	case n.faults <- err:
	default:
		n.log.Debug("fault dropped", "error", err)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlerMu.RLock()
	fn := n.onConnect
	n.handlerMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnData calls the onData handler if set.
func (n *Node) callOnData(p *Peer, data []byte) {
	n.handlerMu.RLock()
	fn := n.onData
	n.handlerMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnClose calls the onClose handler if set.
func (n *Node) callOnClose(p *Peer) {
	n.handlerMu.RLock()
	fn := n.onClose
	n.handlerMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// errNodeClosed is returned by operations on a closed node.
var errNodeClosed = errors.New("node closed")

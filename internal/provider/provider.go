// Package provider runs a compute-provider node: it serves inference to peers
// on the overlay and, when public, registers with the coordinating server.
package provider

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"Symmetry/internal/backend"
	"Symmetry/internal/config"
	"Symmetry/internal/handshake"
	"Symmetry/internal/identity"
	"Symmetry/internal/metrics"
	"Symmetry/internal/network"
	"Symmetry/internal/protocol"
	"Symmetry/internal/relay"
	"Symmetry/internal/storage"
)

const (
	// serverRetryDelay is the initial delay between server dial attempts.
	serverRetryDelay = 5 * time.Second

	// maxServerRetryDelay caps the server dial backoff.
	maxServerRetryDelay = 60 * time.Second

	// dialTimeout bounds one dial attempt.
	dialTimeout = 15 * time.Second
)

// Options holds optional collaborators and timings.
type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	HTTPClient     *http.Client  // HTTPClient is used for backend requests
	SelfTestDelay  time.Duration // SelfTestDelay defaults to handshake.DefaultSelfTestDelay
	ReconnectDelay time.Duration // ReconnectDelay is the initial overlay redial delay
}

// Node is the provider orchestrator.
type Node struct {
	cfg     *config.Config
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	crypto    *identity.Provider
	keys      identity.KeyPair
	discovery network.Topic

	client  *backend.Client
	archive *storage.Archive
	relay   *relay.Relay

	swarm       *network.Node // swarm serves peers under the discovery topic
	serverSwarm *network.Node // serverSwarm holds the outbound server connection; nil when private

	serverMu   sync.Mutex
	serverPeer *network.Peer
	controller *handshake.Controller

	trackedMu sync.Mutex
	tracked   map[*network.Peer]struct{} // tracked are inbound peers counted once
	inbound   atomic.Int64

	malformed rate.Sometimes

	ctx      context.Context
	cancel   context.CancelFunc
	relays   sync.WaitGroup
	loops    sync.WaitGroup
	shutdown sync.Once
}

// New builds a node from cfg. Nothing is started until Start.
func New(cfg *config.Config, opts Options) (*Node, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	crypto := identity.New()

	keys, err := crypto.KeyPairFromName(cfg.Name())
	if err != nil {
		return nil, fmt.Errorf("derive key pair:\n%w", err)
	}

	discovery, err := crypto.DiscoveryKey(keys.Public)
	if err != nil {
		return nil, err
	}

	archive, err := storage.Open(cfg.Path())
	if err != nil {
		return nil, fmt.Errorf("open transcript archive:\n%w", err)
	}

	client := backend.NewClient(backend.Endpoint{
		Protocol: cfg.APIProtocol(),
		Hostname: cfg.APIHostname(),
		Port:     cfg.APIPort(),
		Path:     cfg.APIPath(),
		APIKey:   cfg.APIKey(),
		Model:    cfg.ModelName(),
		Provider: cfg.APIProvider(),
	}, opts.HTTPClient)

	swarm, err := network.NewNode(network.Config{
		PrivateKey:     keys.Private,
		ListenAddr:     cfg.ListenAddress(),
		ReconnectDelay: opts.ReconnectDelay,
		MaxConnections: cfg.MaxConnections(),
		Logger:         log,
	})
	if err != nil {
		archive.Close()
		return nil, fmt.Errorf("create swarm:\n%w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:       cfg,
		opts:      opts,
		log:       log.With("component", "provider"),
		metrics:   m,
		crypto:    crypto,
		keys:      keys,
		discovery: network.Topic(discovery),
		client:    client,
		archive:   archive,
		swarm:     swarm,
		tracked:   make(map[*network.Peer]struct{}),
		malformed: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		ctx:       ctx,
		cancel:    cancel,
	}

	n.relay = relay.New(relay.Options{
		Backend:        cfg.APIProvider(),
		SystemMessage:  cfg.SystemMessage(),
		DataCollection: cfg.DataCollectionEnabled(),
		Client:         client,
		Archive:        archive,
		Metrics:        m,
		Logger:         log,
	})

	if cfg.Public() {
		n.serverSwarm, err = network.NewNode(network.Config{
			PrivateKey:     keys.Private,
			ReconnectDelay: opts.ReconnectDelay,
			Logger:         log,
		})
		if err != nil {
			swarm.Close()
			archive.Close()
			cancel()
			return nil, fmt.Errorf("create server swarm:\n%w", err)
		}
	}

	m.ConversationCounter.Set(float64(archive.Conversation()))

	return n, nil
}

// DiscoveryKey returns the hex discovery identifier peers use to find this node.
func (n *Node) DiscoveryKey() string {
	return n.discovery.String()
}

// PublicKey returns the hex node public key.
func (n *Node) PublicKey() string {
	return hex.EncodeToString(n.keys.Public)
}

// Addr returns the overlay listen address once started.
func (n *Node) Addr() string {
	return n.swarm.Addr()
}

// Metrics returns the node's collectors.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Archive returns the transcript archive.
func (n *Node) Archive() *storage.Archive {
	return n.archive
}

// Start joins the overlay and, when public, begins connecting to the server.
func (n *Node) Start() error {
	n.swarm.OnConnect(n.onPeerConnect)
	n.swarm.OnData(func(p *network.Peer, data []byte) { n.handleData(p, data) })
	n.swarm.OnClose(n.onPeerClose)

	if err := n.swarm.Start(); err != nil {
		return fmt.Errorf("start swarm:\n%w", err)
	}

	n.swarm.Join(n.discovery)

	n.loops.Add(1)
	go n.watchFaults()

	n.log.Info("provider initialized",
		"discovery_key", n.DiscoveryKey(),
		"listen", n.swarm.Addr(),
		"model", n.cfg.ModelName(),
		"backend", n.cfg.APIProvider(),
	)

	for _, addr := range n.cfg.Bootstrap() {
		n.loops.Add(1)
		go func(addr string) {
			defer n.loops.Done()
			n.dialLoop(n.swarm, addr, n.discovery, func(*network.Peer) {})
		}(addr)
	}

	if n.serverSwarm != nil {
		if err := n.joinServer(); err != nil {
			return err
		}
	}

	return nil
}

// joinServer starts the outbound connection to the coordinating server.
func (n *Node) joinServer() error {
	topic, err := n.crypto.DiscoveryKey([]byte(n.cfg.ServerKey()))
	if err != nil {
		return fmt.Errorf("server topic:\n%w", err)
	}

	n.serverSwarm.OnConnect(n.onServerConnect)
	n.serverSwarm.OnData(n.onServerData)
	n.serverSwarm.OnClose(n.onServerClose)

	n.log.Info("joining server, please wait", "server_key", n.cfg.ServerKey(), "address", n.cfg.ServerAddress())

	n.loops.Add(1)
	go func() {
		defer n.loops.Done()
		n.dialLoop(n.serverSwarm, n.cfg.ServerAddress(), network.Topic(topic), n.onServerConnect)
	}()

	return nil
}

// dialLoop dials addr with exponential backoff until it connects or the node stops.
// Later drops are redialed by the swarm itself.
func (n *Node) dialLoop(swarm *network.Node, addr string, topic network.Topic, connected func(*network.Peer)) {
	delay := serverRetryDelay

	for {
		ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		peer, err := swarm.Dial(ctx, addr, topic)
		cancel()

		if err == nil {
			connected(peer)
			return
		}

		n.log.Warn("dial failed", "address", addr, "error", err, "retry_in", delay)

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxServerRetryDelay {
			delay = maxServerRetryDelay
		}
	}
}

// onServerConnect attaches a fresh handshake controller to the server connection.
func (n *Node) onServerConnect(p *network.Peer) {
	ctrl := handshake.New(handshake.Options{
		ServerKey:     n.cfg.ServerKey(),
		JoinFields:    n.cfg.JoinFields(),
		DiscoveryKey:  n.DiscoveryKey(),
		Crypto:        n.crypto,
		Prober:        &selfTest{client: n.client, metrics: n.metrics},
		SelfTestDelay: n.opts.SelfTestDelay,
		Logger:        n.log,
		OnSelfTestFailure: func(err error) {
			n.log.Error("backend self-test failed, tearing down overlay connections", "error", err)
			go n.destroySwarms()
		},
	})

	n.serverMu.Lock()
	if n.controller != nil {
		n.controller.Close()
	}
	n.serverPeer = p
	n.controller = ctrl
	n.serverMu.Unlock()

	n.log.Info("connected to server", "address", p.Address())

	if err := ctrl.OnConnected(p); err != nil {
		n.log.Error("handshake start failed", "error", err)
	}
}

// onServerData routes server envelopes to the handshake controller.
// Inference keys are served like on any other connection.
func (n *Node) onServerData(p *network.Peer, data []byte) {
	env, ok := n.decode(data)
	if !ok {
		return
	}

	n.serverMu.Lock()
	ctrl := n.controller
	current := n.serverPeer == p
	n.serverMu.Unlock()

	if ctrl != nil && current {
		before := ctrl.State()
		ctrl.HandleEnvelope(env)
		n.recordHandshake(before, ctrl.State())
	}

	n.dispatch(p, env)
}

// recordHandshake counts terminal handshake transitions.
func (n *Node) recordHandshake(before, after handshake.State) {
	if before == after {
		return
	}

	switch after {
	case handshake.Verified:
		n.metrics.HandshakeResults.WithLabelValues("verified").Inc()
	case handshake.Failed:
		n.metrics.HandshakeResults.WithLabelValues("failed").Inc()
	}
}

// onServerClose cancels the handshake bound to the closed connection.
func (n *Node) onServerClose(p *network.Peer) {
	n.serverMu.Lock()
	defer n.serverMu.Unlock()

	if n.serverPeer != p {
		return
	}

	if n.controller != nil {
		n.controller.Close()
	}

	n.log.Warn("server connection closed", "address", p.Address())
}

// HandshakeState returns the state of the current server handshake.
func (n *Node) HandshakeState() handshake.State {
	n.serverMu.Lock()
	defer n.serverMu.Unlock()

	if n.controller == nil {
		return handshake.Idle
	}

	return n.controller.State()
}

// onPeerConnect counts an inbound peer.
func (n *Node) onPeerConnect(p *network.Peer) {
	n.log.Info("new connection from peer", "remote", p.Address(), "peer", p.KeyHex())

	if p.Outbound() {
		return
	}

	n.trackedMu.Lock()
	n.tracked[p] = struct{}{}
	n.trackedMu.Unlock()

	n.metrics.InboundConnections.Set(float64(n.inbound.Add(1)))
}

// onPeerClose uncounts an inbound peer once.
func (n *Node) onPeerClose(p *network.Peer) {
	n.trackedMu.Lock()
	_, ok := n.tracked[p]
	delete(n.tracked, p)
	n.trackedMu.Unlock()

	if !ok {
		return
	}

	count := n.inbound.Add(-1)
	if count < 0 {
		count = n.decrementInbound(0)
	}

	n.metrics.InboundConnections.Set(float64(count))
}

// decrementInbound lowers the count to at most limit and lifts a negative count to zero.
func (n *Node) decrementInbound(limit int64) int64 {
	if limit < 0 {
		limit = 0
	}

	for {
		cur := n.inbound.Load()
		if cur >= 0 && cur <= limit {
			return cur
		}
		if cur < 0 && n.inbound.CompareAndSwap(cur, 0) {
			return 0
		}
		if cur < 0 {
			continue
		}
		if n.inbound.CompareAndSwap(cur, limit) {
			return limit
		}
	}
}

// InboundConnections returns the approximate count of active inbound peers.
func (n *Node) InboundConnections() int64 {
	return n.inbound.Load()
}

// watchFaults reconciles the inbound count on connection resets.
func (n *Node) watchFaults() {
	defer n.loops.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case err := <-n.swarm.Faults():
			n.handleFault(err)
		}
	}
}

// handleFault lowers the inbound count to the transport's live count on a reset.
func (n *Node) handleFault(err error) {
	if !errors.Is(err, network.ErrConnectionReset) {
		n.log.Warn("transport fault", "error", err)
		return
	}

	n.metrics.TransportFaults.Inc()
	count := n.decrementInbound(int64(n.swarm.InboundCount()))
	n.metrics.InboundConnections.Set(float64(count))
	n.log.Debug("connection reset by peer", "inbound", count)
}

// handleData decodes and dispatches a frame from a provider peer.
func (n *Node) handleData(conn relay.Conn, data []byte) {
	env, ok := n.decode(data)
	if !ok {
		return
	}

	n.dispatch(conn, env)
}

// decode parses a frame, dropping malformed input.
func (n *Node) decode(data []byte) (protocol.Envelope, bool) {
	env, ok := protocol.Decode(data)
	if !ok {
		n.metrics.MalformedFrames.Inc()
		n.malformed.Do(func() {
			n.log.Debug("malformed frame dropped", "bytes", len(data))
		})
	}

	return env, ok
}

// dispatch routes relay keys; all other keys are ignored here.
func (n *Node) dispatch(conn relay.Conn, env protocol.Envelope) {
	switch env.Key {
	case protocol.KeyNewConversation:
		n.relay.NewConversation()
	case protocol.KeyInference:
		if n.ctx.Err() != nil {
			return
		}

		n.relays.Add(1)
		go func() {
			defer n.relays.Done()
			n.relay.Handle(n.ctx, conn, env)
		}()
	default:
		if !protocol.Known(env.Key) {
			n.log.Debug("unknown envelope key ignored", "key", env.Key)
		}
	}
}

// destroySwarms closes the provider and server swarms without stopping the process.
func (n *Node) destroySwarms() {
	if n.serverSwarm != nil {
		n.serverSwarm.Close()
	}

	n.swarm.Close()
}

// Shutdown tears down all overlay connections and releases storage.
func (n *Node) Shutdown() error {
	var err error

	n.shutdown.Do(func() {
		n.log.Info("shutting down provider")

		n.cancel()

		n.serverMu.Lock()
		if n.controller != nil {
			n.controller.Close()
		}
		n.serverMu.Unlock()

		n.destroySwarms()
		n.relays.Wait()
		n.loops.Wait()

		err = n.archive.Close()
	})

	return err
}

// Status is a snapshot of the node for the status API.
type Status struct {
	DiscoveryKey       string `json:"discoveryKey"`
	PublicKey          string `json:"publicKey"`
	Public             bool   `json:"public"`
	Handshake          string `json:"handshake"`
	InboundConnections int64  `json:"inboundConnections"`
	Conversation       uint64 `json:"conversation"`
	InflightRelays     int64  `json:"inflightRelays"`
	Model              string `json:"model"`
	Backend            string `json:"backend"`
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	return Status{
		DiscoveryKey:       n.DiscoveryKey(),
		PublicKey:          n.PublicKey(),
		Public:             n.cfg.Public(),
		Handshake:          n.HandshakeState().String(),
		InboundConnections: n.InboundConnections(),
		Conversation:       n.relay.Conversation(),
		InflightRelays:     n.relay.Inflight(),
		Model:              n.cfg.ModelName(),
		Backend:            n.cfg.APIProvider(),
	}
}

// selfTest probes the backend and records the outcome.
type selfTest struct {
	client  *backend.Client
	metrics *metrics.Metrics
}

// Probe runs the backend probe.
func (s *selfTest) Probe(ctx context.Context) error {
	err := s.client.Probe(ctx)
	if err != nil {
		s.metrics.SelfTestResults.WithLabelValues("failed").Inc()
		return err
	}

	s.metrics.SelfTestResults.WithLabelValues("ok").Inc()
	return nil
}

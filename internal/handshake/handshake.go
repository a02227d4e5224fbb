// Package handshake authenticates the provider to the coordinating server
// with a challenge-response exchange.
//
// A Controller is bound to one outbound server connection. On connect it
// sends a random challenge followed by the join announcement; the server
// answers with a signature over the challenge which is verified against the
// configured server key. Verified and Failed are terminal.
package handshake

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"Symmetry/internal/protocol"
)

const (
	// ChallengeSize is the number of random bytes in a challenge.
	ChallengeSize = 32

	// DefaultSelfTestDelay is the delay before the backend self-test runs.
	DefaultSelfTestDelay = 30 * time.Second

	serverKeySize = 32
)

var (
	// ErrInvalidServerKey is returned when the configured server key is not 32 hex-encoded bytes.
	ErrInvalidServerKey = errors.New("invalid server key")

	// ErrVerificationFailed is returned when the server signature does not verify.
	ErrVerificationFailed = errors.New("verification failed")
)

// State is the authentication state of a server connection.
type State int

const (
	Idle State = iota
	Connected
	ChallengeSent
	Verified
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connected:
		return "connected"
	case ChallengeSent:
		return "challenge_sent"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender writes frames to the server connection.
type Sender interface {
	Write(b []byte) bool
}

// Crypto provides the primitives the handshake needs.
type Crypto interface {
	RandomBytes(n int) ([]byte, error)
	Verify(msg, sig, pub []byte) bool
}

// Prober checks that the local backend answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Options configures a Controller.
type Options struct {
	ServerKey     string         // ServerKey is the hex-encoded server public key
	JoinFields    map[string]any // JoinFields are announced in the join envelope
	DiscoveryKey  string         // DiscoveryKey is the hex node discovery identifier
	Crypto        Crypto         // Crypto generates and verifies challenges
	Prober        Prober         // Prober runs the deferred self-test; nil disables it
	SelfTestDelay time.Duration  // SelfTestDelay defaults to DefaultSelfTestDelay

	// OnSelfTestFailure is called when the self-test fails.
	OnSelfTestFailure func(error)

	Logger *slog.Logger
}

// Controller drives the handshake for one server connection.
type Controller struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	conn      Sender
	state     State
	challenge []byte
	selfTest  *deferred
	closed    bool
}

// New creates a controller in the Idle state.
func New(opts Options) *Controller {
	if opts.SelfTestDelay <= 0 {
		opts.SelfTestDelay = DefaultSelfTestDelay
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Controller{
		opts: opts,
		log:  log.With("component", "handshake"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// OnConnected sends the challenge and join envelopes on conn and schedules
// the backend self-test.
func (c *Controller) OnConnected(conn Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state != Idle {
		return fmt.Errorf("connect in state %s", c.state)
	}

	c.conn = conn
	c.state = Connected
	c.log.Info("connected to server")

	c.scheduleSelfTest()

	challenge, err := c.opts.Crypto.RandomBytes(ChallengeSize)
	if err != nil {
		c.state = Failed
		return fmt.Errorf("generate challenge:\n%w", err)
	}

	c.challenge = challenge

	conn.Write(protocol.MustEncode(protocol.KeyChallenge, protocol.ChallengeRequest{Challenge: challenge}))
	conn.Write(protocol.MustEncode(protocol.KeyJoin, c.joinData()))

	c.state = ChallengeSent

	return nil
}

// joinData returns the join announcement payload.
func (c *Controller) joinData() map[string]any {
	data := make(map[string]any, len(c.opts.JoinFields)+1)
	for k, v := range c.opts.JoinFields {
		data[k] = v
	}
	data["discoveryKey"] = c.opts.DiscoveryKey

	return data
}

// HandleEnvelope processes an envelope received on the server connection.
// Keys other than challenge and ping are ignored.
func (c *Controller) HandleEnvelope(env protocol.Envelope) {
	switch env.Key {
	case protocol.KeyChallenge:
		c.handleVerification(env)
	case protocol.KeyPing:
		c.handlePing()
	}
}

// handlePing replies with pong once connected.
func (c *Controller) handlePing() {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state == Idle {
		return
	}

	conn.Write(protocol.MustEncode(protocol.KeyPong, nil))
}

// handleVerification checks the server signature over the outstanding challenge.
func (c *Controller) handleVerification(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.challenge == nil || c.state != ChallengeSent {
		c.log.Warn("no challenge outstanding, ignoring verification", "state", c.state.String())
		return
	}

	challenge := c.challenge
	c.challenge = nil

	if err := c.verify(challenge, env); err != nil {
		c.state = Failed
		c.log.Error("verification failed", "error", err)
		return
	}

	c.state = Verified
	c.log.Info("verification successful")
}

// verify validates the server response against challenge.
func (c *Controller) verify(challenge []byte, env protocol.Envelope) error {
	pub, err := ServerPublicKey(c.opts.ServerKey)
	if err != nil {
		return err
	}

	var resp protocol.ChallengeResponse
	if err := env.Unmarshal(&resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrVerificationFailed, err)
	}

	sig, err := resp.Signature.Bytes()
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrVerificationFailed, err)
	}

	if !c.opts.Crypto.Verify(challenge, sig, pub) {
		return ErrVerificationFailed
	}

	return nil
}

// ServerPublicKey decodes a hex server key and requires exactly 32 bytes.
func ServerPublicKey(keyHex string) ([]byte, error) {
	pub, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServerKey, err)
	}

	if len(pub) != serverKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidServerKey, serverKeySize, len(pub))
	}

	return pub, nil
}

// Close cancels the pending self-test. The controller cannot be reused.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.challenge = nil

	if c.selfTest != nil {
		c.selfTest.Cancel()
		c.selfTest = nil
	}
}

// scheduleSelfTest arms the one-shot self-test. Caller holds mu.
func (c *Controller) scheduleSelfTest() {
	if c.opts.Prober == nil {
		return
	}

	c.selfTest = after(c.opts.SelfTestDelay, c.runSelfTest)
}

// runSelfTest probes the backend and reports failure.
func (c *Controller) runSelfTest(ctx context.Context) {
	c.log.Info("saying hello to the local backend")

	if err := c.opts.Prober.Probe(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}

		c.log.Error("self-test failed", "error", err)
		if c.opts.OnSelfTestFailure != nil {
			c.opts.OnSelfTestFailure(err)
		}
		return
	}

	c.log.Info("self-test successful")
}

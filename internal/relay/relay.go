// Package relay forwards inference requests from peers to the local backend
// and streams the raw response back.
//
// Each request gets a correlation frame, the backend's raw chunks in order,
// and an inferenceEnded envelope. The completion text is extracted along the
// way so the conversation can be persisted when data collection is enabled.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"Symmetry/internal/backend"
	"Symmetry/internal/logger"
	"Symmetry/internal/metrics"
	"Symmetry/internal/protocol"
	"Symmetry/internal/storage"
)

// defaultChunkSize is the read buffer for the backend stream.
const defaultChunkSize = 32 << 10

// ErrPeerClosed is returned when the peer went away mid-stream.
var ErrPeerClosed = errors.New("peer closed")

// Conn is the peer side of a relay.
type Conn interface {
	Write(b []byte) bool
	Drained() <-chan struct{}
	Writable() bool
	KeyHex() string
}

// Streamer opens a streaming chat completion.
type Streamer interface {
	Stream(ctx context.Context, messages []protocol.Message) (io.ReadCloser, error)
}

// Archive persists transcripts and owns the conversation counter.
type Archive interface {
	Save(peerHex string, index uint64, messages []protocol.Message) (storage.Entry, error)
	NextConversation() (uint64, error)
	Conversation() uint64
}

// Options configures a Relay.
type Options struct {
	Backend        string           // Backend is the backend id used for extraction
	SystemMessage  string           // SystemMessage is inserted into two-message conversations
	DataCollection bool             // DataCollection enables transcript persistence
	Client         Streamer         // Client issues backend requests
	Archive        Archive          // Archive may be nil when data collection is off
	Metrics        *metrics.Metrics // Metrics may be nil
	Logger         *slog.Logger
	ChunkSize      int
}

// Relay handles inference and newConversation envelopes.
type Relay struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	conversation atomic.Uint64 // used when no archive is configured
	inflight     atomic.Int64
}

// New creates a relay.
func New(opts Options) *Relay {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &Relay{
		opts:    opts,
		log:     log.With("component", "relay"),
		metrics: m,
	}
}

// Conversation returns the current conversation index.
func (r *Relay) Conversation() uint64 {
	if r.opts.Archive != nil {
		return r.opts.Archive.Conversation()
	}

	return r.conversation.Load()
}

// Inflight returns the number of relays currently streaming.
func (r *Relay) Inflight() int64 {
	return r.inflight.Load()
}

// NewConversation advances the conversation index.
func (r *Relay) NewConversation() uint64 {
	var idx uint64

	if r.opts.Archive != nil {
		next, err := r.opts.Archive.NextConversation()
		if err != nil {
			r.log.Warn("conversation counter not persisted", "error", err)
		}
		idx = next
	} else {
		idx = r.conversation.Add(1)
	}

	r.metrics.ConversationCounter.Set(float64(idx))

	return idx
}

// Handle processes an envelope from conn. Only inference and newConversation
// are acted upon; other keys are ignored.
func (r *Relay) Handle(ctx context.Context, conn Conn, env protocol.Envelope) error {
	switch env.Key {
	case protocol.KeyNewConversation:
		r.NewConversation()
		return nil
	case protocol.KeyInference:
		return r.infer(ctx, conn, env)
	default:
		return nil
	}
}

// infer runs one inference relay.
func (r *Relay) infer(ctx context.Context, conn Conn, env protocol.Envelope) error {
	var req protocol.InferenceRequest
	if err := env.Unmarshal(&req); err != nil {
		r.log.Warn("bad inference request", "peer", conn.KeyHex(), "error", err)
		return fmt.Errorf("decode inference request:\n%w", err)
	}

	log := r.log.With("relay", uuid.NewString(), "peer", conn.KeyHex(), "key", req.Key)
	log.Info("inference request received", "messages", len(req.Messages))

	r.inflight.Add(1)
	r.metrics.InflightRelays.Inc()
	defer func() {
		r.inflight.Add(-1)
		r.metrics.InflightRelays.Dec()
	}()

	start := time.Now()
	messages := r.withSystemMessage(req.Messages)

	body, err := r.opts.Client.Stream(ctx, messages)
	if err != nil {
		log.Error("inference request failed", "error", err)
		r.metrics.InferenceRequests.WithLabelValues("upstream_error").Inc()
		return err
	}
	defer body.Close()

	if !r.send(ctx, conn, protocol.EncodeCorrelation(req.Key)) {
		log.Debug("peer closed before streaming")
		r.metrics.InferenceRequests.WithLabelValues("peer_closed").Inc()
		return ErrPeerClosed
	}

	completion, err := r.stream(ctx, conn, body, log)
	switch {
	case errors.Is(err, ErrPeerClosed):
		log.Info("peer closed mid-stream")
		r.metrics.InferenceRequests.WithLabelValues("peer_closed").Inc()
	case err != nil:
		log.Error("inference stream failed", "error", err)
		r.metrics.InferenceRequests.WithLabelValues("upstream_error").Inc()
		return err
	default:
		r.metrics.InferenceRequests.WithLabelValues("completed").Inc()
	}

	conn.Write(protocol.MustEncode(protocol.KeyInferenceEnded, req.Key))
	r.metrics.RelayDuration.Observe(time.Since(start).Seconds())
	log.Info("inference ended", "chars", len(completion), logger.Timed(start))

	if r.opts.DataCollection && env.Key == protocol.KeyInference {
		r.persist(conn.KeyHex(), messages, completion, log)
	}

	return nil
}

// withSystemMessage prepends the configured system prompt to two-message conversations.
func (r *Relay) withSystemMessage(messages []protocol.Message) []protocol.Message {
	if len(messages) != 2 || r.opts.SystemMessage == "" {
		return messages
	}

	out := make([]protocol.Message, 0, len(messages)+1)
	out = append(out, protocol.Message{Role: "system", Content: r.opts.SystemMessage})

	return append(out, messages...)
}

// stream forwards raw chunks to conn and returns the extracted completion.
func (r *Relay) stream(ctx context.Context, conn Conn, body io.Reader, log *slog.Logger) (string, error) {
	acc := backend.NewAccumulator(r.opts.Backend)
	buf := make([]byte, r.opts.ChunkSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if !conn.Writable() {
				return acc.Text(), ErrPeerClosed
			}

			chunk := append([]byte(nil), buf[:n]...)
			acc.Feed(chunk)

			if !r.send(ctx, conn, chunk) {
				return acc.Text(), ErrPeerClosed
			}
			r.metrics.RelayBytes.Add(float64(n))
		}

		if errors.Is(err, io.EOF) {
			return acc.Text(), nil
		}

		if err != nil {
			return acc.Text(), fmt.Errorf("read backend stream:\n%w", err)
		}
	}
}

// send writes b and, on backpressure, waits until conn drains.
// It returns false if conn is closed.
func (r *Relay) send(ctx context.Context, conn Conn, b []byte) bool {
	if conn.Write(b) {
		return true
	}

	if !conn.Writable() {
		return false
	}

	r.metrics.BackpressureWaits.Inc()

	select {
	case <-conn.Drained():
	case <-ctx.Done():
		return false
	}

	return conn.Writable()
}

// persist saves the conversation with the synthesized assistant turn.
func (r *Relay) persist(peerHex string, messages []protocol.Message, completion string, log *slog.Logger) {
	if r.opts.Archive == nil {
		return
	}

	transcript := make([]protocol.Message, 0, len(messages)+1)
	transcript = append(transcript, messages...)
	transcript = append(transcript, protocol.Message{Role: "assistant", Content: completion})

	entry, err := r.opts.Archive.Save(peerHex, r.Conversation(), transcript)
	if err != nil {
		log.Error("transcript not saved", "error", err)
		r.metrics.TranscriptsSaved.WithLabelValues("failed").Inc()
		return
	}

	log.Info("completion saved to file", "path", entry.Path, "digest", entry.Digest)
	r.metrics.TranscriptsSaved.WithLabelValues("saved").Inc()
}

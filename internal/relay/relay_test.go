package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Symmetry/internal/backend"
	"Symmetry/internal/logger"
	"Symmetry/internal/protocol"
	"Symmetry/internal/storage"
)

// fakeConn records frames and can simulate backpressure.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	blockAt  int           // blockAt is the write index that reports backpressure; 0 disables
	drained  chan struct{} // drained is released by the test
	afterErr bool          // afterErr records a write made while blocked
	blocked  bool
	closeAt  int // closeAt closes the conn after that many recorded frames; 0 disables
	attempts int // attempts counts every Write call, including refused ones
}

func newFakeConn() *fakeConn {
	return &fakeConn{drained: make(chan struct{})}
}

func (c *fakeConn) Write(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++

	if c.closed {
		return false
	}

	if c.blocked {
		c.afterErr = true
	}

	c.frames = append(c.frames, append([]byte(nil), b...))

	if c.closeAt > 0 && len(c.frames) == c.closeAt {
		c.closed = true
	}

	if c.blockAt > 0 && len(c.frames) == c.blockAt {
		c.blocked = true
		return false
	}

	return true
}

func (c *fakeConn) Drained() <-chan struct{} {
	return c.drained
}

// release ends the simulated backpressure.
func (c *fakeConn) release() {
	c.mu.Lock()
	c.blocked = false
	c.mu.Unlock()

	close(c.drained)
}

func (c *fakeConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed
}

func (c *fakeConn) KeyHex() string {
	return "a1b2"
}

func (c *fakeConn) writeAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.attempts
}

func (c *fakeConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([][]byte(nil), c.frames...)
}

// chunkServer streams chunks with a flush after each.
func chunkServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			w.Write([]byte(c))
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

// clientFor points a backend client at srv.
func clientFor(t *testing.T, srv *httptest.Server, provider string) *backend.Client {
	t.Helper()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return backend.NewClient(backend.Endpoint{
		Protocol: "http",
		Hostname: host,
		Port:     p,
		Path:     "/v1/chat/completions",
		Model:    "test-model",
		Provider: provider,
	}, nil)
}

// inferenceEnvelope builds an inference envelope.
func inferenceEnvelope(t *testing.T, key string, messages ...protocol.Message) protocol.Envelope {
	t.Helper()

	env, ok := protocol.Decode(protocol.MustEncode(protocol.KeyInference, protocol.InferenceRequest{Key: key, Messages: messages}))
	require.True(t, ok)

	return env
}

func TestRelayEndToEnd(t *testing.T) {
	chunk1 := `{"choices":[{"delta":{"content":"He"}}]}` + "\n"
	chunk2 := `{"choices":[{"delta":{"content":"llo"}}]}` + "\n"
	srv := chunkServer(t, chunk1, chunk2)

	archive, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer archive.Close()

	r := New(Options{
		Backend:        backend.Ollama,
		DataCollection: true,
		Client:         clientFor(t, srv, backend.Ollama),
		Archive:        archive,
		Logger:         logger.Discard(),
	})

	conn := newFakeConn()
	err = r.Handle(context.Background(), conn, inferenceEnvelope(t, "req-42", protocol.Message{Role: "user", Content: "Hi"}))
	require.NoError(t, err)

	frames := conn.snapshot()
	require.GreaterOrEqual(t, len(frames), 3)

	assert.JSONEq(t, `{"symmetryEmitterKey":"req-42"}`, string(frames[0]))

	var raw []byte
	for _, f := range frames[1 : len(frames)-1] {
		raw = append(raw, f...)
	}
	assert.Equal(t, chunk1+chunk2, string(raw))

	ended, ok := protocol.Decode(frames[len(frames)-1])
	require.True(t, ok)
	assert.Equal(t, protocol.KeyInferenceEnded, ended.Key)
	assert.JSONEq(t, `"req-42"`, string(ended.Data))

	data, err := os.ReadFile(archive.TranscriptPath("a1b2", 0))
	require.NoError(t, err)

	var transcript []protocol.Message
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript, 2)
	assert.Equal(t, protocol.Message{Role: "user", Content: "Hi"}, transcript[0])
	assert.Equal(t, protocol.Message{Role: "assistant", Content: "Hello"}, transcript[1])
}

func TestRelayBackpressure(t *testing.T) {
	chunks := []string{"aaaa\n", "bbbb\n", "cccc\n", "dddd\n"}
	srv := chunkServer(t, chunks...)

	r := New(Options{
		Backend:   backend.Ollama,
		Client:    clientFor(t, srv, backend.Ollama),
		Logger:    logger.Discard(),
		ChunkSize: 2,
	})

	conn := newFakeConn()
	conn.blockAt = 2 // first raw chunk

	done := make(chan error, 1)
	go func() {
		done <- r.Handle(context.Background(), conn, inferenceEnvelope(t, "k"))
	}()

	require.Eventually(t, func() bool { return len(conn.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, conn.snapshot(), 2, "chunk forwarded while blocked")

	conn.release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
	}

	assert.False(t, conn.afterErr)

	frames := conn.snapshot()
	var forwarded []byte
	for _, f := range frames[1 : len(frames)-1] {
		forwarded = append(forwarded, f...)
	}

	var upstream bytes.Buffer
	for _, c := range chunks {
		upstream.WriteString(c)
	}
	assert.Equal(t, upstream.Bytes(), forwarded)
}

func TestRelaySystemMessage(t *testing.T) {
	r := New(Options{SystemMessage: "be brief", Logger: logger.Discard()})

	two := []protocol.Message{{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"}}
	got := r.withSystemMessage(two)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.Message{Role: "system", Content: "be brief"}, got[0])
	assert.Len(t, two, 2)

	one := []protocol.Message{{Role: "user", Content: "a"}}
	assert.Len(t, r.withSystemMessage(one), 1)

	plain := New(Options{Logger: logger.Discard()})
	assert.Len(t, plain.withSystemMessage(two), 2)
}

func TestRelayUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec, log := logger.NewRecorder()
	r := New(Options{Backend: backend.Ollama, Client: clientFor(t, srv, backend.Ollama), Logger: log})

	conn := newFakeConn()
	err := r.Handle(context.Background(), conn, inferenceEnvelope(t, "k"))

	require.ErrorIs(t, err, backend.ErrUpstreamStatus)
	assert.Empty(t, conn.snapshot())
	assert.Equal(t, 1, rec.Count("inference request failed"))
}

func TestRelayPeerClosedBeforeStream(t *testing.T) {
	srv := chunkServer(t, "one\n", "two\n")

	r := New(Options{Backend: backend.Ollama, Client: clientFor(t, srv, backend.Ollama), Logger: logger.Discard()})

	conn := newFakeConn()
	conn.closed = true

	err := r.Handle(context.Background(), conn, inferenceEnvelope(t, "k"))
	require.True(t, errors.Is(err, ErrPeerClosed))
	assert.Empty(t, conn.snapshot())
}

func TestRelayPeerClosedAfterFirstChunk(t *testing.T) {
	chunk1 := `{"choices":[{"delta":{"content":"He"}}]}` + "\n"
	chunk2 := `{"choices":[{"delta":{"content":"llo"}}]}` + "\n"

	archive, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer archive.Close()

	r := New(Options{
		Backend:        backend.Ollama,
		DataCollection: true,
		Client:         stubStreamer{body: &chunkReader{chunks: []string{chunk1, chunk2}}},
		Archive:        archive,
		Logger:         logger.Discard(),
	})

	conn := newFakeConn()
	conn.closeAt = 2 // correlation frame and first raw chunk

	err = r.Handle(context.Background(), conn, inferenceEnvelope(t, "k", protocol.Message{Role: "user", Content: "Hi"}))
	require.NoError(t, err)

	frames := conn.snapshot()
	require.Len(t, frames, 2)
	assert.JSONEq(t, `{"symmetryEmitterKey":"k"}`, string(frames[0]))
	assert.Equal(t, chunk1, string(frames[1]))

	// the inferenceEnded write is attempted on the closed conn
	assert.Equal(t, 3, conn.writeAttempts())

	data, err := os.ReadFile(archive.TranscriptPath("a1b2", 0))
	require.NoError(t, err)

	var transcript []protocol.Message
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript, 2)
	assert.Equal(t, protocol.Message{Role: "assistant", Content: "He"}, transcript[1])
}

func TestRelayUnterminatedChunks(t *testing.T) {
	srv := chunkServer(t, `{"choices":[{"delta":{"content":"He"}}]}`, `{"choices":[{"delta":{"content":"llo"}}]}`)

	archive, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer archive.Close()

	r := New(Options{
		Backend:        backend.Ollama,
		DataCollection: true,
		Client:         clientFor(t, srv, backend.Ollama),
		Archive:        archive,
		Logger:         logger.Discard(),
	})

	err = r.Handle(context.Background(), newFakeConn(), inferenceEnvelope(t, "k", protocol.Message{Role: "user", Content: "Hi"}))
	require.NoError(t, err)

	data, err := os.ReadFile(archive.TranscriptPath("a1b2", 0))
	require.NoError(t, err)

	var transcript []protocol.Message
	require.NoError(t, json.Unmarshal(data, &transcript))
	require.Len(t, transcript, 2)
	assert.Equal(t, protocol.Message{Role: "assistant", Content: "Hello"}, transcript[1])
}

func TestRelayNoPersistenceWhenDisabled(t *testing.T) {
	srv := chunkServer(t, `{"content":"x"}`)
	dir := t.TempDir()

	archive, err := storage.Open(dir)
	require.NoError(t, err)
	defer archive.Close()

	r := New(Options{Backend: backend.LlamaCpp, Client: clientFor(t, srv, backend.LlamaCpp), Archive: archive, Logger: logger.Discard()})

	require.NoError(t, r.Handle(context.Background(), newFakeConn(), inferenceEnvelope(t, "k")))

	_, err = os.Stat(archive.TranscriptPath("a1b2", 0))
	assert.True(t, os.IsNotExist(err))
}

func TestNewConversation(t *testing.T) {
	r := New(Options{Logger: logger.Discard()})

	require.NoError(t, r.Handle(context.Background(), newFakeConn(), protocol.Envelope{Key: protocol.KeyNewConversation}))
	require.NoError(t, r.Handle(context.Background(), newFakeConn(), protocol.Envelope{Key: protocol.KeyNewConversation}))

	assert.Equal(t, uint64(2), r.Conversation())

	require.NoError(t, r.Handle(context.Background(), newFakeConn(), protocol.Envelope{Key: protocol.KeyJoinAck}))
	assert.Equal(t, uint64(2), r.Conversation())
}

func TestRelayBadRequest(t *testing.T) {
	r := New(Options{Logger: logger.Discard()})

	err := r.Handle(context.Background(), newFakeConn(), protocol.Envelope{Key: protocol.KeyInference, Data: json.RawMessage(`"nope"`)})
	require.Error(t, err)
}

// errReader fails after one chunk.
type errReader struct{ sent bool }

func (e *errReader) Read(p []byte) (int, error) {
	if e.sent {
		return 0, io.ErrUnexpectedEOF
	}
	e.sent = true
	return copy(p, "partial\n"), nil
}

func (e *errReader) Close() error { return nil }

// chunkReader returns one chunk per Read.
type chunkReader struct{ chunks []string }

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}

	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]

	return n, nil
}

func (c *chunkReader) Close() error { return nil }

type stubStreamer struct{ body io.ReadCloser }

func (s stubStreamer) Stream(context.Context, []protocol.Message) (io.ReadCloser, error) {
	return s.body, nil
}

func TestRelayStreamErrorSkipsEnd(t *testing.T) {
	r := New(Options{Backend: backend.Ollama, Client: stubStreamer{body: &errReader{}}, Logger: logger.Discard()})

	conn := newFakeConn()
	err := r.Handle(context.Background(), conn, inferenceEnvelope(t, "k"))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	for _, f := range conn.snapshot() {
		if env, ok := protocol.Decode(f); ok {
			assert.NotEqual(t, protocol.KeyInferenceEnded, env.Key)
		}
	}
}

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Symmetry/internal/logger"
	"Symmetry/internal/metrics"
	"Symmetry/internal/protocol"
	"Symmetry/internal/provider"
	"Symmetry/internal/storage"
)

const testPeer = "a1b2c3"

// mockStatusProvider returns a fixed status.
type mockStatusProvider struct {
	status provider.Status
}

func (m *mockStatusProvider) Status() provider.Status {
	return m.status
}

// newTestArchive opens an archive with one saved transcript.
func newTestArchive(t *testing.T) *storage.Archive {
	t.Helper()

	archive, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { archive.Close() })

	_, err = archive.Save(testPeer, 1, []protocol.Message{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello"},
	})
	if err != nil {
		t.Fatalf("save transcript: %v", err)
	}

	return archive
}

// serve runs a GET request against the server's router.
func serve(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func TestHealthEndpoint(t *testing.T) {
	server := New(":0", nil, nil, nil, logger.Discard())

	w := serve(t, server, "/health")

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStatus_Success(t *testing.T) {
	status := &mockStatusProvider{status: provider.Status{
		DiscoveryKey:       "abcd",
		Handshake:          "verified",
		InboundConnections: 2,
		Conversation:       7,
		Model:              "llama3",
	}}

	server := New(":0", status, nil, nil, logger.Discard())

	w := serve(t, server, "/status")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["handshake"] != "verified" {
		t.Errorf("expected handshake verified, got %v", resp["handshake"])
	}

	if resp["conversation"].(float64) != 7 {
		t.Errorf("expected conversation 7, got %v", resp["conversation"])
	}

	if resp["inboundConnections"].(float64) != 2 {
		t.Errorf("expected 2 inbound connections, got %v", resp["inboundConnections"])
	}
}

func TestStatus_NilProvider(t *testing.T) {
	server := New(":0", nil, nil, nil, logger.Discard())

	w := serve(t, server, "/status")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.MalformedFrames.Inc()

	server := New(":0", nil, nil, m.Handler(), logger.Discard())

	w := serve(t, server, "/metrics")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "symmetry_provider_malformed_frames_total 1") {
		t.Errorf("malformed frame counter missing from exposition:\n%s", w.Body.String())
	}
}

func TestTranscripts_List(t *testing.T) {
	server := New(":0", nil, newTestArchive(t), nil, logger.Discard())

	w := serve(t, server, "/transcripts/"+testPeer)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var entries []storage.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	if entries[0].Index != 1 || entries[0].Peer != testPeer {
		t.Errorf("unexpected entry %+v", entries[0])
	}

	if entries[0].Digest == "" {
		t.Error("expected digest in entry")
	}
}

func TestTranscripts_EmptyPeer(t *testing.T) {
	server := New(":0", nil, newTestArchive(t), nil, logger.Discard())

	w := serve(t, server, "/transcripts/ffff")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", w.Body.String())
	}
}

func TestTranscript_Restore(t *testing.T) {
	server := New(":0", nil, newTestArchive(t), nil, logger.Discard())

	w := serve(t, server, "/transcripts/"+testPeer+"/1")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var messages []protocol.Message
	if err := json.Unmarshal(w.Body.Bytes(), &messages); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(messages) != 2 || messages[1].Content != "Hello" {
		t.Errorf("unexpected transcript %+v", messages)
	}
}

func TestTranscript_NotFound(t *testing.T) {
	server := New(":0", nil, newTestArchive(t), nil, logger.Discard())

	w := serve(t, server, "/transcripts/"+testPeer+"/9")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestTranscripts_NilStore(t *testing.T) {
	server := New(":0", nil, nil, nil, logger.Discard())

	w := serve(t, server, "/transcripts/"+testPeer)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := New(":0", nil, nil, nil, logger.Discard())

	w := serve(t, server, "/tx")

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "not found") {
		t.Errorf("expected error body, got %s", w.Body.String())
	}
}

func TestStartStop(t *testing.T) {
	server := New("127.0.0.1:0", nil, nil, nil, logger.Discard())

	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop()

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
	}
}

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Symmetry/internal/protocol"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		name    string
		backend string
		raw     string
		want    string
	}{
		{"ollama delta", Ollama, `{"choices":[{"delta":{"content":"hi"}}]}`, "hi"},
		{"openwebui delta", OpenWebUI, `{"choices":[{"delta":{"content":"yo"}}]}`, "yo"},
		{"llamacpp content", LlamaCpp, `{"content":"hi"}`, "hi"},
		{"llamacpp missing", LlamaCpp, `{"stop":true}`, ""},
		{"llamacpp chat route", LlamaCpp, `{"choices":[{"delta":{"content":"hey"}}]}`, "hey"},
		{"oobabooga delta", Oobabooga, `{"choices":[{"delta":{"content":"yes"}}]}`, "yes"},
		{"sse framed", Ollama, `data: {"choices":[{"delta":{"content":"x"}}]}`, "x"},
		{"sse two events", LiteLLM, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: {\"choices\":[]}", "a"},
		{"unparsable", Ollama, `{{{`, ""},
		{"sse done", Ollama, `data: [DONE]`, ""},
		{"ollama empty choices", Ollama, `{"choices":[]}`, ""},
		{"litellm undefined", LiteLLM, `{"choices":[{"delta":{"content":"undefined"}}]}`, ""},
		{"default undefined", "unknown", `{"choices":[{"delta":{"content":"undefined"}}]}`, ""},
		{"default text", LMStudio, `{"choices":[{"delta":{"content":"ok"}}]}`, "ok"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractRaw(tc.backend, []byte(tc.raw)))
		})
	}
}

func TestExtractNilFragment(t *testing.T) {
	assert.Equal(t, "", Extract(Ollama, nil))
	assert.Nil(t, ParseFragment([]byte("garbage")))
}

func TestSupported(t *testing.T) {
	for _, id := range []string{LiteLLM, LlamaCpp, LMStudio, Ollama, Oobabooga, OpenWebUI} {
		assert.True(t, Supported(id), id)
	}
	assert.False(t, Supported("mystery"))
}

// endpointFor points an Endpoint at a test server.
func endpointFor(t *testing.T, srv *httptest.Server) Endpoint {
	t.Helper()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)

	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return Endpoint{
		Protocol: "http",
		Hostname: host,
		Port:     p,
		Path:     "/v1/chat/completions",
		APIKey:   "secret",
		Model:    "llama",
		Provider: Ollama,
	}
}

func TestStreamRequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body chatBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama", body.Model)
		assert.True(t, body.Stream)
		assert.Len(t, body.Messages, 1)

		w.Write([]byte(`{"choices":[{"delta":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(endpointFor(t, srv), nil)

	body, err := c.Stream(context.Background(), []protocol.Message{{Role: "user", Content: "Hi"}})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hi", ExtractRaw(Ollama, data))
}

func TestStreamNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(endpointFor(t, srv), nil).Stream(context.Background(), nil)
	require.ErrorIs(t, err, ErrUpstreamStatus)
}

func TestStreamNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := endpointFor(t, srv)
	srv.Close()

	_, err := NewClient(ep, nil).Stream(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUpstreamStatus))
}

func TestProbe(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":"hello"}`))
	}))
	defer ok.Close()

	require.NoError(t, NewClient(endpointFor(t, ok), nil).Probe(context.Background()))

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer empty.Close()

	require.ErrorIs(t, NewClient(endpointFor(t, empty), nil).Probe(context.Background()), ErrNoBody)
}

func TestEndpointURL(t *testing.T) {
	ep := Endpoint{Protocol: "https", Hostname: "llm.local", Port: 8443, Path: "/api/chat"}
	assert.Equal(t, "https://llm.local:8443/api/chat", ep.URL())
}

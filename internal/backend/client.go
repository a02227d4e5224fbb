package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"Symmetry/internal/protocol"
)

var (
	// ErrUpstreamStatus is returned for a non-2xx backend response.
	ErrUpstreamStatus = errors.New("upstream returned non-2xx status")

	// ErrNoBody is returned when the backend response carries no body.
	ErrNoBody = errors.New("upstream response has no body")
)

// SelfTestMessage is the prompt sent by Probe.
const SelfTestMessage = "Hello, this is a test message."

// Endpoint describes the local backend.
type Endpoint struct {
	Protocol string // Protocol is the URL scheme (http, https)
	Hostname string // Hostname is the backend host
	Port     int    // Port is the backend port
	Path     string // Path is the chat completion path
	APIKey   string // APIKey is sent as a bearer token
	Model    string // Model is the requested model name
	Provider string // Provider is the backend id
}

// URL returns protocol://hostname:port/path.
func (e Endpoint) URL() string {
	return e.Protocol + "://" + e.Hostname + ":" + strconv.Itoa(e.Port) + e.Path
}

// Client issues streaming chat requests.
type Client struct {
	endpoint Endpoint
	http     *http.Client
}

// NewClient creates a client for endpoint. A nil httpClient uses a client
// without timeout since responses stream for an unbounded time.
func NewClient(endpoint Endpoint, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{endpoint: endpoint, http: httpClient}
}

// Endpoint returns the configured endpoint.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

type chatBody struct {
	Model    string             `json:"model"`
	Messages []protocol.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

// Stream posts messages and returns the response body on a 2xx status.
// The caller closes the body.
func (c *Client) Stream(ctx context.Context, messages []protocol.Message) (io.ReadCloser, error) {
	body, err := json.Marshal(chatBody{Model: c.endpoint.Model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal request:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.URL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.endpoint.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s:\n%w", c.endpoint.URL(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, ErrNoBody
	}

	return resp.Body, nil
}

// Probe sends the self-test prompt and requires at least one chunk before EOF.
func (c *Client) Probe(ctx context.Context) error {
	body, err := c.Stream(ctx, []protocol.Message{{Role: "user", Content: SelfTestMessage}})
	if err != nil {
		return err
	}
	defer body.Close()

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			return nil
		}

		if errors.Is(err, io.EOF) {
			return ErrNoBody
		}

		if err != nil {
			return fmt.Errorf("read first chunk:\n%w", err)
		}
	}
}

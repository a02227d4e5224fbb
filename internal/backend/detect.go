package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoServer is returned when no candidate backend answers.
var ErrNoServer = errors.New("no supported LLM server detected")

// detectTimeout bounds each candidate probe.
const detectTimeout = 2 * time.Second

// Candidate is a backend reachable on its usual local port.
type Candidate struct {
	Provider   string // Provider is the backend id
	Port       int    // Port is the default listen port
	ChatPath   string // ChatPath is the streaming chat completion route
	ModelsPath string // ModelsPath lists the served models
}

// DefaultCandidates are probed in order by Detect.
var DefaultCandidates = []Candidate{
	{Provider: Ollama, Port: 11434, ChatPath: "/v1/chat/completions", ModelsPath: "/api/tags"},
	{Provider: OpenWebUI, Port: 3000, ChatPath: "/api/chat/completions", ModelsPath: "/api/models"},
	{Provider: LMStudio, Port: 1234, ChatPath: "/v1/chat/completions", ModelsPath: "/v1/models"},
	{Provider: LlamaCpp, Port: 8080, ChatPath: "/v1/chat/completions", ModelsPath: "/v1/models"},
}

// modelList covers the Ollama tag list and the OpenAI model list.
type modelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models lists the models served at path on the client's host and port.
func (c *Client) Models(ctx context.Context, path string) ([]string, error) {
	e := c.endpoint
	e.Path = path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s:\n%w", e.URL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode model list:\n%w", err)
	}

	var models []string
	for _, m := range list.Models {
		models = append(models, m.Name)
	}
	for _, m := range list.Data {
		models = append(models, m.ID)
	}

	return models, nil
}

// Detect probes candidates on host in order and returns the endpoint of the
// first one that lists a model. A non-zero port replaces every candidate's
// default port.
func Detect(ctx context.Context, httpClient *http.Client, host string, port int, candidates []Candidate) (Endpoint, error) {
	for _, cand := range candidates {
		endpoint := Endpoint{
			Protocol: "http",
			Hostname: host,
			Port:     cand.Port,
			Path:     cand.ChatPath,
			Provider: cand.Provider,
		}
		if port != 0 {
			endpoint.Port = port
		}

		probeCtx, cancel := context.WithTimeout(ctx, detectTimeout)
		models, err := NewClient(endpoint, httpClient).Models(probeCtx, cand.ModelsPath)
		cancel()

		if err != nil || len(models) == 0 || models[0] == "" {
			continue
		}

		endpoint.Model = models[0]

		return endpoint, nil
	}

	return Endpoint{}, ErrNoServer
}

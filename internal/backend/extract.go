// Package backend talks to the local LLM HTTP API and turns its streamed
// fragments into plain completion text.
package backend

import (
	"bytes"
	"encoding/json"
)

// Backend identifiers.
const (
	LiteLLM   = "litellm"
	LlamaCpp  = "llamacpp"
	LMStudio  = "lmstudio"
	Ollama    = "ollama"
	Oobabooga = "oobabooga"
	OpenWebUI = "openwebui"
)

// ssePrefix marks Server-Sent-Events framed fragments.
var ssePrefix = []byte("data:")

// Fragment is a decoded streamed fragment.
type Fragment struct {
	Content string  `json:"content"`
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// ParseFragment decodes one raw fragment. It returns nil when the payload is
// not valid JSON. An SSE framed fragment is parsed from the text between the
// first "data:" prefix and the next one.
func ParseFragment(raw []byte) *Fragment {
	payload := bytes.TrimSpace(raw)

	if bytes.HasPrefix(payload, ssePrefix) {
		payload = payload[len(ssePrefix):]
		if i := bytes.Index(payload, ssePrefix); i >= 0 {
			payload = payload[:i]
		}
		payload = bytes.TrimSpace(payload)
	}

	var f Fragment
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil
	}

	return &f
}

// Extractor returns the completion text carried by a fragment.
type Extractor func(*Fragment) string

// extractors maps backend ids to their extraction strategy.
// Backends not listed use defaultExtractor.
var extractors = map[string]Extractor{
	Ollama:    deltaContent,
	OpenWebUI: deltaContent,
	LlamaCpp:  topLevelContent,
	LiteLLM:   defaultExtractor,
	LMStudio:  defaultExtractor,
	Oobabooga: defaultExtractor,
}

// Extract returns the text delta for backend, or "" when the fragment is nil
// or carries no content.
func Extract(backendID string, f *Fragment) string {
	if f == nil {
		return ""
	}

	if fn, ok := extractors[backendID]; ok {
		return fn(f)
	}

	return defaultExtractor(f)
}

// ExtractRaw parses raw and extracts its text.
func ExtractRaw(backendID string, raw []byte) string {
	return Extract(backendID, ParseFragment(raw))
}

// Supported reports whether backendID has a registered extraction strategy.
func Supported(backendID string) bool {
	_, ok := extractors[backendID]
	return ok
}

func deltaContent(f *Fragment) string {
	if len(f.Choices) == 0 || f.Choices[0].Delta.Content == nil {
		return ""
	}

	return *f.Choices[0].Delta.Content
}

// topLevelContent reads the native llama.cpp field, falling back to the
// OpenAI delta served by its /v1/chat/completions route.
func topLevelContent(f *Fragment) string {
	if f.Content != "" {
		return f.Content
	}

	return deltaContent(f)
}

// defaultExtractor reads the delta content and drops a literal "undefined".
func defaultExtractor(f *Fragment) string {
	s := deltaContent(f)
	if s == "undefined" {
		return ""
	}

	return s
}

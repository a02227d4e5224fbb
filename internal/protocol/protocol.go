// Package protocol defines the tagged JSON envelope exchanged on every
// overlay connection and the payloads carried inside it.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Message keys.
const (
	KeyChallenge        = "challenge"
	KeyConnectionSize   = "conectionSize"
	KeyHeartbeat        = "heartbeat"
	KeyInference        = "inference"
	KeyInferenceEnded   = "inferenceEnded"
	KeyJoin             = "join"
	KeyJoinAck          = "joinAck"
	KeyLeave            = "leave"
	KeyNewConversation  = "newConversation"
	KeyPing             = "ping"
	KeyPong             = "pong"
	KeyProviderDetails  = "providerDetails"
	KeyReportCompletion = "reportCompletion"
	KeyRequestProvider  = "requestProvider"
	KeySessionValid     = "sessionValid"
	KeyVerifySession    = "verifySession"
)

// knownKeys is the closed set of recognized keys.
var knownKeys = map[string]struct{}{
	KeyChallenge: {}, KeyConnectionSize: {}, KeyHeartbeat: {}, KeyInference: {},
	KeyInferenceEnded: {}, KeyJoin: {}, KeyJoinAck: {}, KeyLeave: {},
	KeyNewConversation: {}, KeyPing: {}, KeyPong: {}, KeyProviderDetails: {},
	KeyReportCompletion: {}, KeyRequestProvider: {}, KeySessionValid: {}, KeyVerifySession: {},
}

// Known reports whether key belongs to the recognized set.
// Unknown keys are still decoded; callers ignore them.
func Known(key string) bool {
	_, ok := knownKeys[key]
	return ok
}

// Envelope is the unit of wire communication.
type Envelope struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes {key, data}. A nil data omits the field.
func Encode(key string, data any) ([]byte, error) {
	env := Envelope{Key: key}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data:\n%w", key, err)
		}
		env.Data = raw
	}

	return json.Marshal(env)
}

// MustEncode is Encode for payloads that always marshal.
func MustEncode(key string, data any) []byte {
	b, err := Encode(key, data)
	if err != nil {
		panic(err)
	}

	return b
}

// Decode parses an envelope. It returns false for invalid JSON, a non-object
// payload or a missing key, and never panics.
func Decode(b []byte) (Envelope, bool) {
	var env Envelope

	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return Envelope{}, false
	}

	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, false
	}

	if env.Key == "" {
		return Envelope{}, false
	}

	if bytes.Equal(env.Data, []byte("null")) {
		env.Data = nil
	}

	return env, true
}

// Unmarshal decodes the envelope data into v.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty data", e.Key)
	}

	return json.Unmarshal(e.Data, v)
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InferenceRequest is the data of an inference envelope.
type InferenceRequest struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
}

// Buffer is a byte slice encoded as {"type":"Buffer","data":[...]}.
// Unmarshal also accepts a plain base64 string.
type Buffer []byte

type bufferJSON struct {
	Type string `json:"type"`
	Data []int  `json:"data"`
}

// MarshalJSON encodes the buffer as a typed byte array.
func (b Buffer) MarshalJSON() ([]byte, error) {
	data := make([]int, len(b))
	for i, c := range b {
		data[i] = int(c)
	}

	return json.Marshal(bufferJSON{Type: "Buffer", Data: data})
}

// UnmarshalJSON accepts a typed byte array or a base64 string.
func (b *Buffer) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode buffer:\n%w", err)
		}
		*b = decoded
		return nil
	}

	var typed bufferJSON
	if err := json.Unmarshal(raw, &typed); err != nil {
		return fmt.Errorf("decode buffer:\n%w", err)
	}

	out := make([]byte, len(typed.Data))
	for i, v := range typed.Data {
		if v < 0 || v > 255 {
			return fmt.Errorf("buffer byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out

	return nil
}

// ChallengeRequest is the outbound challenge data.
type ChallengeRequest struct {
	Challenge Buffer `json:"challenge"`
}

// ChallengeResponse is the server's signed reply to a challenge.
type ChallengeResponse struct {
	Message   string    `json:"message"`
	Signature Signature `json:"signature"`
}

// Signature carries a base64 encoded signature.
type Signature struct {
	Data string `json:"data"`
}

// Bytes decodes the signature.
func (s Signature) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(s.Data)
}

// CorrelationFrame precedes the raw chunks of a response stream.
// It is written bare, not inside an envelope.
type CorrelationFrame struct {
	SymmetryEmitterKey string `json:"symmetryEmitterKey"`
}

// EncodeCorrelation returns the correlation frame for key.
func EncodeCorrelation(key string) []byte {
	b, _ := json.Marshal(CorrelationFrame{SymmetryEmitterKey: key})
	return b
}

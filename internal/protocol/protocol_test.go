package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		key  string
		data any
	}{
		{KeyPing, nil},
		{KeyInferenceEnded, "req-1"},
		{KeyJoin, map[string]any{"modelName": "llama", "public": true}},
		{KeyInference, InferenceRequest{Key: "k", Messages: []Message{{Role: "user", Content: "Hi"}}}},
		{"somethingNew", []int{1, 2, 3}},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			b, err := Encode(tc.key, tc.data)
			require.NoError(t, err)

			env, ok := Decode(b)
			require.True(t, ok)
			assert.Equal(t, tc.key, env.Key)

			if tc.data == nil {
				assert.Empty(t, env.Data)
				return
			}

			want, err := json.Marshal(tc.data)
			require.NoError(t, err)
			assert.JSONEq(t, string(want), string(env.Data))
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	inputs := []string{
		"",
		"not json",
		"[1,2]",
		`"key"`,
		`{"data":1}`,
		`{"key":""}`,
		`{"key":12}`,
		`{"key":"ping"`,
		"\x00\xff\xfe",
	}

	for _, in := range inputs {
		_, ok := Decode([]byte(in))
		assert.False(t, ok, "input %q", in)
	}
}

func TestDecodeUnknownKey(t *testing.T) {
	env, ok := Decode([]byte(`{"key":"mystery","data":{}}`))
	require.True(t, ok)
	assert.False(t, Known(env.Key))
	assert.True(t, Known(KeyConnectionSize))
}

func TestBufferJSON(t *testing.T) {
	b, err := json.Marshal(ChallengeRequest{Challenge: Buffer{1, 2, 255}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"challenge":{"type":"Buffer","data":[1,2,255]}}`, string(b))

	var back ChallengeRequest
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, Buffer{1, 2, 255}, back.Challenge)

	var fromString Buffer
	require.NoError(t, json.Unmarshal([]byte(`"`+base64.StdEncoding.EncodeToString([]byte{9, 8})+`"`), &fromString))
	assert.Equal(t, Buffer{9, 8}, fromString)

	var bad Buffer
	require.Error(t, json.Unmarshal([]byte(`{"type":"Buffer","data":[256]}`), &bad))
}

func TestChallengeResponseSignature(t *testing.T) {
	sig := base64.StdEncoding.EncodeToString([]byte("signature"))
	env, ok := Decode([]byte(`{"key":"challenge","data":{"message":"m","signature":{"data":"` + sig + `"}}}`))
	require.True(t, ok)

	var resp ChallengeResponse
	require.NoError(t, env.Unmarshal(&resp))

	raw, err := resp.Signature.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "signature", string(raw))
}

func TestEncodeCorrelation(t *testing.T) {
	assert.JSONEq(t, `{"symmetryEmitterKey":"abc"}`, string(EncodeCorrelation("abc")))
}

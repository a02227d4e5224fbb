package backend

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Accumulator collects completion text from a raw response stream.
// Newline delimited streams are extracted per complete line. A buffered tail
// without a newline is consumed as soon as it holds complete JSON fragments,
// so backends that send one unterminated object per chunk are handled too.
type Accumulator struct {
	backend string
	pending []byte
	text    strings.Builder
}

// NewAccumulator returns an accumulator for backendID.
func NewAccumulator(backendID string) *Accumulator {
	return &Accumulator{backend: backendID}
}

// Feed adds a raw chunk.
func (a *Accumulator) Feed(chunk []byte) {
	a.pending = append(a.pending, chunk...)

	for {
		i := bytes.IndexByte(a.pending, '\n')
		if i < 0 {
			break
		}

		a.extract(a.pending[:i])
		a.pending = a.pending[i+1:]
	}

	a.drainObjects()
}

// Text flushes any trailing fragment and returns the accumulated completion.
func (a *Accumulator) Text() string {
	if len(a.pending) > 0 {
		a.extract(a.pending)
		a.pending = nil
	}

	return a.text.String()
}

// drainObjects consumes complete fragments from the unterminated tail.
// An SSE framed tail is consumed once it parses; bare JSON objects are decoded
// one after another and an incomplete trailing object stays buffered.
func (a *Accumulator) drainObjects() {
	tail := bytes.TrimSpace(a.pending)
	if len(tail) == 0 {
		a.pending = a.pending[:0]
		return
	}

	if bytes.HasPrefix(tail, ssePrefix) {
		if ParseFragment(tail) != nil {
			a.extract(tail)
			a.pending = a.pending[:0]
		}
		return
	}

	if tail[0] != '{' {
		return
	}

	dec := json.NewDecoder(bytes.NewReader(tail))
	consumed := int64(0)

	for {
		var obj json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			break
		}

		a.extract(obj)
		consumed = dec.InputOffset()
	}

	if consumed > 0 {
		a.pending = append(a.pending[:0], tail[consumed:]...)
	}
}

func (a *Accumulator) extract(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	a.text.WriteString(ExtractRaw(a.backend, line))
}

package logger

import (
	"context"
	"log/slog"
	"sync"
)

// Record is a captured log line.
type Record struct {
	Level   slog.Level     // Level is the record level
	Message string         // Message is the record message
	Attrs   map[string]any // Attrs holds the record attributes by key
}

// Recorder is a slog handler that keeps every record in memory.
// It is used by tests to assert on emitted log lines.
type Recorder struct {
	mu      *sync.Mutex
	records *[]Record
	attrs   []slog.Attr
}

// NewRecorder returns a Recorder and a logger writing into it.
func NewRecorder() (*Recorder, *slog.Logger) {
	r := &Recorder{mu: &sync.Mutex{}, records: &[]Record{}}
	return r, slog.New(r)
}

// Enabled returns true for all levels.
func (r *Recorder) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

// Handle stores the record.
func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(r.attrs))
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}

	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	r.mu.Lock()
	*r.records = append(*r.records, Record{Level: rec.Level, Message: rec.Message, Attrs: attrs})
	r.mu.Unlock()

	return nil
}

// WithAttrs returns a recorder sharing storage with bound attributes.
func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Recorder{
		mu:      r.mu,
		records: r.records,
		attrs:   append(append([]slog.Attr{}, r.attrs...), attrs...),
	}
}

// WithGroup ignores groups.
func (r *Recorder) WithGroup(_ string) slog.Handler {
	return r
}

// Records returns a copy of the captured records.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, len(*r.records))
	copy(out, *r.records)

	return out
}

// Count returns how many records carry the given message.
func (r *Recorder) Count(msg string) int {
	n := 0
	for _, rec := range r.Records() {
		if rec.Message == msg {
			n++
		}
	}

	return n
}

package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"Symmetry/internal/protocol"
)

const (
	// ledgerDir is the ledger directory inside the transcript directory.
	ledgerDir = ".ledger"

	transcriptPrefix = "t/"
)

// ErrNotFound is returned when no transcript is indexed for a peer and index.
var ErrNotFound = errors.New("transcript not found")

// counterKey holds the persisted conversation counter.
var counterKey = []byte("meta/conversation")

// Entry describes a saved transcript.
type Entry struct {
	Peer       string    `json:"peer"`                 // Peer is the hex public key of the requester
	Index      uint64    `json:"index"`                // Index is the conversation index
	Path       string    `json:"path"`                 // Path is the transcript file
	Size       int       `json:"size"`                 // Size is the file size in bytes
	Digest     string    `json:"digest"`               // Digest is the hex BLAKE3 hash of the file
	SavedAt    time.Time `json:"savedAt"`              // SavedAt is the save time
	Compressed []byte    `json:"compressed,omitempty"` // Compressed is a zstd copy of the file
}

// Archive writes transcript files and indexes them in the ledger.
type Archive struct {
	dir    string
	ledger *Ledger
	enc    *zstd.Encoder
	dec    *zstd.Decoder

	mu           sync.Mutex // mu orders counter increments with their persistence
	conversation uint64
}

// Open opens the archive rooted at dir, creating it if needed, and restores
// the conversation counter.
func Open(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir:\n%w", err)
	}

	ledger, err := OpenLedger(filepath.Join(dir, ledgerDir))
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		ledger.Close()
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		ledger.Close()
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	a := &Archive{dir: dir, ledger: ledger, enc: enc, dec: dec}

	raw, err := ledger.Get(counterKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("read conversation counter:\n%w", err)
	}
	if len(raw) == 8 {
		a.conversation = binary.BigEndian.Uint64(raw)
	}

	return a, nil
}

// Dir returns the transcript directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Conversation returns the current conversation index.
func (a *Archive) Conversation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.conversation
}

// NextConversation increments and persists the conversation index.
func (a *Archive) NextConversation() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.conversation++

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], a.conversation)
	if err := a.ledger.Set(counterKey, buf[:]); err != nil {
		return a.conversation, fmt.Errorf("persist conversation counter:\n%w", err)
	}

	return a.conversation, nil
}

// TranscriptPath returns <dir>/<peerHex>-<index>.json.
func (a *Archive) TranscriptPath(peerHex string, index uint64) string {
	return filepath.Join(a.dir, peerHex+"-"+strconv.FormatUint(index, 10)+".json")
}

// Save writes messages as a JSON array and indexes the file.
func (a *Archive) Save(peerHex string, index uint64, messages []protocol.Message) (Entry, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal transcript:\n%w", err)
	}

	path := a.TranscriptPath(peerHex, index)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write transcript %s:\n%w", path, err)
	}

	digest := blake3.Sum256(data)
	entry := Entry{
		Peer:       peerHex,
		Index:      index,
		Path:       path,
		Size:       len(data),
		Digest:     hex.EncodeToString(digest[:]),
		SavedAt:    time.Now().UTC(),
		Compressed: a.enc.EncodeAll(data, nil),
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return entry, fmt.Errorf("marshal ledger entry:\n%w", err)
	}

	if err := a.ledger.Set(entryKey(peerHex, index), raw); err != nil {
		return entry, fmt.Errorf("index transcript:\n%w", err)
	}

	return entry, nil
}

// Transcripts lists the ledger entries for a peer in index order.
// Compressed copies are omitted.
func (a *Archive) Transcripts(peerHex string) ([]Entry, error) {
	var out []Entry

	err := a.ledger.IteratePrefix([]byte(transcriptPrefix+peerHex+"/"), func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("decode ledger entry:\n%w", err)
		}
		e.Compressed = nil
		out = append(out, e)
		return nil
	})

	return out, err
}

// Restore returns the transcript stored in the ledger for peer and index,
// verifying it against the recorded digest.
func (a *Archive) Restore(peerHex string, index uint64) ([]protocol.Message, error) {
	raw, err := a.ledger.Get(entryKey(peerHex, index))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s-%d", ErrNotFound, peerHex, index)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode ledger entry:\n%w", err)
	}

	data, err := a.dec.DecodeAll(e.Compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress transcript:\n%w", err)
	}

	digest := blake3.Sum256(data)
	if hex.EncodeToString(digest[:]) != e.Digest {
		return nil, fmt.Errorf("transcript %s-%d digest mismatch", peerHex, index)
	}

	var messages []protocol.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode transcript:\n%w", err)
	}

	return messages, nil
}

// Close releases the codec and closes the ledger.
func (a *Archive) Close() error {
	a.enc.Close()
	a.dec.Close()

	return a.ledger.Close()
}

// entryKey returns t/<peer>/<index>, with the index zero padded so keys sort numerically.
func entryKey(peerHex string, index uint64) []byte {
	return fmt.Appendf(nil, "%s%s/%020d", transcriptPrefix, peerHex, index)
}

// Package ledger implements the append-only evidence ledger: a
// hash-chained JSON Lines log that is the system of record for every
// decision the tuning plane makes. Entries are immutable once written;
// state that decays (cooldowns, safe sets) is expressed as new entries,
// never as edits.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"tuneplane/internal/canonjson"
	"tuneplane/internal/logging"
)

// Genesis is the prev_hash sentinel for the first entry of a chain.
const Genesis = "GENESIS"

// ErrChainBroken is returned by Verify when the hash chain does not
// reconstruct from the persisted entries.
var ErrChainBroken = errors.New("ledger: hash chain broken")

// Entry is one immutable ledger record. EntryHash is the content hash of
// the entry with the entry_hash field blanked; PrevHash is the previous
// entry's EntryHash, or Genesis.
type Entry struct {
	Idx        int64          `json:"idx"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Provenance map[string]any `json:"provenance"`
	PrevHash   string         `json:"prev_hash"`
	EntryHash  string         `json:"entry_hash"`
}

// counterDoc is the sibling counter file format.
type counterDoc struct {
	NextIdx int64 `json:"next_idx"`
}

// Ledger owns one log file plus its sibling counter file. The counter and
// the log are independent: a crash between counter persist and log append
// leaves a gap in idx, which is tolerated — idx orders entries, it does
// not enumerate them. The hash chain must never be broken, so the entry
// hash is computed before anything touches disk.
type Ledger struct {
	path string

	mu   sync.Mutex
	lock *flock.Flock
	log  *slog.Logger
}

// Open returns a Ledger for path. Neither the log nor the counter file
// need exist yet; both are created on first append.
func Open(path string) *Ledger {
	return &Ledger{
		path: path,
		lock: flock.New(lockPath(path)),
		log:  logging.New("ledger"),
	}
}

// Path returns the log file path.
func (l *Ledger) Path() string { return l.path }

func basePath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func lockPath(path string) string    { return basePath(path) + ".lock" }
func counterPath(path string) string { return basePath(path) + ".counter.json" }

// Append writes one entry and returns it. The index comes from the
// counter file, prev_hash from the current chain tip (Genesis when the
// log is empty), and entry_hash from the canonical encoding of the entry
// with that field blanked. The counter-read, counter-persist, log-append
// sequence is a cross-process critical section guarded by an advisory
// file lock.
func (l *Ledger) Append(entryType string, payload, provenance map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lock.Lock(); err != nil {
		return Entry{}, fmt.Errorf("ledger: acquire lock: %w", err)
	}
	defer l.lock.Unlock()

	idx, err := l.readCounter()
	if err != nil {
		return Entry{}, err
	}

	tip, err := l.chainTip()
	if err != nil {
		return Entry{}, err
	}

	if payload == nil {
		payload = map[string]any{}
	}
	if provenance == nil {
		provenance = map[string]any{}
	}

	entry := Entry{
		Idx:        idx,
		Type:       entryType,
		Payload:    payload,
		Provenance: provenance,
		PrevHash:   tip,
	}
	hash, err := canonjson.Hash(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: hash entry: %w", err)
	}
	entry.EntryHash = hash

	// Counter first: a crash after this point costs an idx gap, never a
	// broken chain.
	if err := l.writeCounter(idx + 1); err != nil {
		return Entry{}, err
	}
	if err := l.appendLine(entry); err != nil {
		return Entry{}, err
	}

	l.log.Debug("appended", "idx", entry.Idx, "type", entry.Type)
	return entry, nil
}

// NextIdx returns the counter value that the next Append would assign.
// Governance components use it as the current ledger clock.
func (l *Ledger) NextIdx() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readCounter()
}

// ReadTail returns the last n entries in file order, or all entries when
// fewer exist or n <= 0. A missing log file reads as empty.
func (l *Ledger) ReadTail(n int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// VerifyReport is the result of a full chain verification.
type VerifyReport struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAtIdx    int64  `json:"broken_at_idx"` // -1 when valid
	Reason         string `json:"reason,omitempty"`
}

// Verify walks the whole log, recomputing every entry hash and checking
// each prev_hash link. It never mutates anything.
func (l *Ledger) Verify() (VerifyReport, error) {
	entries, err := l.readAll()
	if err != nil {
		return VerifyReport{}, err
	}

	report := VerifyReport{Valid: true, BrokenAtIdx: -1}
	prev := Genesis
	for _, e := range entries {
		report.EntriesChecked++

		blanked := e
		blanked.EntryHash = ""
		want, err := canonjson.Hash(blanked)
		if err != nil {
			return VerifyReport{}, fmt.Errorf("ledger: rehash idx %d: %w", e.Idx, err)
		}
		if want != e.EntryHash {
			report.Valid = false
			report.BrokenAtIdx = e.Idx
			report.Reason = "entry_hash mismatch"
			return report, nil
		}
		if e.PrevHash != prev {
			report.Valid = false
			report.BrokenAtIdx = e.Idx
			report.Reason = "prev_hash does not match previous entry"
			return report, nil
		}
		prev = e.EntryHash
	}
	return report, nil
}

func (l *Ledger) readCounter() (int64, error) {
	data, err := os.ReadFile(counterPath(l.path))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read counter: %w", err)
	}
	var doc counterDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("ledger: parse counter: %w", err)
	}
	return doc.NextIdx, nil
}

func (l *Ledger) writeCounter(next int64) error {
	data, err := json.Marshal(counterDoc{NextIdx: next})
	if err != nil {
		return fmt.Errorf("ledger: marshal counter: %w", err)
	}
	if err := os.WriteFile(counterPath(l.path), data, 0o644); err != nil {
		return fmt.Errorf("ledger: write counter: %w", err)
	}
	return nil
}

// chainTip returns the EntryHash of the last persisted entry, or Genesis.
// The tip is re-read from disk on every call: another handle or process
// may have appended since this one last did, and chaining from a stale
// tip breaks the chain permanently. Callers hold the file lock.
func (l *Ledger) chainTip() (string, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: open log: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if raw := strings.TrimSpace(scanner.Text()); raw != "" {
			last = raw
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ledger: scan log: %w", err)
	}
	if last == "" {
		return Genesis, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(last), &e); err != nil {
		return "", fmt.Errorf("ledger: parse tail entry: %w", err)
	}
	return e.EntryHash, nil
}

func (l *Ledger) appendLine(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: append: %w", err)
	}
	return f.Sync()
}

func (l *Ledger) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("ledger: parse line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan log: %w", err)
	}
	return entries, nil
}

package gating

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"tuneplane/internal/logging"
)

// CooldownSchemaVersion of the cooldown store file format.
const CooldownSchemaVersion = 1

// CooldownEntry suppresses one (module, knob, value, baseline) key until
// a ledger index. Expiry is ledger-index comparison, never wall-clock:
// determinism requires it.
type CooldownEntry struct {
	SetIdx    int64  `json:"set_idx"`
	UntilIdx  int64  `json:"until_idx"`
	Attempts  int    `json:"attempts"`
	Rollbacks int    `json:"rollbacks"`
	Reason    string `json:"reason,omitempty"`
}

// CooldownStore is the file-backed cooldown map. Only the governance
// cooldown scanner sets entries; the optimizer merely consults them.
type CooldownStore struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	entries map[string]CooldownEntry
}

type cooldownDoc struct {
	SchemaVersion int                      `json:"schema_version"`
	Entries       map[string]CooldownEntry `json:"entries"`
}

// NewCooldownStore returns an empty store persisting to path (empty path
// for memory-only).
func NewCooldownStore(path string) *CooldownStore {
	return &CooldownStore{
		path:    path,
		log:     logging.New("cooldown"),
		entries: map[string]CooldownEntry{},
	}
}

// LoadCooldowns reads the store from path. Missing or corrupt files
// degrade to an empty store.
func LoadCooldowns(path string) *CooldownStore {
	s := NewCooldownStore(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s
	}
	if err != nil {
		s.log.Warn("store unreadable, starting empty", "path", path, "error", err)
		return s
	}
	var doc cooldownDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("store unparsable, starting empty", "path", path, "error", err)
		return s
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
	return s
}

// Save persists the store.
func (s *CooldownStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := cooldownDoc{SchemaVersion: CooldownSchemaVersion, Entries: s.entries}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("gating: marshal cooldowns: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("gating: write cooldowns: %w", err)
	}
	return nil
}

// CooldownKey builds the store key for one candidate value under one
// baseline bucket.
func CooldownKey(module, knob, value, baselineKey string) string {
	return strings.Join([]string{module, knob, value, baselineKey}, "::")
}

// IsActive reports whether the key is cooled down at the given ledger
// index.
func (s *CooldownStore) IsActive(key string, nowIdx int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && nowIdx < e.UntilIdx
}

// Set records or overwrites a cooldown entry.
func (s *CooldownStore) Set(key string, e CooldownEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
}

// Get returns the entry for key, if present.
func (s *CooldownStore) Get(key string) (CooldownEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// Prune removes expired entries and returns their keys in sorted order,
// so callers can log one cooldown_cleared ledger entry per key.
func (s *CooldownStore) Prune(nowIdx int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for key, e := range s.entries {
		if nowIdx >= e.UntilIdx {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		delete(s.entries, key)
	}
	return removed
}

// Keys returns all stored keys in sorted order.
func (s *CooldownStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries, active or not.
func (s *CooldownStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

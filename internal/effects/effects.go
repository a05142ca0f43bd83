// Package effects accumulates online statistics of observed metric
// deltas, keyed by (module, knob, value, baseline bucket, metric). It is
// the evidence base the optimizer and the promotion scanner read from.
package effects

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"tuneplane/internal/canonjson"
	"tuneplane/internal/logging"
)

// SchemaVersion of the snapshot file format.
const SchemaVersion = 1

// Stats is a Welford-style running accumulator over observed deltas
// (after - before) for one metric under one context bucket.
type Stats struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	M2   float64 `json:"m2"`
}

// Add folds one observation into the accumulator.
func (s *Stats) Add(x float64) {
	s.N++
	d := x - s.Mean
	s.Mean += d / float64(s.N)
	s.M2 += d * (x - s.Mean)
}

// Variance returns the sample variance, 0 when fewer than two samples.
func (s *Stats) Variance() float64 {
	if s.N < 2 {
		return 0
	}
	return s.M2 / float64(s.N-1)
}

// Z returns |mean| over the standard error of the mean. Zero variance
// with a non-zero mean yields +Inf; no samples yields 0.
func (s *Stats) Z() float64 {
	if s.N == 0 {
		return 0
	}
	v := s.Variance()
	if v == 0 {
		if s.Mean == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(s.Mean) / math.Sqrt(v/float64(s.N))
}

// Store holds per-context effect statistics and persists them as a
// hash-verified snapshot file. The outer key is
// module::knob::value::baseline, the inner key the metric name.
type Store struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	stats map[string]map[string]*Stats

	// Tracked restricts which metrics Record folds in. Empty means every
	// numeric metric present in both snapshots.
	Tracked []string
}

type storeDoc struct {
	SchemaVersion int                          `json:"schema_version"`
	ContentHash   string                       `json:"content_hash"`
	Stats         map[string]map[string]*Stats `json:"stats"`
}

// New returns an empty store that will persist to path. An empty path
// makes the store memory-only.
func New(path string) *Store {
	return &Store{
		path:  path,
		log:   logging.New("effects"),
		stats: map[string]map[string]*Stats{},
	}
}

// Load reads a snapshot from path. Corrupt state must never block the
// control loop: a missing, unparsable, or hash-mismatched file degrades
// to an empty store, forfeiting the accumulated evidence.
func Load(path string) *Store {
	s := New(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s
	}
	if err != nil {
		s.log.Warn("snapshot unreadable, starting empty", "path", path, "error", err)
		return s
	}

	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn("snapshot unparsable, starting empty", "path", path, "error", err)
		return s
	}

	stored := doc.ContentHash
	doc.ContentHash = ""
	want, err := canonjson.Hash(doc)
	if err != nil || want != stored {
		s.log.Warn("snapshot hash mismatch, starting empty", "path", path)
		return s
	}

	if doc.Stats != nil {
		s.stats = doc.Stats
	}
	return s
}

// Save writes the snapshot with its content hash.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := storeDoc{SchemaVersion: SchemaVersion, Stats: s.stats}
	hash, err := canonjson.Hash(doc)
	if err != nil {
		return fmt.Errorf("effects: hash snapshot: %w", err)
	}
	doc.ContentHash = hash

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("effects: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("effects: write snapshot: %w", err)
	}
	return nil
}

// Key builds the outer store key.
func Key(module, knob, value, baselineKey string) string {
	return strings.Join([]string{module, knob, value, baselineKey}, "::")
}

// Record folds (after - before) deltas into the store for every tracked
// metric present in both snapshots.
func (s *Store) Record(module, knob, value, baselineKey string, before, after map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, metric := range s.sharedMetrics(before, after) {
		s.add(Key(module, knob, value, baselineKey), metric, after[metric]-before[metric])
	}
}

// RecordSample folds a single explicit delta, bypassing snapshot
// comparison. The canary uses it to register rollback penalties as
// negative evidence.
func (s *Store) RecordSample(module, knob, value, baselineKey, metric string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(Key(module, knob, value, baselineKey), metric, delta)
}

func (s *Store) add(key, metric string, delta float64) {
	bucket, ok := s.stats[key]
	if !ok {
		bucket = map[string]*Stats{}
		s.stats[key] = bucket
	}
	st, ok := bucket[metric]
	if !ok {
		st = &Stats{}
		bucket[metric] = st
	}
	st.Add(delta)
}

// GetStats returns (n, mean, variance) for one exact key, zeros when the
// key has never been observed.
func (s *Store) GetStats(module, knob, value, baselineKey, metric string) (int64, float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lookup(Key(module, knob, value, baselineKey), metric); st != nil {
		return st.N, st.Mean, st.Variance()
	}
	return 0, 0, 0
}

// Lookup returns a copy of the accumulator for one exact key, and whether
// it exists.
func (s *Store) Lookup(module, knob, value, baselineKey, metric string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.lookup(Key(module, knob, value, baselineKey), metric); st != nil {
		return *st, true
	}
	return Stats{}, false
}

func (s *Store) lookup(key, metric string) *Stats {
	bucket, ok := s.stats[key]
	if !ok {
		return nil
	}
	return bucket[metric]
}

// DonorBuckets returns, per baseline key, a copy of the stats for
// (module, knob, value, metric) across every bucket except exclude.
// Iteration-safe: keys are sorted.
func (s *Store) DonorBuckets(module, knob, value, metric, exclude string) map[string]Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.Join([]string{module, knob, value}, "::") + "::"
	donors := map[string]Stats{}
	for key, bucket := range s.stats {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		baselineKey := strings.TrimPrefix(key, prefix)
		if baselineKey == exclude {
			continue
		}
		if st, ok := bucket[metric]; ok && st.N > 0 {
			donors[baselineKey] = *st
		}
	}
	return donors
}

// Keys returns all outer keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.stats))
	for k := range s.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metrics returns the sorted metric names recorded under one outer key.
func (s *Store) Metrics(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.stats[key]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(bucket))
	for m := range bucket {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

func (s *Store) sharedMetrics(before, after map[string]float64) []string {
	var names []string
	for name := range before {
		if _, ok := after[name]; !ok {
			continue
		}
		if len(s.Tracked) > 0 && !contains(s.Tracked, name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

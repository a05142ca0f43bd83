// Package promote implements the promotion governance pipeline: the
// statistical proposal scanner, the policy store of standing promotions,
// the budgeted executor with revocation, the safe-set builder, and the
// cooldown scanner. Everything here derives from two inputs — a ledger
// tail and the effect store — so every output is independently
// reproducible.
package promote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"tuneplane/internal/logging"
)

// PolicySchemaVersion of the promotion policy file format.
const PolicySchemaVersion = 1

// PolicyItem is one standing promotion. A promotion is never deleted,
// only marked revoked — the audit history stays intact.
type PolicyItem struct {
	ModuleID      string `json:"module_id"`
	Knob          string `json:"knob"`
	Value         any    `json:"value"`
	BaselineKey   string `json:"baseline_signature"`
	Metric        string `json:"metric_name"`
	PromotedAtIdx int64  `json:"promoted_at_idx"`
	ProposalHash  string `json:"proposal_hash"`
	RevokedAtIdx  *int64 `json:"revoked_at_idx,omitempty"`
}

// Revoked reports whether the item has been revoked.
func (p *PolicyItem) Revoked() bool { return p.RevokedAtIdx != nil }

func (p *PolicyItem) key() string {
	return p.ModuleID + "::" + p.Knob + "::" + p.BaselineKey + "::" + p.Metric
}

// Policy is the flat, file-backed list of promotion items.
type Policy struct {
	path string
	log  *slog.Logger

	mu    sync.Mutex
	items []PolicyItem
}

type policyDoc struct {
	SchemaVersion int          `json:"schema_version"`
	Items         []PolicyItem `json:"items"`
}

// NewPolicy returns an empty policy persisting to path (empty for
// memory-only).
func NewPolicy(path string) *Policy {
	return &Policy{path: path, log: logging.New("promote")}
}

// LoadPolicy reads the policy file. Corrupt or unreadable files degrade
// to an empty policy rather than raising.
func LoadPolicy(path string) *Policy {
	p := NewPolicy(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p
	}
	if err != nil {
		p.log.Warn("policy unreadable, starting empty", "path", path, "error", err)
		return p
	}
	var doc policyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		p.log.Warn("policy unparsable, starting empty", "path", path, "error", err)
		return p
	}
	p.items = doc.Items
	return p
}

// Save persists the policy.
func (p *Policy) Save() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.MarshalIndent(policyDoc{SchemaVersion: PolicySchemaVersion, Items: p.items}, "", "  ")
	if err != nil {
		return fmt.Errorf("promote: marshal policy: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return fmt.Errorf("promote: write policy: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the item for its (module, knob, baseline,
// metric) key.
func (p *Policy) Upsert(item PolicyItem) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.items {
		if p.items[i].key() == item.key() {
			p.items[i] = item
			return
		}
	}
	p.items = append(p.items, item)
}

// Revoke marks every matching non-revoked item with the given ledger
// index. Items are never deleted.
func (p *Policy) Revoke(moduleID, knob, baselineKey string, atIdx int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.items {
		it := &p.items[i]
		if it.ModuleID != moduleID || it.Knob != knob || it.BaselineKey != baselineKey {
			continue
		}
		if it.Revoked() {
			continue
		}
		idx := atIdx
		it.RevokedAtIdx = &idx
		n++
	}
	return n
}

// Items returns a copy of all items, revoked included, in stable sorted
// order.
func (p *Policy) Items() []PolicyItem {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PolicyItem, len(p.items))
	copy(out, p.items)
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Active returns only non-revoked items, sorted.
func (p *Policy) Active() []PolicyItem {
	var out []PolicyItem
	for _, it := range p.Items() {
		if !it.Revoked() {
			out = append(out, it)
		}
	}
	return out
}

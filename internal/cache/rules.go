package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"forge.dev/engine/internal/digest"
)

const (
	// RulesDirectoryName holds persisted memo entries for rules flagged
	// persistent.
	RulesDirectoryName = "rules"
	ruleRecordVersion  = 1
)

type ruleRecord struct {
	Version int    `json:"version"`
	Payload []byte `json:"payload"`
}

// RuleCache persists memo entries for deterministic rules flagged
// persistent, keyed by rule-identity hash. Values cross the boundary as
// opaque bytes; the evaluator owns their encoding.
type RuleCache struct {
	root string
}

// NewRuleCache opens the persistent rule memo under root.
func NewRuleCache(root string) (*RuleCache, error) {
	if err := os.MkdirAll(filepath.Join(root, RulesDirectoryName), 0o755); err != nil {
		return nil, fmt.Errorf("cache: init rule cache: %w", err)
	}
	return &RuleCache{root: root}, nil
}

func (c *RuleCache) path(key digest.Digest) string {
	return filepath.Join(c.root, RulesDirectoryName, filepath.FromSlash(key.ShardPath()))
}

// Get returns the payload stored for key. Missing, corrupt, or
// stale-format entries miss.
func (c *RuleCache) Get(key digest.Digest) ([]byte, bool, error) {
	raw, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: read rule record: %w", err)
	}
	var record ruleRecord
	if err := json.Unmarshal(raw, &record); err != nil || record.Version != ruleRecordVersion {
		_ = os.Remove(c.path(key))
		return nil, false, nil
	}
	return record.Payload, true, nil
}

// Put stores payload for key, replacing any previous entry.
func (c *RuleCache) Put(key digest.Digest, payload []byte) error {
	raw, err := json.Marshal(ruleRecord{Version: ruleRecordVersion, Payload: payload})
	if err != nil {
		return fmt.Errorf("cache: encode rule record: %w", err)
	}
	path := c.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: write rule record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("cache: write rule record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cache: write rule record: %w", err)
	}
	return nil
}

package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/Doot-Foundation/zec-mina-barter-sub000/logging"
)

// TrackedKeys persists the set of trade keys the operator has been asked to
// watch, so a restarted process resumes monitoring keys it has never seen
// materialize on L1. The file is a plain JSON array of display-form keys,
// rewritten whole on every change.
type TrackedKeys struct {
	mu    sync.Mutex
	path  string
	keys  []TradeKey
	index map[TradeKey]struct{}
	log   *logging.ComponentLogger
}

// NewTrackedKeys loads the store from path. A missing or malformed file
// starts the store empty; load problems are logged, never fatal.
func NewTrackedKeys(path string, logger *logging.ComponentLogger) *TrackedKeys {
	t := &TrackedKeys{
		path:  path,
		index: make(map[TradeKey]struct{}),
		log:   logger,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warn().Err(err).Str("path", path).Msg("Failed to read tracked keys file, starting empty")
		}
		return t
	}

	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.log.Warn().Err(err).Str("path", path).Msg("Malformed tracked keys file, starting empty")
		return t
	}

	for _, s := range raw {
		k := TradeKey(s)
		if _, dup := t.index[k]; dup {
			continue
		}
		t.keys = append(t.keys, k)
		t.index[k] = struct{}{}
	}
	return t
}

// List returns the tracked keys in registration order.
func (t *TrackedKeys) List() []TradeKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TradeKey, len(t.keys))
	copy(out, t.keys)
	return out
}

// Contains reports whether key is tracked.
func (t *TrackedKeys) Contains(key TradeKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[key]
	return ok
}

// Register adds key to the set and rewrites the file.
func (t *TrackedKeys) Register(key TradeKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[key]; ok {
		return nil
	}
	t.keys = append(t.keys, key)
	t.index[key] = struct{}{}
	return t.save()
}

// Unregister removes key from the set and rewrites the file.
func (t *TrackedKeys) Unregister(key TradeKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[key]; !ok {
		return nil
	}
	delete(t.index, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
	return t.save()
}

// save rewrites the whole file. Write to a temp file first, then rename, so
// a crash mid-write never leaves a torn file. Callers hold t.mu, which
// serializes writers.
func (t *TrackedKeys) save() error {
	raw := make([]string, len(t.keys))
	for i, k := range t.keys {
		raw[i] = string(k)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal tracked keys")
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create tracked keys directory")
	}

	tempPath := t.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write tracked keys")
	}
	if err := os.Rename(tempPath, t.path); err != nil {
		return errors.Wrap(err, "failed to rename tracked keys file")
	}
	return nil
}

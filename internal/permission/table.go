package permission

import (
	"context"
	"maps"
	"sync"
)

// Table maps function names to permission levels with a single default.
// Writes are last-write-wins with no versioning. Safe for concurrent use.
type Table struct {
	mu           sync.RWMutex
	entries      map[string]Level
	defaultLevel Level
}

// NewTable creates an empty table falling back to def.
func NewTable(def Level) *Table {
	return &Table{
		entries:      make(map[string]Level),
		defaultLevel: def,
	}
}

// Set records the level for a function, replacing any previous entry.
func (t *Table) Set(name string, level Level) {
	t.mu.Lock()
	t.entries[name] = level
	t.mu.Unlock()
}

// Delete removes an explicit entry so the function falls back to the default.
func (t *Table) Delete(name string) {
	t.mu.Lock()
	delete(t.entries, name)
	t.mu.Unlock()
}

// Resolve returns the explicit entry for name, or the default.
func (t *Table) Resolve(name string) Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.entries[name]; ok {
		return l
	}
	return t.defaultLevel
}

// Lookup returns the explicit entry for name and whether one exists.
func (t *Table) Lookup(name string) (Level, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.entries[name]
	return l, ok
}

// Default returns the fallback level.
func (t *Table) Default() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultLevel
}

// SetDefault replaces the fallback level.
func (t *Table) SetDefault(level Level) {
	t.mu.Lock()
	t.defaultLevel = level
	t.mu.Unlock()
}

// Merge applies every entry in src on top of the current table.
func (t *Table) Merge(src map[string]Level) {
	t.mu.Lock()
	maps.Copy(t.entries, src)
	t.mu.Unlock()
}

// Snapshot returns a copy of the explicit entries.
func (t *Table) Snapshot() map[string]Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.entries)
}

// Store persists the permission table across restarts.
type Store interface {
	LoadPermissions(ctx context.Context) (map[string]Level, error)
	SavePermission(ctx context.Context, function string, level Level) error
	DeletePermission(ctx context.Context, function string) error
}

// Package plugin implements the plugin host ABI of spec.md §4.6: a sandboxed,
// stateless detect/apply function pair per file type, invoked by the
// executor (§4.4 step 2) and the filesystem projection (§4.5) to turn raw
// file bytes into entity-level domain changes and back.
package plugin

import (
	"sync"

	"gitlab.com/tozd/go/errors"
)

// File is the guest-visible view of one tracked file (spec.md §4.6).
type File struct {
	ID   string
	Path string
	Data []byte
}

// EntityChange is one entity-level change a plugin detects or applies
// (spec.md §4.6). A nil SnapshotContent is a tombstone.
type EntityChange struct {
	EntityID        string
	SchemaKey       string
	SchemaVersion   string
	SnapshotContent []byte
}

// ErrInvalidInput marks a guest-reported shape violation (spec.md §4.6
// invariants); ErrInternal marks a guest-side encoding failure that is not
// the caller's fault.
var (
	ErrInvalidInput = errors.Base("plugin: invalid input")
	ErrInternal     = errors.Base("plugin: internal error")
)

// Plugin is the guest ABI every file-type plugin implements (spec.md §4.6):
// a pure, stateless function pair. before is nil when the file did not
// previously exist.
type Plugin interface {
	Key() string
	DetectChanges(before, after *File) ([]EntityChange, errors.E)
	ApplyChanges(file *File, changes []EntityChange) ([]byte, errors.E)
}

// Host dispatches to installed plugins by key, and caches the installed set
// the way the executor's step 10 invalidates it (spec.md §4.4 step 10:
// "if the batch touched lix_internal_plugin, invalidate the installed-
// plugins cache").
type Host struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewHost returns a Host with no plugins registered.
func NewHost() *Host {
	return &Host{plugins: map[string]Plugin{}} //nolint:exhaustruct
}

// Register installs p, keyed by p.Key(). A later Register with the same key
// replaces the plugin, mirroring the live-reinstall semantics of
// lix_internal_plugin rows.
func (h *Host) Register(p Plugin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.plugins[p.Key()] = p
}

// ErrUnknownPlugin is returned when no plugin is registered for a key.
var ErrUnknownPlugin = errors.Base("plugin: unknown plugin key")

// Lookup resolves a registered plugin by key.
func (h *Host) Lookup(key string) (Plugin, errors.E) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.plugins[key]
	if !ok {
		errE := errors.WithStack(ErrUnknownPlugin)
		errors.Details(errE)["plugin_key"] = key
		return nil, errE
	}
	return p, nil
}

// Invalidate drops every cached resolution keyed off the installed-plugin
// set (spec.md §4.4 step 10). The Host itself holds no derived cache today
// beyond the registration map, so this is a no-op reserved for a future
// planner-side cache the way schema.Registry's snapshot cache works.
func (h *Host) Invalidate() {}

// DetectChanges resolves the plugin for pluginKey and runs its detector.
func (h *Host) DetectChanges(pluginKey string, before, after *File) ([]EntityChange, errors.E) {
	p, errE := h.Lookup(pluginKey)
	if errE != nil {
		return nil, errE
	}
	return p.DetectChanges(before, after)
}

// ApplyChanges resolves the plugin for pluginKey and runs its applier.
func (h *Host) ApplyChanges(pluginKey string, file *File, changes []EntityChange) ([]byte, errors.E) {
	p, errE := h.Lookup(pluginKey)
	if errE != nil {
		return nil, errE
	}
	return p.ApplyChanges(file, changes)
}

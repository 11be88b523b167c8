package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/sqlast"
	"gitlab.com/lixql/engine/state"
)

// ErrUnsupportedActiveVersionWrite is returned when a write against
// lix_active_version is not the single supported shape, `UPDATE
// lix_active_version SET version_id = '<literal>'` (spec.md line 123: its own
// priority rewrite rule, replacing the cell atomically rather than merging a
// partial row).
var ErrUnsupportedActiveVersionWrite = errors.Base("engine: unsupported lix_active_version write")

// activeVersionUpdate matches the one UPDATE shape lix_active_version
// supports: no WHERE clause (there is exactly one row, spec.md line 76) and a
// single version_id assignment.
var activeVersionUpdate = regexp.MustCompile(`(?is)^\s*UPDATE\s+"?lix_active_version"?\s+SET\s+version_id\s*=\s*'([^']*)'\s*;?\s*$`)

// activeVersionKey is the fixed row key every lix_active_version read/write
// resolves to (spec.md line 76: a global, untracked singleton, not scoped to
// any one branch's own state).
func activeVersionKey() state.RowKey {
	return state.RowKey{EntityID: state.ActiveVersionEntityID, FileID: "", VersionID: state.GlobalVersionID}
}

// activeVersionID resolves the version a statement without an explicit
// lixcol_version_id predicate runs against (spec.md §6.1), reading the
// lix_active_version singleton through a sync.RWMutex-guarded cache
// (SPEC_FULL.md §5) so repeated Execute calls don't re-query the backend for
// a cell that changes only on an explicit UPDATE lix_active_version.
// Concurrent cache misses are collapsed into one backend read via
// singleflight (SPEC_FULL.md §2), so a burst of reads racing the very first
// Init-to-Execute call only pays for a single load.
func (e *Engine) activeVersionID(ctx context.Context) (string, errors.E) {
	e.activeVersionMu.RLock()
	cached := e.activeVersionCache
	e.activeVersionMu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	result, err, _ := e.activeVersionGroup.Do("active-version", func() (any, error) {
		versionID, errE := e.loadActiveVersionID(ctx)
		if errE != nil {
			return "", errE
		}
		e.activeVersionMu.Lock()
		e.activeVersionCache = versionID
		e.activeVersionMu.Unlock()
		return versionID, nil
	})
	if err != nil {
		var errE errors.E
		if errors.As(err, &errE) {
			return "", errE
		}
		return "", errors.WithStack(err)
	}
	return result.(string), nil //nolint:forcetypeassert
}

// loadActiveVersionID reads the lix_active_version singleton directly off
// the backend, bypassing the cache — the one uncached read, on a cache miss.
func (e *Engine) loadActiveVersionID(ctx context.Context) (string, errors.E) {
	s, errE := e.registry.Lookup("lix_active_version", "")
	if errE != nil {
		return "", errE
	}
	store := state.New(e.backend, s)
	untracked, _, errE := store.GetLive(ctx, activeVersionKey())
	if errE != nil {
		return "", errE
	}
	if untracked == nil || untracked.SnapshotContent == nil {
		return "", errors.New("engine: lix_active_version singleton is missing; Init must seed it")
	}
	var fields struct {
		VersionID string `json:"version_id"`
	}
	if err := json.Unmarshal(untracked.SnapshotContent, &fields); err != nil {
		return "", errors.WithStack(err)
	}
	return fields.VersionID, nil
}

// invalidateActiveVersionCache forces the next activeVersionID call to
// re-read the backend, called right after a successful lix_active_version
// write commits.
func (e *Engine) invalidateActiveVersionCache() {
	e.activeVersionMu.Lock()
	e.activeVersionCache = ""
	e.activeVersionMu.Unlock()
}

// readActiveVersion intercepts a SELECT against lix_active_version, the same
// interception-before-Compile pattern Execute uses for lix_file(_by_version)
// (see readFile): the singleton's one row lives in the untracked overlay
// under a fixed entity_id, not behind the generic entity-view rewrite (which
// would need a WHERE clause to resolve a target row rather than always
// returning the one row that exists).
func (e *Engine) readActiveVersion(ctx context.Context, stmt *sqlast.Statement) (*backend.QueryResult, bool, errors.E) {
	if stmt.Kind != sqlast.KindSelect || !referencesExactly(stmt, "lix_active_version") {
		return nil, false, nil
	}
	versionID, errE := e.activeVersionID(ctx)
	if errE != nil {
		return nil, true, errE
	}
	return &backend.QueryResult{ //nolint:exhaustruct
		Columns: []string{"version_id"},
		Rows:    [][]backend.Value{{backend.TextValue(versionID)}},
	}, true, nil
}

// writeActiveVersion intercepts an UPDATE against lix_active_version,
// replacing the singleton atomically (spec.md line 76) rather than routing
// it through the generic entity-view rewriter: there is no entity_id to
// resolve a predicate against, and the write must invalidate the cache
// activeVersionID reads from.
func (e *Engine) writeActiveVersion(ctx context.Context, sql string) (bool, errors.E) {
	m := activeVersionUpdate.FindStringSubmatch(sql)
	if m == nil {
		if strings.Contains(strings.ToLower(sql), "lix_active_version") {
			return true, errors.WithStack(ErrUnsupportedActiveVersionWrite)
		}
		return false, nil
	}
	targetVersionID := m[1]

	tx, errE := e.backend.BeginTransaction(ctx)
	if errE != nil {
		return true, errE
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, errE := state.NewVersionStore(tx).Descriptor(ctx, targetVersionID); errE != nil {
		return true, errE
	}

	s, errE := e.registry.Lookup("lix_active_version", "")
	if errE != nil {
		return true, errE
	}
	content, err := json.Marshal(map[string]any{"version_id": targetVersionID})
	if err != nil {
		return true, errors.WithStack(err)
	}
	timestamp := e.now()
	store := state.New(tx, s)
	errE = store.UpsertUntracked(ctx, state.UntrackedRow{ //nolint:exhaustruct
		EntityID:        state.ActiveVersionEntityID,
		SchemaKey:       s.Key,
		FileID:          "",
		VersionID:       state.GlobalVersionID,
		PluginKey:       "lix_own_entity",
		SnapshotContent: content,
		SchemaVersion:   s.Version,
		CreatedAt:       timestamp,
		UpdatedAt:       timestamp,
	})
	if errE != nil {
		return true, errE
	}
	if errE := tx.Commit(ctx); errE != nil {
		return true, errE
	}
	committed = true
	e.invalidateActiveVersionCache()
	return true, nil
}

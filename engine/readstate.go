package engine

import (
	"context"
	"regexp"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/sqlast"
	"gitlab.com/lixql/engine/state"
)

// ErrUnsupportedStateRead is returned for a lix_state or lix_state_by_version
// SELECT that is not the single-table shape `SELECT ... FROM <view> [WHERE
// ...]`. Any WHERE clause is accepted: the reader takes the target version
// from a `version_id = '<literal>'` term in it, or else falls back to the
// active version, and applies none of the clause's other terms (spec.md
// §4.2.1 describes a full recursive CTE parameterized per target version).
var ErrUnsupportedStateRead = errors.Base("engine: unsupported lix_state_by_version predicate")

var lixStateSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+.+?\s+FROM\s+"?(lix_state_by_version|lix_state)"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var versionIDEqualityClause = regexp.MustCompile(`(?is)version_id\s*=\s*'([^']*)'`)

// readState intercepts a SELECT against lix_state or lix_state_by_version
// (spec.md §4.2.1): the schema-key-agnostic union across every installed
// schema's live rows, enriched with the ancestor version a row was actually
// found at (spec.md §3.3 invariant 8) and the commit it belongs to. Unlike
// RewriteEntitySelect (read.go), which lowers one schema's entity view, this
// walks the full registry — there is no single backing materialized table
// for "every schema_key at once".
//
// Per spec.md line 182, any read mentioning lix_state* first triggers a
// best-effort working-projection refresh (workingprojection.go) before the
// union runs, so an uncommitted write already reflects in lix_commit/
// lix_change/lix_change_set_element reads that follow in the same session.
func (e *Engine) readState(ctx context.Context, tx backend.Transaction, stmt *sqlast.Statement, sql string, activeVersionID string) (*backend.QueryResult, bool, errors.E) {
	if stmt.Kind != sqlast.KindSelect || !referencesExactly(stmt, "lix_state", "lix_state_by_version") {
		return nil, false, nil
	}

	m := lixStateSelect.FindStringSubmatch(sql)
	if m == nil {
		return nil, true, errors.WithStack(ErrUnsupportedStateRead)
	}
	where := m[2]

	// A predicate over inherited_from_version_id (spec.md §4.2.2's DELETE
	// note) needs no special casing here: collectStateRows always walks the
	// full ancestor chain and reports inherited_from_version_id on every row,
	// so such a predicate is just an ordinary column filter the caller
	// applies to this reader's result.
	targetVersionID := activeVersionID
	if wm := versionIDEqualityClause.FindStringSubmatch(where); wm != nil {
		targetVersionID = wm[1]
	}

	if errE := e.refreshWorkingProjection(ctx, tx, targetVersionID); errE != nil {
		return nil, true, errE
	}

	result, errE := e.collectStateRows(ctx, tx, targetVersionID)
	if errE != nil {
		return nil, true, errE
	}
	return result, true, nil
}

// collectStateRows resolves, for every installed schema and every entity_id
// reachable in targetVersionID's inheritance chain, the nearest ancestor
// that holds a recorded row (spec.md §3.3 invariant 8) and projects it into
// one of lix_state's rows, enriched with the commit it was written in
// (spec.md §4.2.1: "enriches with commit_id resolved via
// lix_change_set_element and lix_commit").
func (e *Engine) collectStateRows(ctx context.Context, tx backend.Transaction, targetVersionID string) (*backend.QueryResult, errors.E) {
	versions := state.NewVersionStore(tx)
	walker := state.NewInheritanceWalker(versions.Descriptor)
	chain, errE := walker.Chain(ctx, targetVersionID)
	if errE != nil {
		return nil, errE
	}

	commitByChangeSet, errE := loadCommitIDByChangeSet(ctx, tx)
	if errE != nil {
		return nil, errE
	}
	changeSetByChange, errE := loadChangeSetIDByChange(ctx, tx)
	if errE != nil {
		return nil, errE
	}

	columns := []string{
		"entity_id", "schema_key", "file_id", "version_id", "plugin_key",
		"snapshot_content", "schema_version", "created_at", "updated_at",
		"inherited_from_version_id", "commit_id",
	}
	var rows [][]backend.Value

	for _, key := range e.registry.Keys() {
		s, errE := e.registry.Lookup(key, "")
		if errE != nil {
			continue
		}

		type resolvedEntry struct {
			row           versionedRow
			resolvedAtVer string
		}
		resolved := map[string]resolvedEntry{}
		seen := map[string]bool{}

		for _, v := range chain {
			rowsAtV, errE := scanRowsAtVersion(ctx, tx, s, v)
			if errE != nil {
				return nil, errE
			}
			for _, r := range rowsAtV {
				if seen[r.entityID] {
					continue
				}
				seen[r.entityID] = true
				if r.content != nil {
					resolved[r.entityID] = resolvedEntry{row: r, resolvedAtVer: v}
				}
			}
		}

		for entityID, entry := range resolved {
			commitID := ""
			if entry.row.changeID != "" {
				if changeSetID, ok := changeSetByChange[entry.row.changeID]; ok {
					commitID = commitByChangeSet[changeSetID]
				}
			}
			rows = append(rows, []backend.Value{
				backend.TextValue(entityID),
				backend.TextValue(s.Key),
				backend.TextValue(entry.row.fileID),
				backend.TextValue(targetVersionID),
				backend.TextValue(entry.row.pluginKey),
				backend.BlobValue(entry.row.content),
				backend.TextValue(entry.row.schemaVersion),
				backend.TextValue(entry.row.createdAt),
				backend.TextValue(entry.row.updatedAt),
				textOrNull(state.InheritedFromVersionID(targetVersionID, entry.resolvedAtVer)),
				textOrNull(commitID),
			})
		}
	}

	return &backend.QueryResult{Columns: columns, Rows: rows}, nil //nolint:exhaustruct
}

func loadCommitIDByChangeSet(ctx context.Context, tx backend.Transaction) (map[string]string, errors.E) {
	result, errE := tx.Execute(ctx, `SELECT id, change_set_id FROM lix_internal_commit`, nil)
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return map[string]string{}, nil
		}
		return nil, errE
	}
	out := make(map[string]string, len(result.Rows))
	for _, row := range result.Rows {
		out[row[1].Text] = row[0].Text
	}
	return out, nil
}

func loadChangeSetIDByChange(ctx context.Context, tx backend.Transaction) (map[string]string, errors.E) {
	result, errE := tx.Execute(ctx, `SELECT change_id, change_set_id FROM lix_internal_change_set_element`, nil)
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return map[string]string{}, nil
		}
		return nil, errE
	}
	out := make(map[string]string, len(result.Rows))
	for _, row := range result.Rows {
		out[row[0].Text] = row[1].Text
	}
	return out, nil
}

package engine

import (
	"context"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/sqlast"
	"gitlab.com/lixql/engine/state"
)

// ErrUnsupportedVersionRead is returned for a lix_version SELECT whose WHERE
// clause is neither absent nor the single bounded shape this reader
// supports, `WHERE id = '<literal>'` (spec.md §4.2.1's lix_version is a join
// of the descriptor and pointer vtable projections — a fuller predicate
// needs the same AST-rewrite machinery the "Known scope gaps" DESIGN.md
// entry describes for lix_state_history's recursive CTE).
var ErrUnsupportedVersionRead = errors.Base("engine: unsupported lix_version read")

var lixVersionSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+.+?\s+FROM\s+"?lix_version"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var singleEqualityPredicate = regexp.MustCompile(`(?is)^([a-zA-Z0-9_]+)\s*=\s*'([^']*)'$`)

// readVersion intercepts a SELECT against lix_version (spec.md §4.2.1: "join
// of the two vtable projections for lix_version_descriptor and
// lix_version_pointer"), the same interception-before-Compile pattern
// Execute uses for lix_file/lix_active_version — lix_version's own rows
// never pass through RewriteEntitySelect, since they are split across two
// separately-schemaed tables that only this join-aware reader knows to
// stitch back together.
func (e *Engine) readVersion(ctx context.Context, tx backend.Transaction, stmt *sqlast.Statement, sql string) (*backend.QueryResult, bool, errors.E) {
	if stmt.Kind != sqlast.KindSelect || !referencesExactly(stmt, "lix_version") {
		return nil, false, nil
	}

	m := lixVersionSelect.FindStringSubmatch(sql)
	if m == nil {
		return nil, true, errors.WithStack(ErrUnsupportedVersionRead)
	}
	where := strings.TrimSpace(m[1])

	var ids []string
	if where != "" {
		id, ok := singleVersionIDPredicate(where)
		if !ok {
			return nil, true, errors.WithStack(ErrUnsupportedVersionRead)
		}
		ids = []string{id}
	} else {
		allIDs, errE := allVersionIDs(ctx, tx, e)
		if errE != nil {
			return nil, true, errE
		}
		ids = allIDs
	}

	descriptorSchema, errE := e.registry.Lookup("lix_version_descriptor", "")
	if errE != nil {
		return nil, true, errE
	}
	pointerSchema, errE := e.registry.Lookup("lix_version_pointer", "")
	if errE != nil {
		return nil, true, errE
	}

	columns := []string{"id", "name", "inherits_from_version_id", "hidden", "commit_id", "working_commit_id"}
	var rows [][]backend.Value
	for _, id := range ids {
		descriptorFields, errE := loadCurrentSnapshot(ctx, tx, descriptorSchema, id)
		if errE != nil {
			return nil, true, errE
		}
		pointerFields, errE := loadCurrentSnapshot(ctx, tx, pointerSchema, id)
		if errE != nil {
			return nil, true, errE
		}
		if descriptorFields == nil || pointerFields == nil {
			continue
		}
		inheritsFrom := stringField(descriptorFields, "inherits_from_version_id")
		rows = append(rows, []backend.Value{
			backend.TextValue(id),
			backend.TextValue(stringField(descriptorFields, "name")),
			textOrNull(inheritsFrom),
			backend.BooleanValue(boolField(descriptorFields, "hidden")),
			backend.TextValue(stringField(pointerFields, "commit_id")),
			backend.TextValue(stringField(pointerFields, "working_commit_id")),
		})
	}

	return &backend.QueryResult{Columns: columns, Rows: rows}, true, nil //nolint:exhaustruct
}

func singleVersionIDPredicate(where string) (string, bool) {
	m := singleEqualityPredicate.FindStringSubmatch(where)
	if m == nil || !strings.EqualFold(m[1], "id") {
		return "", false
	}
	return m[2], true
}

// allVersionIDs enumerates every version descriptor's entity id — the
// unfiltered SELECT * FROM lix_version shape — by scanning the descriptor
// schema's global-version row set (spec.md §3.2: version descriptors are
// themselves own-entity rows, stored at the global version, not one per
// branch).
func allVersionIDs(ctx context.Context, tx backend.Transaction, e *Engine) ([]string, errors.E) {
	descriptorSchema, errE := e.registry.Lookup("lix_version_descriptor", "")
	if errE != nil {
		return nil, errE
	}
	rows, errE := scanRowsAtVersion(ctx, tx, descriptorSchema, state.GlobalVersionID)
	if errE != nil {
		return nil, errE
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.content == nil {
			continue
		}
		ids = append(ids, r.entityID)
	}
	return ids, nil
}

func textOrNull(v string) backend.Value {
	if v == "" {
		return backend.NullValue()
	}
	return backend.TextValue(v)
}

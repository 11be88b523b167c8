package rewrite

import (
	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/sqlast"
)

// ResolvedWrite carries the live row(s) an UPDATE/DELETE's WHERE clause
// resolved to, computed by the engine before Compile runs and threaded
// through to RewriteUpdate/RewriteDelete. Without it, those rewriters have
// no way to know which entity_id a predicate like `WHERE k = 'a'` names, or
// what its unset columns currently hold (spec.md §8 Scenario 2, and the
// DELETE half of Scenario 3; see DESIGN.md). nil means sql is not an
// UPDATE/DELETE against a generic entity view or lix_version. When the
// predicate matched no live row the engine passes an empty ResolvedWrite:
// Compile still runs, and the rewrite emits its write against a blank
// entity_id (or, for lix_version, merges onto empty current content).
type ResolvedWrite struct {
	EntityID          string
	FileID            string
	Current           map[string]any
	VersionDescriptor map[string]any
	VersionPointer    map[string]any
}

// TargetEntityWrite reports the schema-key suffix and WHERE-clause text of a
// generic entity-view UPDATE/DELETE. The rewrite package has no database
// access, so it cannot resolve that predicate itself — the engine calls
// this first to learn what to resolve, then passes the result back in via
// ResolvedWrite.
func TargetEntityWrite(sql string, kind sqlast.Kind) (schemaKey, where string, ok bool) {
	switch kind {
	case sqlast.KindUpdate:
		m := entityUpdate.FindStringSubmatch(sql)
		if m == nil {
			return "", "", false
		}
		return m[1], m[3], true
	case sqlast.KindDelete:
		m := entityDelete.FindStringSubmatch(sql)
		if m == nil {
			return "", "", false
		}
		return m[1], m[2], true
	default:
		return "", "", false
	}
}

// TargetVersionWrite reports the WHERE-clause text and target version id of
// a lix_version UPDATE/DELETE (spec.md §3: lix_version splits into
// lix_version_descriptor and lix_version_pointer, both keyed by the same
// id) — the engine resolves both backing rows before RewriteUpdate/
// RewriteDelete run.
func TargetVersionWrite(sql string, kind sqlast.Kind) (versionID, where string, ok bool) {
	switch kind {
	case sqlast.KindUpdate:
		m := versionUpdate.FindStringSubmatch(sql)
		if m == nil {
			return "", "", false
		}
		where = m[2]
	case sqlast.KindDelete:
		m := versionDelete.FindStringSubmatch(sql)
		if m == nil {
			return "", "", false
		}
		where = m[1]
	default:
		return "", "", false
	}
	id, ok := ExtractVersionWhereID(where)
	if !ok {
		return "", "", false
	}
	return id, where, true
}

// ExtractVersionWhereID pulls the target version's id out of a lix_version
// WHERE clause (`id = '...'`), the only predicate shape lix_version writes
// support.
func ExtractVersionWhereID(where string) (string, bool) {
	m := versionIDFromWhere.FindStringSubmatch(where)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// TargetEntitySelect reports the schema-key suffix and WHERE-clause text of a
// SELECT against a generic entity view, the same shape entitySelect (read.go)
// lowers. The engine calls this ahead of Compile to resolve which version's
// row the read should actually return — the active version, or an ancestor
// it inherits from (spec.md §3.3 invariant 8) — since the rewrite package has
// no database access to walk that chain itself.
func TargetEntitySelect(sql string) (schemaKey, where string, ok bool) {
	m := entitySelect.FindStringSubmatch(sql)
	if m == nil {
		return "", "", false
	}
	return m[2], m[3], true
}

// LookupEntitySchema resolves a generic entity view's table suffix to its
// installed schema. Exported so the engine's row resolver can apply the same
// prefix-retry lookup RewriteInsert/RewriteUpdate/RewriteDelete use
// internally (lookupSchema itself stays unexported, an implementation
// detail of this package's own handlers).
func LookupEntitySchema(registry *schema.Registry, tableSuffix string) (*schema.StoredSchema, errors.E) {
	return lookupSchema(registry, tableSuffix)
}

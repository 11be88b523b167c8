package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/schema"
)

// ErrUnsupportedRead is returned when a SELECT against a logical view uses a
// predicate shape the read rewriter does not lower (spec.md §7).
var ErrUnsupportedRead = errors.Base("rewrite: unsupported read form")

// entitySelect matches `SELECT <cols> FROM lix_<key> [WHERE <pk> = <val>]`,
// the bounded predicate shape this rewriter lowers (primary-key equality or
// no filter at all); general JSON-property predicate pushdown over entity
// views is out of scope (see DESIGN.md).
var entitySelect = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+"?lix_([a-zA-Z0-9_]+)"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

// ReadRewriter expands `TableFactor::Table { name: lix_<key> }` references
// (spec.md §4.2.1) into a derived-table subquery over the untracked overlay
// and the schema's materialized table, with untracked rows taking precedence
// by (entity_id, file_id, version_id).
type ReadRewriter struct {
	Registry *schema.Registry
}

// RewriteEntitySelect lowers one SELECT against an entity view to backend
// SQL plus its bound parameters. versionID is the target version — the
// caller resolves it from an explicit lixcol_version_id predicate or, absent
// one, the active version (spec.md §4.2.1's lix_state rule).
func (r *ReadRewriter) RewriteEntitySelect(sql string, versionID string) (*Statement, errors.E) {
	m := entitySelect.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedRead)
	}
	projection, schemaKey, where := m[1], m[2], m[3]

	s, errE := lookupSchema(r.Registry, schemaKey)
	if errE != nil {
		return nil, errE
	}

	table := schema.MaterializedTableName(s.Key)
	params := []backend.Value{
		backend.TextValue(s.Key), backend.TextValue(versionID),
		backend.TextValue(s.Key), backend.TextValue(versionID),
	}

	var b strings.Builder
	fmt.Fprintf(&b, `WITH live AS (
  SELECT entity_id, file_id, version_id, snapshot_content, CASE WHEN snapshot_content IS NULL THEN 1 ELSE 0 END AS is_tombstone FROM lix_internal_state_untracked
    WHERE schema_key = ? AND version_id = ?
  UNION ALL
  SELECT m.entity_id, m.file_id, m.version_id, m.snapshot_content, m.is_tombstone FROM %s m
    WHERE NOT EXISTS (
      SELECT 1 FROM lix_internal_state_untracked u
      WHERE u.schema_key = ? AND u.entity_id = m.entity_id AND u.file_id = m.file_id AND u.version_id = m.version_id
    )
)
SELECT %s FROM live WHERE is_tombstone = 0`, table, selectProjection(projection, s))

	if strings.TrimSpace(where) != "" {
		clause, whereParams, errE := pkEqualityClause(where, s)
		if errE != nil {
			return nil, errE
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
		params = append(params, whereParams...)
	}

	return &Statement{SQL: b.String(), Params: params}, nil
}

// selectProjection renders the requested column list against `live`: `*`
// expands to entity_id, file_id, version_id and every declared property, and
// a declared property is projected via `lix_json_extract(snapshot_content,
// '$.<name>')`. Nothing in this module rewrites lix_json_extract into a
// backend's own JSON function (`json_extract` on SQLite, `->>` on Postgres):
// Compile and the executor pass the call through unchanged.
func selectProjection(projection string, s *schema.StoredSchema) string {
	projection = strings.TrimSpace(projection)
	if projection == "*" {
		cols := []string{"entity_id", "file_id", "version_id"}
		for _, name := range s.PropertyNames() {
			cols = append(cols, fmt.Sprintf(`lix_json_extract(snapshot_content, '$.%s') AS %s`, name, name))
		}
		return strings.Join(cols, ", ")
	}

	parts := splitTopLevelComma(projection)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.ToLower(strings.TrimSpace(p))
		switch {
		case name == "entity_id" || name == "file_id" || name == "version_id":
			out = append(out, name)
		case s.HasProperty(name):
			out = append(out, fmt.Sprintf(`lix_json_extract(snapshot_content, '$.%s') AS %s`, name, name))
		default:
			out = append(out, name)
		}
	}
	return strings.Join(out, ", ")
}

// EqualityTerm is one `<col> = <literal>` conjunct of a bounded predicate,
// in the order it appeared in the original WHERE clause.
type EqualityTerm struct {
	Column string
	Value  any
}

// ParsePKEqualityTerms parses where as an AND-chain of `<col> = <literal>`
// terms restricted to s's primary-key properties (or entity_id) — the same
// bounded predicate shape pkEqualityClause pushes into SQL for SELECT.
// Exported so the engine's write-side row resolver can match the identical
// predicate shape against already-loaded rows in Go, for UPDATE/DELETE
// statements that need a resolved entity before RewriteUpdate/RewriteDelete
// can run (see DESIGN.md).
func ParsePKEqualityTerms(where string, s *schema.StoredSchema) ([]EqualityTerm, errors.E) {
	pk := map[string]bool{}
	for _, p := range s.PrimaryKeyProperties() {
		pk[p] = true
	}
	pk["entity_id"] = true

	var terms []EqualityTerm
	for _, term := range strings.Split(where, " AND ") {
		parts := strings.SplitN(term, "=", 2)
		if len(parts) != 2 {
			errE := errors.WithStack(ErrUnsupportedRead)
			errors.Details(errE)["term"] = term
			return nil, errE
		}
		col := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if !pk[col] {
			errE := errors.WithStack(ErrUnsupportedRead)
			errors.Details(errE)["reason"] = "only primary-key equality predicates are supported"
			errors.Details(errE)["column"] = col
			return nil, errE
		}
		terms = append(terms, EqualityTerm{Column: col, Value: decodeLiteral(val)})
	}
	return terms, nil
}

// pkEqualityClause lowers a `<pk_col> = <literal>` term (or an AND-chain of
// such terms across a composite primary key) into a `live` filter plus its
// bound parameters. The predicate must bind literal values: placeholders in
// the original statement are not supported by this bounded rewrite (see
// DESIGN.md).
func pkEqualityClause(where string, s *schema.StoredSchema) (string, []backend.Value, errors.E) {
	terms, errE := ParsePKEqualityTerms(where, s)
	if errE != nil {
		return "", nil, errE
	}

	var clauses []string
	var params []backend.Value
	for _, t := range terms {
		if t.Column == "entity_id" {
			clauses = append(clauses, "entity_id = ?")
		} else {
			clauses = append(clauses, fmt.Sprintf(`lix_json_extract(snapshot_content, '$.%s') = ?`, t.Column))
		}
		params = append(params, literalToValue(t.Value))
	}
	return strings.Join(clauses, " AND "), params, nil
}

func literalToValue(v any) backend.Value {
	switch t := v.(type) {
	case nil:
		return backend.NullValue()
	case bool:
		return backend.BooleanValue(t)
	case float64:
		return backend.RealValue(t)
	case string:
		return backend.TextValue(t)
	default:
		return backend.TextValue(fmt.Sprint(t))
	}
}

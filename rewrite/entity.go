package rewrite

import (
	"encoding/json"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/schema"
)

// ErrUnsupportedWrite is returned when a write against an entity view uses a
// form the rewriter does not recognize (spec.md §7: "unsupported SQL form").
var ErrUnsupportedWrite = errors.Base("rewrite: unsupported entity view write")

// EntityRewriter rewrites INSERT/UPDATE/DELETE statements against a
// schema-driven entity view (`lix_<schema_key>`, spec.md §4.2.2: "entity
// views (schema-driven column mapping via x-lix-override-lixcols)") into
// RewriteOutput mutations for the commit runtime. Entity-view writes never
// touch the database directly; the commit runtime's statement batch is the
// only thing that persists them, so the output carries no statements.
type EntityRewriter struct {
	Registry *schema.Registry
	IDs      *identifier.Factory
}

// entityInsert matches `INSERT INTO lix_<key> (col, ...) VALUES (val, ...)`,
// a single VALUES tuple at a time (multi-row inserts are rejected as
// unsupported — the statement validator loop re-runs per-row callers the
// same way the generic vtable_write path does for INSERT ... SELECT forms).
var entityInsert = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+"?lix_([a-zA-Z0-9_]+)"?\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)\s*;?\s*$`)

var entityUpdate = regexp.MustCompile(`(?is)^\s*UPDATE\s+"?lix_([a-zA-Z0-9_]+)"?\s+SET\s+(.*?)\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var entityDelete = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+"?lix_([a-zA-Z0-9_]+)"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

// isHistoryView reports whether tableName is the frozen history view, whose
// writes the entity-write rewriter rejects outright (spec.md §4.2.2: "Writes
// of lix_state_history_view are rejected"); entity views never alias that
// name so this is just a guard against a caller passing it in by mistake.
func isHistoryView(tableName string) bool {
	return strings.EqualFold(tableName, "lix_state_history_view")
}

// lookupSchema resolves an entity view's table suffix to its installed
// schema. Most schemas key themselves by that bare suffix (`lix_kv` ->
// "kv"), but a handful of built-in administrative schemas (lix_label,
// lix_account, ...) keep the full `lix_`-prefixed name as their x-lix-key,
// the same way the version and commit-DAG schemas do (engine/builtin.go) —
// so a miss on the bare suffix retries with the prefix restored before
// surfacing ErrUnknownSchema.
func lookupSchema(registry *schema.Registry, tableSuffix string) (*schema.StoredSchema, errors.E) {
	s, errE := registry.Lookup(tableSuffix, "")
	if errE == nil {
		return s, nil
	}
	if errors.Is(errE, schema.ErrUnknownSchema) {
		if s, errE2 := registry.Lookup("lix_"+tableSuffix, ""); errE2 == nil {
			return s, nil
		}
	}
	return nil, errE
}

// RewriteInsert handles `INSERT INTO lix_<key> (...) VALUES (...)` against an
// installed schema's entity view, binding versionID as the target version
// (the active version, resolved by the caller from the untracked singleton
// per spec.md §4.2.1's lix_state rule).
func (r *EntityRewriter) RewriteInsert(sql string, versionID string) (*RewriteOutput, errors.E) {
	m := entityInsert.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}
	schemaKey, colsRaw, valsRaw := m[1], m[2], m[3]
	if isHistoryView("lix_" + schemaKey) {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}

	s, errE := lookupSchema(r.Registry, schemaKey)
	if errE != nil {
		return nil, errE
	}

	cols := splitTrim(colsRaw)
	vals := splitTrim(valsRaw)
	if len(cols) != len(vals) {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "column/value count mismatch"
		return nil, errE
	}

	fields := map[string]string{}
	for i, c := range cols {
		fields[strings.ToLower(strings.Trim(c, `"`))] = vals[i]
	}

	content := map[string]any{}
	for _, name := range s.PropertyNames() {
		if raw, ok := fields[name]; ok {
			content[name] = decodeLiteral(raw)
		}
	}
	snapshot, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	entityID := entityIDFromFields(s, fields, r.IDs)
	fileID := stringOrEmpty(fields["lixcol_file_id"])
	writerKey := stringOrEmpty(fields["lixcol_writer_key"])
	if vid, ok := fields["lixcol_version_id"]; ok {
		versionID = decodeLiteral(vid).(string) //nolint:forcetypeassert
	}

	return &RewriteOutput{ //nolint:exhaustruct
		Mutations: []Mutation{{
			EntityID:        entityID,
			SchemaKey:       s.Key,
			SchemaVersion:   s.Version,
			FileID:          fileID,
			VersionID:       versionID,
			SnapshotContent: snapshot,
			WriterKey:       writerKey,
		}},
	}, nil
}

// RewriteUpdate handles `UPDATE lix_<key> SET ... [WHERE ...]`, bounded to a
// primary-key equality predicate (or no predicate, when the schema has none)
// against a row the caller has already resolved to one entity_id — general
// property-predicate pushdown is out of scope (see DESIGN.md).
func (r *EntityRewriter) RewriteUpdate(sql string, versionID, resolvedEntityID, resolvedFileID string, current map[string]any) (*RewriteOutput, errors.E) {
	m := entityUpdate.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}
	schemaKey, setClause := m[1], m[2]

	s, errE := lookupSchema(r.Registry, schemaKey)
	if errE != nil {
		return nil, errE
	}

	content := map[string]any{}
	for k, v := range current {
		content[k] = v
	}
	for _, assign := range splitTopLevelComma(setClause) {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			continue
		}
		col := strings.ToLower(strings.TrimSpace(parts[0]))
		if !s.HasProperty(col) {
			continue
		}
		content[col] = decodeLiteral(strings.TrimSpace(parts[1]))
	}

	snapshot, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &RewriteOutput{ //nolint:exhaustruct
		Mutations: []Mutation{{
			EntityID:        resolvedEntityID,
			SchemaKey:       s.Key,
			SchemaVersion:   s.Version,
			FileID:          resolvedFileID,
			VersionID:       versionID,
			SnapshotContent: snapshot,
		}},
	}, nil
}

// RewriteDelete handles `DELETE FROM lix_<key> [WHERE ...]` against one
// already-resolved entity. A delete mutation carries a nil SnapshotContent,
// which the commit runtime folds into a tombstone (spec.md §3.2: "snapshot
// body is null -> no-content").
func (r *EntityRewriter) RewriteDelete(sql string, versionID, resolvedEntityID, resolvedFileID string) (*RewriteOutput, errors.E) {
	m := entityDelete.FindStringSubmatch(sql)
	if m == nil {
		return nil, errors.WithStack(ErrUnsupportedWrite)
	}
	schemaKey := m[1]

	s, errE := lookupSchema(r.Registry, schemaKey)
	if errE != nil {
		return nil, errE
	}

	return &RewriteOutput{ //nolint:exhaustruct
		Mutations: []Mutation{{
			EntityID:        resolvedEntityID,
			SchemaKey:       s.Key,
			SchemaVersion:   s.Version,
			FileID:          resolvedFileID,
			VersionID:       versionID,
			SnapshotContent: nil,
		}},
	}, nil
}

// entityIDFromFields derives the new row's entity_id: an explicit
// lixcol_entity_id wins, otherwise the schema's primary-key properties are
// concatenated, otherwise a fresh identifier is minted.
func entityIDFromFields(s *schema.StoredSchema, fields map[string]string, ids *identifier.Factory) string {
	if raw, ok := fields["lixcol_entity_id"]; ok {
		if v, ok := decodeLiteral(raw).(string); ok && v != "" {
			return v
		}
	}
	pk := s.PrimaryKeyProperties()
	if len(pk) > 0 {
		parts := make([]string, 0, len(pk))
		for _, p := range pk {
			if raw, ok := fields[p]; ok {
				parts = append(parts, stringOrEmpty(raw))
			}
		}
		if len(parts) == len(pk) {
			return strings.Join(parts, ":")
		}
	}
	return ids.New()
}

func stringOrEmpty(raw string) string {
	if v, ok := decodeLiteral(raw).(string); ok {
		return v
	}
	return strings.Trim(raw, `'"`)
}

// decodeLiteral turns a SQL literal token (string, number, NULL, TRUE/FALSE)
// into a Go value suitable for json.Marshal, the way backend.Memory's
// predicate parser reads literals out of WHERE clauses.
func decodeLiteral(raw string) any {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(raw, "NULL"):
		return nil
	case strings.EqualFold(raw, "TRUE"):
		return true
	case strings.EqualFold(raw, "FALSE"):
		return false
	case len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return strings.ReplaceAll(raw[1:len(raw)-1], "''", "'")
	default:
		if n, ok := parseNumber(raw); ok {
			return n
		}
		return raw
	}
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	var n float64
	var frac float64 = 1
	seenDigit := false
	seenDot := false
	i := 0
	neg := false
	if s[0] == '-' {
		neg = true
		i = 1
	}
	for ; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			seenDigit = true
			if seenDot {
				frac *= 10
				n += float64(c-'0') / frac
			} else {
				n = n*10 + float64(c-'0')
			}
		case c == '.' && !seenDot:
			seenDot = true
		default:
			return 0, false
		}
	}
	if !seenDigit {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}

func splitTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := splitTopLevelComma(s)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// splitTopLevelComma splits s on commas that are not inside a quoted string,
// matching the quoting rules sqlast.tokenizePlaceholders already applies.
func splitTopLevelComma(s string) []string {
	var out []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(c)
		case c == ',' && !inSingle && !inDouble:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

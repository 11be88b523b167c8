package commit

import (
	"fmt"
	"sort"
	"strings"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/state"
)

// maxBindParams returns the dialect's bind-parameter ceiling (spec.md §4.3:
// "SQLite 32,766; Postgres 65,535").
func maxBindParams(dialect backend.Dialect) int {
	switch dialect {
	case backend.Postgres:
		return 65535
	case backend.Sqlite:
		fallthrough
	default:
		return 32766
	}
}

// Statement is one ordered, fully-bound step of a commit's statement batch.
type Statement struct {
	SQL    string
	Params []backend.Value
}

// Batch builds the ordered statement batch for result, chunked per dialect's
// bind-parameter limit (spec.md §4.3: "chunk order follows snapshots →
// changes → materialized (grouped by schema_key in sorted order) →
// ancestry").
func Batch(result *GenerateCommitResult, dialect backend.Dialect) []Statement {
	limit := maxBindParams(dialect)
	var statements []Statement

	statements = append(statements, snapshotStatements(result.Snapshots, limit)...)
	statements = append(statements, changeStatements(result.Changes, limit)...)
	statements = append(statements, changeStatements(result.AuthorChanges, limit)...)
	statements = append(statements, materializedStatements(result.MaterializedRows, limit)...)
	statements = append(statements, changeSetElementStatements(result.ChangeSetElements, limit)...)
	statements = append(statements, ancestryStatements(result.AncestryEdges, limit)...)

	return statements
}

const snapshotParamsPerRow = 2

func snapshotStatements(snapshots []state.Snapshot, limit int) []Statement {
	if len(snapshots) == 0 {
		return nil
	}
	rowsPerStmt := limit / snapshotParamsPerRow
	var out []Statement
	for chunk := range chunks(len(snapshots), rowsPerStmt) {
		var b strings.Builder
		var params []backend.Value
		b.WriteString(`INSERT INTO lix_internal_snapshot (id, content) VALUES `)
		for i, idx := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?)")
			s := snapshots[idx]
			params = append(params, backend.TextValue(s.ID), contentOrNull(s))
		}
		b.WriteString(` ON CONFLICT (id) DO NOTHING`)
		out = append(out, Statement{SQL: b.String(), Params: params})
	}
	return out
}

func contentOrNull(s state.Snapshot) backend.Value {
	if s.IsNoContent() || s.Content == nil {
		return backend.NullValue()
	}
	return backend.BlobValue(s.Content)
}

const changeParamsPerRow = 9

func changeStatements(changes []state.Change, limit int) []Statement {
	if len(changes) == 0 {
		return nil
	}
	rowsPerStmt := limit / changeParamsPerRow
	var out []Statement
	for chunk := range chunks(len(changes), rowsPerStmt) {
		var b strings.Builder
		var params []backend.Value
		b.WriteString(`INSERT INTO lix_internal_change (id, entity_id, schema_key, schema_version, file_id, plugin_key, snapshot_id, metadata, created_at) VALUES `)
		for i, idx := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			c := changes[idx]
			params = append(params,
				backend.TextValue(c.ChangeID), backend.TextValue(c.EntityID), backend.TextValue(c.SchemaKey),
				backend.TextValue(c.SchemaVersion), backend.TextValue(c.FileID), backend.TextValue(c.PluginKey),
				backend.TextValue(c.SnapshotID), nullableBlob(c.Metadata), backend.TextValue(c.CreatedAt),
			)
		}
		out = append(out, Statement{SQL: b.String(), Params: params})
	}
	return out
}

const materializedParamsPerRow = 13

func materializedStatements(rows []state.MaterializedRow, limit int) []Statement {
	if len(rows) == 0 {
		return nil
	}

	bySchema := map[string][]state.MaterializedRow{}
	for _, r := range rows {
		bySchema[r.SchemaKey] = append(bySchema[r.SchemaKey], r)
	}
	schemaKeys := make([]string, 0, len(bySchema))
	for k := range bySchema {
		schemaKeys = append(schemaKeys, k)
	}
	sort.Strings(schemaKeys)

	rowsPerStmt := limit / materializedParamsPerRow
	var out []Statement
	for _, schemaKey := range schemaKeys {
		group := bySchema[schemaKey]
		table := schema.MaterializedTableName(schemaKey)
		for chunk := range chunks(len(group), rowsPerStmt) {
			var b strings.Builder
			var params []backend.Value
			fmt.Fprintf(&b, `INSERT INTO %s (entity_id, schema_key, schema_version, file_id, version_id, plugin_key, snapshot_content, change_id, metadata, writer_key, is_tombstone, created_at, updated_at) VALUES `, table)
			for i, idx := range chunk {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
				r := group[idx]
				params = append(params,
					backend.TextValue(r.EntityID), backend.TextValue(r.SchemaKey), backend.TextValue(r.SchemaVersion),
					backend.TextValue(r.FileID), backend.TextValue(r.VersionID), backend.TextValue(r.PluginKey),
					nullableBlob(r.SnapshotContent), backend.TextValue(r.ChangeID), nullableBlob(r.Metadata),
					nullableText(r.WriterKey), tombstoneInt(r.IsTombstone),
					backend.TextValue(r.CreatedAt), backend.TextValue(r.UpdatedAt),
				)
			}
			b.WriteString(` ON CONFLICT (entity_id, file_id, version_id) DO UPDATE SET change_id = excluded.change_id, snapshot_content = excluded.snapshot_content, metadata = excluded.metadata, writer_key = excluded.writer_key, is_tombstone = excluded.is_tombstone, updated_at = excluded.updated_at`)
			out = append(out, Statement{SQL: b.String(), Params: params})
		}
	}
	return out
}

const changeSetElementParamsPerRow = 5

func changeSetElementStatements(elements []state.ChangeSetElement, limit int) []Statement {
	if len(elements) == 0 {
		return nil
	}
	rowsPerStmt := limit / changeSetElementParamsPerRow
	var out []Statement
	for chunk := range chunks(len(elements), rowsPerStmt) {
		var b strings.Builder
		var params []backend.Value
		b.WriteString(`INSERT INTO lix_internal_change_set_element (change_set_id, change_id, entity_id, schema_key, file_id) VALUES `)
		for i, idx := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?, ?)")
			e := elements[idx]
			params = append(params, backend.TextValue(e.ChangeSetID), backend.TextValue(e.ChangeID),
				backend.TextValue(e.EntityID), backend.TextValue(e.SchemaKey), backend.TextValue(e.FileID))
		}
		out = append(out, Statement{SQL: b.String(), Params: params})
	}
	return out
}

const ancestryParamsPerRow = 3

func ancestryStatements(edges []state.CommitAncestryEdge, limit int) []Statement {
	if len(edges) == 0 {
		return nil
	}
	rowsPerStmt := limit / ancestryParamsPerRow
	var out []Statement
	for chunk := range chunks(len(edges), rowsPerStmt) {
		var b strings.Builder
		var params []backend.Value
		b.WriteString(`INSERT INTO lix_internal_commit_ancestry (commit_id, ancestor_id, depth) VALUES `)
		for i, idx := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?)")
			e := edges[idx]
			params = append(params, backend.TextValue(e.CommitID), backend.TextValue(e.AncestorID), backend.IntegerValue(int64(e.Depth)))
		}
		b.WriteString(` ON CONFLICT (commit_id, ancestor_id) DO UPDATE SET depth = MIN(depth, excluded.depth)`)
		out = append(out, Statement{SQL: b.String(), Params: params})
	}
	return out
}

// chunks yields successive index slices of size at most chunkSize covering
// [0, n). chunkSize is clamped to at least 1 so a pathologically small limit
// never produces a zero-length chunk (and an infinite loop).
func chunks(n, chunkSize int) func(yield func([]int) bool) {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return func(yield func([]int) bool) {
		for start := 0; start < n; start += chunkSize {
			end := start + chunkSize
			if end > n {
				end = n
			}
			idx := make([]int, end-start)
			for i := range idx {
				idx[i] = start + i
			}
			if !yield(idx) {
				return
			}
		}
	}
}

func nullableBlob(b []byte) backend.Value {
	if b == nil {
		return backend.NullValue()
	}
	return backend.BlobValue(b)
}

func nullableText(s string) backend.Value {
	if s == "" {
		return backend.NullValue()
	}
	return backend.TextValue(s)
}

func tombstoneInt(b bool) backend.Value {
	if b {
		return backend.IntegerValue(1)
	}
	return backend.IntegerValue(0)
}

package engine

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/fsproj"
	"gitlab.com/lixql/engine/rewrite"
)

// fileSelect matches `SELECT <cols> FROM lix_file[_by_version] [WHERE ...]`,
// the bounded predicate shape this read path lowers (spec.md §4.2.1's
// lix_file / lix_file_by_version rule, restricted to literal equality on
// `id` and, for the by-version view, `lixcol_version_id` — the same bound
// rewrite.ReadRewriter's entity-view path accepts; see DESIGN.md).
var fileSelect = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+"?(lix_file|lix_file_by_version)"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

// readFile lowers a SELECT against lix_file / lix_file_by_version by
// reconstructing each matching file's bytes from the blob cache rather than
// rewriting into a derived-table subquery: unlike an entity view, file data
// has no backing SQL column, only the cache fsproj maintains alongside the
// descriptor row, so this read runs against state + the blob cache directly
// instead of through the pure rewrite.ReadRewriter (spec.md §4.2.1, §6.4).
// ok is false when sql is not a lix_file(_by_version) SELECT this path
// recognizes, letting the caller fall back to the generic entity-view path.
func (e *Engine) readFile(ctx context.Context, sql string, activeVersionID string) (result *backend.QueryResult, ok bool, errE errors.E) {
	m := fileSelect.FindStringSubmatch(sql)
	if m == nil {
		return nil, false, nil
	}
	projection, view, where := m[1], strings.ToLower(m[2]), m[3]

	tx, errE := e.backend.BeginTransaction(ctx)
	if errE != nil {
		return nil, true, errE
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	descriptor, errE := e.registry.Lookup("lix_file_descriptor", "")
	if errE != nil {
		return nil, true, errE
	}
	rows, errE := scanLiveRows(ctx, tx, descriptor)
	if errE != nil {
		return nil, true, errE
	}

	wantID, wantVersion, errE := parseFileWhere(where)
	if errE != nil {
		return nil, true, errE
	}
	if view == fsproj.FileView && wantVersion == "" {
		wantVersion = activeVersionID
	}

	cols := fileProjectionColumns(projection)
	out := &backend.QueryResult{} //nolint:exhaustruct

	for _, r := range rows {
		if wantID != "" && r.entityID != wantID {
			continue
		}
		if wantVersion != "" && r.versionID != wantVersion {
			continue
		}

		var fields struct {
			ID          string          `json:"id"`
			Path        string          `json:"path"`
			DirectoryID *string         `json:"directory_id"`
			Metadata    json.RawMessage `json:"metadata"`
		}
		if err := json.Unmarshal(r.content, &fields); err != nil {
			continue
		}

		data, errE := e.loadFileData(ctx, tx, r.entityID, r.versionID)
		if errE != nil {
			return nil, true, errE
		}

		row := make([]backend.Value, 0, len(cols))
		for _, c := range cols {
			row = append(row, fileColumnValue(c, fields.ID, fields.Path, fields.DirectoryID, fields.Metadata, data, r.versionID))
		}
		out.Rows = append(out.Rows, row)
	}

	if errE := tx.Commit(ctx); errE != nil {
		return nil, true, errE
	}
	committed = true

	return out, true, nil
}

func fileColumnValue(col, id, path string, directoryID *string, metadata json.RawMessage, data []byte, versionID string) backend.Value {
	switch col {
	case "id":
		return backend.TextValue(id)
	case "path":
		return backend.TextValue(path)
	case "data":
		return backend.BlobValue(data)
	case "directory_id":
		if directoryID == nil {
			return backend.NullValue()
		}
		return backend.TextValue(*directoryID)
	case "metadata":
		if len(metadata) == 0 {
			return backend.NullValue()
		}
		return backend.TextValue(string(metadata))
	case "lixcol_version_id":
		return backend.TextValue(versionID)
	default:
		return backend.NullValue()
	}
}

// fileProjectionColumns lowers the SELECT list: `*` expands to the
// descriptor's own columns plus `data`, matching spec.md §3.2's File entity
// shape (this builtin schema carries id/path/directory_id/metadata; name and
// extension are not split out as separate stored columns — see DESIGN.md).
func fileProjectionColumns(projection string) []string {
	projection = strings.TrimSpace(projection)
	if projection == "*" {
		return []string{"id", "path", "directory_id", "metadata", "data"}
	}
	parts := strings.Split(projection, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		cols = append(cols, strings.ToLower(strings.TrimSpace(p)))
	}
	return cols
}

// parseFileWhere lowers the predicate into the (optional) literal id and
// version_id it constrains.
func parseFileWhere(where string) (id string, versionID string, errE errors.E) {
	where = strings.TrimSpace(where)
	if where == "" {
		return "", "", nil
	}
	for _, term := range strings.Split(where, " AND ") {
		parts := strings.SplitN(term, "=", 2)
		if len(parts) != 2 {
			errE := errors.WithStack(rewrite.ErrUnsupportedRead)
			errors.Details(errE)["term"] = term
			return "", "", errE
		}
		col := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.Trim(strings.TrimSpace(parts[1]), `'"`)
		switch col {
		case "id":
			id = val
		case "lixcol_version_id":
			versionID = val
		default:
			errE := errors.WithStack(rewrite.ErrUnsupportedRead)
			errors.Details(errE)["column"] = col
			return "", "", errE
		}
	}
	return id, versionID, nil
}

// loadFileData resolves a file's reconstructed bytes from the in-memory
// BlobCache, falling back to the persisted cache table and repopulating the
// in-memory cache on a hit (spec.md §4.5, §6.4). A miss in both returns nil,
// the "no data" sentinel spec.md §4.2.1 maps to `lix_empty_blob()`.
func (e *Engine) loadFileData(ctx context.Context, tx backend.Transaction, fileID, versionID string) ([]byte, errors.E) {
	key := fsproj.CacheKey{FileID: fileID, VersionID: versionID}
	if data, ok, errE := e.blobCache.Get(key); errE != nil {
		return nil, errE
	} else if ok {
		return data, nil
	}

	result, errE := tx.Execute(ctx,
		`SELECT data FROM lix_internal_file_data_cache WHERE file_id = ? AND version_id = ?`,
		[]backend.Value{backend.TextValue(fileID), backend.TextValue(versionID)})
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, nil
		}
		return nil, errE
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}
	data := result.Rows[0][0].Blob
	e.blobCache.Put(key, data)
	return data, nil
}

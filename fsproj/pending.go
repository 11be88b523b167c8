package fsproj

import (
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/plugin"
)

var fileInsert = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+"?(lix_file(?:_by_version)?)"?\s*\(([^)]*)\)\s*VALUES\s*\(([^)]*)\)\s*;?\s*$`)

var fileUpdate = regexp.MustCompile(`(?is)^\s*UPDATE\s+"?(lix_file(?:_by_version)?)"?\s+SET\s+(.*?)\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var fileDelete = regexp.MustCompile(`(?is)^\s*DELETE\s+FROM\s+"?(lix_file(?:_by_version)?)"?\s*(?:WHERE\s+(.*?))?\s*;?\s*$`)

var fileIDEquals = regexp.MustCompile(`(?i)\bid\s*=\s*'([^']*)'`)
var versionIDEquals = regexp.MustCompile(`(?i)\b(?:version_id|lixcol_version_id)\s*=\s*'([^']*)'`)

// MaxCacheLookupChunk bounds a single lix_internal_file_data_cache fallback
// query (spec.md §4.5: "in chunks of ≤200 (file_id, version_id) pairs").
const MaxCacheLookupChunk = 200

// CacheKey identifies one cached file body.
type CacheKey struct {
	FileID    string
	VersionID string
}

// RowSnapshot is the logical-view row a RowSource returns for one file
// (spec.md §4.5's UPDATE "pre-query"). DataKnown false means the caller must
// fall back to the data cache (spec.md §4.5: "missing before_data is looked
// up from lix_internal_file_data_cache").
type RowSnapshot struct {
	Path      string
	Data      []byte
	DataKnown bool
}

// RowSource resolves the current logical-view row for one (file_id,
// version_id) pair, independent of anything the in-flight batch changed.
type RowSource interface {
	LookupRow(fileID, versionID string) (RowSnapshot, bool)
}

// CacheSource resolves cached file bodies in bulk (spec.md §4.5).
type CacheSource interface {
	GetMany(keys []CacheKey) (map[CacheKey][]byte, errors.E)
}

// DerivePendingWrites walks statements targeting lix_file / lix_file_by_version
// and returns one PendingWrite per affected (file_id, version_id) pair
// (spec.md §4.5). activeVersionID resolves an INSERT/UPDATE that targets
// lix_file (not the _by_version form) and carries no explicit version column.
func DerivePendingWrites(statements []string, activeVersionID string, rows RowSource, cache CacheSource) ([]PendingWrite, errors.E) {
	overlay := map[CacheKey]*plugin.File{}

	needsCache := collectCacheLookups(statements, activeVersionID, rows)
	cached, errE := fetchInChunks(cache, needsCache)
	if errE != nil {
		return nil, errE
	}

	var out []PendingWrite

	for _, stmt := range statements {
		switch {
		case fileInsert.MatchString(stmt):
			pw, errE := deriveInsert(stmt, activeVersionID, overlay, rows, cached)
			if errE != nil {
				return nil, errE
			}
			out = append(out, pw)
			overlay[CacheKey{pw.FileID, pw.VersionID}] = pw.After

		case fileUpdate.MatchString(stmt):
			pw, errE := deriveUpdate(stmt, activeVersionID, overlay, rows, cached)
			if errE != nil {
				return nil, errE
			}
			out = append(out, pw)
			overlay[CacheKey{pw.FileID, pw.VersionID}] = pw.After

		case fileDelete.MatchString(stmt):
			pws, errE := deriveDelete(stmt, activeVersionID, overlay, rows, cached)
			if errE != nil {
				return nil, errE
			}
			out = append(out, pws...)
			for _, pw := range pws {
				overlay[CacheKey{pw.FileID, pw.VersionID}] = nil
			}

		default:
			// Not a file-view statement; ignored by the projection.
		}
	}

	return out, nil
}

// collectCacheLookups scans statements for UPDATE forms whose before-row is
// known to exist but whose data is lazily cached, so the caller can resolve
// them in bounded chunks ahead of the real derivation pass.
func collectCacheLookups(statements []string, activeVersionID string, rows RowSource) []CacheKey {
	var keys []CacheKey
	for _, stmt := range statements {
		m := fileUpdate.FindStringSubmatch(stmt)
		if m == nil {
			continue
		}
		fileID, versionID, ok := resolveTarget(m[3], activeVersionID, m[1])
		if !ok {
			continue
		}
		snap, found := rows.LookupRow(fileID, versionID)
		if found && !snap.DataKnown {
			keys = append(keys, CacheKey{fileID, versionID})
		}
	}
	return keys
}

func fetchInChunks(cache CacheSource, keys []CacheKey) (map[CacheKey][]byte, errors.E) {
	if len(keys) == 0 {
		return nil, nil
	}
	result := map[CacheKey][]byte{}
	for start := 0; start < len(keys); start += MaxCacheLookupChunk {
		end := start + MaxCacheLookupChunk
		if end > len(keys) {
			end = len(keys)
		}
		chunk, errE := cache.GetMany(keys[start:end])
		if errE != nil {
			return nil, errE
		}
		for k, v := range chunk {
			result[k] = v
		}
	}
	return result, nil
}

func deriveInsert(stmt, activeVersionID string, overlay map[CacheKey]*plugin.File, rows RowSource, cached map[CacheKey][]byte) (PendingWrite, errors.E) {
	m := fileInsert.FindStringSubmatch(stmt)
	view, colsRaw, valsRaw := m[1], m[2], m[3]

	cols := splitTrim(colsRaw)
	vals := splitTrim(valsRaw)
	if len(cols) != len(vals) {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "column/value count mismatch"
		return PendingWrite{}, errE //nolint:exhaustruct
	}

	fields := map[string]string{}
	for i, c := range cols {
		fields[strings.ToLower(strings.Trim(c, `"`))] = vals[i]
	}

	id, hasID := fields["id"]
	path, hasPath := fields["path"]
	data, hasData := fields["data"]
	if !hasID || !hasPath || !hasData {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "insert requires explicit id, path, data"
		return PendingWrite{}, errE //nolint:exhaustruct
	}

	versionID := activeVersionID
	if vid, ok := fields["version_id"]; ok {
		versionID = decodeLiteral(vid)
	} else if vid, ok := fields["lixcol_version_id"]; ok {
		versionID = decodeLiteral(vid)
	} else if view == FileViewByVersion {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "lix_file_by_version insert requires version_id"
		return PendingWrite{}, errE //nolint:exhaustruct
	}

	fileID := decodeLiteral(id)
	before := beforeFile(fileID, versionID, overlay, rows, cached)

	return PendingWrite{
		FileID:    fileID,
		VersionID: versionID,
		Before:    before,
		After:     &plugin.File{ID: fileID, Path: decodeLiteral(path), Data: []byte(decodeLiteral(data))},
	}, nil
}

func deriveUpdate(stmt, activeVersionID string, overlay map[CacheKey]*plugin.File, rows RowSource, cached map[CacheKey][]byte) (PendingWrite, errors.E) {
	m := fileUpdate.FindStringSubmatch(stmt)
	_, setClause, whereClause := m[1], m[2], m[3]

	fileID, versionID, ok := resolveTarget(whereClause, activeVersionID, m[1])
	if !ok {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "update requires an id predicate"
		return PendingWrite{}, errE //nolint:exhaustruct
	}

	before := beforeFile(fileID, versionID, overlay, rows, cached)
	path := ""
	data := []byte(nil)
	if before != nil {
		path = before.Path
		data = before.Data
	}

	for _, assign := range splitTopLevelComma(setClause) {
		parts := strings.SplitN(assign, "=", 2)
		if len(parts) != 2 {
			continue
		}
		col := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		switch col {
		case "path":
			path = decodeLiteral(val)
		case "data":
			data = []byte(decodeLiteral(val))
		}
	}

	return PendingWrite{
		FileID:    fileID,
		VersionID: versionID,
		Before:    before,
		After:     &plugin.File{ID: fileID, Path: path, Data: data},
	}, nil
}

func deriveDelete(stmt, activeVersionID string, overlay map[CacheKey]*plugin.File, rows RowSource, cached map[CacheKey][]byte) ([]PendingWrite, errors.E) {
	m := fileDelete.FindStringSubmatch(stmt)
	whereClause := m[2]

	fileID, versionID, ok := resolveTarget(whereClause, activeVersionID, m[1])
	if !ok {
		errE := errors.WithStack(ErrUnsupportedWrite)
		errors.Details(errE)["reason"] = "delete requires an id predicate"
		return nil, errE
	}

	before := beforeFile(fileID, versionID, overlay, rows, cached)
	return []PendingWrite{{FileID: fileID, VersionID: versionID, Before: before, After: nil}}, nil
}

// resolveTarget extracts (file_id, version_id) from a WHERE clause; a
// lix_file (non by-version) statement with no explicit version predicate
// resolves to activeVersionID.
func resolveTarget(whereClause, activeVersionID, view string) (string, string, bool) {
	idMatch := fileIDEquals.FindStringSubmatch(whereClause)
	if idMatch == nil {
		return "", "", false
	}
	versionID := activeVersionID
	if vidMatch := versionIDEquals.FindStringSubmatch(whereClause); vidMatch != nil {
		versionID = vidMatch[1]
	} else if view == FileViewByVersion {
		return "", "", false
	}
	return idMatch[1], versionID, true
}

// beforeFile resolves a (file_id, version_id)'s pre-statement state: the
// in-batch overlay wins, then the row source, falling back to the
// prefetched cache for a row whose data was lazily cached (spec.md §4.5:
// "empty-blob cache entries are normalized to 'no data'").
func beforeFile(fileID, versionID string, overlay map[CacheKey]*plugin.File, rows RowSource, cached map[CacheKey][]byte) *plugin.File {
	key := CacheKey{fileID, versionID}
	if f, ok := overlay[key]; ok {
		return f
	}
	snap, found := rows.LookupRow(fileID, versionID)
	if !found {
		return nil
	}
	data := snap.Data
	if !snap.DataKnown {
		if cachedData, ok := cached[key]; ok && len(cachedData) > 0 {
			data = cachedData
		} else {
			data = nil
		}
	}
	return &plugin.File{ID: fileID, Path: snap.Path, Data: data}
}

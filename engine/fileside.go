package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/commit"
	"gitlab.com/lixql/engine/fsproj"
	"gitlab.com/lixql/engine/plugin"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/state"
)

// collectFileSideEffects runs one lix_file / lix_file_by_version write
// through the filesystem projection (spec.md §4.4 step 2, §4.5): deriving
// its pending writes, running them through the plugin host's detect_changes,
// and folding both the file descriptor upsert/tombstone and every detected
// entity change into the mutation batch the commit runtime applies.
func (e *Engine) collectFileSideEffects(ctx context.Context, tx backend.Transaction, sql string, activeVersionID string) ([]commit.DomainChangeInput, errors.E) {
	descriptor, errE := e.registry.Lookup("lix_file_descriptor", "")
	if errE != nil {
		return nil, errE
	}

	rows := &fileDescriptorRowSource{ctx: ctx, tx: tx, store: state.New(tx, descriptor)}
	cache := &fileDataCacheSource{ctx: ctx, tx: tx, blobCache: e.blobCache}

	pending, errE := fsproj.DerivePendingWrites([]string{sql}, activeVersionID, rows, cache)
	if errE != nil {
		return nil, errE
	}

	pluginKeys := make(map[fsproj.CacheKey]string, len(pending))
	for _, pw := range pending {
		pluginKeys[fsproj.CacheKey{FileID: pw.FileID, VersionID: pw.VersionID}] = pluginKeyForFile(pw)
	}

	detected, errE := fsproj.Detect(e.pluginHost, pluginKeyForFile, pending)
	if errE != nil {
		return nil, errE
	}

	var mutations []commit.DomainChangeInput

	for _, pw := range pending {
		key := fsproj.CacheKey{FileID: pw.FileID, VersionID: pw.VersionID}
		if pw.After == nil {
			mutations = append(mutations, fileDescriptorMutation(descriptor, pw.FileID, pw.VersionID, nil))
			e.blobCache.Invalidate([]fsproj.CacheKey{key})
			if errE := e.deleteFileDataCache(ctx, tx, key); errE != nil {
				return nil, errE
			}
			continue
		}

		content, err := json.Marshal(map[string]any{
			"id": pw.After.ID, "path": pw.After.Path, "directory_id": nil, "metadata": nil,
		})
		if err != nil {
			return nil, errors.WithStack(err)
		}
		mutations = append(mutations, fileDescriptorMutation(descriptor, pw.FileID, pw.VersionID, content))

		e.blobCache.Put(key, pw.After.Data)
		if errE := e.persistFileDataCache(ctx, tx, pw.FileID, pw.VersionID, pw.After.Data); errE != nil {
			return nil, errE
		}
	}

	for _, dc := range detected {
		if dc.IsFileDeletion {
			// The file tombstone above already carries the whole-file delete;
			// detect's root-tombstone marker needs no separate entity row.
			continue
		}
		mutations = append(mutations, commit.DomainChangeInput{ //nolint:exhaustruct
			EntityID:        dc.EntityID,
			SchemaKey:       dc.SchemaKey,
			SchemaVersion:   dc.SchemaVersion,
			FileID:          dc.FileID,
			VersionID:       dc.VersionID,
			SnapshotContent: dc.SnapshotContent,
			PluginKey:       pluginKeys[fsproj.CacheKey{FileID: dc.FileID, VersionID: dc.VersionID}],
		})
	}

	return mutations, nil
}

// pluginKeyForFile resolves the owning plugin for a pending file write by
// extension. A file with no matching plugin is tracked as opaque bytes only
// (spec.md §4.5: "files with no owning plugin are skipped").
func pluginKeyForFile(pw fsproj.PendingWrite) string {
	path := ""
	switch {
	case pw.After != nil:
		path = pw.After.Path
	case pw.Before != nil:
		path = pw.Before.Path
	}
	if strings.HasSuffix(path, ".json") {
		return plugin.JSONPointerPlugin{}.Key()
	}
	return ""
}

func fileDescriptorMutation(descriptor *schema.StoredSchema, fileID, versionID string, content []byte) commit.DomainChangeInput {
	return commit.DomainChangeInput{ //nolint:exhaustruct
		EntityID:        fileID,
		SchemaKey:       descriptor.Key,
		SchemaVersion:   descriptor.Version,
		FileID:          "",
		VersionID:       versionID,
		SnapshotContent: content,
		PluginKey:       "lix_own_entity",
	}
}

// fileDescriptorRowSource adapts the lix_file_descriptor store to
// fsproj.RowSource: a descriptor row carries no file body, so every lookup
// reports DataKnown = false and defers to the blob/file-data cache (spec.md
// §4.5's UPDATE pre-query).
type fileDescriptorRowSource struct {
	ctx   context.Context
	tx    backend.Transaction
	store *state.Store
}

func (s *fileDescriptorRowSource) LookupRow(fileID, versionID string) (fsproj.RowSnapshot, bool) {
	untracked, mat, errE := s.store.GetLive(s.ctx, state.RowKey{EntityID: fileID, FileID: "", VersionID: versionID})
	if errE != nil {
		return fsproj.RowSnapshot{}, false //nolint:exhaustruct
	}
	var content []byte
	switch {
	case untracked != nil:
		content = untracked.SnapshotContent
	case mat != nil:
		content = mat.SnapshotContent
	default:
		return fsproj.RowSnapshot{}, false //nolint:exhaustruct
	}
	var fields struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(content, &fields); err != nil {
		return fsproj.RowSnapshot{}, false //nolint:exhaustruct
	}
	return fsproj.RowSnapshot{Path: fields.Path, Data: nil, DataKnown: false}, true
}

// fileDataCacheSource backs fsproj.CacheSource with the in-memory blob cache,
// falling back to the persisted lix_internal_file_data_cache table and
// repopulating the cache on a hit (spec.md §4.5: chunked fallback lookups).
type fileDataCacheSource struct {
	ctx       context.Context
	tx        backend.Transaction
	blobCache *fsproj.BlobCache
}

func (c *fileDataCacheSource) GetMany(keys []fsproj.CacheKey) (map[fsproj.CacheKey][]byte, errors.E) {
	out := map[fsproj.CacheKey][]byte{}
	var misses []fsproj.CacheKey
	for _, k := range keys {
		if data, ok, errE := c.blobCache.Get(k); errE != nil {
			return nil, errE
		} else if ok {
			out[k] = data
		} else {
			misses = append(misses, k)
		}
	}

	for _, k := range misses {
		result, errE := c.tx.Execute(c.ctx,
			`SELECT data FROM lix_internal_file_data_cache WHERE file_id = ? AND version_id = ?`,
			[]backend.Value{backend.TextValue(k.FileID), backend.TextValue(k.VersionID)})
		if errE != nil {
			if errors.Is(errE, backend.ErrNoSuchTable) {
				continue
			}
			return nil, errE
		}
		if len(result.Rows) == 0 {
			continue
		}
		data := result.Rows[0][0].Blob
		out[k] = data
		c.blobCache.Put(k, data)
	}
	return out, nil
}

// persistFileDataCache upserts data into the persisted cache table
// alongside the in-memory BlobCache.Put the caller already issued.
func (e *Engine) persistFileDataCache(ctx context.Context, tx backend.Transaction, fileID, versionID string, data []byte) errors.E {
	_, errE := tx.Execute(ctx,
		`INSERT INTO lix_internal_file_data_cache (file_id, version_id, data) VALUES (?, ?, ?)
		 ON CONFLICT (file_id, version_id) DO UPDATE SET data = excluded.data`,
		[]backend.Value{backend.TextValue(fileID), backend.TextValue(versionID), backend.BlobValue(data)})
	if errE != nil && errors.Is(errE, backend.ErrNoSuchTable) {
		return nil
	}
	return errE
}

func (e *Engine) deleteFileDataCache(ctx context.Context, tx backend.Transaction, k fsproj.CacheKey) errors.E {
	_, errE := tx.Execute(ctx,
		`DELETE FROM lix_internal_file_data_cache WHERE file_id = ? AND version_id = ?`,
		[]backend.Value{backend.TextValue(k.FileID), backend.TextValue(k.VersionID)})
	if errE != nil && errors.Is(errE, backend.ErrNoSuchTable) {
		return nil
	}
	return errE
}

// cascadeDirectoryDeletes extends mutations with a file-descriptor tombstone
// for every file whose directory falls under a directory this batch just
// deleted (spec.md §4.5's cascade rule).
func (e *Engine) cascadeDirectoryDeletes(ctx context.Context, tx backend.Transaction, mutations []commit.DomainChangeInput) ([]commit.DomainChangeInput, errors.E) {
	directorySchema, errE := e.registry.Lookup("lix_directory_descriptor", "")
	if errE != nil {
		return nil, nil //nolint:nilerr // no directory schema installed: nothing to cascade
	}

	var deletedDirIDs []string
	for _, m := range mutations {
		if m.SchemaKey == directorySchema.Key && m.SnapshotContent == nil {
			deletedDirIDs = append(deletedDirIDs, m.EntityID)
		}
	}
	if len(deletedDirIDs) == 0 {
		return nil, nil
	}

	directories, errE := e.liveDirectoryNodes(ctx, tx, directorySchema)
	if errE != nil {
		return nil, errE
	}
	descriptor, errE := e.registry.Lookup("lix_file_descriptor", "")
	if errE != nil {
		return nil, errE
	}
	files, errE := e.liveFileNodes(ctx, tx, descriptor)
	if errE != nil {
		return nil, errE
	}

	cascaded := fsproj.CascadeDirectoryDeletes(deletedDirIDs, directories, files)

	var out []commit.DomainChangeInput
	for _, pw := range cascaded {
		out = append(out, fileDescriptorMutation(descriptor, pw.FileID, pw.VersionID, nil))
		key := fsproj.CacheKey{FileID: pw.FileID, VersionID: pw.VersionID}
		e.blobCache.Invalidate([]fsproj.CacheKey{key})
		if errE := e.deleteFileDataCache(ctx, tx, key); errE != nil {
			return nil, errE
		}
	}
	return out, nil
}

func (e *Engine) liveDirectoryNodes(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema) ([]fsproj.DirectoryNode, errors.E) {
	rows, errE := scanLiveRows(ctx, tx, s)
	if errE != nil {
		return nil, errE
	}
	out := make([]fsproj.DirectoryNode, 0, len(rows))
	for _, r := range rows {
		var fields struct {
			ParentID *string `json:"parent_id"`
		}
		if err := json.Unmarshal(r.content, &fields); err != nil {
			continue
		}
		parentID := ""
		if fields.ParentID != nil {
			parentID = *fields.ParentID
		}
		out = append(out, fsproj.DirectoryNode{ID: r.entityID, ParentID: parentID, VersionID: r.versionID})
	}
	return out, nil
}

func (e *Engine) liveFileNodes(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema) ([]fsproj.FileNode, errors.E) {
	rows, errE := scanLiveRows(ctx, tx, s)
	if errE != nil {
		return nil, errE
	}
	out := make([]fsproj.FileNode, 0, len(rows))
	for _, r := range rows {
		var fields struct {
			DirectoryID *string `json:"directory_id"`
		}
		if err := json.Unmarshal(r.content, &fields); err != nil {
			continue
		}
		directoryID := ""
		if fields.DirectoryID != nil {
			directoryID = *fields.DirectoryID
		}
		out = append(out, fsproj.FileNode{FileID: r.entityID, DirectoryID: directoryID, VersionID: r.versionID})
	}
	return out, nil
}

type liveRow struct {
	entityID  string
	fileID    string
	versionID string
	content   []byte
}

// scanLiveRows lists every live row for s across both the materialized table
// and the untracked overlay, the "all live rows" view the directory-cascade
// walk (and the file reader, readfile.go) needs and no single
// Store accessor exposes (Store only resolves one (entity_id, file_id,
// version_id) key at a time).
func scanLiveRows(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema) ([]liveRow, errors.E) {
	var out []liveRow

	table := schema.MaterializedTableName(s.Key)
	result, errE := tx.Execute(ctx, fmt.Sprintf(
		`SELECT entity_id, file_id, version_id, snapshot_content FROM %s WHERE is_tombstone = 0`, table), nil)
	if errE != nil {
		if !errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, errE
		}
	} else {
		for _, row := range result.Rows {
			out = append(out, liveRow{entityID: row[0].Text, fileID: row[1].Text, versionID: row[2].Text, content: row[3].Blob})
		}
	}

	untracked, errE := tx.Execute(ctx,
		`SELECT entity_id, file_id, version_id, snapshot_content FROM lix_internal_state_untracked
		 WHERE schema_key = ?`,
		[]backend.Value{backend.TextValue(s.Key)})
	if errE != nil {
		if !errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, errE
		}
		return out, nil
	}
	// The fake backend's WHERE parser only understands "= " and "IS NULL"
	// predicates, so the liveness filter runs here instead of in SQL.
	overlay := map[string]liveRow{}
	for _, row := range untracked.Rows {
		if row[3].IsNull() {
			continue
		}
		r := liveRow{entityID: row[0].Text, fileID: row[1].Text, versionID: row[2].Text, content: row[3].Blob}
		overlay[r.entityID+"/"+r.versionID] = r
	}
	filtered := out[:0]
	for _, r := range out {
		if _, shadowed := overlay[r.entityID+"/"+r.versionID]; !shadowed {
			filtered = append(filtered, r)
		}
	}
	for _, r := range overlay {
		filtered = append(filtered, r)
	}
	return filtered, nil
}

// versionedRow is one entity's row at a single, specific version — unlike
// liveRow, which scans across every version at once. content is nil for a
// recorded tombstone, a distinct signal from "no row at all" (the row simply
// isn't in the returned slice). changeID, schemaVersion, createdAt and
// updatedAt are zero-valued for an untracked row (it has no commit history
// yet); readstate.go's lix_state projection is the one caller that needs
// them — resolveEntityRow only reads entityID/fileID/content.
type versionedRow struct {
	entityID      string
	fileID        string
	content       []byte
	changeID      string
	pluginKey     string
	schemaVersion string
	createdAt     string
	updatedAt     string
}

// scanRowsAtVersion lists every row of s recorded at versionID specifically
// — materialized or untracked, live or tombstoned — the version-scoped
// counterpart scanLiveRows doesn't provide. resolveEntityRow needs this: an
// UPDATE/DELETE predicate must resolve against the version it is about to
// write to, not whichever version happens to hold a row with a matching
// property value. readState (readstate.go) reuses it for the same reason,
// plus the commit/timestamp columns lix_state projects.
func scanRowsAtVersion(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema, versionID string) ([]versionedRow, errors.E) {
	byEntity := map[string]versionedRow{}

	table := schema.MaterializedTableName(s.Key)
	result, errE := tx.Execute(ctx, fmt.Sprintf(
		`SELECT entity_id, file_id, snapshot_content, is_tombstone, change_id, plugin_key, schema_version, created_at, updated_at FROM %s WHERE version_id = ?`, table),
		[]backend.Value{backend.TextValue(versionID)})
	if errE != nil {
		if !errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, errE
		}
	} else {
		for _, row := range result.Rows {
			content := row[2].Blob
			if row[3].Boolean || row[3].Integer != 0 {
				content = nil
			}
			byEntity[row[0].Text] = versionedRow{
				entityID: row[0].Text, fileID: row[1].Text, content: content,
				changeID: row[4].Text, pluginKey: row[5].Text,
				schemaVersion: row[6].Text, createdAt: row[7].Text, updatedAt: row[8].Text,
			}
		}
	}

	untracked, errE := tx.Execute(ctx,
		`SELECT entity_id, file_id, snapshot_content, plugin_key, schema_version, created_at, updated_at FROM lix_internal_state_untracked WHERE schema_key = ? AND version_id = ?`,
		[]backend.Value{backend.TextValue(s.Key), backend.TextValue(versionID)})
	if errE != nil {
		if !errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, errE
		}
	} else {
		for _, row := range untracked.Rows {
			byEntity[row[0].Text] = versionedRow{
				entityID: row[0].Text, fileID: row[1].Text, content: row[2].Blob,
				pluginKey: row[3].Text, schemaVersion: row[4].Text, createdAt: row[5].Text, updatedAt: row[6].Text,
			}
		}
	}

	out := make([]versionedRow, 0, len(byEntity))
	for _, r := range byEntity {
		out = append(out, r)
	}
	return out, nil
}

// sweepBlobCache runs the binary-CAS garbage collector's mark-and-sweep over
// every live lix_file_descriptor row, evicting cache entries for (file_id,
// version_id) pairs no version's state references any longer (SPEC_FULL.md
// §4.10, spec.md §4.4 step 8).
func (e *Engine) sweepBlobCache(ctx context.Context, tx backend.Transaction) errors.E {
	descriptor, errE := e.registry.Lookup("lix_file_descriptor", "")
	if errE != nil {
		return nil //nolint:nilerr // no file schema installed: nothing to sweep
	}
	rows, errE := scanLiveRows(ctx, tx, descriptor)
	if errE != nil {
		return errE
	}
	live := make([]fsproj.LiveRow, 0, len(rows))
	for _, r := range rows {
		live = append(live, fsproj.LiveRow{FileID: r.entityID, VersionID: r.versionID})
	}

	reachable := fsproj.Reachable(live)
	for _, k := range fsproj.Sweep(e.blobCache.Keys(), reachable) {
		e.blobCache.Invalidate([]fsproj.CacheKey{k})
		if errE := e.deleteFileDataCache(ctx, tx, k); errE != nil {
			return errE
		}
	}
	return nil
}

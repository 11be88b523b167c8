package state

import (
	"context"
	"fmt"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/schema"
)

// Executor is the subset of backend.Backend/backend.Transaction the store
// needs; satisfied by either, so callers can run it inside or outside a
// transaction (spec.md §4.1).
type Executor interface {
	Execute(ctx context.Context, sql string, params []backend.Value) (*backend.QueryResult, errors.E)
}

// Store reads and writes materialized and untracked rows for one installed
// schema, enforcing spec.md §3.3 invariants 1, 2, 4, 10.
type Store struct {
	exec   Executor
	schema *schema.StoredSchema
}

// New returns a Store scoped to s's materialized table.
func New(exec Executor, s *schema.StoredSchema) *Store {
	return &Store{exec: exec, schema: s}
}

func (s *Store) table() string {
	return schema.MaterializedTableName(s.schema.Key)
}

// untrackedTable is the single shared overlay table every schema's untracked
// rows live in (spec.md §6.4).
const untrackedTable = "lix_internal_state_untracked"

// GetLive resolves the live row at key, preferring the untracked overlay
// over the materialized row (spec.md §3.3 invariant 2). An untracked row
// with a nil SnapshotContent is a local deletion: it yields no live row.
func (s *Store) GetLive(ctx context.Context, key RowKey) (*UntrackedRow, *MaterializedRow, errors.E) {
	untracked, errE := s.getUntracked(ctx, key)
	if errE != nil {
		return nil, nil, errE
	}
	if untracked != nil {
		if !untracked.IsLive() {
			return nil, nil, nil
		}
		return untracked, nil, nil
	}

	mat, errE := s.getMaterialized(ctx, key)
	if errE != nil {
		return nil, nil, errE
	}
	if mat == nil || !mat.IsLive() {
		return nil, nil, nil
	}
	return nil, mat, nil
}

// RowStatus classifies what GetLive's absent case actually means: no row
// recorded at all, or a recorded tombstone. The inheritance walk (spec.md
// §3.3 invariant 8) needs this distinction — a tombstone stops the walk (the
// entity is recorded deleted at this version) while true absence lets it
// continue to the parent.
type RowStatus int

const (
	RowAbsent RowStatus = iota
	RowLive
	RowTombstone
)

// Resolve reports whether any row (live or tombstone) is recorded at key,
// the untracked overlay taking precedence over the materialized row (spec.md
// §3.3 invariant 2), and that row's content when live. An untracked row with
// a nil SnapshotContent is itself a local tombstone (spec.md §3.2:
// "SnapshotContent nil means deleted").
func (s *Store) Resolve(ctx context.Context, key RowKey) (RowStatus, []byte, errors.E) {
	untracked, errE := s.getUntracked(ctx, key)
	if errE != nil {
		return RowAbsent, nil, errE
	}
	if untracked != nil {
		if untracked.SnapshotContent == nil {
			return RowTombstone, nil, nil
		}
		return RowLive, untracked.SnapshotContent, nil
	}

	mat, errE := s.getMaterialized(ctx, key)
	if errE != nil {
		return RowAbsent, nil, errE
	}
	if mat == nil {
		return RowAbsent, nil, nil
	}
	if mat.IsTombstone {
		return RowTombstone, nil, nil
	}
	return RowLive, mat.SnapshotContent, nil
}

func (s *Store) getUntracked(ctx context.Context, key RowKey) (*UntrackedRow, errors.E) {
	query := fmt.Sprintf(
		`SELECT entity_id, schema_key, file_id, version_id, plugin_key, snapshot_content, metadata, schema_version, created_at, updated_at
		 FROM %s WHERE schema_key = ? AND entity_id = ? AND file_id = ? AND version_id = ?`,
		untrackedTable)
	result, errE := s.exec.Execute(ctx, query, []backend.Value{
		backend.TextValue(s.schema.Key), backend.TextValue(key.EntityID),
		backend.TextValue(key.FileID), backend.TextValue(key.VersionID),
	})
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, nil
		}
		return nil, errE
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}
	row := result.Rows[0]
	return &UntrackedRow{
		EntityID:        row[0].Text,
		SchemaKey:       row[1].Text,
		FileID:          row[2].Text,
		VersionID:       row[3].Text,
		PluginKey:       row[4].Text,
		SnapshotContent: nullableBlobOrText(row[5]),
		Metadata:        nullableBlobOrText(row[6]),
		SchemaVersion:   row[7].Text,
		CreatedAt:       row[8].Text,
		UpdatedAt:       row[9].Text,
	}, nil
}

func (s *Store) getMaterialized(ctx context.Context, key RowKey) (*MaterializedRow, errors.E) {
	query := fmt.Sprintf(
		`SELECT entity_id, schema_key, schema_version, file_id, version_id, plugin_key, snapshot_content, change_id, metadata, writer_key, is_tombstone, created_at, updated_at
		 FROM %s WHERE schema_key = ? AND entity_id = ? AND file_id = ? AND version_id = ?`,
		s.table())
	result, errE := s.exec.Execute(ctx, query, []backend.Value{
		backend.TextValue(s.schema.Key), backend.TextValue(key.EntityID),
		backend.TextValue(key.FileID), backend.TextValue(key.VersionID),
	})
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, nil
		}
		return nil, errE
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}
	row := result.Rows[0]
	return &MaterializedRow{ //nolint:exhaustruct
		EntityID:        row[0].Text,
		SchemaKey:       row[1].Text,
		SchemaVersion:   row[2].Text,
		FileID:          row[3].Text,
		VersionID:       row[4].Text,
		PluginKey:       row[5].Text,
		SnapshotContent: nullableBlobOrText(row[6]),
		ChangeID:        row[7].Text,
		Metadata:        nullableBlobOrText(row[8]),
		WriterKey:       row[9].Text,
		IsTombstone:     row[10].Boolean || row[10].Integer != 0,
		CreatedAt:       row[11].Text,
		UpdatedAt:       row[12].Text,
	}, nil
}

// UpsertMaterialized inserts or replaces the materialized row for row.Key(),
// the terminal step of the commit runtime's statement batch (spec.md §4.3
// step 3: "ON CONFLICT (entity_id, file_id, version_id) DO UPDATE").
func (s *Store) UpsertMaterialized(ctx context.Context, row MaterializedRow) errors.E {
	query := fmt.Sprintf(
		`INSERT INTO %s (entity_id, schema_key, schema_version, file_id, version_id, plugin_key, snapshot_content, change_id, metadata, writer_key, is_tombstone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, file_id, version_id) DO UPDATE SET
		   change_id = excluded.change_id, snapshot_content = excluded.snapshot_content,
		   metadata = excluded.metadata, writer_key = excluded.writer_key,
		   is_tombstone = excluded.is_tombstone, updated_at = excluded.updated_at`,
		s.table())
	_, errE := s.exec.Execute(ctx, query, []backend.Value{
		backend.TextValue(row.EntityID), backend.TextValue(row.SchemaKey), backend.TextValue(row.SchemaVersion),
		backend.TextValue(row.FileID), backend.TextValue(row.VersionID), backend.TextValue(row.PluginKey),
		blobOrNull(row.SnapshotContent), backend.TextValue(row.ChangeID), blobOrNull(row.Metadata),
		textOrNull(row.WriterKey), boolAsInteger(row.IsTombstone),
		backend.TextValue(row.CreatedAt), backend.TextValue(row.UpdatedAt),
	})
	return errE
}

// UpsertUntracked writes row into the shared overlay table (spec.md §3.2:
// "Inserted/updated/deleted directly").
func (s *Store) UpsertUntracked(ctx context.Context, row UntrackedRow) errors.E {
	query := fmt.Sprintf(
		`INSERT INTO %s (entity_id, schema_key, file_id, version_id, plugin_key, snapshot_content, metadata, schema_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, schema_key, file_id, version_id) DO UPDATE SET
		   snapshot_content = excluded.snapshot_content, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		untrackedTable)
	_, errE := s.exec.Execute(ctx, query, []backend.Value{
		backend.TextValue(row.EntityID), backend.TextValue(row.SchemaKey), backend.TextValue(row.FileID),
		backend.TextValue(row.VersionID), backend.TextValue(row.PluginKey), blobOrNull(row.SnapshotContent),
		blobOrNull(row.Metadata), backend.TextValue(row.SchemaVersion),
		backend.TextValue(row.CreatedAt), backend.TextValue(row.UpdatedAt),
	})
	return errE
}

// DeleteUntracked removes the overlay row at key for this schema, letting
// reads fall back to the materialized row (or nothing).
func (s *Store) DeleteUntracked(ctx context.Context, key RowKey) errors.E {
	query := fmt.Sprintf(`DELETE FROM %s WHERE schema_key = ? AND entity_id = ? AND file_id = ? AND version_id = ?`, untrackedTable)
	_, errE := s.exec.Execute(ctx, query, []backend.Value{
		backend.TextValue(s.schema.Key), backend.TextValue(key.EntityID),
		backend.TextValue(key.FileID), backend.TextValue(key.VersionID),
	})
	return errE
}

func nullableBlobOrText(v backend.Value) []byte {
	if v.IsNull() {
		return nil
	}
	if v.Kind == backend.KindBlob {
		return v.Blob
	}
	return []byte(v.Text)
}

func blobOrNull(b []byte) backend.Value {
	if b == nil {
		return backend.NullValue()
	}
	return backend.BlobValue(b)
}

func textOrNull(s string) backend.Value {
	if s == "" {
		return backend.NullValue()
	}
	return backend.TextValue(s)
}

// boolAsInteger renders b the way SQLite and this engine's own queries store
// is_tombstone: as an INTEGER 0/1, not a backend-level boolean (spec.md
// §6.4's columns are declared INT, and predicates like "is_tombstone = 0"
// compare against an integer literal).
func boolAsInteger(b bool) backend.Value {
	if b {
		return backend.IntegerValue(1)
	}
	return backend.IntegerValue(0)
}

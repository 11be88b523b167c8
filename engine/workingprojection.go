package engine

import (
	"context"
	"encoding/json"
	"strings"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/schema"
	"gitlab.com/lixql/engine/state"
	"gitlab.com/lixql/engine/workingproj"
)

// refreshWorkingProjection rebuilds the working-change projection for
// versionID (spec.md §4.7, line 182: "Read-only queries that mention
// lix_state* trigger a working-projection refresh... best-effort; missing
// relations are swallowed"). It is the one caller of the workingproj
// package: Select picks the winning change per entity across the commit DAG
// plus the working commit's own change set, Build turns that selection into
// the three untracked rows spec.md §4.7 step 7 describes.
func (e *Engine) refreshWorkingProjection(ctx context.Context, tx backend.Transaction, versionID string) errors.E {
	pointerSchema, errE := e.registry.Lookup("lix_version_pointer", "")
	if errE != nil {
		return nil //nolint:nilerr // best-effort: no lix_version_pointer schema installed yet
	}
	pointerFields, errE := loadCurrentSnapshot(ctx, tx, pointerSchema, versionID)
	if errE != nil || pointerFields == nil {
		return nil //nolint:nilerr
	}
	tipCommitID := stringField(pointerFields, "commit_id")
	workingCommitID := stringField(pointerFields, "working_commit_id")
	if workingCommitID == "" {
		return nil
	}

	commitSchema, errE := e.registry.Lookup("lix_commit", "")
	if errE != nil {
		return nil //nolint:nilerr
	}
	commitFields, errE := loadCurrentSnapshot(ctx, tx, commitSchema, workingCommitID)
	if errE != nil || commitFields == nil {
		return nil //nolint:nilerr
	}
	workingChangeSetID := stringField(commitFields, "change_set_id")
	if workingChangeSetID == "" {
		return nil
	}

	cseSchema, errE := e.registry.Lookup("lix_change_set_element", "")
	if errE != nil {
		return nil //nolint:nilerr
	}
	changeSchema, errE := e.registry.Lookup("lix_change", "")
	if errE != nil {
		return nil //nolint:nilerr
	}
	if errE := deletePriorProjectionRows(ctx, tx, cseSchema, changeSchema, workingChangeSetID); errE != nil {
		return errE
	}

	commits, errE := loadCommitDAG(ctx, tx)
	if errE != nil {
		return errE
	}
	edges, errE := loadCommitEdges(ctx, tx)
	if errE != nil {
		return errE
	}
	cses, errE := loadChangeSetElements(ctx, tx)
	if errE != nil {
		return errE
	}

	sel := workingproj.Select(workingproj.SelectArgs{
		TipCommitID:        tipCommitID,
		WorkingCommitID:    workingCommitID,
		WorkingChangeSetID: workingChangeSetID,
		Commits:            commits,
		Edges:              edges,
		ChangeSetElements:  cses,
	})

	changes, errE := loadChangeRows(ctx, tx, sel.ChangeIDs)
	if errE != nil {
		return errE
	}

	workingCommitSnapshot, err := json.Marshal(commitFields)
	if err != nil {
		return errors.WithStack(err)
	}

	rows, errE := workingproj.Build(sel, workingproj.BuildArgs{
		ActiveVersionID:       versionID,
		WorkingCommitID:       workingCommitID,
		WorkingChangeSetID:    workingChangeSetID,
		WorkingCommitSnapshot: workingCommitSnapshot,
		Changes:               changes,
	})
	if errE != nil {
		return errE
	}

	for _, row := range rows {
		s, errE := e.registry.Lookup(row.SchemaKey, "")
		if errE != nil {
			continue
		}
		store := state.New(tx, s)
		if errE := store.UpsertUntracked(ctx, row); errE != nil {
			return errE
		}
	}
	return nil
}

// deletePriorProjectionRows removes a prior refresh's synthetic rows before
// writing a fresh one (spec.md §4.7 step 3), matching workingproj.Deletions'
// predicate in Go rather than SQL — the fake backend's WHERE parser has no
// LIKE operator.
func deletePriorProjectionRows(ctx context.Context, tx backend.Transaction, cseSchema, changeSchema *schema.StoredSchema, workingChangeSetID string) errors.E {
	if errE := deleteUntrackedMatching(ctx, tx, cseSchema, func(entityID string) bool {
		return strings.HasPrefix(entityID, workingChangeSetID+"~")
	}); errE != nil {
		return errE
	}
	return deleteUntrackedMatching(ctx, tx, changeSchema, func(entityID string) bool {
		return strings.HasPrefix(entityID, workingproj.SyntheticChangeIDPrefix) &&
			strings.Contains(entityID, ":"+workingChangeSetID+":")
	})
}

func deleteUntrackedMatching(ctx context.Context, tx backend.Transaction, s *schema.StoredSchema, match func(entityID string) bool) errors.E {
	result, errE := tx.Execute(ctx,
		`SELECT entity_id, file_id, version_id FROM lix_internal_state_untracked WHERE schema_key = ?`,
		[]backend.Value{backend.TextValue(s.Key)})
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil
		}
		return errE
	}
	store := state.New(tx, s)
	for _, row := range result.Rows {
		entityID := row[0].Text
		if !match(entityID) {
			continue
		}
		if errE := store.DeleteUntracked(ctx, state.RowKey{EntityID: entityID, FileID: row[1].Text, VersionID: row[2].Text}); errE != nil {
			return errE
		}
	}
	return nil
}

func loadCommitDAG(ctx context.Context, tx backend.Transaction) ([]workingproj.CommitRow, errors.E) {
	result, errE := tx.Execute(ctx, `SELECT id, change_set_id FROM lix_internal_commit`, nil)
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, nil
		}
		return nil, errE
	}
	rows := make([]workingproj.CommitRow, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, workingproj.CommitRow{ID: row[0].Text, ChangeSetID: row[1].Text})
	}
	return rows, nil
}

func loadCommitEdges(ctx context.Context, tx backend.Transaction) ([]workingproj.CommitEdge, errors.E) {
	result, errE := tx.Execute(ctx, `SELECT parent_id, child_id FROM lix_internal_commit_edge`, nil)
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, nil
		}
		return nil, errE
	}
	edges := make([]workingproj.CommitEdge, 0, len(result.Rows))
	for _, row := range result.Rows {
		edges = append(edges, workingproj.CommitEdge{ParentID: row[0].Text, ChildID: row[1].Text})
	}
	return edges, nil
}

// loadChangeSetElements loads every persisted change_set_element row, enriched
// with its change's created_at (spec.md §4.7 step 6's tie-break) — the
// commit-log tables carry no created_at of their own.
func loadChangeSetElements(ctx context.Context, tx backend.Transaction) ([]workingproj.ChangeSetElementRow, errors.E) {
	createdAtByChange, errE := loadChangeCreatedAt(ctx, tx)
	if errE != nil {
		return nil, errE
	}
	result, errE := tx.Execute(ctx, `SELECT change_set_id, change_id, entity_id, schema_key, file_id FROM lix_internal_change_set_element`, nil)
	if errE != nil {
		if errors.Is(errE, backend.ErrNoSuchTable) {
			return nil, nil
		}
		return nil, errE
	}
	rows := make([]workingproj.ChangeSetElementRow, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, workingproj.ChangeSetElementRow{
			ChangeSetID: row[0].Text, ChangeID: row[1].Text, EntityID: row[2].Text,
			SchemaKey: row[3].Text, FileID: row[4].Text, CreatedAt: createdAtByChange[row[1].Text],
		})
	}
	return rows, nil
}

func loadChangeCreatedAt(ctx context.Context, tx backend.Transaction) (map[string]string, errors.E) {
	result, errE := tx.Execute(ctx, `SELECT id, created_at FROM lix_internal_change`, nil)
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

// loadChangeRows resolves each selected change id's lix_internal_change +
// lix_internal_snapshot join (spec.md §4.7 step 7).
func loadChangeRows(ctx context.Context, tx backend.Transaction, changeIDs []string) (map[string]workingproj.ChangeRow, errors.E) {
	out := map[string]workingproj.ChangeRow{}
	for _, id := range changeIDs {
		result, errE := tx.Execute(ctx,
			`SELECT schema_version, plugin_key, created_at, metadata, snapshot_id FROM lix_internal_change WHERE id = ?`,
			[]backend.Value{backend.TextValue(id)})
		if errE != nil {
			if errors.Is(errE, backend.ErrNoSuchTable) {
				continue
			}
			return nil, errE
		}
		if len(result.Rows) == 0 {
			continue
		}
		row := result.Rows[0]
		var snapshotContent []byte
		if snapshotID := row[4].Text; snapshotID != "" {
			snapResult, errE := tx.Execute(ctx, `SELECT content FROM lix_internal_snapshot WHERE id = ?`,
				[]backend.Value{backend.TextValue(snapshotID)})
			if errE != nil {
				if !errors.Is(errE, backend.ErrNoSuchTable) {
					return nil, errE
				}
			} else if len(snapResult.Rows) > 0 {
				snapshotContent = snapResult.Rows[0][0].Blob
			}
		}
		out[id] = workingproj.ChangeRow{
			SchemaVersion: row[0].Text, PluginKey: row[1].Text, CreatedAt: row[2].Text,
			Metadata: row[3].Blob, SnapshotContent: snapshotContent,
		}
	}
	return out, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return v
}

func boolField(fields map[string]any, key string) bool {
	v, _ := fields[key].(bool)
	return v
}

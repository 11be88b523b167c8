package engine

import (
	"context"
	"encoding/json"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/state"
)

// insertCommit writes a single commit-DAG row directly, used by seed (which
// has no change set to derive one from) and by applyMutations (which derives
// the row from commit.GenerateCommitResult.Commits — commit.Batch itself
// never emits it, see engine/ddl.go).
func (e *Engine) insertCommit(ctx context.Context, c state.Commit) errors.E {
	return insertCommitInto(ctx, e.backend, c)
}

func insertCommitInto(ctx context.Context, exec state.Executor, c state.Commit) errors.E {
	parents, errE := marshalStrings(c.ParentCommitIDs)
	if errE != nil {
		return errE
	}
	changeIDs, errE := marshalStrings(c.ChangeIDs)
	if errE != nil {
		return errE
	}
	authors, errE := marshalStrings(c.AuthorAccountIDs)
	if errE != nil {
		return errE
	}
	metaChanges, errE := marshalStrings(c.MetaChangeIDs)
	if errE != nil {
		return errE
	}

	_, errE = exec.Execute(ctx, `
		INSERT INTO lix_internal_commit (id, change_set_id, parent_commit_ids, change_ids, author_account_ids, meta_change_ids)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		  change_set_id = excluded.change_set_id, parent_commit_ids = excluded.parent_commit_ids,
		  change_ids = excluded.change_ids, author_account_ids = excluded.author_account_ids,
		  meta_change_ids = excluded.meta_change_ids`,
		[]backend.Value{
			backend.TextValue(c.ID), backend.TextValue(c.ChangeSetID),
			backend.BlobValue(parents), backend.BlobValue(changeIDs),
			backend.BlobValue(authors), backend.BlobValue(metaChanges),
		})
	if errE != nil {
		return errE
	}

	for _, parent := range c.ParentCommitIDs {
		if _, errE := exec.Execute(ctx, `
			INSERT INTO lix_internal_commit_edge (parent_id, child_id) VALUES (?, ?)
			ON CONFLICT (parent_id, child_id) DO NOTHING`,
			[]backend.Value{backend.TextValue(parent), backend.TextValue(c.ID)}); errE != nil {
			return errE
		}
	}
	return nil
}

// setCommitChangeIDs updates the change_ids column of an already-inserted
// commit row once its seed changes are known (seed inserts the commit row
// before the changes it references exist, to have a stable commit id for
// their metadata).
func (e *Engine) setCommitChangeIDs(ctx context.Context, commitID string, changeIDs []string) errors.E {
	encoded, errE := marshalStrings(changeIDs)
	if errE != nil {
		return errE
	}
	_, errE = e.backend.Execute(ctx,
		`UPDATE lix_internal_commit SET change_ids = ? WHERE id = ?`,
		[]backend.Value{backend.BlobValue(encoded), backend.TextValue(commitID)})
	return errE
}

// insertAncestryEdge writes one row of the commit ancestry closure table
// directly, mirroring commit.Batch's own ancestryStatements shape but for
// the bootstrap commit, which has no prior ancestry to extend.
func (e *Engine) insertAncestryEdge(ctx context.Context, edge state.CommitAncestryEdge) errors.E {
	_, errE := e.backend.Execute(ctx, `
		INSERT INTO lix_internal_commit_ancestry (commit_id, ancestor_id, depth) VALUES (?, ?, ?)
		ON CONFLICT (commit_id, ancestor_id) DO UPDATE SET depth = MIN(depth, excluded.depth)`,
		[]backend.Value{backend.TextValue(edge.CommitID), backend.TextValue(edge.AncestorID), backend.IntegerValue(int64(edge.Depth))})
	return errE
}

// writeSeedRow materializes one bootstrap entity: a snapshot, a change
// attributed to the bootstrap commit's change set, and the materialized row
// itself, bypassing commit.Generate for the reason documented on seed.
func (e *Engine) writeSeedRow(ctx context.Context, row seedRow, timestamp string) (string, errors.E) {
	schemaDoc, errE := e.registry.Lookup(row.SchemaKey, "")
	if errE != nil {
		return "", errE
	}

	snapshotID := e.ids.New()
	if _, errE := e.backend.Execute(ctx,
		`INSERT INTO lix_internal_snapshot (id, content) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		[]backend.Value{backend.TextValue(snapshotID), backend.BlobValue(row.SnapshotContent)}); errE != nil {
		return "", errE
	}

	changeID := e.ids.New()
	if _, errE := e.backend.Execute(ctx, `
		INSERT INTO lix_internal_change (id, entity_id, schema_key, schema_version, file_id, plugin_key, snapshot_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		[]backend.Value{
			backend.TextValue(changeID), backend.TextValue(row.EntityID), backend.TextValue(row.SchemaKey),
			backend.TextValue(schemaDoc.Version), backend.TextValue(""), backend.TextValue("lix_own_entity"),
			backend.TextValue(snapshotID), backend.NullValue(), backend.TextValue(timestamp),
		}); errE != nil {
		return "", errE
	}

	if _, errE := e.backend.Execute(ctx, `
		INSERT INTO lix_internal_change_set_element (change_set_id, change_id, entity_id, schema_key, file_id)
		VALUES (?, ?, ?, ?, ?)`,
		[]backend.Value{
			backend.TextValue(state.BootstrapCommitID), backend.TextValue(changeID),
			backend.TextValue(row.EntityID), backend.TextValue(row.SchemaKey), backend.TextValue(""),
		}); errE != nil {
		return "", errE
	}

	store := state.New(e.backend, schemaDoc)
	errE = store.UpsertMaterialized(ctx, state.MaterializedRow{ //nolint:exhaustruct
		EntityID:        row.EntityID,
		SchemaKey:       row.SchemaKey,
		SchemaVersion:   schemaDoc.Version,
		FileID:          "",
		VersionID:       state.GlobalVersionID,
		PluginKey:       "lix_own_entity",
		SnapshotContent: row.SnapshotContent,
		ChangeID:        changeID,
		IsTombstone:     false,
		CreatedAt:       timestamp,
		UpdatedAt:       timestamp,
	})
	if errE != nil {
		return "", errE
	}
	return changeID, nil
}

func marshalStrings(ss []string) ([]byte, errors.E) {
	if ss == nil {
		ss = []string{}
	}
	out, err := json.Marshal(ss)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

package workingproj_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/state"
	"gitlab.com/lixql/engine/workingproj"
)

func TestBuildProducesCommitChangeAndChangeSetElementRows(t *testing.T) {
	sel := &workingproj.Selection{
		ByEntity: map[workingproj.EntityKey]workingproj.SelectedChange{
			{EntityID: "e1", SchemaKey: "kv", FileID: "f1"}: {ChangeID: "ch1", Depth: 0, CreatedAt: "2026-01-01T00:00:00.000Z"},
		},
		ChangeIDs: []string{"ch1"},
	}

	args := workingproj.BuildArgs{
		ActiveVersionID:       "main",
		WorkingCommitID:       "working-commit-1",
		WorkingChangeSetID:    "cs-working",
		WorkingCommitSnapshot: nil,
		Changes: map[string]workingproj.ChangeRow{
			"ch1": {
				SchemaVersion:   "1",
				PluginKey:       "lix_own_entity",
				CreatedAt:       "2026-01-01T00:00:00.000Z",
				Metadata:        nil,
				SnapshotContent: []byte(`{"k":"a","v":1}`),
			},
		},
	}

	rows, errE := workingproj.Build(sel, args)
	require.NoError(t, errE)
	require.Len(t, rows, 3)

	commitRow := rows[0]
	assert.Equal(t, "working-commit-1", commitRow.EntityID)
	assert.Equal(t, "lix_commit", commitRow.SchemaKey)
	assert.Equal(t, state.GlobalVersionID, commitRow.VersionID)

	var commitSnapshot map[string]any
	require.NoError(t, json.Unmarshal(commitRow.SnapshotContent, &commitSnapshot))
	assert.Equal(t, "cs-working", commitSnapshot["change_set_id"])
	assert.Equal(t, []any{"ch1"}, commitSnapshot["change_ids"])

	changeRow := rows[1]
	assert.Equal(t, "lix_change", changeRow.SchemaKey)
	assert.Contains(t, changeRow.EntityID, workingproj.SyntheticChangeIDPrefix)

	cseRow := rows[2]
	assert.Equal(t, "lix_change_set_element", cseRow.SchemaKey)
	assert.Contains(t, cseRow.EntityID, "cs-working~")
}

func TestBuildPreservesExistingCommitSnapshotFields(t *testing.T) {
	sel := &workingproj.Selection{ByEntity: map[workingproj.EntityKey]workingproj.SelectedChange{}}
	existing, err := json.Marshal(map[string]any{"author_account_ids": []string{"acct1"}})
	require.NoError(t, err)

	args := workingproj.BuildArgs{
		ActiveVersionID:       "main",
		WorkingCommitID:       "working-commit-1",
		WorkingChangeSetID:    "cs-working",
		WorkingCommitSnapshot: existing,
		Changes:               map[string]workingproj.ChangeRow{},
	}

	rows, errE := workingproj.Build(sel, args)
	require.NoError(t, errE)
	require.Len(t, rows, 1)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(rows[0].SnapshotContent, &snapshot))
	assert.Equal(t, []any{"acct1"}, snapshot["author_account_ids"])
	assert.Equal(t, []any{}, snapshot["change_ids"])
}

func TestBuildErrorsOnMissingChangeRow(t *testing.T) {
	sel := &workingproj.Selection{
		ByEntity: map[workingproj.EntityKey]workingproj.SelectedChange{
			{EntityID: "e1", SchemaKey: "kv", FileID: "f1"}: {ChangeID: "ch-missing", Depth: 0, CreatedAt: "2026-01-01T00:00:00.000Z"},
		},
	}
	args := workingproj.BuildArgs{
		ActiveVersionID:    "main",
		WorkingCommitID:    "working-commit-1",
		WorkingChangeSetID: "cs-working",
		Changes:            map[string]workingproj.ChangeRow{},
	}

	_, errE := workingproj.Build(sel, args)
	require.Error(t, errE)
}

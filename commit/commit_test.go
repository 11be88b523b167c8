package commit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/commit"
	"gitlab.com/lixql/engine/identifier"
)

var fixedTime = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestGenerateProducesChangeAndMaterializedRow(t *testing.T) {
	ids := identifier.NewDeterministicFactory(fixedTime, 0)
	args := commit.GenerateCommitArgs{ //nolint:exhaustruct
		Timestamp:      "2026-01-01T00:00:00Z",
		ActiveAccounts: []string{"acct1"},
		Changes: []commit.DomainChangeInput{ //nolint:exhaustruct
			{EntityID: "a", SchemaKey: "kv", SchemaVersion: "1", VersionID: "global", SnapshotContent: []byte(`{"k":"a","v":"1"}`)},
		},
		Versions: map[string]commit.VersionInfo{
			"global": {CommitID: "", WorkingCommitID: "wc0"},
		},
	}

	result := commit.Generate(args, ids)
	require.Len(t, result.Changes, 1)
	require.Len(t, result.Snapshots, 1)
	require.Len(t, result.MaterializedRows, 1)
	require.Len(t, result.Commits, 1)
	assert.Equal(t, "wc0", result.Commits[0].ID)
	assert.Empty(t, result.Commits[0].ParentCommitIDs)
	assert.Equal(t, "a", result.MaterializedRows[0].EntityID)
	assert.False(t, result.MaterializedRows[0].IsTombstone)

	require.Len(t, result.AuthorChanges, 1)

	updated, ok := result.UpdatedVersions["global"]
	require.True(t, ok)
	assert.Equal(t, "wc0", updated.CommitID)
	assert.NotEqual(t, "wc0", updated.WorkingCommitID)
}

func TestGenerateTombstoneUsesNoContent(t *testing.T) {
	ids := identifier.NewDeterministicFactory(fixedTime, 0)
	args := commit.GenerateCommitArgs{ //nolint:exhaustruct
		Changes: []commit.DomainChangeInput{ //nolint:exhaustruct
			{EntityID: "a", SchemaKey: "kv", SchemaVersion: "1", VersionID: "global", SnapshotContent: nil},
		},
		Versions: map[string]commit.VersionInfo{"global": {WorkingCommitID: "wc0"}}, //nolint:exhaustruct
	}
	result := commit.Generate(args, ids)
	require.Len(t, result.Changes, 1)
	assert.Equal(t, "no-content", result.Changes[0].SnapshotID)
	assert.Empty(t, result.Snapshots)
	assert.True(t, result.MaterializedRows[0].IsTombstone)
}

func TestGenerateAncestryExtendsParentChain(t *testing.T) {
	ids := identifier.NewDeterministicFactory(fixedTime, 0)
	args := commit.GenerateCommitArgs{ //nolint:exhaustruct
		Changes: []commit.DomainChangeInput{ //nolint:exhaustruct
			{EntityID: "a", SchemaKey: "kv", SchemaVersion: "1", VersionID: "global", SnapshotContent: []byte(`{}`)},
		},
		Versions: map[string]commit.VersionInfo{"global": {CommitID: "c1", WorkingCommitID: "wc1"}},
		Ancestry: map[string]map[string]int{
			"c1": {"c1": 0, "root": 1},
		},
	}
	result := commit.Generate(args, ids)
	require.Len(t, result.AncestryEdges, 3)

	byAncestor := map[string]int{}
	for _, e := range result.AncestryEdges {
		assert.Equal(t, "wc1", e.CommitID)
		byAncestor[e.AncestorID] = e.Depth
	}
	assert.Equal(t, 0, byAncestor["wc1"])
	assert.Equal(t, 1, byAncestor["c1"])
	assert.Equal(t, 2, byAncestor["root"])
}

func TestBatchChunksMaterializedRows(t *testing.T) {
	ids := identifier.NewDeterministicFactory(fixedTime, 0)
	var changes []commit.DomainChangeInput
	const n = 5
	for i := 0; i < n; i++ {
		changes = append(changes, commit.DomainChangeInput{ //nolint:exhaustruct
			EntityID: "e", SchemaKey: "kv", SchemaVersion: "1", VersionID: "global",
			SnapshotContent: []byte(`{}`),
		})
	}
	args := commit.GenerateCommitArgs{ //nolint:exhaustruct
		Changes:  changes,
		Versions: map[string]commit.VersionInfo{"global": {WorkingCommitID: "wc0"}}, //nolint:exhaustruct
	}
	result := commit.Generate(args, ids)

	// Under the SQLite limit (32766 params, 13 params/row) all n materialized
	// rows fit in one statement; Batch also emits the other row kinds.
	statements := commit.Batch(result, backend.Sqlite)
	assert.NotEmpty(t, statements)
}

package commit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/commit"
	"gitlab.com/lixql/engine/state"
)

// TestChunkingBoundary matches spec.md §8: "insert of N = max_rows_per_insert
// + 1 materialized rows issues exactly 2 statements."
func TestChunkingBoundary(t *testing.T) {
	const paramsPerRow = 13
	limit := maxSqliteParams()
	rowsPerStatement := limit / paramsPerRow
	n := rowsPerStatement + 1

	rows := make([]state.MaterializedRow, n)
	for i := range rows {
		rows[i] = state.MaterializedRow{ //nolint:exhaustruct
			EntityID: "e", SchemaKey: "kv", SchemaVersion: "1", VersionID: "global",
			SnapshotContent: []byte(`{}`), ChangeID: "c", CreatedAt: "t", UpdatedAt: "t",
		}
	}
	result := &commit.GenerateCommitResult{MaterializedRows: rows} //nolint:exhaustruct
	statements := commit.Batch(result, backend.Sqlite)
	require.Len(t, statements, 2)
}

func maxSqliteParams() int {
	// Mirrors commit.maxBindParams(backend.Sqlite), duplicated here since the
	// constant is unexported: the boundary property is about the public
	// Batch contract, not about reaching into its internals.
	return 32766
}

func TestBatchOrdersSnapshotsBeforeChangesBeforeMaterialized(t *testing.T) {
	result := &commit.GenerateCommitResult{ //nolint:exhaustruct
		Snapshots: []state.Snapshot{{ID: "s1", Content: []byte(`{}`)}},
		Changes:   []state.Change{{ChangeID: "c1", SnapshotID: "s1"}}, //nolint:exhaustruct
		MaterializedRows: []state.MaterializedRow{ //nolint:exhaustruct
			{EntityID: "e", SchemaKey: "kv", ChangeID: "c1", VersionID: "global"},
		},
	}
	statements := commit.Batch(result, backend.Sqlite)
	require.Len(t, statements, 3)
	assert.Contains(t, statements[0].SQL, "lix_internal_snapshot")
	assert.Contains(t, statements[1].SQL, "lix_internal_change")
	assert.Contains(t, statements[2].SQL, schemaMaterializedPrefix)
}

const schemaMaterializedPrefix = "lix_internal_state_materialized_v1_"

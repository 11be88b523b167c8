package workingproj_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/lixql/engine/workingproj"
)

func TestBaselineResolvesFirstParent(t *testing.T) {
	edges := []workingproj.CommitEdge{
		{ParentID: "c2", ChildID: "working"},
		{ParentID: "c1", ChildID: "c2"},
	}
	assert.Equal(t, "c2", workingproj.Baseline("working", edges))
}

func TestBaselineFallsBackToSelfWithNoParent(t *testing.T) {
	assert.Equal(t, "working", workingproj.Baseline("working", nil))
}

func TestSelectPrefersTipOverOlderCommit(t *testing.T) {
	args := workingproj.SelectArgs{
		TipCommitID:        "c3",
		WorkingCommitID:    "working",
		WorkingChangeSetID: "cs-working",
		Commits: []workingproj.CommitRow{
			{ID: "c3", ChangeSetID: "cs3"},
			{ID: "c2", ChangeSetID: "cs2"},
			{ID: "c1", ChangeSetID: "cs1"},
		},
		Edges: []workingproj.CommitEdge{
			{ParentID: "c2", ChildID: "c3"},
			{ParentID: "c1", ChildID: "c2"},
			{ParentID: "c1", ChildID: "working"},
		},
		ChangeSetElements: []workingproj.ChangeSetElementRow{
			{ChangeSetID: "cs3", ChangeID: "ch3", EntityID: "e1", SchemaKey: "kv", FileID: "f1", CreatedAt: "2026-01-03T00:00:00.000Z"},
			{ChangeSetID: "cs2", ChangeID: "ch2", EntityID: "e1", SchemaKey: "kv", FileID: "f1", CreatedAt: "2026-01-02T00:00:00.000Z"},
		},
	}

	sel := workingproj.Select(args)
	key := workingproj.EntityKey{EntityID: "e1", SchemaKey: "kv", FileID: "f1"}
	got, ok := sel.ByEntity[key]
	if !ok {
		t.Fatalf("expected a selection for %v", key)
	}
	assert.Equal(t, "ch3", got.ChangeID)
	assert.Equal(t, 0, got.Depth)
}

func TestSelectStopsAtBaselineExclusive(t *testing.T) {
	args := workingproj.SelectArgs{
		TipCommitID:        "c2",
		WorkingCommitID:    "working",
		WorkingChangeSetID: "cs-working",
		Commits: []workingproj.CommitRow{
			{ID: "c2", ChangeSetID: "cs2"},
			{ID: "c1", ChangeSetID: "cs1"}, // baseline, excluded
		},
		Edges: []workingproj.CommitEdge{
			{ParentID: "c1", ChildID: "c2"},
			{ParentID: "c1", ChildID: "working"},
		},
		ChangeSetElements: []workingproj.ChangeSetElementRow{
			{ChangeSetID: "cs1", ChangeID: "ch1", EntityID: "e1", SchemaKey: "kv", FileID: "f1", CreatedAt: "2026-01-01T00:00:00.000Z"},
		},
	}

	sel := workingproj.Select(args)
	key := workingproj.EntityKey{EntityID: "e1", SchemaKey: "kv", FileID: "f1"}
	_, ok := sel.ByEntity[key]
	assert.False(t, ok)
}

func TestSelectLayersWorkingChangeSetOnTop(t *testing.T) {
	args := workingproj.SelectArgs{
		TipCommitID:        "c1",
		WorkingCommitID:    "working",
		WorkingChangeSetID: "cs-working",
		Commits: []workingproj.CommitRow{
			{ID: "c1", ChangeSetID: "cs1"},
		},
		Edges: []workingproj.CommitEdge{
			{ParentID: "c1", ChildID: "working"},
		},
		ChangeSetElements: []workingproj.ChangeSetElementRow{
			{ChangeSetID: "cs1", ChangeID: "ch1", EntityID: "e1", SchemaKey: "kv", FileID: "f1", CreatedAt: "2026-01-01T00:00:00.000Z"},
			{ChangeSetID: "cs-working", ChangeID: "ch-uncommitted", EntityID: "e1", SchemaKey: "kv", FileID: "f1", CreatedAt: "2026-01-05T00:00:00.000Z"},
		},
	}

	sel := workingproj.Select(args)
	key := workingproj.EntityKey{EntityID: "e1", SchemaKey: "kv", FileID: "f1"}
	got := sel.ByEntity[key]
	assert.Equal(t, "ch-uncommitted", got.ChangeID)
}

func TestSelectSkipsSyntheticChangeIDs(t *testing.T) {
	args := workingproj.SelectArgs{
		TipCommitID:        "c1",
		WorkingCommitID:    "working",
		WorkingChangeSetID: "cs-working",
		Commits: []workingproj.CommitRow{
			{ID: "c1", ChangeSetID: "cs1"},
		},
		ChangeSetElements: []workingproj.ChangeSetElementRow{
			{ChangeSetID: "cs1", ChangeID: "working_projection:global:cs1:kv:f1:e1", EntityID: "e1", SchemaKey: "kv", FileID: "f1", CreatedAt: "2026-01-01T00:00:00.000Z"},
		},
	}

	sel := workingproj.Select(args)
	assert.Empty(t, sel.ByEntity)
}

func TestDeletionsBuildsLikePatterns(t *testing.T) {
	d := workingproj.Deletions("cs-working")
	assert.Equal(t, "cs-working~%", d.ChangeSetElementEntityIDLike)
	assert.Equal(t, "working_projection:%:cs-working:%", d.ChangeIDLike)
}

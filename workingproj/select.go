// Package workingproj implements the working-change projection rebuild of
// spec.md §4.7: for the active version, derive a synthetic "what would the
// next commit contain" view from the commit DAG plus the working commit's
// own uncommitted change set, expressed as untracked overlay rows so no
// materialized table is touched.
//
// Grounded on original_source/packages/engine/src/sql/history/projections.rs
// (the spec's distillation omits the exact depth/tie-break rule, which this
// package follows verbatim rather than guessing).
package workingproj

import (
	"sort"
	"strings"
)

// MetadataSentinel tags every untracked row this rebuilder writes, so a
// later rebuild can find and delete its own prior output (spec.md §4.7
// step 3).
const MetadataSentinel = "lix_working_projection"

// SyntheticChangeIDPrefix marks a change id as rebuilder-generated rather
// than a real committed change (spec.md §4.7: "Change ids starting with
// working_projection: are skipped").
const SyntheticChangeIDPrefix = "working_projection:"

// CommitRow is one lix_commit row's (id, change_set_id) pair, read from the
// global version's materialized table (spec.md §4.7 step 4).
type CommitRow struct {
	ID          string
	ChangeSetID string
}

// CommitEdge is one parent -> child lix_commit_edge row.
type CommitEdge struct {
	ParentID string
	ChildID  string
}

// ChangeSetElementRow is one lix_change_set_element row (spec.md §4.7 step 5).
type ChangeSetElementRow struct {
	ChangeSetID string
	ChangeID    string
	EntityID    string
	SchemaKey   string
	FileID      string
	CreatedAt   string
}

// EntityKey is the (entity_id, schema_key, file_id) triple the rebuilder
// picks one winning change for (spec.md §4.7 step 6).
type EntityKey struct {
	EntityID  string
	SchemaKey string
	FileID    string
}

// SelectedChange is the winning change for one EntityKey.
type SelectedChange struct {
	ChangeID  string
	Depth     int
	CreatedAt string
}

// SelectArgs is the commit-DAG half of the rebuild (spec.md §4.7 steps 1-6).
type SelectArgs struct {
	TipCommitID        string
	WorkingCommitID    string
	WorkingChangeSetID string
	Commits            []CommitRow
	Edges              []CommitEdge
	ChangeSetElements  []ChangeSetElementRow
}

// Selection is Select's result: the winning change per entity, plus the
// distinct change ids the caller must resolve before calling Build.
type Selection struct {
	ByEntity  map[EntityKey]SelectedChange
	ChangeIDs []string
}

// DeletionTargets is the predicate the caller deletes prior untracked rows
// with, before writing a fresh Build result (spec.md §4.7 step 3): any
// untracked row tagged with MetadataSentinel whose schema_key/entity_id
// matches either pattern below.
type DeletionTargets struct {
	ChangeSetElementEntityIDLike string
	ChangeIDLike                 string
}

// Deletions returns the deletion predicate for workingChangeSetID.
func Deletions(workingChangeSetID string) DeletionTargets {
	return DeletionTargets{
		ChangeSetElementEntityIDLike: workingChangeSetID + "~%",
		ChangeIDLike:                 SyntheticChangeIDPrefix + "%:" + workingChangeSetID + ":%",
	}
}

// Baseline resolves baseline_commit_id = parents(working_commit_id).first,
// falling back to working_commit_id itself when the working commit has no
// recorded parent edge yet (spec.md §4.7 step 4).
func Baseline(workingCommitID string, edges []CommitEdge) string {
	for _, e := range edges {
		if e.ChildID == workingCommitID {
			return e.ParentID
		}
	}
	return workingCommitID
}

// depthByCommit runs a BFS from tipCommitID back through parent edges,
// recording each commit's hop distance from the tip and excluding
// baselineCommitID and anything beyond it (spec.md §4.7 step 4).
func depthByCommit(tipCommitID, baselineCommitID string, edges []CommitEdge) map[string]int {
	parentsByChild := map[string][]string{}
	for _, e := range edges {
		parentsByChild[e.ChildID] = append(parentsByChild[e.ChildID], e.ParentID)
	}

	type item struct {
		id    string
		depth int
	}

	depths := map[string]int{}
	queue := []item{{tipCommitID, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.id == baselineCommitID {
			continue
		}
		if existing, ok := depths[cur.id]; ok && existing <= cur.depth {
			continue
		}
		depths[cur.id] = cur.depth

		for _, parent := range parentsByChild[cur.id] {
			queue = append(queue, item{parent, cur.depth + 1})
		}
	}
	return depths
}

// Select computes the winning change per entity across the commits between
// the tip and the baseline, then layers the working commit's own change set
// on top at depth 0 (spec.md §4.7 steps 4-6).
func Select(args SelectArgs) *Selection {
	changeSetByCommit := map[string]string{}
	for _, c := range args.Commits {
		changeSetByCommit[c.ID] = c.ChangeSetID
	}

	cseByChangeSet := map[string][]ChangeSetElementRow{}
	for _, cse := range args.ChangeSetElements {
		cseByChangeSet[cse.ChangeSetID] = append(cseByChangeSet[cse.ChangeSetID], cse)
	}

	baseline := Baseline(args.WorkingCommitID, args.Edges)
	depths := depthByCommit(args.TipCommitID, baseline, args.Edges)

	selected := map[EntityKey]SelectedChange{}
	consider := func(changeSetID string, depth int) {
		for _, cse := range cseByChangeSet[changeSetID] {
			if strings.HasPrefix(cse.ChangeID, SyntheticChangeIDPrefix) {
				continue
			}
			key := EntityKey{EntityID: cse.EntityID, SchemaKey: cse.SchemaKey, FileID: cse.FileID}
			next := SelectedChange{ChangeID: cse.ChangeID, Depth: depth, CreatedAt: cse.CreatedAt}
			existing, ok := selected[key]
			if !ok || next.Depth < existing.Depth || (next.Depth == existing.Depth && next.CreatedAt > existing.CreatedAt) {
				selected[key] = next
			}
		}
	}

	commitIDs := make([]string, 0, len(depths))
	for id := range depths {
		commitIDs = append(commitIDs, id)
	}
	sort.Strings(commitIDs)
	for _, id := range commitIDs {
		changeSetID, ok := changeSetByCommit[id]
		if !ok {
			continue
		}
		consider(changeSetID, depths[id])
	}
	consider(args.WorkingChangeSetID, 0)

	changeIDs := make([]string, 0, len(selected))
	seen := map[string]bool{}
	for _, key := range sortedKeys(selected) {
		id := selected[key].ChangeID
		if !seen[id] {
			seen[id] = true
			changeIDs = append(changeIDs, id)
		}
	}

	return &Selection{ByEntity: selected, ChangeIDs: changeIDs}
}

func sortedKeys(m map[EntityKey]SelectedChange) []EntityKey {
	keys := make([]EntityKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if a.SchemaKey != b.SchemaKey {
			return a.SchemaKey < b.SchemaKey
		}
		return a.FileID < b.FileID
	})
	return keys
}

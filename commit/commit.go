// Package commit implements the commit runtime of spec.md §4.3: it turns a
// batch of domain changes into snapshot/change/materialized/commit/edge rows
// and an ordered, dialect-aware statement batch.
package commit

import (
	"sort"

	"gitlab.com/lixql/engine/identifier"
	"gitlab.com/lixql/engine/state"
)

// DomainChangeInput is one caller-supplied mutation to fold into the next
// commit (spec.md §4.3).
type DomainChangeInput struct {
	EntityID        string
	SchemaKey       string
	SchemaVersion   string
	FileID          string
	PluginKey       string
	VersionID       string
	SnapshotContent []byte // nil means tombstone
	Metadata        []byte
	WriterKey       string
}

// VersionInfo is the commit runtime's view of one affected version's current
// pointer, keyed by version_id in GenerateCommitArgs.Versions.
type VersionInfo struct {
	CommitID        string
	WorkingCommitID string
}

// GenerateCommitArgs is the commit runtime's input (spec.md §4.3).
type GenerateCommitArgs struct {
	Timestamp      string
	ActiveAccounts []string
	Changes        []DomainChangeInput
	Versions       map[string]VersionInfo
	// Ancestry supplies, for an existing commit id, its full ancestor-depth
	// map, used to extend the closure table for each newly produced commit
	// (spec.md §4.3 step 4). Absent entries are treated as "no ancestors yet".
	Ancestry map[string]map[string]int
}

// GenerateCommitResult is the commit runtime's output (spec.md §4.3).
type GenerateCommitResult struct {
	Snapshots         []state.Snapshot
	Changes           []state.Change
	MaterializedRows  []state.MaterializedRow
	Commits           []state.Commit
	ChangeSetElements []state.ChangeSetElement
	AncestryEdges     []state.CommitAncestryEdge
	AuthorChanges     []state.Change // lix_change_author rows, one per (change, active account)
	UpdatedVersions   map[string]VersionInfo
}

// authorSchemaKey is excluded from re-authorization per spec.md §4.3:
// "changes whose schema_key is already lix_change_author do not re-authorize".
const authorSchemaKey = "lix_change_author"

// Generate converts args into a GenerateCommitResult using ids for every
// generated identifier (snapshot, change, author-change, and each updated
// version's next working commit). A version's new commit takes the id of its
// current working_commit_id.
func Generate(args GenerateCommitArgs, ids *identifier.Factory) *GenerateCommitResult {
	result := &GenerateCommitResult{ //nolint:exhaustruct
		UpdatedVersions: map[string]VersionInfo{},
	}

	byVersion := map[string][]state.Change{}

	for _, in := range args.Changes {
		snapshotID := state.NoContentSnapshotID
		if in.SnapshotContent != nil {
			snapshotID = ids.New()
			result.Snapshots = append(result.Snapshots, state.Snapshot{ID: snapshotID, Content: in.SnapshotContent})
		}

		changeID := ids.New()
		change := state.Change{
			ChangeID:      changeID,
			EntityID:      in.EntityID,
			SchemaKey:     in.SchemaKey,
			SchemaVersion: in.SchemaVersion,
			FileID:        in.FileID,
			PluginKey:     in.PluginKey,
			SnapshotID:    snapshotID,
			Metadata:      in.Metadata,
			CreatedAt:     args.Timestamp,
		}
		result.Changes = append(result.Changes, change)

		result.MaterializedRows = append(result.MaterializedRows, state.MaterializedRow{ //nolint:exhaustruct
			EntityID:        in.EntityID,
			SchemaKey:       in.SchemaKey,
			SchemaVersion:   in.SchemaVersion,
			FileID:          in.FileID,
			VersionID:       in.VersionID,
			PluginKey:       in.PluginKey,
			SnapshotContent: in.SnapshotContent,
			ChangeID:        changeID,
			Metadata:        in.Metadata,
			WriterKey:       in.WriterKey,
			IsTombstone:     in.SnapshotContent == nil,
			CreatedAt:       args.Timestamp,
			UpdatedAt:       args.Timestamp,
		})

		byVersion[in.VersionID] = append(byVersion[in.VersionID], change)

		if in.SchemaKey != authorSchemaKey {
			for _, account := range args.ActiveAccounts {
				authorChangeID := ids.New()
				result.AuthorChanges = append(result.AuthorChanges, state.Change{
					ChangeID:      authorChangeID,
					EntityID:      changeID + ":" + account,
					SchemaKey:     authorSchemaKey,
					SchemaVersion: "1",
					FileID:        "",
					PluginKey:     "lix_own_entity",
					SnapshotID:    state.NoContentSnapshotID,
					Metadata:      nil,
					CreatedAt:     args.Timestamp,
				})
			}
		}
	}

	versionIDs := make([]string, 0, len(byVersion))
	for v := range byVersion {
		versionIDs = append(versionIDs, v)
	}
	sort.Strings(versionIDs)

	for _, versionID := range versionIDs {
		changes := byVersion[versionID]
		info, ok := args.Versions[versionID]
		if !ok {
			continue
		}

		newCommitID := info.WorkingCommitID
		changeSetID := newCommitID

		allChangeIDs := make([]string, 0, len(changes))
		for _, c := range changes {
			allChangeIDs = append(allChangeIDs, c.ChangeID)
			result.ChangeSetElements = append(result.ChangeSetElements, state.ChangeSetElement{
				ChangeSetID: changeSetID,
				ChangeID:    c.ChangeID,
				EntityID:    c.EntityID,
				SchemaKey:   c.SchemaKey,
				FileID:      c.FileID,
			})
		}

		var parents []string
		if info.CommitID != "" {
			parents = []string{info.CommitID}
		}

		newCommit := state.Commit{
			ID:               newCommitID,
			ChangeSetID:      changeSetID,
			ParentCommitIDs:  parents,
			ChangeIDs:        allChangeIDs,
			AuthorAccountIDs: append([]string(nil), args.ActiveAccounts...),
			MetaChangeIDs:    nil,
		}
		result.Commits = append(result.Commits, newCommit)

		result.AncestryEdges = append(result.AncestryEdges, ancestryEdges(newCommitID, parents, args.Ancestry)...)

		newWorkingCommitID := ids.New()
		result.UpdatedVersions[versionID] = VersionInfo{
			CommitID:        newCommitID,
			WorkingCommitID: newWorkingCommitID,
		}
	}

	return result
}

// ancestryEdges implements spec.md §4.3 step 4's closure-table maintenance
// for one new commit: a self-row at depth 0, plus for each parent P every
// `(A, min(d, existing))` pair reachable through P's own ancestry.
func ancestryEdges(commitID string, parents []string, existing map[string]map[string]int) []state.CommitAncestryEdge {
	depths := map[string]int{commitID: 0}

	for _, parent := range parents {
		updateMinDepth(depths, parent, 1)
		for ancestor, d := range existing[parent] {
			updateMinDepth(depths, ancestor, d+1)
		}
	}

	ancestors := make([]string, 0, len(depths))
	for a := range depths {
		ancestors = append(ancestors, a)
	}
	sort.Strings(ancestors)

	edges := make([]state.CommitAncestryEdge, 0, len(ancestors))
	for _, a := range ancestors {
		edges = append(edges, state.CommitAncestryEdge{CommitID: commitID, AncestorID: a, Depth: depths[a]})
	}
	return edges
}

func updateMinDepth(depths map[string]int, id string, depth int) {
	if existing, ok := depths[id]; !ok || depth < existing {
		depths[id] = depth
	}
}

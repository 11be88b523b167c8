package workingproj

import (
	"encoding/json"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/state"
)

// lixFileID is the fixed file_id every projection-scope schema (lix_commit,
// lix_change, lix_change_set_element) is stored under (spec.md §6.4).
const lixFileID = "lix"

// fallbackProjectionTimestamp is used when a rebuild selects no changes at
// all, matching the original's "1970-01-01T00:00:00.000Z" default.
const fallbackProjectionTimestamp = "1970-01-01T00:00:00.000Z"

// ChangeRow is the lix_internal_change + lix_internal_snapshot join for one
// selected change (spec.md §4.7 step 7).
type ChangeRow struct {
	SchemaVersion   string
	PluginKey       string
	CreatedAt       string
	Metadata        []byte // nullable JSON
	SnapshotContent []byte // nullable JSON
}

// BuildArgs is step 7's input: the Selection from Select, resolved change
// rows for (at least) Selection.ChangeIDs, and the working commit's current
// raw lix_commit snapshot (nil if the working commit has none yet).
type BuildArgs struct {
	ActiveVersionID       string
	WorkingCommitID       string
	WorkingChangeSetID    string
	WorkingCommitSnapshot []byte
	Changes               map[string]ChangeRow
}

// ErrMissingChange is returned when a selected change id has no entry in
// BuildArgs.Changes.
var ErrMissingChange = errors.Base("workingproj: selected change not resolved")

// Build turns sel into the three kinds of untracked rows spec.md §4.7 step 7
// describes: a replacement working-commit row, one synthetic lix_change row
// per selected entity, and the lix_change_set_element row linking it into
// the working change set.
func Build(sel *Selection, args BuildArgs) ([]state.UntrackedRow, errors.E) {
	keys := sortedKeys(sel.ByEntity)

	projectionUpdatedAt := fallbackProjectionTimestamp
	changeIDs := make([]string, 0, len(keys))
	seenChangeID := map[string]bool{}

	for _, key := range keys {
		selected := sel.ByEntity[key]
		projectionUpdatedAt = maxString(projectionUpdatedAt, selected.CreatedAt)
		if !seenChangeID[selected.ChangeID] {
			seenChangeID[selected.ChangeID] = true
			changeIDs = append(changeIDs, selected.ChangeID)
		}
	}

	commitSnapshot, errE := buildCommitSnapshot(args.WorkingCommitSnapshot, args.WorkingCommitID, args.WorkingChangeSetID, changeIDs)
	if errE != nil {
		return nil, errE
	}

	metadata, err := json.Marshal(MetadataSentinel)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows := []state.UntrackedRow{
		{
			EntityID:        args.WorkingCommitID,
			SchemaKey:       "lix_commit",
			FileID:          lixFileID,
			VersionID:       state.GlobalVersionID,
			PluginKey:       "",
			SnapshotContent: commitSnapshot,
			Metadata:        metadata,
			SchemaVersion:   "1",
			CreatedAt:       projectionUpdatedAt,
			UpdatedAt:       projectionUpdatedAt,
		},
	}

	for _, key := range keys {
		selected := sel.ByEntity[key]
		change, ok := args.Changes[selected.ChangeID]
		if !ok {
			errE := errors.WithStack(ErrMissingChange)
			errors.Details(errE)["change_id"] = selected.ChangeID
			return nil, errE
		}

		syntheticChangeID := SyntheticChangeIDPrefix + args.ActiveVersionID + ":" + args.WorkingChangeSetID + ":" + key.SchemaKey + ":" + key.FileID + ":" + key.EntityID

		changeSnapshot, err := json.Marshal(map[string]any{
			"id":               syntheticChangeID,
			"entity_id":        key.EntityID,
			"schema_key":       key.SchemaKey,
			"schema_version":   change.SchemaVersion,
			"file_id":          key.FileID,
			"plugin_key":       change.PluginKey,
			"created_at":       change.CreatedAt,
			"snapshot_content": json.RawMessage(nonNilJSON(change.SnapshotContent)),
			"metadata":         json.RawMessage(nonNilJSON(change.Metadata)),
		})
		if err != nil {
			return nil, errors.WithStack(err)
		}

		rows = append(rows, state.UntrackedRow{
			EntityID:        syntheticChangeID,
			SchemaKey:       "lix_change",
			FileID:          lixFileID,
			VersionID:       state.GlobalVersionID,
			PluginKey:       "",
			SnapshotContent: changeSnapshot,
			Metadata:        metadata,
			SchemaVersion:   "1",
			CreatedAt:       change.CreatedAt,
			UpdatedAt:       change.CreatedAt,
		})

		cseEntityID := args.WorkingChangeSetID + "~" + syntheticChangeID
		cseSnapshot, err := json.Marshal(map[string]any{
			"change_set_id": args.WorkingChangeSetID,
			"change_id":     syntheticChangeID,
			"entity_id":     key.EntityID,
			"schema_key":    key.SchemaKey,
			"file_id":       key.FileID,
		})
		if err != nil {
			return nil, errors.WithStack(err)
		}

		rows = append(rows, state.UntrackedRow{
			EntityID:        cseEntityID,
			SchemaKey:       "lix_change_set_element",
			FileID:          lixFileID,
			VersionID:       state.GlobalVersionID,
			PluginKey:       "",
			SnapshotContent: cseSnapshot,
			Metadata:        metadata,
			SchemaVersion:   "1",
			CreatedAt:       change.CreatedAt,
			UpdatedAt:       change.CreatedAt,
		})
	}

	return rows, nil
}

// buildCommitSnapshot overlays id/change_set_id/change_ids onto the working
// commit's existing raw snapshot (or an empty object when it has none yet),
// the way the original preserves any other fields a caller may have set
// (spec.md §4.7 step 7).
func buildCommitSnapshot(raw []byte, workingCommitID, workingChangeSetID string, changeIDs []string) ([]byte, errors.E) {
	object := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &object); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	object["id"] = workingCommitID
	object["change_set_id"] = workingChangeSetID
	object["change_ids"] = changeIDs

	out, err := json.Marshal(object)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func nonNilJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func maxString(a, b string) string {
	if b > a {
		return b
	}
	return a
}

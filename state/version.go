package state

import (
	"context"
	"encoding/json"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/backend"
)

// descriptorTable and pointerTable are the two materialized tables a Version
// entity is split across (spec.md §3.2: "Descriptor and pointer are two
// separate schema_keys stored in the vtable").
const (
	descriptorTable = "lix_internal_state_materialized_v1_lix_version_descriptor"
	pointerTable    = "lix_internal_state_materialized_v1_lix_version_pointer"
)

// ErrVersionNotFound is returned when a version id resolves to no descriptor
// or pointer row.
var ErrVersionNotFound = errors.Base("state: version not found")

// VersionStore reads and writes version descriptor/pointer rows.
type VersionStore struct {
	exec Executor
}

// NewVersionStore returns a VersionStore over exec.
func NewVersionStore(exec Executor) *VersionStore {
	return &VersionStore{exec: exec}
}

// Descriptor loads the descriptor row for versionID.
func (vs *VersionStore) Descriptor(ctx context.Context, versionID string) (*VersionDescriptor, errors.E) {
	result, errE := vs.exec.Execute(ctx,
		`SELECT entity_id, snapshot_content FROM `+descriptorTable+` WHERE entity_id = ? AND is_tombstone = 0`,
		[]backend.Value{backend.TextValue(versionID)})
	if errE != nil {
		return nil, errE
	}
	if len(result.Rows) == 0 {
		errE := errors.WithStack(ErrVersionNotFound)
		errors.Details(errE)["version_id"] = versionID
		return nil, errE
	}
	return decodeDescriptor(result.Rows[0])
}

// Pointer loads the pointer row for versionID.
func (vs *VersionStore) Pointer(ctx context.Context, versionID string) (*VersionPointer, errors.E) {
	result, errE := vs.exec.Execute(ctx,
		`SELECT entity_id, snapshot_content FROM `+pointerTable+` WHERE entity_id = ? AND is_tombstone = 0`,
		[]backend.Value{backend.TextValue(versionID)})
	if errE != nil {
		return nil, errE
	}
	if len(result.Rows) == 0 {
		errE := errors.WithStack(ErrVersionNotFound)
		errors.Details(errE)["version_id"] = versionID
		return nil, errE
	}
	return decodePointer(result.Rows[0])
}

// versionDescriptorContent and versionPointerContent mirror the lix_version_descriptor
// and lix_version_pointer schema documents (engine/builtin.go), decoded out of
// snapshot_content rather than carried as typed Go structs end to end: the
// materialized row only ever exposes raw JSON bytes.
type versionDescriptorContent struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	InheritsFromVersionID string `json:"inherits_from_version_id"`
	Hidden                bool   `json:"hidden"`
}

type versionPointerContent struct {
	ID              string `json:"id"`
	CommitID        string `json:"commit_id"`
	WorkingCommitID string `json:"working_commit_id"`
}

func decodeDescriptor(row []backend.Value) (*VersionDescriptor, errors.E) {
	var content versionDescriptorContent
	if errE := decodeSnapshotContent(row[1], &content); errE != nil {
		return nil, errE
	}
	return &VersionDescriptor{
		ID:                    content.ID,
		Name:                  content.Name,
		InheritsFromVersionID: content.InheritsFromVersionID,
		Hidden:                content.Hidden,
	}, nil
}

func decodePointer(row []backend.Value) (*VersionPointer, errors.E) {
	var content versionPointerContent
	if errE := decodeSnapshotContent(row[1], &content); errE != nil {
		return nil, errE
	}
	return &VersionPointer{
		ID:              content.ID,
		CommitID:        content.CommitID,
		WorkingCommitID: content.WorkingCommitID,
	}, nil
}

func decodeSnapshotContent(v backend.Value, out any) errors.E {
	var raw []byte
	switch {
	case v.IsNull():
		return errors.WithStack(ErrVersionNotFound)
	case v.Kind == backend.KindBlob:
		raw = v.Blob
	default:
		raw = []byte(v.Text)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// InheritanceWalker resolves the nearest live ancestor row for a target
// version, per spec.md §3.3 invariant 8 and §4.2.1's `lix_state_by_version`
// recursive CTE.
type InheritanceWalker struct {
	descriptors func(ctx context.Context, versionID string) (*VersionDescriptor, errors.E)
}

// NewInheritanceWalker returns a walker backed by descriptorLookup, which
// resolves a version id to its descriptor (parent pointer).
func NewInheritanceWalker(descriptorLookup func(ctx context.Context, versionID string) (*VersionDescriptor, errors.E)) *InheritanceWalker {
	return &InheritanceWalker{descriptors: descriptorLookup}
}

// ErrInheritanceTooDeep is never actually raised: depth 65 silently yields no
// inherited row rather than an error (spec.md §8 boundary behavior), and no
// function in this package returns the sentinel.
var ErrInheritanceTooDeep = errors.Base("state: inheritance walk exceeded max depth")

// Resolve walks ancestors of versionID (inclusive), calling hasLiveRow at
// each hop, and returns the first version id (and its hop depth) for which
// hasLiveRow reports true. It stops after MaxInheritanceDepth hops without
// error, matching "depth = 65 yields no inherited row (not an error)"
// (spec.md §8).
func (w *InheritanceWalker) Resolve(ctx context.Context, versionID string, hasLiveRow func(ctx context.Context, candidateVersionID string) (bool, errors.E)) (resolvedVersionID string, depth int, found bool, errE errors.E) {
	current := versionID
	seen := map[string]bool{}

	for depth = 0; depth <= MaxInheritanceDepth; depth++ {
		if seen[current] {
			// A cycle would violate spec.md §9's "acyclic by construction"
			// assumption; treat as exhausted rather than looping forever.
			return "", 0, false, nil
		}
		seen[current] = true

		ok, errE := hasLiveRow(ctx, current)
		if errE != nil {
			return "", 0, false, errE
		}
		if ok {
			return current, depth, true, nil
		}

		descriptor, errE := w.descriptors(ctx, current)
		if errE != nil {
			if errors.Is(errE, ErrVersionNotFound) {
				return "", 0, false, nil
			}
			return "", 0, false, errE
		}
		if descriptor.InheritsFromVersionID == "" {
			return "", 0, false, nil
		}
		current = descriptor.InheritsFromVersionID
	}
	return "", 0, false, nil
}

// Chain returns the ancestor chain of versionID, nearest first (versionID
// itself is always the first element), the same hop sequence Resolve walks
// — bounded by MaxInheritanceDepth and cycle-safe. Resolve stops at the
// first live ancestor it finds; Chain is for callers that need to inspect
// every ancestor's rows at once, such as lix_state's schema-wide vtable
// union, rather than one entity's single resolved row.
func (w *InheritanceWalker) Chain(ctx context.Context, versionID string) ([]string, errors.E) {
	current := versionID
	seen := map[string]bool{}
	chain := make([]string, 0, 4)

	for depth := 0; depth <= MaxInheritanceDepth; depth++ {
		if seen[current] {
			return chain, nil
		}
		seen[current] = true
		chain = append(chain, current)

		descriptor, errE := w.descriptors(ctx, current)
		if errE != nil {
			if errors.Is(errE, ErrVersionNotFound) {
				return chain, nil
			}
			return nil, errE
		}
		if descriptor.InheritsFromVersionID == "" {
			return chain, nil
		}
		current = descriptor.InheritsFromVersionID
	}
	return chain, nil
}

// InheritedFromVersionID computes the MaterializedRow.InheritedFromVersionID
// value for a row resolved at resolvedVersionID while walking from
// targetVersionID (spec.md §3.3 invariant 8: "NULL when the row is local").
func InheritedFromVersionID(targetVersionID, resolvedVersionID string) string {
	if targetVersionID == resolvedVersionID {
		return ""
	}
	return resolvedVersionID
}

// Package state models the versioned state entities of spec.md §3.2:
// materialized per-schema rows, the untracked overlay, and version
// descriptor/pointer rows, plus the invariants of §3.3 that govern how they
// compose into "current state" reads.
package state

// NoContentSnapshotID is the reserved sentinel snapshot id representing "no
// body" — a tombstone or an explicit null value (spec.md §3.1).
const NoContentSnapshotID = "no-content"

// UntrackedChangeID is the fixed change_id stamped on every UntrackedRow
// (spec.md §3.2: "change_id is fixed to \"untracked\"").
const UntrackedChangeID = "untracked"

// MaxInheritanceDepth bounds the *_by_version ancestor walk (spec.md §3.3
// invariant 8, §9: "bounded by a recursion depth (64)").
const MaxInheritanceDepth = 64

// Well-known bootstrap identities (spec.md §3.1, §6.1 Engine::init).
const (
	GlobalVersionID   = "global"
	MainVersionID     = "main"
	BootstrapCommitID = "root"
)

// ActiveVersionEntityID is the fixed entity_id of the lix_active_version
// singleton row (spec.md line 76: "Singleton untracked rows pinning the
// current branch and author"). There is exactly one of these per database,
// so unlike a version or commit it needs no generated id.
const ActiveVersionEntityID = "active-version"

// Snapshot is the immutable JSON body of a change (spec.md §3.2).
type Snapshot struct {
	ID      string
	Content []byte // nil means the row is absent; JSON `null` is represented as the literal bytes "null"
}

// IsNoContent reports whether s is the reserved empty snapshot.
func (s Snapshot) IsNoContent() bool {
	return s.ID == NoContentSnapshotID
}

// Change is the append-only event row (spec.md §3.2).
type Change struct {
	ChangeID      string
	EntityID      string
	SchemaKey     string
	SchemaVersion string
	FileID        string
	PluginKey     string
	SnapshotID    string
	Metadata      []byte // nullable JSON
	CreatedAt     string
}

// MaterializedRow is the current projection of a change for one schema_key
// (spec.md §3.2, §6.4).
type MaterializedRow struct {
	EntityID        string
	SchemaKey       string
	SchemaVersion   string
	FileID          string
	VersionID       string
	PluginKey       string
	SnapshotContent []byte // nil when IsTombstone
	ChangeID        string
	Metadata        []byte
	WriterKey       string
	IsTombstone     bool
	CreatedAt       string
	UpdatedAt       string

	// InheritedFromVersionID is set only by the read path (never stored): the
	// first ancestor whose version_id != target_version_id, or empty when the
	// row is local (spec.md §3.3 invariant 8).
	InheritedFromVersionID string
}

// Key returns the row's composite identity (spec.md §3.2: "Composite
// (entity_id, file_id, version_id)").
func (r MaterializedRow) Key() RowKey {
	return RowKey{EntityID: r.EntityID, FileID: r.FileID, VersionID: r.VersionID}
}

// IsLive reports whether r is visible through a logical view (spec.md §3.3
// invariant 1: "live = materialized with is_tombstone = 0").
func (r MaterializedRow) IsLive() bool {
	return !r.IsTombstone
}

// UntrackedRow shadows a MaterializedRow of the same composite key (spec.md
// §3.2, §3.3 invariant 2).
type UntrackedRow struct {
	EntityID        string
	SchemaKey       string
	FileID          string
	VersionID       string
	PluginKey       string
	SnapshotContent []byte // nil means deleted (no live row)
	Metadata        []byte
	SchemaVersion   string
	CreatedAt       string
	UpdatedAt       string
}

// Key returns the untracked row's composite identity. Unlike MaterializedRow
// this additionally includes schema_key (spec.md §6.4's untracked table
// primary key is `(entity_id, schema_key, file_id, version_id)`), but reads
// always resolve it against a single schema_key's materialized rows, so the
// RowKey shape used for shadowing matches MaterializedRow's.
func (r UntrackedRow) Key() RowKey {
	return RowKey{EntityID: r.EntityID, FileID: r.FileID, VersionID: r.VersionID}
}

// IsLive reports whether r currently shadows-in a value (spec.md §3.3
// invariant 1: "untracked with non-null snapshot").
func (r UntrackedRow) IsLive() bool {
	return r.SnapshotContent != nil
}

// RowKey is the `(entity_id, file_id, version_id)` composite shared by
// MaterializedRow and UntrackedRow lookups (spec.md §3.3 invariant 1).
type RowKey struct {
	EntityID  string
	FileID    string
	VersionID string
}

// VersionDescriptor is the branch-identity half of a Version (spec.md §3.2).
type VersionDescriptor struct {
	ID                    string
	Name                  string
	InheritsFromVersionID string // empty means no parent
	Hidden                bool
}

// VersionPointer is the mutable-tip half of a Version (spec.md §3.2).
type VersionPointer struct {
	ID              string
	CommitID        string
	WorkingCommitID string
}

// Commit is a single point in the commit DAG (spec.md §3.2).
type Commit struct {
	ID               string
	ChangeSetID      string
	ParentCommitIDs  []string
	ChangeIDs        []string
	AuthorAccountIDs []string
	MetaChangeIDs    []string
}

// ChangeSetElement links a change into a commit's change set (spec.md §3.2).
type ChangeSetElement struct {
	ChangeSetID string
	ChangeID    string
	EntityID    string
	SchemaKey   string
	FileID      string
}

// CommitAncestryEdge is one row of the commit-ancestry closure table
// (spec.md §3.2, §3.3 invariant 6).
type CommitAncestryEdge struct {
	CommitID   string
	AncestorID string
	Depth      int
}

// Package fsproj implements the filesystem projection and side effects of
// spec.md §4.5: deriving pending file writes from a statement batch, running
// the plugin ABI's detect/apply pair over them, cascading directory
// deletions, and maintaining the binary-CAS blob cache (SPEC_FULL.md §4.10).
package fsproj

import (
	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/plugin"
)

// ErrUnsupportedWrite marks a lix_file / lix_file_by_version write whose SQL
// shape the pending-write deriver does not recognize (spec.md §4.5).
var ErrUnsupportedWrite = errors.Base("fsproj: unsupported file write")

// FileView and FileViewByVersion are the two logical views pending
// writes are derived against (spec.md §4.5).
const (
	FileView          = "lix_file"
	FileViewByVersion = "lix_file_by_version"
)

// PendingWrite is one derived effect against a tracked file (spec.md §4.5).
// A nil Before means the file did not previously exist (insert); a nil After
// means the file was deleted. Directory-cascade deletions (cascade.go) carry
// neither: both Before and After are nil.
type PendingWrite struct {
	FileID    string
	VersionID string
	Before    *plugin.File
	After     *plugin.File
}

// DetectedFileDomainChange is one entity-level change produced by running a
// PendingWrite through the plugin host, tagged with the owning file
// (spec.md §4.5: "translated into DetectedFileDomainChange rows tagged with
// the owning file_id/version_id").
type DetectedFileDomainChange struct {
	FileID          string
	VersionID       string
	EntityID        string
	SchemaKey       string
	SchemaVersion   string
	SnapshotContent []byte
	// IsFileDeletion marks a root tombstone (spec.md §4.6 invariant 5),
	// recorded separately from ordinary entity tombstones.
	IsFileDeletion bool
}

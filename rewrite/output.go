package rewrite

import (
	"gitlab.com/lixql/engine/backend"
	"gitlab.com/lixql/engine/commit"
)

// Mutation is a direct-state row produced by a write rewrite, destined for
// the commit runtime's side-effect collection (spec.md §4.2.2's `mutations`
// field).
type Mutation = commit.DomainChangeInput

// UpdateValidation is an UPDATE row the backend echoes back for schema and
// constraint validation (spec.md §4.2.2).
type UpdateValidation struct {
	EntityID        string
	SchemaKey       string
	FileID          string
	VersionID       string
	SnapshotContent []byte
	SnapshotPatch   []byte
}

// Registration is a stored-schema install triggered by this write (spec.md
// §4.2.2's `registrations` field).
type Registration struct {
	SchemaKey     string
	SchemaVersion string
	Document      []byte
}

// VtableUpdatePlan is the postprocess plan for a generic `UPDATE
// lix_internal_state_vtable` rewrite (spec.md §4.2.2).
type VtableUpdatePlan struct {
	WriterKey          string
	FileDataAssignment bool
}

// VtableDeletePlan is the postprocess plan for a generic `DELETE FROM
// lix_internal_state_vtable` rewrite (spec.md §4.2.2).
type VtableDeletePlan struct {
	EffectiveScopeFallback bool
}

// RewriteOutput is the result of rewriting one statement (spec.md §4.2.2).
type RewriteOutput struct {
	Statements        []Statement
	Registrations     []Registration
	PostprocessUpdate *VtableUpdatePlan
	PostprocessDelete *VtableDeletePlan
	Mutations         []Mutation
	UpdateValidations []UpdateValidation
	FileWrite         *FileWrite
}

// Statement is one prepared statement emitted by a rewrite.
type Statement struct {
	SQL    string
	Params []backend.Value
}

// HasPostprocess reports whether o carries a postprocess plan.
func (o *RewriteOutput) HasPostprocess() bool {
	return o.PostprocessUpdate != nil || o.PostprocessDelete != nil
}

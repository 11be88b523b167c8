package rewrite

// FileWrite marks a write against the filesystem projection (`lix_file` /
// `lix_file_by_version`, spec.md §4.5) as deferred: the rewrite pipeline has
// no database or blob-cache access, so it cannot itself derive the
// before/after File pair a plugin's detect_changes needs. FileWrite carries
// the raw statement text back to the executor, which runs it through
// fsproj.DerivePendingWrites/Detect inside the same transaction as every
// other write rule's output (spec.md §4.4 step 2).
type FileWrite struct {
	SQL string
}

// FileRewriter handles `INSERT/UPDATE/DELETE` against lix_file and
// lix_file_by_version (spec.md §4.2.2's INSERT/UPDATE/DELETE priority
// lists both put the filesystem rule first). Unlike EntityRewriter it does
// no parsing of its own: fsproj.DerivePendingWrites already implements the
// full column/predicate grammar spec.md §4.5 describes, so FileRewriter
// only wraps the statement for the executor to hand off.
type FileRewriter struct{}

// Rewrite defers sql to the filesystem projection.
func (FileRewriter) Rewrite(sql string) *RewriteOutput {
	return &RewriteOutput{FileWrite: &FileWrite{SQL: sql}} //nolint:exhaustruct
}

package fsproj

// DirectoryNode is one lix_directory_descriptor row's parent pointer, and
// FileNode one lix_file_descriptor row's owning directory, as needed to
// resolve the subtree under a deleted directory (spec.md §4.5).
type DirectoryNode struct {
	ID        string
	ParentID  string // empty means root
	VersionID string
}

type FileNode struct {
	FileID      string
	DirectoryID string
	VersionID   string
}

// CascadeDirectoryDeletes resolves, for each deleted directory id, every
// lix_file_descriptor row whose directory falls under that directory's
// subtree (spec.md §4.5: "deleting a lix_directory_descriptor row cascades
// to all lix_file_descriptor rows whose directory_id ... falls under the
// deleted subtree"), and returns them as additional PendingWrites recording
// a whole-file delete.
func CascadeDirectoryDeletes(deletedDirIDs []string, directories []DirectoryNode, files []FileNode) []PendingWrite {
	subtree := map[string]bool{}
	for _, id := range deletedDirIDs {
		subtree[id] = true
	}

	// Fixed-point expansion: a directory whose parent is already marked
	// deleted is itself under the deleted subtree. Directory depth is
	// unbounded in principle but every real tree is finite, so iterate
	// until a pass adds nothing new.
	for {
		changed := false
		for _, d := range directories {
			if subtree[d.ID] {
				continue
			}
			if d.ParentID != "" && subtree[d.ParentID] {
				subtree[d.ID] = true
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	var out []PendingWrite
	for _, f := range files {
		if !subtree[f.DirectoryID] {
			continue
		}
		out = append(out, PendingWrite{
			FileID:    f.FileID,
			VersionID: f.VersionID,
			Before:    nil,
			After:     nil,
		})
	}
	return out
}

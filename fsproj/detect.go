package fsproj

import (
	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/plugin"
)

// Detect runs pending through the plugin host's detect_changes and flattens
// the result into DetectedFileDomainChange rows (spec.md §4.5). pluginKey
// resolves which installed plugin owns a given file; files with no owning
// plugin are skipped (no entity projection, the file is tracked as opaque
// bytes only).
func Detect(host *plugin.Host, pluginKeyFor func(pw PendingWrite) string, pending []PendingWrite) ([]DetectedFileDomainChange, errors.E) {
	var out []DetectedFileDomainChange

	for _, pw := range pending {
		if pw.After == nil {
			// Whole-file deletion: the plugin ABI's detect_changes always
			// requires an after file (spec.md §4.6), so a deleted file is
			// recorded directly as a root tombstone rather than diffed.
			out = append(out, DetectedFileDomainChange{
				FileID:         pw.FileID,
				VersionID:      pw.VersionID,
				EntityID:       "",
				IsFileDeletion: true,
			})
			continue
		}

		key := pluginKeyFor(pw)
		if key == "" {
			continue
		}

		changes, errE := host.DetectChanges(key, pw.Before, pw.After)
		if errE != nil {
			return nil, errE
		}

		for _, c := range changes {
			out = append(out, DetectedFileDomainChange{
				FileID:          pw.FileID,
				VersionID:       pw.VersionID,
				EntityID:        c.EntityID,
				SchemaKey:       c.SchemaKey,
				SchemaVersion:   c.SchemaVersion,
				SnapshotContent: c.SnapshotContent,
				IsFileDeletion:  c.EntityID == "" && c.SnapshotContent == nil,
			})
		}
	}

	return out, nil
}

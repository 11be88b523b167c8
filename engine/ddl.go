package engine

import "fmt"

// internalTableDDL returns the CREATE TABLE statements for every well-known
// internal table spec.md §6.4 names, plus the two commit-DAG tables
// (lix_internal_commit, lix_internal_commit_edge) the spec's persisted-layout
// list leaves implicit: the commit runtime (commit.Generate) never emits a
// materialized row for a commit itself (spec.md §4.3's statement batch has no
// "lix_commit" step), so the commit facts workingproj.Select reads need a
// dedicated table rather than a schema-driven one.
func internalTableDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS lix_internal_snapshot (id TEXT PRIMARY KEY, content BLOB)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_change (
			id TEXT PRIMARY KEY, entity_id TEXT, schema_key TEXT, schema_version TEXT,
			file_id TEXT, plugin_key TEXT, snapshot_id TEXT, metadata BLOB, created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_change_set_element (
			change_set_id TEXT, change_id TEXT, entity_id TEXT, schema_key TEXT, file_id TEXT,
			PRIMARY KEY (change_set_id, change_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_commit_ancestry (
			commit_id TEXT, ancestor_id TEXT, depth INT, PRIMARY KEY (commit_id, ancestor_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_commit (
			id TEXT PRIMARY KEY, change_set_id TEXT, parent_commit_ids BLOB, change_ids BLOB,
			author_account_ids BLOB, meta_change_ids BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_commit_edge (
			parent_id TEXT, child_id TEXT, PRIMARY KEY (parent_id, child_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_state_untracked (
			entity_id TEXT, schema_key TEXT, file_id TEXT, version_id TEXT, plugin_key TEXT,
			snapshot_content BLOB, metadata BLOB, schema_version TEXT, created_at TEXT, updated_at TEXT,
			PRIMARY KEY (entity_id, schema_key, file_id, version_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_file_data_cache (
			file_id TEXT, version_id TEXT, data BLOB, PRIMARY KEY (file_id, version_id)
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_file_history_data_cache (
			file_id TEXT, root_commit_id TEXT, depth INT, data BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS lix_internal_plugin (plugin_key TEXT PRIMARY KEY, manifest BLOB)`,
	}
}

// materializedTableDDL returns the CREATE TABLE statement for one installed
// schema's materialized table (spec.md §6.4), shared column shape across
// every schema_key.
func materializedTableDDL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entity_id TEXT, schema_key TEXT, schema_version TEXT, file_id TEXT, version_id TEXT,
		plugin_key TEXT, snapshot_content BLOB, change_id TEXT, metadata BLOB, writer_key TEXT,
		is_tombstone INT, created_at TEXT, updated_at TEXT,
		PRIMARY KEY (entity_id, file_id, version_id)
	)`, table)
}

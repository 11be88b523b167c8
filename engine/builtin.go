package engine

import "encoding/json"

// buildSchema assembles a minimal JSON-Schema document with the x-lix-*
// extensions schema.Parse requires (spec.md §4.8): object root, closed
// property set, and an explicit primary key. The built-in schemas below are
// generated this way rather than hand-written as JSON literals so their
// shape stays uniform and any future property additions are one map entry,
// not a re-indented blob.
func buildSchema(key, version string, properties map[string]any, required, primaryKey []string) []byte {
	doc := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
		"x-lix-key":            key,
		"x-lix-version":        version,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	if len(primaryKey) > 0 {
		doc["x-lix-primary-key"] = primaryKey
	}
	out, err := json.Marshal(doc)
	if err != nil {
		// Every input above is a plain map of strings/slices; json.Marshal
		// only fails for channels, funcs, or cyclic values, none of which
		// appear here.
		panic(err)
	}
	return out
}

func stringProp() map[string]any { return map[string]any{"type": "string"} }

func nullableStringProp() map[string]any { return map[string]any{"type": []any{"string", "null"}} }

func booleanProp() map[string]any { return map[string]any{"type": "boolean"} }

func objectProp() map[string]any { return map[string]any{"type": []any{"object", "null"}} }

func stringArrayProp() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

// builtinSchemas returns the built-in stored schemas in install order
// (spec.md §4.9): entity catalog and commit-DAG schemas first, version and
// filesystem descriptors next, then author/account/label.
func builtinSchemas() [][]byte {
	return [][]byte{
		buildSchema("lix_stored_schema", "1", map[string]any{
			"schema_key":     stringProp(),
			"schema_version": stringProp(),
			"value":          objectProp(),
		}, []string{"schema_key", "schema_version", "value"}, []string{"/schema_key", "/schema_version"}),

		buildSchema("lix_change", "1", map[string]any{
			"id":             stringProp(),
			"entity_id":      stringProp(),
			"schema_key":     stringProp(),
			"schema_version": stringProp(),
			"file_id":        stringProp(),
			"plugin_key":     stringProp(),
			"snapshot_id":    stringProp(),
			"metadata":       objectProp(),
			"created_at":     stringProp(),
		}, []string{"id", "entity_id", "schema_key", "schema_version", "file_id", "plugin_key", "snapshot_id", "created_at"}, []string{"/id"}),

		buildSchema("lix_commit", "1", map[string]any{
			"id":                 stringProp(),
			"change_set_id":      stringProp(),
			"parent_commit_ids":  stringArrayProp(),
			"change_ids":         stringArrayProp(),
			"author_account_ids": stringArrayProp(),
			"meta_change_ids":    stringArrayProp(),
		}, []string{"id", "change_set_id"}, []string{"/id"}),

		buildSchema("lix_commit_edge", "1", map[string]any{
			"parent_id": stringProp(),
			"child_id":  stringProp(),
		}, []string{"parent_id", "child_id"}, []string{"/parent_id", "/child_id"}),

		buildSchema("lix_change_set", "1", map[string]any{
			"id":       stringProp(),
			"metadata": objectProp(),
		}, []string{"id"}, []string{"/id"}),

		buildSchema("lix_change_set_element", "1", map[string]any{
			"change_set_id": stringProp(),
			"change_id":     stringProp(),
			"entity_id":     stringProp(),
			"schema_key":    stringProp(),
			"file_id":       stringProp(),
		}, []string{"change_set_id", "change_id", "entity_id", "schema_key", "file_id"}, []string{"/change_set_id", "/change_id"}),

		buildSchema("lix_version_descriptor", "1", map[string]any{
			"id":                       stringProp(),
			"name":                     stringProp(),
			"inherits_from_version_id": nullableStringProp(),
			"hidden":                   booleanProp(),
		}, []string{"id", "name", "hidden"}, []string{"/id"}),

		buildSchema("lix_version_pointer", "1", map[string]any{
			"id":                stringProp(),
			"commit_id":         stringProp(),
			"working_commit_id": stringProp(),
		}, []string{"id", "commit_id", "working_commit_id"}, []string{"/id"}),

		buildSchema("lix_file_descriptor", "1", map[string]any{
			"id":           stringProp(),
			"path":         stringProp(),
			"directory_id": nullableStringProp(),
			"metadata":     objectProp(),
		}, []string{"id", "path"}, []string{"/id"}),

		buildSchema("lix_directory_descriptor", "1", map[string]any{
			"id":        stringProp(),
			"parent_id": nullableStringProp(),
			"name":      stringProp(),
		}, []string{"id", "name"}, []string{"/id"}),

		buildSchema("lix_change_author", "1", map[string]any{
			"change_id":  stringProp(),
			"account_id": stringProp(),
		}, []string{"change_id", "account_id"}, []string{"/change_id", "/account_id"}),

		buildSchema("lix_account", "1", map[string]any{
			"id":   stringProp(),
			"name": stringProp(),
		}, []string{"id", "name"}, []string{"/id"}),

		// lix_label is dropped by spec.md's distillation but present in
		// original_source/packages/engine/src/init/seed.rs, which seeds a
		// "checkpoint" label referencing the bootstrap commit (spec.md §4.9).
		buildSchema("lix_label", "1", map[string]any{
			"id":        stringProp(),
			"name":      stringProp(),
			"commit_id": stringProp(),
		}, []string{"id", "name", "commit_id"}, []string{"/id"}),

		// lix_active_version backs the single untracked cell Execute reads to
		// resolve the version a statement without an explicit lixcol_version_id
		// predicate runs against (spec.md line 76, line 123: its own priority
		// UPDATE-rewrite rule alongside lix_state_by_version/lix_state/
		// lix_version). One row, entity_id fixed to state.ActiveVersionEntityID.
		buildSchema("lix_active_version", "1", map[string]any{
			"version_id": stringProp(),
		}, []string{"version_id"}, []string{"/version_id"}),

		// json_pointer is the reference filesystem plugin's own entity schema
		// (spec.md §4.6: "snapshot_content carries {path, value}"); it must be
		// installed for its materialized table
		// (lix_internal_state_materialized_v1_json_pointer) to exist before
		// the first tracked file write runs the plugin's detect_changes.
		// "value" carries no "type" restriction: a JSON Pointer's value may be
		// an object, array, scalar, or null (spec.md §4.6 invariant 2).
		buildSchema("json_pointer", "1", map[string]any{
			"path":  stringProp(),
			"value": map[string]any{},
		}, []string{"path"}, []string{"/path"}),
	}
}

package plugin_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/plugin"
)

func TestJSONPointerDetectChangesNewFile(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	after := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"name":"a"}`)}

	changes, errE := p.DetectChanges(nil, after)
	require.NoError(t, errE)

	byEntity := map[string]plugin.EntityChange{}
	for _, c := range changes {
		byEntity[c.EntityID] = c
	}
	require.Contains(t, byEntity, "")
	require.Contains(t, byEntity, "/name")
	assert.Equal(t, plugin.JSONPointerSchemaKey, byEntity["/name"].SchemaKey)
}

func TestJSONPointerDetectChangesModifiedLeaf(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	before := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"name":"a"}`)}
	after := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"name":"b"}`)}

	changes, errE := p.DetectChanges(before, after)
	require.NoError(t, errE)
	require.Len(t, changes, 1)
	assert.Equal(t, "/name", changes[0].EntityID)

	var env struct {
		Path  string `json:"path"`
		Value string `json:"value"`
	}
	require.NoError(t, json.Unmarshal(changes[0].SnapshotContent, &env))
	assert.Equal(t, "b", env.Value)
}

func TestJSONPointerDetectChangesRemovedKeyTombstones(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	before := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"name":"a","age":1}`)}
	after := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"name":"a"}`)}

	changes, errE := p.DetectChanges(before, after)
	require.NoError(t, errE)
	require.Len(t, changes, 1)
	assert.Equal(t, "/age", changes[0].EntityID)
	assert.Nil(t, changes[0].SnapshotContent)
}

func TestJSONPointerApplyChangesRoundTrip(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	before := (*plugin.File)(nil)
	after := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"name":"a","tags":["x","y"]}`)}

	changes, errE := p.DetectChanges(before, after)
	require.NoError(t, errE)

	out, errE := p.ApplyChanges(&plugin.File{ID: "f1", Path: "/a.json"}, changes) //nolint:exhaustruct
	require.NoError(t, errE)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "a", got["name"])
	assert.Equal(t, []any{"x", "y"}, got["tags"])
}

func TestJSONPointerApplyChangesRejectsDuplicateEntityID(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	changes := []plugin.EntityChange{
		{EntityID: "", SchemaKey: plugin.JSONPointerSchemaKey, SchemaVersion: plugin.JSONPointerSchemaVersion, SnapshotContent: []byte(`{"path":"","value":{}}`)},
		{EntityID: "", SchemaKey: plugin.JSONPointerSchemaKey, SchemaVersion: plugin.JSONPointerSchemaVersion, SnapshotContent: []byte(`{"path":"","value":{}}`)},
	}
	_, errE := p.ApplyChanges(&plugin.File{}, changes) //nolint:exhaustruct
	require.Error(t, errE)
}

func TestJSONPointerApplyChangesRootTombstoneDeletesFile(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	changes := []plugin.EntityChange{
		{EntityID: "", SchemaKey: plugin.JSONPointerSchemaKey, SchemaVersion: plugin.JSONPointerSchemaVersion, SnapshotContent: nil},
	}
	out, errE := p.ApplyChanges(&plugin.File{}, changes) //nolint:exhaustruct
	require.NoError(t, errE)
	assert.Equal(t, "null", string(out))
}

func TestJSONPointerApplyChangesRejectsMissingAncestor(t *testing.T) {
	p := plugin.JSONPointerPlugin{}
	changes := []plugin.EntityChange{
		{EntityID: "/name", SchemaKey: plugin.JSONPointerSchemaKey, SchemaVersion: plugin.JSONPointerSchemaVersion, SnapshotContent: []byte(`{"path":"/name","value":"a"}`)},
	}
	_, errE := p.ApplyChanges(&plugin.File{}, changes) //nolint:exhaustruct
	require.Error(t, errE)
}

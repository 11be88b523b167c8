package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/plugin"
)

func TestHostLookupUnknownPlugin(t *testing.T) {
	h := plugin.NewHost()
	_, errE := h.Lookup("nope")
	require.Error(t, errE)
}

func TestHostRegisterAndDispatch(t *testing.T) {
	h := plugin.NewHost()
	h.Register(plugin.JSONPointerPlugin{})

	p, errE := h.Lookup("lix_plugin_json_pointer")
	require.NoError(t, errE)
	assert.Equal(t, "lix_plugin_json_pointer", p.Key())

	after := &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"a":1}`)}
	changes, errE := h.DetectChanges("lix_plugin_json_pointer", nil, after)
	require.NoError(t, errE)
	assert.NotEmpty(t, changes)

	out, errE := h.ApplyChanges("lix_plugin_json_pointer", &plugin.File{ID: "f1"}, changes) //nolint:exhaustruct
	require.NoError(t, errE)
	assert.Contains(t, string(out), `"a":1`)
}

func TestHostDispatchUnknownPluginPropagatesError(t *testing.T) {
	h := plugin.NewHost()
	_, errE := h.DetectChanges("missing", nil, &plugin.File{}) //nolint:exhaustruct
	require.Error(t, errE)

	_, errE = h.ApplyChanges("missing", &plugin.File{}, nil) //nolint:exhaustruct
	require.Error(t, errE)
}

func TestHostRegisterReplacesExisting(t *testing.T) {
	h := plugin.NewHost()
	h.Register(plugin.JSONPointerPlugin{})
	h.Register(plugin.JSONPointerPlugin{})

	p, errE := h.Lookup("lix_plugin_json_pointer")
	require.NoError(t, errE)
	assert.Equal(t, "lix_plugin_json_pointer", p.Key())
	_ = p
}

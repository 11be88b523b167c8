package fsproj_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/fsproj"
	"gitlab.com/lixql/engine/plugin"
)

func TestDetectTagsChangesWithOwningFile(t *testing.T) {
	host := plugin.NewHost()
	host.Register(plugin.JSONPointerPlugin{})

	pending := []fsproj.PendingWrite{
		{
			FileID:    "f1",
			VersionID: "global",
			Before:    nil,
			After:     &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"a":1}`)},
		},
	}

	out, errE := fsproj.Detect(host, func(fsproj.PendingWrite) string { return "lix_plugin_json_pointer" }, pending)
	require.NoError(t, errE)
	require.NotEmpty(t, out)
	for _, c := range out {
		assert.Equal(t, "f1", c.FileID)
		assert.Equal(t, "global", c.VersionID)
	}
}

func TestDetectSkipsFilesWithNoOwningPlugin(t *testing.T) {
	host := plugin.NewHost()
	pending := []fsproj.PendingWrite{
		{FileID: "f1", VersionID: "global", Before: nil, After: &plugin.File{ID: "f1", Path: "/a.bin", Data: []byte{1, 2, 3}}},
	}

	out, errE := fsproj.Detect(host, func(fsproj.PendingWrite) string { return "" }, pending)
	require.NoError(t, errE)
	assert.Empty(t, out)
}

func TestDetectMarksRootTombstoneAsFileDeletion(t *testing.T) {
	host := plugin.NewHost()
	host.Register(plugin.JSONPointerPlugin{})

	pending := []fsproj.PendingWrite{
		{
			FileID:    "f1",
			VersionID: "global",
			Before:    &plugin.File{ID: "f1", Path: "/a.json", Data: []byte(`{"a":1}`)},
			After:     nil,
		},
	}

	out, errE := fsproj.Detect(host, func(fsproj.PendingWrite) string { return "lix_plugin_json_pointer" }, pending)
	require.NoError(t, errE)
	require.Len(t, out, 1)
	assert.True(t, out[0].IsFileDeletion)
	assert.Equal(t, "", out[0].EntityID)
}

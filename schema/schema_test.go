package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/lixql/engine/schema"
)

const kvSchema = `{
	"type": "object",
	"additionalProperties": false,
	"x-lix-key": "kv",
	"x-lix-version": "1",
	"x-lix-primary-key": ["/k"],
	"properties": {
		"k": {"type": "string"},
		"v": {"type": "string", "x-lix-default": "'unset'"}
	},
	"required": ["k"]
}`

func TestParseValid(t *testing.T) {
	s, errE := schema.Parse([]byte(kvSchema))
	require.NoError(t, errE)
	assert.Equal(t, "kv", s.Key)
	assert.Equal(t, "1", s.Version)
	assert.Equal(t, []string{"/k"}, s.PrimaryKey)
	require.Contains(t, s.PropertyDefaults, "v")
}

func TestParseRejectsBadKey(t *testing.T) {
	bad := []byte(`{"type":"object","additionalProperties":false,"x-lix-key":"Bad-Key","x-lix-version":"1"}`)
	_, errE := schema.Parse(bad)
	require.Error(t, errE)
}

func TestParseRejectsLeadingZeroVersion(t *testing.T) {
	bad := []byte(`{"type":"object","additionalProperties":false,"x-lix-key":"kv","x-lix-version":"01"}`)
	_, errE := schema.Parse(bad)
	require.Error(t, errE)
}

func TestParseRejectsAdditionalProperties(t *testing.T) {
	bad := []byte(`{"type":"object","x-lix-key":"kv","x-lix-version":"1"}`)
	_, errE := schema.Parse(bad)
	require.Error(t, errE)
}

func TestParsePrimaryKeyMustReferenceProperty(t *testing.T) {
	bad := []byte(`{
		"type": "object",
		"additionalProperties": false,
		"x-lix-key": "kv",
		"x-lix-version": "1",
		"x-lix-primary-key": ["/missing"],
		"properties": {"k": {"type": "string"}}
	}`)
	_, errE := schema.Parse(bad)
	require.Error(t, errE)
}

func TestValidateInstance(t *testing.T) {
	s, errE := schema.Parse([]byte(kvSchema))
	require.NoError(t, errE)

	require.NoError(t, s.ValidateInstance(map[string]any{"k": "a", "v": "1"}))
	assert.Error(t, s.ValidateInstance(map[string]any{"v": "1"}))
	assert.Error(t, s.ValidateInstance(map[string]any{"k": "a", "extra": 1}))
}

func TestOverrideLixcolsMustBeLixcolPrefixed(t *testing.T) {
	bad := []byte(`{
		"type": "object",
		"additionalProperties": false,
		"x-lix-key": "kv",
		"x-lix-version": "1",
		"x-lix-override-lixcols": {"not_prefixed": "true"},
		"properties": {"k": {"type": "string"}}
	}`)
	_, errE := schema.Parse(bad)
	require.Error(t, errE)
}

func TestEntityViewsClosedSet(t *testing.T) {
	bad := []byte(`{
		"type": "object",
		"additionalProperties": false,
		"x-lix-key": "kv",
		"x-lix-version": "1",
		"x-lix-entity-views": ["not-a-real-view"],
		"properties": {"k": {"type": "string"}}
	}`)
	_, errE := schema.Parse(bad)
	require.Error(t, errE)

	ok := []byte(`{
		"type": "object",
		"additionalProperties": false,
		"x-lix-key": "kv",
		"x-lix-version": "1",
		"x-lix-entity-views": ["state", "state_by_version"],
		"properties": {"k": {"type": "string"}}
	}`)
	s, errE := schema.Parse(ok)
	require.NoError(t, errE)
	assert.Len(t, s.EntityViews, 2)
}

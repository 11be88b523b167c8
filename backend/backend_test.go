package backend_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/lixql/engine/backend"
)

func TestValueAnyRoundTrip(t *testing.T) {
	cases := []backend.Value{
		backend.NullValue(),
		backend.IntegerValue(42),
		backend.RealValue(3.5),
		backend.TextValue("hi"),
		backend.BlobValue([]byte{1, 2, 3}),
		backend.BooleanValue(true),
	}
	for _, v := range cases {
		got := backend.FromAny(v.Any())
		assert.Equal(t, v.Kind, got.Kind)
	}
}

func TestValueIsNull(t *testing.T) {
	assert.True(t, backend.NullValue().IsNull())
	assert.False(t, backend.IntegerValue(0).IsNull())
}

func TestDialectString(t *testing.T) {
	assert.Equal(t, "sqlite", backend.Sqlite.String())
	assert.Equal(t, "postgres", backend.Postgres.String())
}

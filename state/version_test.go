package state_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/lixql/engine/state"
)

func TestInheritanceWalkerResolvesNearestLiveAncestor(t *testing.T) {
	ctx := context.Background()

	descriptors := map[string]*state.VersionDescriptor{
		"vc":     {ID: "vc", InheritsFromVersionID: "global"}, //nolint:exhaustruct
		"global": {ID: "global", InheritsFromVersionID: ""},   //nolint:exhaustruct
	}
	live := map[string]bool{"global": true}

	walker := state.NewInheritanceWalker(func(_ context.Context, versionID string) (*state.VersionDescriptor, errors.E) {
		d, ok := descriptors[versionID]
		if !ok {
			return nil, errors.WithStack(state.ErrVersionNotFound)
		}
		return d, nil
	})

	resolved, depth, found, errE := walker.Resolve(ctx, "vc", func(_ context.Context, candidate string) (bool, errors.E) {
		return live[candidate], nil
	})
	require.NoError(t, errE)
	require.True(t, found)
	assert.Equal(t, "global", resolved)
	assert.Equal(t, 1, depth)
	assert.Equal(t, "global", state.InheritedFromVersionID("vc", resolved))
}

func TestInheritanceWalkerLocalRowNotInherited(t *testing.T) {
	ctx := context.Background()
	walker := state.NewInheritanceWalker(func(_ context.Context, versionID string) (*state.VersionDescriptor, errors.E) {
		return &state.VersionDescriptor{ID: versionID}, nil //nolint:exhaustruct
	})

	resolved, depth, found, errE := walker.Resolve(ctx, "global", func(_ context.Context, candidate string) (bool, errors.E) {
		return candidate == "global", nil
	})
	require.NoError(t, errE)
	require.True(t, found)
	assert.Equal(t, 0, depth)
	assert.Empty(t, state.InheritedFromVersionID("global", resolved))
}

func TestInheritanceWalkerNoAncestorFound(t *testing.T) {
	ctx := context.Background()
	walker := state.NewInheritanceWalker(func(_ context.Context, versionID string) (*state.VersionDescriptor, errors.E) {
		return &state.VersionDescriptor{ID: versionID}, nil //nolint:exhaustruct
	})

	_, _, found, errE := walker.Resolve(ctx, "orphan", func(_ context.Context, candidate string) (bool, errors.E) {
		return false, nil
	})
	require.NoError(t, errE)
	assert.False(t, found)
}

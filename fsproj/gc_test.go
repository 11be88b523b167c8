package fsproj_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/lixql/engine/fsproj"
)

func TestSweepDeletesUnreachedCacheRows(t *testing.T) {
	live := []fsproj.LiveRow{
		{FileID: "f1", VersionID: "global"},
	}
	reachable := fsproj.Reachable(live)

	cached := []fsproj.CacheKey{
		{FileID: "f1", VersionID: "global"},
		{FileID: "f2", VersionID: "global"},
	}
	unreached := fsproj.Sweep(cached, reachable)

	assert.Len(t, unreached, 1)
	assert.Equal(t, "f2", unreached[0].FileID)
}

func TestSweepEmptyWhenAllReachable(t *testing.T) {
	live := []fsproj.LiveRow{
		{FileID: "f1", VersionID: "global"},
		{FileID: "f2", VersionID: "global"},
	}
	reachable := fsproj.Reachable(live)

	cached := []fsproj.CacheKey{
		{FileID: "f1", VersionID: "global"},
		{FileID: "f2", VersionID: "global"},
	}
	assert.Empty(t, fsproj.Sweep(cached, reachable))
}

package fsproj

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// LiveRow identifies one materialized or untracked row's owning file, as
// needed by the mark phase (SPEC_FULL.md §4.10).
type LiveRow struct {
	FileID    string
	VersionID string
}

// Reachable computes the mark phase over liveRows: every (file_id,
// version_id) pair any version's materialized or untracked rows still
// reference (SPEC_FULL.md §4.10: "mark phase over all live plugin rows'
// file_ids reachable from any version's materialized or untracked rows").
func Reachable(liveRows []LiveRow) mapset.Set[CacheKey] {
	reachable := mapset.NewThreadUnsafeSet[CacheKey]()
	for _, r := range liveRows {
		reachable.Add(CacheKey{FileID: r.FileID, VersionID: r.VersionID})
	}
	return reachable
}

// Sweep returns the subset of cached that is not in reachable, the set of
// cache rows the garbage collector deletes (SPEC_FULL.md §4.10: "deletes
// cache rows for unreached (file_id, version_id) pairs").
func Sweep(cached []CacheKey, reachable mapset.Set[CacheKey]) []CacheKey {
	cachedSet := mapset.NewThreadUnsafeSet[CacheKey](cached...)
	unreached := cachedSet.Difference(reachable)
	return unreached.ToSlice()
}

// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import (
	"sync"
	"sync/atomic"
)

// approxBytesPerEntry is a rough per-entry accounting cost (key bytes
// excluded, added by the caller) used for the 25%-of-indexing-buffer
// heuristic in spec.md §4.6. Left as a constant per spec.md §9's open
// question (b): the heuristic itself is intentionally hard-coded.
const approxBytesPerEntry = 64

// liveVersionMap is the in-memory uid -> VersionValue authority for
// realtime reads and conflict checks, per spec.md §4.2. Two overlapping
// sub-maps (current, old) plus a tombstones map, mirroring the
// mainstore/backindex split the teacher's memdbSlice keeps for its own
// main and secondary lookups (memdb_slice_impl.go).
type liveVersionMap struct {
	mu sync.RWMutex

	current    map[string]VersionValue
	old        map[string]VersionValue
	tombstones map[string]VersionValue

	// refreshingOld is set between beforeRefresh() and afterRefresh():
	// while set, get() still consults old.
	refreshingOld bool

	ramBytes atomic.Int64
}

func newLiveVersionMap() *liveVersionMap {
	return &liveVersionMap{
		current:    make(map[string]VersionValue),
		old:        make(map[string]VersionValue),
		tombstones: make(map[string]VersionValue),
	}
}

// get returns current ⟂ old ⟂ tombstones with current winning, then
// old, then tombstones. Caller must hold the per-uid lock.
func (m *liveVersionMap) get(uid Uid) (VersionValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := uid.String()
	if v, ok := m.current[key]; ok {
		return v, true
	}
	if m.refreshingOld {
		if v, ok := m.old[key]; ok {
			return v, true
		}
	}
	if v, ok := m.tombstones[key]; ok {
		return v, true
	}
	return VersionValue{}, false
}

// put inserts a live version into current. A live put removes any
// matching tombstone, per spec.md §4.2.
func (m *liveVersionMap) put(uid Uid, v VersionValue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uid.String()
	if _, exists := m.current[key]; !exists {
		m.ramBytes.Add(int64(len(key)) + approxBytesPerEntry)
	}
	m.current[key] = v
	if !v.IsDelete {
		if _, ok := m.tombstones[key]; ok {
			delete(m.tombstones, key)
			m.ramBytes.Add(-int64(len(key)) - approxBytesPerEntry)
		}
	}
}

// putTombstone records a delete tombstone and removes any live entry
// for the uid from current: the segment-store delete already happened,
// and a stale live entry left in current would win over the tombstone
// in get().
func (m *liveVersionMap) putTombstone(uid Uid, version int64, nowMillis int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uid.String()
	if _, exists := m.tombstones[key]; !exists {
		m.ramBytes.Add(int64(len(key)) + approxBytesPerEntry)
	}
	m.tombstones[key] = tombstone(version, nowMillis)
	if _, exists := m.current[key]; exists {
		delete(m.current, key)
		m.ramBytes.Add(-int64(len(key)) - approxBytesPerEntry)
	}
}

func (m *liveVersionMap) removeTombstone(uid Uid) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uid.String()
	if _, ok := m.tombstones[key]; ok {
		delete(m.tombstones, key)
		m.ramBytes.Add(-int64(len(key)) - approxBytesPerEntry)
	}
}

// allTombstones returns a snapshot slice of (uid, VersionValue) pairs.
// A slice rather than a channel-based iterator: the teacher favors
// simple slice snapshots over iterator objects for bounded in-memory
// collections (see GetSnapshots in memdb_slice_impl.go).
func (m *liveVersionMap) allTombstones() []struct {
	Uid Uid
	VersionValue
} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]struct {
		Uid Uid
		VersionValue
	}, 0, len(m.tombstones))
	for k, v := range m.tombstones {
		out = append(out, struct {
			Uid Uid
			VersionValue
		}{Uid: Uid(k), VersionValue: v})
	}
	return out
}

// gcTombstones removes tombstones older than gcDeletesMillis, per
// spec.md invariant 2: no tombstone is removed while
// now_ms - tombstone.timeMillis <= gcDeletesMillis.
func (m *liveVersionMap) gcTombstones(nowMillis int64, gcDeletesMillis int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, v := range m.tombstones {
		if nowMillis-v.TimeMillis > gcDeletesMillis {
			delete(m.tombstones, k)
			m.ramBytes.Add(-int64(len(k)) - approxBytesPerEntry)
			removed++
		}
	}
	return removed
}

// beforeRefresh marks the map to redirect writes to a new current,
// keeping the old current as old until afterRefresh drops it.
func (m *liveVersionMap) beforeRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.old = m.current
	m.current = make(map[string]VersionValue)
	m.refreshingOld = true
}

// afterRefresh drops old entirely, freeing the memory it held. This is
// the sole event that releases refresh pressure, per spec.md §4.6.
func (m *liveVersionMap) afterRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range m.old {
		m.ramBytes.Add(-int64(len(k)) - approxBytesPerEntry)
		_ = v
	}
	m.old = make(map[string]VersionValue)
	m.refreshingOld = false
}

// ramBytesUsed is the total accounted size across current, old and
// tombstones.
func (m *liveVersionMap) ramBytesUsed() int64 {
	return m.ramBytes.Load()
}

// ramBytesUsedForRefresh counts only current+tombstones: old is about
// to be freed and should not count against refresh pressure, per
// spec.md §4.2.
func (m *liveVersionMap) ramBytesUsedForRefresh() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for k := range m.current {
		total += int64(len(k)) + approxBytesPerEntry
	}
	for k := range m.tombstones {
		total += int64(len(k)) + approxBytesPerEntry
	}
	return total
}

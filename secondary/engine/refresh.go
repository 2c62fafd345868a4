// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import "github.com/couchbase/shard-write-engine/secondary/logging"

// Refresh reopens the point-in-time searcher against the current
// segments, spec.md §4.6. It takes the engine read lock itself; use
// refreshLocked when the caller already holds it (e.g. Flush).
func (e *Engine) Refresh(reason string) error {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return err
	}
	return e.refreshLocked(reason)
}

// refreshLocked assumes the caller already holds the engine read lock.
func (e *Engine) refreshLocked(reason string) error {
	e.versionMap.beforeRefresh()

	reopened, err := e.searcherMgr.MaybeRefreshBlocking()
	if err != nil {
		return err
	}

	// The refresh barrier is the sole event that lets the version map
	// drop old, per spec.md §4.6.
	e.versionMap.afterRefresh()

	if reopened {
		nowMillis := e.clk.NowMillis()
		gcMillis := int64(e.config()["engine.gcDeletesMillis"].Int())
		if e.config()["engine.gcDeletesEnabled"].Bool() {
			removed := e.versionMap.gcTombstones(nowMillis, gcMillis)
			if removed > 0 {
				logging.Debugf("Engine::refresh reason=%s gc'd %d tombstones", reason, removed)
			}
		}
	}

	e.versionMapRefreshPending.Store(false)
	e.merge.recomputeThrottleConfig()
	logging.Tracef("Engine::refresh reason=%s reopened=%v", reason, reopened)
	return nil
}

// refreshBudgetFraction is the hard-coded 25%-of-indexing-buffer
// heuristic of spec.md §4.6, left as a constant per spec.md §9 Open
// Question (b).
const refreshBudgetFraction = 4

// WriteIndexingBuffer is the load-shedding path invoked by the
// external memory controller, spec.md §4.6: refresh (clears the
// version map) when version-map pressure exceeds 1/4 of the indexing
// buffer; otherwise a cheap segment flush that does not open a new
// reader.
func (e *Engine) WriteIndexingBuffer() error {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return err
	}

	indexWriterBytes := e.writer.RamBytesUsed()
	versionMapBytes := e.versionMap.ramBytesUsedForRefresh()

	if indexWriterBytes > 0 && versionMapBytes > indexWriterBytes/refreshBudgetFraction {
		logging.Infof("Engine::writeIndexingBuffer version map pressure %d > indexWriterBytes/%d (%d); refreshing",
			versionMapBytes, refreshBudgetFraction, indexWriterBytes/refreshBudgetFraction)
		return e.refreshLocked("write_indexing_buffer")
	}
	return e.writer.Flush()
}

// Get serves a realtime or non-realtime read, spec.md §4.6.
func (e *Engine) Get(g Get) (*GetResult, error) {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return nil, err
	}

	if g.Realtime {
		if vv, ok := e.versionMap.get(g.Uid); ok {
			if err := e.refreshLocked("realtime_get"); err != nil {
				return nil, refreshFailedError(err)
			}
			if g.VersionType.IsVersionConflictForWrites(vv.Version, g.Version, vv.IsDelete) {
				return nil, versionConflictError(vv.Version, "get version conflict")
			}
			if vv.IsDelete {
				return &GetResult{Exists: false}, nil
			}
		}
	}

	searcher := e.searcherMgr.AcquireSearcher()
	defer e.searcherMgr.ReleaseSearcher(searcher)

	vv, found, err := searcher.Lookup(g.Uid)
	if err != nil {
		return nil, err
	}
	if !found || vv.IsDelete {
		return &GetResult{Exists: false}, nil
	}
	return &GetResult{Exists: true, Version: vv.Version}, nil
}

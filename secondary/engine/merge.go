// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import (
	"sync/atomic"
	"time"

	"github.com/couchbase/shard-write-engine/secondary/logging"
)

// mergeScheduler wraps the external merge scheduler, tracking in-flight
// merges and driving the indexing throttle, spec.md §4.5. It reads its
// tunables through eng.config() on every call rather than caching a
// snapshot, so an UpdateConfig call takes effect on the next merge
// without reconstructing the scheduler.
type mergeScheduler struct {
	eng *Engine

	numMergesInFlight atomic.Int32
	throttleActive    atomic.Bool

	totalMerges      atomic.Int64
	totalMergeNanos  atomic.Int64
}

func newMergeScheduler(eng *Engine) *mergeScheduler {
	return &mergeScheduler{eng: eng}
}

func (m *mergeScheduler) maxMergeCount() int32 {
	return int32(m.eng.config()["engine.maxMergeCount"].Int())
}

func (m *mergeScheduler) flushMergesAfter() int64 {
	return int64(m.eng.config()["engine.flushMergesAfterMillis"].Int()) * int64(time.Millisecond)
}

// BeforeMerge increments numMergesInFlight; if it exceeds
// maxMergeCount and throttling is not yet active, activates the
// indexing throttle. Called by the external merge scheduler before a
// merge begins.
func (m *mergeScheduler) BeforeMerge() {
	inFlight := m.numMergesInFlight.Add(1)
	if inFlight > m.maxMergeCount() && m.throttleActive.CompareAndSwap(false, true) {
		m.eng.throttle.activate()
		logging.Infof("mergeScheduler::BeforeMerge activating indexing throttle, inFlight=%d", inFlight)
	}
}

// AfterMerge decrements numMergesInFlight; if back under the limit,
// deactivates the throttle. It also checks the idle-write condition and
// asynchronously submits a flush/sync-renew job, never on the calling
// (merge) goroutine, per spec.md §4.5.
func (m *mergeScheduler) AfterMerge(mergeDuration time.Duration) {
	m.totalMerges.Add(1)
	m.totalMergeNanos.Add(int64(mergeDuration))

	inFlight := m.numMergesInFlight.Add(-1)
	if inFlight <= m.maxMergeCount() && m.throttleActive.CompareAndSwap(true, false) {
		m.eng.throttle.deactivate()
		logging.Infof("mergeScheduler::AfterMerge deactivating indexing throttle, inFlight=%d", inFlight)
	}

	if inFlight == 0 {
		m.eng.background.Go(m.maybeIdleFlush)
	}
}

func (m *mergeScheduler) maybeIdleFlush() error {
	idleNanos := m.eng.clk.NowNanos() - m.eng.LastWriteNanos()
	if idleNanos < m.flushMergesAfter() {
		return nil
	}

	if !m.eng.TryRenewSyncCommit() {
		if _, err := m.eng.Flush(false, true); err != nil {
			logging.Warnf("mergeScheduler::maybeIdleFlush post-merge flush failed: %v", err)
			return err
		}
	}
	return nil
}

// HandleMergeException schedules failEngine on a background goroutine,
// never inline, to avoid self-deadlock with the merge thread, spec.md
// §4.5. Deliberately not tracked in the engine's background errgroup,
// the same way checkTragic's failEngine dispatch isn't: failEngine ends
// up in closeLocked, which itself waits on background.Wait(), so a
// tracked goroutine calling failEngine would wait on its own completion.
func (m *mergeScheduler) HandleMergeException(cause error) {
	go m.eng.failEngine("merge failed", cause)
}

// recomputeThrottleConfig is called after every refresh, spec.md §4.6,
// to let the throttle configuration react to the new segment layout.
// maxMergeCount/flushMergesAfter already read through eng.config() on
// every call, so a prior Engine.UpdateConfig is already live; this hook
// is kept as a no-op for the interface symmetry the teacher's
// UpdateConfig call sites expect (see memdb_slice_impl.go's
// UpdateConfig) in case a future segment-layout-driven recompute needs
// a place to live.
func (m *mergeScheduler) recomputeThrottleConfig() {}

// MergeStats is the value object named in spec.md §6
// (getMergeStats), supplemented from original_source's MergeStats.
type MergeStats struct {
	NumMergesInFlight int32
	TotalMerges       int64
	TotalMergeTime    time.Duration
}

// GetMergeStats reports the Merge/Throttle Scheduler's counters.
func (e *Engine) GetMergeStats() MergeStats {
	return MergeStats{
		NumMergesInFlight: e.merge.numMergesInFlight.Load(),
		TotalMerges:       e.merge.totalMerges.Load(),
		TotalMergeTime:    time.Duration(e.merge.totalMergeNanos.Load()),
	}
}

// IsThrottled reports spec.md invariant 7.
func (e *Engine) IsThrottled() bool {
	return e.throttle.isThrottled()
}

// GetIndexThrottleTimeInMillis is named in spec.md §6.
func (e *Engine) GetIndexThrottleTimeInMillis() int64 {
	return e.throttle.throttleTimeMillis()
}

// GetIndexBufferRAMBytesUsed is named in spec.md §6.
func (e *Engine) GetIndexBufferRAMBytesUsed() int64 {
	return e.writer.RamBytesUsed()
}

// Segments is named in spec.md §6.
func (e *Engine) Segments(verbose bool) []Segment {
	return e.writer.Segments(verbose)
}

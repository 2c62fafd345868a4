// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/shard-write-engine/secondary/common"
	"github.com/couchbase/shard-write-engine/secondary/logging"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State is the engine lifecycle state, per spec.md §3 Lifecycle.
type State int32

const (
	StateOpen State = iota
	StateRecovering
	StateReady
	StateClosing
	StateClosed
)

// clock is the coarse monotonic millisecond clock named in spec.md §1.
// Swappable in tests the way the teacher swaps time.Now() calls behind
// small seams (see memdb_slice_impl.go's use of time.Now() around
// timing stats, generalized here into an injectable seam).
type clock interface {
	NowMillis() int64
	NowNanos() int64
}

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }
func (systemClock) NowNanos() int64  { return time.Now().UnixNano() }

// Engine is the per-shard write engine: the top-level type composing
// the Write Path, Live Version Map, Commit/Flush Coordinator, Recovery
// Driver, Merge/Throttle Scheduler, Refresh/Search Provider and
// Lifecycle & Failure Controller described in spec.md §2.
type Engine struct {
	cfgHolder common.ConfigHolder
	clk       clock

	writer  SegmentWriter
	translog Translog
	searcherMgr SearcherManager

	versionMap *liveVersionMap
	uidLocks   *stripedLock
	throttle   *indexThrottle
	merge      *mergeScheduler

	// rwlock is the engine read/write lock of spec.md §5's lock
	// hierarchy: write-path ops take the read side; close, failEngine,
	// SyncFlush and TryRenewSyncCommit take the write side. Recovery
	// runs from Open before the engine is returned and takes neither.
	rwlock sync.RWMutex

	flushMutex   sync.Mutex
	optimizeMutex sync.Mutex

	failEngineLock sync.Mutex
	failedEngine   atomic.Bool
	failureReason  atomic.Value // string

	state atomic.Int32

	refCount int
	refMu    sync.Mutex

	maxUnsafeAutoIdTimestamp atomic.Int64

	pendingTranslogRecovery atomic.Bool

	lastWriteNanos atomic.Int64

	lastCommittedUserData atomic.Value // map[string]string

	versionMapRefreshPending atomic.Bool

	// background tracks async jobs that must complete before Close
	// returns (the post-merge idle-flush job), the way
	// mutation_manager.go fans flush work out to per-bucket flushers and
	// waits for it. errgroup.Group over a plain sync.WaitGroup because
	// it also captures the first job's error for closeLocked to log.
	// checkTragic/HandleMergeException's failEngine dispatch is
	// deliberately NOT tracked here — see merge.go's HandleMergeException.
	background errgroup.Group

	// renewGroup collapses concurrent TryRenewSyncCommit callers (see
	// commit.go) into a single execution, the way overlapping post-merge
	// idle-flush jobs can race to renew the same sync-commit marker.
	renewGroup singleflight.Group
}

// Config bundles the external collaborators and tunables an Engine is
// opened with, mirroring the constructor-argument bundles the teacher
// passes into NewMemDBSlice (path, sliceId, idxDefn, sysconf, idxStats).
type Config struct {
	Writer      SegmentWriter
	Translog    Translog
	SearcherMgr SearcherManager
	SysConfig   common.Config
	OpenMode    OpenMode
}

// Open constructs an Engine, incrementing the store's reference count
// to match spec.md §3's "every successful open paired with incRef"
// invariant. On any construction failure the caller must not retain the
// partially-built Engine; Open itself performs the matching decRef.
func Open(cfg Config) (eng *Engine, err error) {
	sysCfg := cfg.SysConfig
	if sysCfg == nil {
		sysCfg = DefaultConfig()
	} else {
		sysCfg = DefaultConfig().Override(sysCfg)
	}

	e := &Engine{
		clk:         systemClock{},
		writer:      cfg.Writer,
		translog:    cfg.Translog,
		searcherMgr: cfg.SearcherMgr,
		versionMap:  newLiveVersionMap(),
		uidLocks:    newStripedLock(sysCfg["engine.stripedLockCount"].Int()),
		throttle:    newIndexThrottle(),
	}
	e.cfgHolder.Store(sysCfg)
	e.merge = newMergeScheduler(e)
	e.refCount = 1 // matching decRef on Close or construction failure
	e.state.Store(int32(StateOpen))

	defer func() {
		if err != nil {
			e.refCount = 0
			logging.Errorf("Engine::Open failed to open engine: %v", err)
		}
	}()

	if cfg.OpenMode == OpenIndexAndTranslog {
		e.state.Store(int32(StateRecovering))
		e.pendingTranslogRecovery.Store(true)
		if err = e.recoverFromTranslog(); err != nil {
			return nil, recoveryFailureError(err)
		}
	}

	e.state.Store(int32(StateReady))
	logging.Infof("Engine::Open opened engine in mode %v", cfg.OpenMode)
	return e, nil
}

// config returns the engine's live tunables. Held in a ConfigHolder
// (common/config.go's atomic swap-on-write pointer) rather than a plain
// field so UpdateConfig can publish a new snapshot without taking the
// engine lock, the way compaction_manager.go's config holder lets a
// settings update reach in-flight background work without blocking it.
func (e *Engine) config() common.Config {
	return e.cfgHolder.Load()
}

// UpdateConfig merges other into the engine's live tunables, matching
// the merge/backpressure knobs (engine.maxMergeCount,
// engine.flushMergesAfterMillis, engine.gcDeletes*) up with a running
// engine the way handleConfigUpdate call sites in compaction_manager.go
// and scan_coordinator.go push settings changes into a live component.
// Immutable keys (engine.stripedLockCount) are silently kept as-is by
// Config.Override.
func (e *Engine) UpdateConfig(other common.Config) {
	e.cfgHolder.Store(e.config().Override(other))
}

func (e *Engine) isClosedOrFailed() bool {
	s := State(e.state.Load())
	return s == StateClosing || s == StateClosed || e.failedEngine.Load()
}

// checkAvailable re-checks the failed/closed predicate, per spec.md §7
// AlreadyClosed: once the engine is closing, closed or failed it returns
// an AlreadyClosed error with no cause attached. It does not inspect
// tragic causes.
func (e *Engine) checkAvailable() error {
	if e.isClosedOrFailed() {
		return alreadyClosedError(nil)
	}
	return nil
}

// ---- Write Path (spec.md §4.1) ----

// Index plans and executes an index operation against the segment
// store and translog under per-uid locking.
func (e *Engine) Index(ctx context.Context, op *Operation) (*IndexResult, error) {
	startNanos := e.clk.NowNanos()
	e.lastWriteNanos.Store(op.StartTimeNanos)

	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return nil, err
	}

	guard := e.uidLocks.acquire(op.Uid)
	defer guard.Release()

	if !op.Origin.isRecovery() {
		release, err := e.throttle.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	plan, err := e.planIndex(op)
	if err != nil {
		return nil, err
	}
	if plan.EarlyResult != nil {
		return e.freezeIndexResult(plan.EarlyResult, startNanos), nil
	}

	result := &IndexResult{Version: plan.VersionForIndexing, Created: plan.CurrentNotFoundOrDeleted}

	if plan.IndexIntoLucene {
		if err := e.applyIndexToWriter(op, plan); err != nil {
			if tragic := e.checkTragic(err); tragic != nil {
				return nil, tragic
			}
			result.Failure = documentFailureError(err)
			return e.freezeIndexResult(result, startNanos), nil
		}
		e.versionMap.put(op.Uid, liveVersion(plan.VersionForIndexing))
	}

	if op.Origin != OriginLocalTranslogRecovery {
		loc, err := e.appendIndexToTranslog(op, plan)
		if err != nil {
			if tragic := e.checkTragic(err); tragic != nil {
				return nil, tragic
			}
			result.Failure = err
		} else {
			result.TranslogLocation = &loc
		}
	}

	return e.freezeIndexResult(result, startNanos), nil
}

// Delete plans and executes a delete operation.
func (e *Engine) Delete(ctx context.Context, op *Operation) (*DeleteResult, error) {
	startNanos := e.clk.NowNanos()
	e.lastWriteNanos.Store(op.StartTimeNanos)

	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return nil, err
	}

	guard := e.uidLocks.acquire(op.Uid)
	defer guard.Release()

	plan, err := e.planDelete(op)
	if err != nil {
		return nil, err
	}
	if plan.EarlyResult != nil {
		return e.freezeDeleteResult(plan.EarlyResult, startNanos), nil
	}

	result := &DeleteResult{Version: plan.VersionOfDeletion, Found: !plan.CurrentlyDeleted}

	if plan.DeleteFromLucene {
		if !plan.CurrentlyDeleted {
			if err := e.writer.DeleteDocuments(op.Uid); err != nil {
				if tragic := e.checkTragic(err); tragic != nil {
					return nil, tragic
				}
				result.Failure = documentFailureError(err)
				return e.freezeDeleteResult(result, startNanos), nil
			}
		}
		e.versionMap.putTombstone(op.Uid, plan.VersionOfDeletion, e.clk.NowMillis())
	}

	if op.Origin != OriginLocalTranslogRecovery {
		loc, err := e.appendDeleteToTranslog(op, plan)
		if err != nil {
			if tragic := e.checkTragic(err); tragic != nil {
				return nil, tragic
			}
			result.Failure = err
		} else {
			result.TranslogLocation = &loc
		}
	}

	return e.freezeDeleteResult(result, startNanos), nil
}

func (e *Engine) freezeIndexResult(r *IndexResult, startNanos int64) *IndexResult {
	r.Took = time.Duration(e.clk.NowNanos() - startNanos)
	return r
}

func (e *Engine) freezeDeleteResult(r *DeleteResult, startNanos int64) *DeleteResult {
	r.Took = time.Duration(e.clk.NowNanos() - startNanos)
	return r
}

// checkTragic consults the segment writer's and translog's sticky
// tragic-exception channel (spec.md §4.1, §4.7): if set, the error
// escapes and the engine is failed; if unset, it is a document-level
// failure the caller captures into the result.
func (e *Engine) checkTragic(cause error) error {
	if tragic := e.writer.TragicException(); tragic != nil {
		go e.failEngine("segment writer tragic exception", tragic)
		return tragicEventError(tragic)
	}
	if tragic := e.translog.TragicException(); tragic != nil {
		go e.failEngine("translog tragic exception", tragic)
		return tragicEventError(tragic)
	}
	return nil
}

// ---- Lifecycle & Failure Controller (spec.md §4.7) ----

// IncRef matches the store reference-count invariant of spec.md §3.
func (e *Engine) IncRef() {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	e.refCount++
}

// DecRef releases a reference taken by IncRef or the initial Open.
func (e *Engine) DecRef() {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	e.refCount--
	invariant(e.refCount >= 0, "engine reference count went negative")
}

// Close must hold either the write lock or the fail-engine lock, per
// spec.md §4.7.
func (e *Engine) Close() error {
	e.rwlock.Lock()
	defer e.rwlock.Unlock()
	return e.closeLocked("api")
}

func (e *Engine) closeLocked(reason string) error {
	if State(e.state.Load()) == StateClosed {
		return nil
	}
	e.state.Store(int32(StateClosing))
	logging.Infof("Engine::Close closing engine, reason=%s", reason)
	if err := e.background.Wait(); err != nil {
		logging.Warnf("Engine::Close a background job returned an error: %v", err)
	}
	e.state.Store(int32(StateClosed))
	e.DecRef()
	return nil
}

// FailEngine is idempotent: once failedEngine is set, subsequent calls
// no-op, per spec.md §4.7.
func (e *Engine) FailEngine(reason string, cause error) {
	e.failEngine(reason, cause)
}

func (e *Engine) failEngine(reason string, cause error) {
	e.failEngineLock.Lock()
	defer e.failEngineLock.Unlock()

	if !e.failedEngine.CompareAndSwap(false, true) {
		return
	}
	e.failureReason.Store(reason)
	logging.Errorf("Engine::failEngine engine failed, reason=%s cause=%v", reason, cause)

	e.rwlock.Lock()
	defer e.rwlock.Unlock()
	e.closeLocked("fail: " + reason)
}

// IsFailed reports whether FailEngine has been called.
func (e *Engine) IsFailed() bool {
	return e.failedEngine.Load()
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// MaxUnsafeAutoIdTimestamp returns the current value of the
// monotonically non-decreasing auto-id de-opt timestamp (spec.md §3).
func (e *Engine) MaxUnsafeAutoIdTimestamp() int64 {
	return e.maxUnsafeAutoIdTimestamp.Load()
}

// raiseMaxUnsafeAutoIdTimestamp atomically raises the timestamp to
// max(current, ts), never lowering it.
func (e *Engine) raiseMaxUnsafeAutoIdTimestamp(ts int64) {
	for {
		cur := e.maxUnsafeAutoIdTimestamp.Load()
		if ts <= cur {
			return
		}
		if e.maxUnsafeAutoIdTimestamp.CompareAndSwap(cur, ts) {
			return
		}
	}
}

// LastWriteNanos reports the start time of the most recently admitted
// op, used by the Merge/Throttle Scheduler's flushMergesAfter check.
func (e *Engine) LastWriteNanos() int64 {
	return e.lastWriteNanos.Load()
}

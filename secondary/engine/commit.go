// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import (
	"fmt"
	"strconv"

	"github.com/couchbase/shard-write-engine/secondary/logging"
	"github.com/google/uuid"
)

// Commit userData keys, bit-exact per spec.md §6.
const (
	userDataTranslogUUID       = "translog_uuid"
	userDataTranslogGeneration = "translog_generation"
	userDataSyncCommitID       = "sync_commit_id"
	// userDataTranslogIDLegacy is accepted on read for backward
	// compatibility but never written, per spec.md §6 and the Open
	// Question in spec.md §9(a). This implementation picks the
	// recommended policy: always reject a legacy-only commit and
	// require re-indexing (see DESIGN.md).
	userDataTranslogIDLegacy = "translog_id"
)

// CommitID identifies a segment-store commit for syncFlush's
// compare-and-swap check.
type CommitID string

// SyncedFlushResult is the three-way outcome of syncFlush, spec.md §4.3.
type SyncedFlushResult int

const (
	SyncFlushSuccess SyncedFlushResult = iota
	SyncFlushPendingOperations
	SyncFlushCommitMismatch
)

// Flush drives a segment commit following the strict ordering
// prepareCommit(translog) -> commit(segment store) -> refresh ->
// commit(translog), spec.md §4.3. This ordering is what makes crash
// recovery safe: at any crash point, replay resumes from the translog
// generation recorded in the most recent segment commit.
func (e *Engine) Flush(force bool, waitIfOngoing bool) (CommitID, error) {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return "", err
	}

	if e.pendingTranslogRecovery.Load() {
		return "", newError(ErrFlushFailed, "flush attempted before translog recovery completed", nil)
	}

	if waitIfOngoing {
		e.flushMutex.Lock()
	} else if !e.flushMutex.TryLock() {
		return e.lastCommitID(), nil
	}
	defer e.flushMutex.Unlock()

	if !e.writer.HasUncommittedChanges() && !force {
		return e.lastCommitID(), nil
	}

	if err := e.translog.PrepareCommit(); err != nil {
		go e.failEngine("translog prepareCommit failed", err)
		return "", flushFailedError(err)
	}

	userData := e.buildCommitUserData("")
	if err := e.writer.Commit(userData); err != nil {
		go e.failEngine("segment writer commit failed", err)
		return "", flushFailedError(err)
	}

	if err := e.refreshLocked("version_table_flush"); err != nil {
		if !IsAlreadyClosedInTragicContext(err) {
			go e.failEngine("refresh after commit failed", err)
		}
		return "", refreshFailedError(err)
	}

	if err := e.translog.Commit(); err != nil {
		go e.failEngine("translog commit failed", err)
		return "", flushFailedError(err)
	}

	e.lastCommittedUserData.Store(userData)
	logging.Infof("Engine::Flush committed, translog_generation=%s", userData[userDataTranslogGeneration])
	return e.lastCommitID(), nil
}

func (e *Engine) buildCommitUserData(syncID string) map[string]string {
	gen := e.translog.Generation()
	userData := map[string]string{
		userDataTranslogUUID:       gen.UUID.String(),
		userDataTranslogGeneration: strconv.FormatUint(gen.FileGen, 10),
	}
	if syncID != "" {
		userData[userDataSyncCommitID] = syncID
	}
	return userData
}

func (e *Engine) lastCommitID() CommitID {
	ud, _ := e.lastCommittedUserData.Load().(map[string]string)
	return CommitID(fmt.Sprintf("%s:%s", ud[userDataTranslogUUID], ud[userDataTranslogGeneration]))
}

// SyncFlush is a zero-cost "this shard is quiescent" marker, spec.md
// §4.3. It upgrades to the engine write lock only after the cheap
// read-locked predicate check passes, to avoid paying write-lock
// contention on the common case where the shard is not quiescent.
func (e *Engine) SyncFlush(syncID string, expectedCommitID CommitID) (SyncedFlushResult, error) {
	e.rwlock.RLock()
	uncommitted := e.writer.HasUncommittedChanges()
	current := e.lastCommitID()
	e.rwlock.RUnlock()

	if uncommitted {
		return SyncFlushPendingOperations, nil
	}
	if current != expectedCommitID {
		return SyncFlushCommitMismatch, nil
	}

	e.rwlock.Lock()
	defer e.rwlock.Unlock()
	if err := e.checkAvailable(); err != nil {
		return 0, err
	}

	if e.writer.HasUncommittedChanges() {
		return SyncFlushPendingOperations, nil
	}
	if e.lastCommitID() != expectedCommitID {
		return SyncFlushCommitMismatch, nil
	}

	userData := e.buildCommitUserData(syncID)
	if err := e.writer.Commit(userData); err != nil {
		go e.failEngine("sync-commit failed", err)
		return 0, flushFailedError(err)
	}
	e.lastCommittedUserData.Store(userData)
	return SyncFlushSuccess, nil
}

// TryRenewSyncCommit re-commits with the same sync id to keep a
// quiescent marker valid without a full flush, spec.md §4.3. Must be
// called under the engine write lock by the caller (merge scheduler's
// idle-flush job, forceMerge).
func (e *Engine) tryRenewSyncCommit() bool {
	ud, _ := e.lastCommittedUserData.Load().(map[string]string)
	syncID, hasSyncID := ud[userDataSyncCommitID]
	if !hasSyncID || !e.translog.Empty() || !e.writer.HasUncommittedChanges() {
		return false
	}

	userData := e.buildCommitUserData(syncID)
	if err := e.writer.Commit(userData); err != nil {
		go e.failEngine("sync-commit renewal failed", err)
		return false
	}
	e.lastCommittedUserData.Store(userData)
	return true
}

// TryRenewSyncCommit is the public entry point; it takes the write
// lock itself, then refreshes outside the write lock per spec.md §4.3.
// Concurrent callers — overlapping post-merge idle-flush jobs racing to
// renew the same sync-commit marker (merge.go's maybeIdleFlush) — are
// collapsed into a single execution via singleflight, since the call
// takes no arguments and every caller wants the identical answer.
func (e *Engine) TryRenewSyncCommit() bool {
	v, _, _ := e.renewGroup.Do("sync-renew", func() (interface{}, error) {
		e.rwlock.Lock()
		if err := e.checkAvailable(); err != nil {
			e.rwlock.Unlock()
			return false, nil
		}
		renewed := e.tryRenewSyncCommit()
		e.rwlock.Unlock()

		if renewed {
			_ = e.Refresh("try_renew_sync_commit")
		}
		return renewed, nil
	})
	return v.(bool)
}

// ForceMergeOptions bundles forceMerge's parameters, spec.md §6.
type ForceMergeOptions struct {
	Flush               bool
	MaxSegments         int
	ExpungeDeletes      bool
	Upgrade             bool
	UpgradeOnlyAncient  bool
}

// ForceMerge is serialized by a dedicated mutex, not the flush mutex,
// spec.md §4.3.
func (e *Engine) ForceMerge(opts ForceMergeOptions) error {
	e.rwlock.RLock()
	defer e.rwlock.RUnlock()
	if err := e.checkAvailable(); err != nil {
		return err
	}

	e.optimizeMutex.Lock()
	defer e.optimizeMutex.Unlock()

	if opts.Upgrade {
		e.writer.SetUpgradeOnNextMerge(true, opts.UpgradeOnlyAncient)
		defer e.writer.SetUpgradeOnNextMerge(false, false)
	}

	var err error
	switch {
	case opts.ExpungeDeletes:
		err = e.writer.ForceMergeDeletes()
	case opts.MaxSegments > 0:
		err = e.writer.ForceMerge(opts.MaxSegments)
	default:
		err = e.writer.MaybeMerge()
	}
	if err != nil {
		if tragic := e.checkTragic(err); tragic != nil {
			return tragic
		}
		return newError(ErrFlushFailed, "force merge failed", err)
	}

	if opts.Flush {
		_, err = e.Flush(true, true)
		return err
	}
	e.tryRenewSyncCommit()
	return nil
}

// IndexCommitRef is a ref-counted handle on the store's last commit
// used for snapshot/backup, supplemented from original_source's
// SnapshotDeletionPolicy (spec.md §3 design notes, SPEC_FULL.md §3).
type IndexCommitRef struct {
	UserData map[string]string
	release  func()
}

// Release must be called exactly once by the caller when the snapshot
// is no longer needed.
func (c *IndexCommitRef) Release() {
	if c.release != nil {
		c.release()
	}
}

// AcquireIndexCommit snapshots the store's last commit for backup,
// optionally flushing first, spec.md §6.
func (e *Engine) AcquireIndexCommit(flushFirst bool) (*IndexCommitRef, error) {
	if flushFirst {
		if _, err := e.Flush(false, true); err != nil {
			return nil, snapshotFailedError(err)
		}
	}

	e.IncRef()
	ud, _ := e.lastCommittedUserData.Load().(map[string]string)
	return &IndexCommitRef{UserData: ud, release: e.DecRef}, nil
}

// IsAlreadyClosedInTragicContext reports whether err is an
// AlreadyClosed wrapping a tragic cause, used by the refresh-failure
// propagation policy of spec.md §7: "Refresh failures fail the engine
// only if the cause is not AlreadyClosed-in-a-tragic-context."
func IsAlreadyClosedInTragicContext(err error) bool {
	ee, ok := err.(*EngineError)
	if !ok || ee.Code != ErrAlreadyClosed {
		return false
	}
	return IsTragic(ee.Cause)
}

// parseLegacyTranslogGeneration implements the read-compat path named
// in spec.md §6: a commit carrying only the legacy translog_id key
// synthesizes a TranslogGeneration with no uuid. Per the policy decided
// in DESIGN.md (spec.md §9 Open Question a), recoverFromTranslog uses it
// to reject such a commit at recovery time instead of accepting it.
func parseLegacyTranslogGeneration(userData map[string]string) (TranslogGeneration, bool) {
	legacy, ok := userData[userDataTranslogIDLegacy]
	if !ok {
		return TranslogGeneration{}, false
	}
	gen, err := strconv.ParseUint(legacy, 10, 64)
	if err != nil {
		return TranslogGeneration{}, false
	}
	return TranslogGeneration{UUID: uuid.Nil, FileGen: gen}, true
}

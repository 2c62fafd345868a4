// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import "encoding/binary"

// opCompareResult is the three-way outcome of comparing an incoming op
// against the currently committed document version, per spec.md §4.1
// replica planning.
type opCompareResult int

const (
	opStaleOrEqual opCompareResult = iota
	opLuceneDocNotFound
	opNewer
)

// docStatus is resolveDocVersion's three-valued view of a uid: truly
// absent (never indexed, or a tombstone past gc-deletes), currently a
// live tombstone (deleted but still remembered for conflict detection),
// or live. Conflating "tombstone" with "absent" for replica version
// comparison would let a stale out-of-order delete overwrite a newer
// tombstone's version (spec.md §8 scenario 3), so the two are kept
// distinct here even though both count as "not found or deleted" for
// the primary indexing-conflict check.
type docStatus int

const (
	docLive docStatus = iota
	docTombstone
	docAbsent
)

// planIndex is the planner entry point for index(Index), spec.md §4.1.
// Caller must hold the per-uid lock.
func (e *Engine) planIndex(op *Operation) (IndexingStrategy, error) {
	if op.Origin == OriginPrimary {
		return e.planIndexPrimary(op)
	}
	return e.planIndexReplica(op)
}

func (e *Engine) planIndexPrimary(op *Operation) (IndexingStrategy, error) {
	if op.hasAutoGeneratedID() {
		return e.planAutoGeneratedIDPrimary(op), nil
	}

	current, status, err := e.resolveDocVersion(op.Uid)
	if err != nil {
		return IndexingStrategy{}, err
	}
	currentNotFoundOrDeleted := status != docLive

	if op.VersionType.IsVersionConflictForWrites(current, op.Version, currentNotFoundOrDeleted) {
		early := &IndexResult{Version: current}
		early.Failure = versionConflictError(current, "index version conflict")
		return skipDueToVersionConflictIndex(early), nil
	}

	versionForIndexing := op.VersionType.UpdateVersion(current, op.Version)
	return processNormallyIndex(currentNotFoundOrDeleted, versionForIndexing), nil
}

// planAutoGeneratedIDPrimary implements spec.md §4.1 step 1: the
// append-only fast path for primaries indexing a doc with an assigned
// autoGeneratedIdTimestamp.
func (e *Engine) planAutoGeneratedIDPrimary(op *Operation) IndexingStrategy {
	ts := *op.AutoGeneratedIDTimestamp

	if op.IsRetry {
		e.raiseMaxUnsafeAutoIdTimestamp(ts)
		return overrideExistingAsIfNotThere(1)
	}

	if e.MaxUnsafeAutoIdTimestamp() >= ts {
		return overrideExistingAsIfNotThere(1)
	}
	return optimizedAppendOnly(1)
}

// planIndexReplica implements spec.md §4.1's replica/recovery planning:
// the auto-id fast path applies only when the doc has never been seen;
// otherwise drop-out-of-order logic decides via
// compareOpToLuceneDocBasedOnVersions. Replicas never raise a version
// conflict.
func (e *Engine) planIndexReplica(op *Operation) (IndexingStrategy, error) {
	if op.hasAutoGeneratedID() && !op.IsRetry {
		ts := *op.AutoGeneratedIDTimestamp
		if e.MaxUnsafeAutoIdTimestamp() < ts {
			if _, found, err := e.lookupCurrentVersion(op.Uid); err != nil {
				return IndexingStrategy{}, err
			} else if !found {
				return optimizedAppendOnly(1), nil
			}
		}
	}

	current, status, err := e.resolveDocVersion(op.Uid)
	if err != nil {
		return IndexingStrategy{}, err
	}

	switch compareOpToLuceneDocBasedOnVersions(op.Version, current, status == docAbsent) {
	case opStaleOrEqual:
		return processButSkipLuceneIndex(false, op.Version), nil
	case opLuceneDocNotFound:
		return processNormallyIndex(true, op.Version), nil
	default: // opNewer
		return processNormallyIndex(false, op.Version), nil
	}
}

// planDelete is the planner entry point for delete(Delete), mirroring
// planIndex.
func (e *Engine) planDelete(op *Operation) (DeletionStrategy, error) {
	current, status, err := e.resolveDocVersion(op.Uid)
	if err != nil {
		return DeletionStrategy{}, err
	}
	currentlyDeleted := status != docLive

	if op.Origin == OriginPrimary {
		if op.VersionType.IsVersionConflictForWrites(current, op.Version, currentlyDeleted) {
			early := &DeleteResult{Version: current}
			early.Failure = versionConflictError(current, "delete version conflict")
			return skipDueToVersionConflictDelete(early), nil
		}
		versionOfDeletion := op.VersionType.UpdateVersion(current, op.Version)
		return processNormallyDelete(currentlyDeleted, versionOfDeletion), nil
	}

	switch compareOpToLuceneDocBasedOnVersions(op.Version, current, status == docAbsent) {
	case opStaleOrEqual:
		return processButSkipLuceneDelete(false, op.Version), nil
	case opLuceneDocNotFound:
		return processNormallyDelete(true, op.Version), nil
	default: // opNewer
		return processNormallyDelete(false, op.Version), nil
	}
}

// compareOpToLuceneDocBasedOnVersions implements spec.md §4.1's
// three-way comparator used by replica/recovery planning.
func compareOpToLuceneDocBasedOnVersions(opVersion int64, current int64, notFoundOrDeleted bool) opCompareResult {
	if notFoundOrDeleted {
		return opLuceneDocNotFound
	}
	if opVersion <= current {
		return opStaleOrEqual
	}
	return opNewer
}

// resolveDocVersion implements spec.md §4.1 step 2: look up the
// version map under the uid lock; if absent, fall back to an
// index-side lookup; treat an expired tombstone as not-present when
// gc-deletes is enabled.
func (e *Engine) resolveDocVersion(uid Uid) (current int64, status docStatus, err error) {
	if vv, ok := e.versionMap.get(uid); ok {
		if vv.IsDelete && e.isTombstoneExpired(vv) {
			return 0, docAbsent, nil
		}
		return vv.Version, statusOf(vv), nil
	}

	vv, found, err := e.lookupCurrentVersion(uid)
	if err != nil {
		return 0, docLive, err
	}
	if !found {
		return 0, docAbsent, nil
	}
	if vv.IsDelete && e.isTombstoneExpired(vv) {
		return 0, docAbsent, nil
	}
	return vv.Version, statusOf(vv), nil
}

func statusOf(vv VersionValue) docStatus {
	if vv.IsDelete {
		return docTombstone
	}
	return docLive
}

func (e *Engine) isTombstoneExpired(vv VersionValue) bool {
	if !e.config()["engine.gcDeletesEnabled"].Bool() {
		return false
	}
	gcMillis := e.config()["engine.gcDeletesMillis"].Int()
	return e.clk.NowMillis()-vv.TimeMillis > int64(gcMillis)
}

// lookupCurrentVersion performs an index-side lookup against the
// point-in-time reader, spec.md §4.1 step 2's fallback path.
func (e *Engine) lookupCurrentVersion(uid Uid) (VersionValue, bool, error) {
	searcher := e.searcherMgr.AcquireSearcher()
	defer e.searcherMgr.ReleaseSearcher(searcher)
	return searcher.Lookup(uid)
}

// applyIndexToWriter applies the planned strategy to the segment
// store, spec.md §4.1 "Apply to segment store".
func (e *Engine) applyIndexToWriter(op *Operation, plan IndexingStrategy) error {
	multi := len(op.Docs) > 1
	if plan.UseUpdate {
		if multi {
			uids := make([]Uid, len(op.Docs))
			versions := make([]int64, len(op.Docs))
			docsPerUid := make([][]Doc, len(op.Docs))
			for i := range op.Docs {
				uids[i] = op.Uid
				versions[i] = plan.VersionForIndexing
				docsPerUid[i] = []Doc{op.Docs[i]}
			}
			return e.writer.UpdateDocuments(uids, versions, docsPerUid)
		}
		return e.writer.UpdateDocument(op.Uid, plan.VersionForIndexing, op.Docs)
	}
	if multi {
		uids := make([]Uid, len(op.Docs))
		versions := make([]int64, len(op.Docs))
		docsPerUid := make([][]Doc, len(op.Docs))
		for i := range op.Docs {
			uids[i] = op.Uid
			versions[i] = plan.VersionForIndexing
			docsPerUid[i] = []Doc{op.Docs[i]}
		}
		return e.writer.AddDocuments(uids, versions, docsPerUid)
	}
	return e.writer.AddDocument(op.Uid, plan.VersionForIndexing, op.Docs)
}

// appendIndexToTranslog and appendDeleteToTranslog encode
// {kind, uid, version, source_doc|∅} and append it, spec.md §4.1
// "Translog append". The encoding is a minimal length-prefixed record;
// the translog itself treats it as an opaque byte string.
func (e *Engine) appendIndexToTranslog(op *Operation, plan IndexingStrategy) (Location, error) {
	return e.translog.Add(encodeTranslogRecord(OpIndex, op.Uid, plan.VersionForIndexing, len(op.Docs) > 0))
}

func (e *Engine) appendDeleteToTranslog(op *Operation, plan DeletionStrategy) (Location, error) {
	return e.translog.Add(encodeTranslogRecord(OpDelete, op.Uid, plan.VersionOfDeletion, false))
}

func encodeTranslogRecord(kind OpKind, uid Uid, version int64, hasSource bool) []byte {
	buf := make([]byte, 1+2+len(uid)+8+1)
	off := 0
	buf[off] = byte(kind)
	off++
	binary.BigEndian.PutUint16(buf[off:], uint16(len(uid)))
	off += 2
	copy(buf[off:], uid)
	off += len(uid)
	binary.BigEndian.PutUint64(buf[off:], uint64(version))
	off += 8
	if hasSource {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	return buf
}

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
	"encoding/binary"
	"errors"

	"github.com/couchbase/shard-write-engine/secondary/logging"
)

var errTruncatedTranslogRecord = errors.New("engine: truncated translog record")

var errLegacyTranslogCommit = errors.New("engine: commit carries only the legacy translog_id key; re-indexing required")

// recoverFromTranslog replays the translog at startup into the write
// path with recovery origin, spec.md §4.4. Invoked exactly once per
// engine lifetime, under the flush mutex.
// recoverFromTranslog runs once from Open, before the engine is
// published to any other caller, so it deliberately does not also take
// the engine read lock here: Index/Delete take it themselves per call,
// and re-taking a RWMutex read lock recursively on the same goroutine
// risks deadlocking against a concurrent writer per sync.RWMutex's
// documented semantics.
func (e *Engine) recoverFromTranslog() error {
	e.flushMutex.Lock()
	defer e.flushMutex.Unlock()

	if ud := e.writer.LastCommittedUserData(); ud[userDataTranslogUUID] == "" {
		if _, legacy := parseLegacyTranslogGeneration(ud); legacy {
			return errLegacyTranslogCommit
		}
	}

	snapshot, err := e.translog.NewSnapshot()
	if err != nil {
		return err
	}
	defer snapshot.Close()

	startGen := e.translog.CurrentFileGeneration()
	ctx := context.Background()
	replayed := 0

	for {
		record, more, err := snapshot.Next()
		if err != nil {
			return err
		}
		if !more {
			break
		}

		op, err := decodeTranslogRecord(record)
		if err != nil {
			return err
		}
		op.Origin = OriginLocalTranslogRecovery

		if err := e.replayOp(ctx, op); err != nil {
			return err
		}
		replayed++
	}

	e.pendingTranslogRecovery.Store(false)

	if replayed > 0 {
		logging.Infof("Engine::recoverFromTranslog replayed %d ops, folding into a new commit", replayed)
		if _, err := e.flushWithoutRecoveryGuard(true); err != nil {
			return err
		}
	} else if e.translog.CurrentFileGeneration() != startGen {
		logging.Infof("Engine::recoverFromTranslog no ops replayed but generation changed; re-committing userData only")
		if err := e.writer.Commit(e.buildCommitUserData("")); err != nil {
			return err
		}
	}

	return nil
}

// flushWithoutRecoveryGuard performs the same steps as Flush but
// without re-checking pendingTranslogRecovery (which the caller is in
// the process of clearing) and without re-acquiring locks already held
// by recoverFromTranslog's caller context.
func (e *Engine) flushWithoutRecoveryGuard(force bool) (CommitID, error) {
	if !e.writer.HasUncommittedChanges() && !force {
		return e.lastCommitID(), nil
	}
	if err := e.translog.PrepareCommit(); err != nil {
		return "", flushFailedError(err)
	}
	userData := e.buildCommitUserData("")
	if err := e.writer.Commit(userData); err != nil {
		return "", flushFailedError(err)
	}
	if err := e.refreshLocked("recovery_flush"); err != nil {
		return "", refreshFailedError(err)
	}
	if err := e.translog.Commit(); err != nil {
		return "", flushFailedError(err)
	}
	e.lastCommittedUserData.Store(userData)
	return e.lastCommitID(), nil
}

// replayOp re-invokes Index/Delete with origin = LOCAL_TRANSLOG_RECOVERY,
// spec.md §4.4 step 2.
func (e *Engine) replayOp(ctx context.Context, op *Operation) error {
	switch op.Kind {
	case OpIndex:
		_, err := e.Index(ctx, op)
		return err
	case OpDelete:
		_, err := e.Delete(ctx, op)
		return err
	default:
		// NoOp records are appended to the translog but never applied
		// to the segment store (SPEC_FULL.md §3); nothing to replay.
		return nil
	}
}

// decodeTranslogRecord is the inverse of encodeTranslogRecord in plan.go.
func decodeTranslogRecord(record []byte) (*Operation, error) {
	if len(record) < 1+2 {
		return nil, errTruncatedTranslogRecord
	}
	kind := OpKind(record[0])
	off := 1
	uidLen := int(binary.BigEndian.Uint16(record[off:]))
	off += 2
	if len(record) < off+uidLen+8+1 {
		return nil, errTruncatedTranslogRecord
	}
	uid := append(Uid(nil), record[off:off+uidLen]...)
	off += uidLen
	version := int64(binary.BigEndian.Uint64(record[off:]))
	off += 8

	return &Operation{
		Kind:        kind,
		Uid:         uid,
		Version:     version,
		VersionType: VersionInternal,
	}, nil
}

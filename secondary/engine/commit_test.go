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
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario 4 (spec.md §8): sync-commit with a stale expected commit id
// reports a mismatch rather than committing.
func TestSyncFlush_StaleExpectedCommitIDReportsMismatch(t *testing.T) {
	eng, _, _ := newTestEngine()
	defer eng.Close()

	_, err := eng.Index(context.Background(), &Operation{
		Kind:        OpIndex,
		Uid:         Uid("A"),
		Version:     MatchAny,
		VersionType: VersionInternal,
		Origin:      OriginPrimary,
		Docs:        []Doc{"v1"},
	})
	require.NoError(t, err)

	commitID, err := eng.Flush(false, true)
	require.NoError(t, err)

	result, err := eng.SyncFlush("sync-1", CommitID("not-the-real-one"))
	require.NoError(t, err)
	require.Equal(t, SyncFlushCommitMismatch, result)

	result, err = eng.SyncFlush("sync-1", commitID)
	require.NoError(t, err)
	require.Equal(t, SyncFlushSuccess, result)
}

func TestSyncFlush_PendingOperationsBlocksSyncCommit(t *testing.T) {
	eng, _, _ := newTestEngine()
	defer eng.Close()

	_, err := eng.Index(context.Background(), &Operation{
		Kind:        OpIndex,
		Uid:         Uid("A"),
		Version:     MatchAny,
		VersionType: VersionInternal,
		Origin:      OriginPrimary,
		Docs:        []Doc{"v1"},
	})
	require.NoError(t, err)

	result, err := eng.SyncFlush("sync-1", CommitID(""))
	require.NoError(t, err)
	require.Equal(t, SyncFlushPendingOperations, result)
}

func TestFlush_NoUncommittedChangesIsANoOpUnlessForced(t *testing.T) {
	eng, writer, _ := newTestEngine()
	defer eng.Close()

	before := writer.segGen
	_, err := eng.Flush(false, true)
	require.NoError(t, err)
	require.Equal(t, before, writer.segGen, "flush without changes and without force should not commit")

	_, err = eng.Flush(true, true)
	require.NoError(t, err)
	require.Equal(t, before+1, writer.segGen, "forced flush must commit even with nothing pending")
}

// Scenario 5 (spec.md §8): the commit ordering itself — prepareCommit
// before the segment commit, segment commit before the translog
// commit — is what crash recovery leans on. Flush must leave the
// translog generation recorded in commit userData consistent with
// what the segment store actually committed.
func TestFlush_CommitOrderingRecordsConsistentTranslogGeneration(t *testing.T) {
	eng, writer, translog := newTestEngine()
	defer eng.Close()

	_, err := eng.Index(context.Background(), &Operation{
		Kind:        OpIndex,
		Uid:         Uid("A"),
		Version:     MatchAny,
		VersionType: VersionInternal,
		Origin:      OriginPrimary,
		Docs:        []Doc{"v1"},
	})
	require.NoError(t, err)

	_, err = eng.Flush(false, true)
	require.NoError(t, err)

	committedGen := writer.committed[userDataTranslogGeneration]
	require.NotEmpty(t, committedGen)
	require.True(t, translog.Empty(), "translog.Commit() must run after the segment commit")
}

func TestForceMerge_FlushOptionCommitsAfterMerge(t *testing.T) {
	eng, writer, _ := newTestEngine()
	defer eng.Close()

	before := writer.segGen
	err := eng.ForceMerge(ForceMergeOptions{Flush: true})
	require.NoError(t, err)
	require.Equal(t, before+1, writer.segGen)
}

func TestAcquireIndexCommit_RefCountsUntilReleased(t *testing.T) {
	eng, _, _ := newTestEngine()
	defer eng.Close()

	ref, err := eng.AcquireIndexCommit(false)
	require.NoError(t, err)
	require.NotNil(t, ref)
	require.Equal(t, 2, eng.refCount, "an acquired commit holds a reference on top of Open's")
	ref.Release()
	require.Equal(t, 1, eng.refCount, "Release drops the commit's reference")
}

func TestParseLegacyTranslogGeneration_RecognizesButDoesNotResolveUUID(t *testing.T) {
	gen, ok := parseLegacyTranslogGeneration(map[string]string{userDataTranslogIDLegacy: "7"})
	require.True(t, ok)
	require.Empty(t, gen.UUID)
	require.Equal(t, uint64(7), gen.FileGen)
}

func TestParseLegacyTranslogGeneration_AbsentWhenKeyMissing(t *testing.T) {
	_, ok := parseLegacyTranslogGeneration(map[string]string{userDataTranslogUUID: "x"})
	require.False(t, ok)
}

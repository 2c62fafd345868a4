// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package engine implements the per-shard write engine: the component
// that serializes index/delete operations against a single shard,
// enforces per-document versioning, appends mutations to a translog and
// coordinates flush, refresh, force-merge, sync-commit and crash
// recovery against an external segment store.
package engine

import (
	"time"

	"github.com/google/uuid"
)

// VersionType mirrors the version-conflict semantics a caller can ask
// for on a write.
type VersionType int

const (
	VersionInternal VersionType = iota
	VersionExternal
	VersionExternalGTE
	VersionForce
)

// MatchAny is the sentinel version used by an internally-versioned
// create-or-overwrite write that does not care about the current
// version.
const MatchAny int64 = -3

// IsVersionConflictForWrites applies this VersionType's conflict rule.
func (vt VersionType) IsVersionConflictForWrites(currentVersion int64, expectedVersion int64, deleted bool) bool {
	switch vt {
	case VersionInternal:
		if expectedVersion == MatchAny {
			return false
		}
		return !deleted && currentVersion != expectedVersion
	case VersionExternal:
		return !deleted && currentVersion >= expectedVersion
	case VersionExternalGTE:
		return !deleted && currentVersion > expectedVersion
	case VersionForce:
		return false
	default:
		return false
	}
}

// UpdateVersion computes the version to persist given the current
// version and the version carried on the incoming operation.
func (vt VersionType) UpdateVersion(currentVersion int64, expectedVersion int64) int64 {
	switch vt {
	case VersionInternal:
		return currentVersion + 1
	default:
		return expectedVersion
	}
}

// Origin identifies who is asking for a mutation, per spec.md Data Model.
type Origin int

const (
	OriginPrimary Origin = iota
	OriginReplica
	OriginPeerRecovery
	OriginLocalTranslogRecovery
)

func (o Origin) isRecovery() bool {
	return o == OriginLocalTranslogRecovery
}

// Uid is the unique term identifying a document within the shard. It is
// a byte sequence, not a string, so it can carry arbitrary mapper-chosen
// encodings without a copy on the hot path.
type Uid []byte

func (u Uid) String() string { return string(u) }

// Doc is an opaque already-parsed document handed to the engine by the
// (out of scope) field mapper. The engine never interprets its
// contents; it only forwards it to the segment store.
type Doc interface{}

// OpKind discriminates the Operation sum type.
type OpKind int

const (
	OpIndex OpKind = iota
	OpDelete
	OpNoOp
)

// Operation is the tagged value the write path plans and executes.
// Index and Delete share the fields below; NoOp (a supplemented
// feature, see SPEC_FULL.md §3) carries only a reason. No engine
// operation writes a NoOp record; recovery skips any NoOp record it
// reads without touching the segment store.
type Operation struct {
	Kind OpKind

	Uid            Uid
	Version        int64
	VersionType    VersionType
	Origin         Origin
	StartTimeNanos int64

	// Index-only fields.
	Docs                     []Doc
	AutoGeneratedIDTimestamp *int64
	IsRetry                  bool

	// NoOp-only field.
	NoOpReason string
}

func (op *Operation) hasAutoGeneratedID() bool {
	return op.Kind == OpIndex && op.AutoGeneratedIDTimestamp != nil
}

// VersionValue is a Live Version Map entry: {version, isDelete,
// timeMillis}. Live entries carry timeMillis == 0; tombstones carry the
// wall-clock millisecond at which the delete was recorded.
type VersionValue struct {
	Version    int64
	IsDelete   bool
	TimeMillis int64
}

func liveVersion(v int64) VersionValue {
	return VersionValue{Version: v, IsDelete: false, TimeMillis: 0}
}

func tombstone(v int64, nowMillis int64) VersionValue {
	return VersionValue{Version: v, IsDelete: true, TimeMillis: nowMillis}
}

// TranslogGeneration binds a translog instance to a segment-store
// commit: {uuid, fileGen}. Persisted into commit userData under
// translog_uuid / translog_generation, see SPEC_FULL.md / spec.md §6.
type TranslogGeneration struct {
	UUID    uuid.UUID
	FileGen uint64
}

// OpenMode is the external surface named in spec.md §6.
type OpenMode int

const (
	CreateIndexAndTranslog OpenMode = iota
	OpenIndexCreateTranslog
	OpenIndexAndTranslog
)

// IndexingStrategy is the closed sum of planner decisions for an Index
// operation. Constructed only via the five named constructors below —
// never built as a bare struct literal outside this file — so
// useUpdate => indexIntoLucene and earlyResult != nil => !indexIntoLucene
// hold by construction. processButSkipLuceneIndex is the one strategy
// with neither a segment write nor an early result: the op still
// proceeds to the translog append.
type IndexingStrategy struct {
	CurrentNotFoundOrDeleted bool
	UseUpdate                bool
	IndexIntoLucene          bool
	VersionForIndexing       int64
	EarlyResult              *IndexResult
}

func optimizedAppendOnly(version int64) IndexingStrategy {
	return IndexingStrategy{
		CurrentNotFoundOrDeleted: true,
		UseUpdate:                false,
		IndexIntoLucene:          true,
		VersionForIndexing:       version,
	}
}

func skipDueToVersionConflictIndex(early *IndexResult) IndexingStrategy {
	return IndexingStrategy{
		IndexIntoLucene: false,
		EarlyResult:     early,
	}
}

func processNormallyIndex(currentNotFoundOrDeleted bool, versionForIndexing int64) IndexingStrategy {
	return IndexingStrategy{
		CurrentNotFoundOrDeleted: currentNotFoundOrDeleted,
		UseUpdate:                !currentNotFoundOrDeleted,
		IndexIntoLucene:          true,
		VersionForIndexing:       versionForIndexing,
	}
}

func overrideExistingAsIfNotThere(version int64) IndexingStrategy {
	return IndexingStrategy{
		CurrentNotFoundOrDeleted: false,
		UseUpdate:                true,
		IndexIntoLucene:          true,
		VersionForIndexing:       version,
	}
}

func processButSkipLuceneIndex(currentNotFoundOrDeleted bool, versionForIndexing int64) IndexingStrategy {
	return IndexingStrategy{
		CurrentNotFoundOrDeleted: currentNotFoundOrDeleted,
		UseUpdate:                false,
		IndexIntoLucene:          false,
		VersionForIndexing:       versionForIndexing,
	}
}

// DeletionStrategy is the closed sum of planner decisions for a Delete
// operation, mirroring IndexingStrategy.
type DeletionStrategy struct {
	DeleteFromLucene bool
	CurrentlyDeleted bool
	VersionOfDeletion int64
	EarlyResult       *DeleteResult
}

func skipDueToVersionConflictDelete(early *DeleteResult) DeletionStrategy {
	return DeletionStrategy{
		DeleteFromLucene: false,
		EarlyResult:      early,
	}
}

func processNormallyDelete(currentlyDeleted bool, versionOfDeletion int64) DeletionStrategy {
	return DeletionStrategy{
		DeleteFromLucene:  true,
		CurrentlyDeleted:  currentlyDeleted,
		VersionOfDeletion: versionOfDeletion,
	}
}

func processButSkipLuceneDelete(currentlyDeleted bool, versionOfDeletion int64) DeletionStrategy {
	return DeletionStrategy{
		DeleteFromLucene:  false,
		CurrentlyDeleted:  currentlyDeleted,
		VersionOfDeletion: versionOfDeletion,
	}
}

// Location is the translog's durability handle for an appended record.
type Location struct {
	Generation uint64
	Offset     uint64
	Size       int
}

// Less orders two Locations the way the translog orders records within
// and across generations.
func (l Location) Less(other Location) bool {
	if l.Generation != other.Generation {
		return l.Generation < other.Generation
	}
	return l.Offset < other.Offset
}

// IndexResult and DeleteResult are frozen once returned: Took is fixed
// at construction and never mutated afterward.
type IndexResult struct {
	Version         int64
	Created         bool
	TranslogLocation *Location
	Took            time.Duration
	Failure         error
}

type DeleteResult struct {
	Version          int64
	Found            bool
	TranslogLocation *Location
	Took             time.Duration
	Failure          error
}

// Get is the read request accepted by the Refresh/Search Provider.
type Get struct {
	Uid         Uid
	Realtime    bool
	Version     int64
	VersionType VersionType
}

type GetResult struct {
	Exists  bool
	Version int64
	Docs    []Doc
}

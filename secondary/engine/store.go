// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import "time"

// SegmentWriter is the external segment-store contract named in
// spec.md §1: writer.add(docs), writer.update(term, docs),
// writer.delete(term), writer.commit(userData), writer.flush(),
// writer.forceMerge(...), writer.rollback(), ram_bytes_used(). This
// package never implements it for production use — only the test
// fixture in memstore_test.go does, grounded in the teacher's
// mainstore+backindex shape (memdb_slice_impl.go).
// AddDocument/UpdateDocument take the version to stamp into the
// document alongside its content, mirroring the teacher's own
// Index()/planIndex() wiring where the planned version is known only
// after resolveDocVersion runs, the same way the original source sets
// the version onto the parsed doc immediately before indexIntoLucene.
type SegmentWriter interface {
	AddDocument(uid Uid, version int64, docs []Doc) error
	AddDocuments(uids []Uid, versions []int64, docs [][]Doc) error
	UpdateDocument(uid Uid, version int64, docs []Doc) error
	UpdateDocuments(uids []Uid, versions []int64, docs [][]Doc) error
	DeleteDocuments(uid Uid) error

	// HasUncommittedChanges reports whether Commit would do work.
	HasUncommittedChanges() bool
	Commit(userData map[string]string) error
	Flush() error
	Rollback() error

	ForceMergeDeletes() error
	MaybeMerge() error
	ForceMerge(maxSegments int) error
	SetUpgradeOnNextMerge(upgrade bool, upgradeOnlyAncient bool)

	RamBytesUsed() int64

	// TragicException returns the sticky, process-wide unrecoverable
	// error set on this writer instance, or nil.
	TragicException() error

	Segments(verbose bool) []Segment
	LastCommittedUserData() map[string]string
}

// Translog is the external durable append-log contract named in
// spec.md §1.
type Translog interface {
	Add(record []byte) (Location, error)
	NewSnapshot() (TranslogSnapshot, error)
	CurrentFileGeneration() uint64
	PrepareCommit() error
	Commit() error
	Generation() TranslogGeneration
	TragicException() error
	// Empty reports whether the translog holds no operations that
	// have not yet been folded into a segment-store commit; used by
	// tryRenewSyncCommit (spec.md §4.3).
	Empty() bool
}

// TranslogSnapshot is a finite, ordered sequence of translog records
// used by the Recovery Driver (spec.md §4.4).
type TranslogSnapshot interface {
	Next() ([]byte, bool, error)
	Close() error
}

// SearcherManager serves point-in-time readers refreshed on demand,
// per spec.md §1.
type SearcherManager interface {
	// MaybeRefreshBlocking reopens the underlying reader if the
	// segment store has changed since the last open, blocking until
	// the reopen completes; it reports whether a reopen happened.
	MaybeRefreshBlocking() (bool, error)
	AcquireSearcher() Searcher
	ReleaseSearcher(Searcher)
}

// Searcher is a point-in-time reader capable of an index-side uid
// lookup, used by resolveDocVersion (spec.md §4.1) and realtime get
// (spec.md §4.6).
type Searcher interface {
	Lookup(uid Uid) (VersionValue, bool, error)
	OpenedAt() time.Time
}

// Segment is the value object named in spec.md §6 (segments(verbose)),
// supplemented from original_source/elasticsearch's Engine.Segment.
type Segment struct {
	Generation  uint64
	SizeBytes   int64
	NumDocs     int64
	DeletedDocs int64
	Committed   bool
	Search      bool
	Version     string
}

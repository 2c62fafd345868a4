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
	"time"

	"github.com/google/uuid"
)

// fakeSegmentWriter is a minimal in-memory SegmentWriter used only by
// tests. It reuses the teacher's main-store + back-index shape
// (memdb_slice_impl.go's mainstore + back nodetable) as a "segments"
// main map keyed by uid, plus a tombstone set.
type fakeSegmentWriter struct {
	mu sync.Mutex

	docs      map[string][]Doc
	versions  map[string]int64
	deleted   map[string]bool
	dirty     bool
	committed map[string]string
	tragic    error

	ramBytes int64
	segGen   uint64
}

func newFakeSegmentWriter() *fakeSegmentWriter {
	return &fakeSegmentWriter{
		docs:      make(map[string][]Doc),
		versions:  make(map[string]int64),
		deleted:   make(map[string]bool),
		committed: make(map[string]string),
	}
}

func (w *fakeSegmentWriter) AddDocument(uid Uid, version int64, docs []Doc) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.docs[uid.String()] = docs
	w.versions[uid.String()] = version
	delete(w.deleted, uid.String())
	w.dirty = true
	w.ramBytes += int64(len(uid))
	return nil
}

func (w *fakeSegmentWriter) AddDocuments(uids []Uid, versions []int64, docs [][]Doc) error {
	for i, u := range uids {
		if err := w.AddDocument(u, versions[i], docs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (w *fakeSegmentWriter) UpdateDocument(uid Uid, version int64, docs []Doc) error {
	return w.AddDocument(uid, version, docs)
}

func (w *fakeSegmentWriter) UpdateDocuments(uids []Uid, versions []int64, docs [][]Doc) error {
	return w.AddDocuments(uids, versions, docs)
}

func (w *fakeSegmentWriter) DeleteDocuments(uid Uid) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.docs, uid.String())
	w.deleted[uid.String()] = true
	w.dirty = true
	return nil
}

func (w *fakeSegmentWriter) HasUncommittedChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

func (w *fakeSegmentWriter) Commit(userData map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = false
	w.committed = userData
	w.segGen++
	return nil
}

func (w *fakeSegmentWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = false
	return nil
}

func (w *fakeSegmentWriter) Rollback() error { return nil }

func (w *fakeSegmentWriter) ForceMergeDeletes() error { return nil }
func (w *fakeSegmentWriter) MaybeMerge() error        { return nil }
func (w *fakeSegmentWriter) ForceMerge(int) error      { return nil }
func (w *fakeSegmentWriter) SetUpgradeOnNextMerge(bool, bool) {}

func (w *fakeSegmentWriter) RamBytesUsed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ramBytes
}

func (w *fakeSegmentWriter) TragicException() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tragic
}

func (w *fakeSegmentWriter) setTragic(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tragic = err
}

func (w *fakeSegmentWriter) Segments(verbose bool) []Segment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return []Segment{{Generation: w.segGen, NumDocs: int64(len(w.docs))}}
}

func (w *fakeSegmentWriter) LastCommittedUserData() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// fakeTranslog is a minimal in-memory Translog used only by tests.
type fakeTranslog struct {
	mu      sync.Mutex
	records [][]byte
	gen     uint64
	uuid    uuid.UUID
	tragic  error
	empty   bool
}

func newFakeTranslog() *fakeTranslog {
	return &fakeTranslog{uuid: uuid.New(), gen: 1, empty: true}
}

func (t *fakeTranslog) Add(record []byte) (Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc := Location{Generation: t.gen, Offset: uint64(len(t.records)), Size: len(record)}
	t.records = append(t.records, record)
	t.empty = false
	return loc, nil
}

func (t *fakeTranslog) NewSnapshot() (TranslogSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make([][]byte, len(t.records))
	copy(cp, t.records)
	return &fakeTranslogSnapshot{records: cp}, nil
}

func (t *fakeTranslog) CurrentFileGeneration() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

func (t *fakeTranslog) PrepareCommit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	return nil
}

func (t *fakeTranslog) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
	t.empty = true
	return nil
}

func (t *fakeTranslog) Generation() TranslogGeneration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TranslogGeneration{UUID: t.uuid, FileGen: t.gen}
}

func (t *fakeTranslog) TragicException() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tragic
}

func (t *fakeTranslog) Empty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.empty
}

type fakeTranslogSnapshot struct {
	records [][]byte
	pos     int
}

func (s *fakeTranslogSnapshot) Next() ([]byte, bool, error) {
	if s.pos >= len(s.records) {
		return nil, false, nil
	}
	r := s.records[s.pos]
	s.pos++
	return r, true, nil
}

func (s *fakeTranslogSnapshot) Close() error { return nil }

// fakeSearcherManager/fakeSearcher serve point-in-time lookups against
// the fakeSegmentWriter's own docs/deleted maps, the way a real
// just-reopened NRT reader would see whatever the IndexWriter has
// in-memory — committed or not. The live version map is a distinct
// overlay in production and is deliberately not consulted here.
type fakeSearcherManager struct {
	w *fakeSegmentWriter
}

func (s *fakeSearcherManager) MaybeRefreshBlocking() (bool, error) { return true, nil }
func (s *fakeSearcherManager) AcquireSearcher() Searcher           { return fakeSearcher{s.w} }
func (s *fakeSearcherManager) ReleaseSearcher(Searcher)            {}

type fakeSearcher struct{ w *fakeSegmentWriter }

func (s fakeSearcher) Lookup(uid Uid) (VersionValue, bool, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()

	key := uid.String()
	if s.w.deleted[key] {
		return VersionValue{IsDelete: true}, true, nil
	}
	if _, ok := s.w.docs[key]; ok {
		return VersionValue{Version: s.w.versions[key]}, true, nil
	}
	return VersionValue{}, false, nil
}

func (s fakeSearcher) OpenedAt() time.Time { return time.Now() }

// fakeClock is an injectable clock for deterministic tombstone-GC tests.
type fakeClock struct {
	millis int64
	nanos  int64
}

func (c *fakeClock) NowMillis() int64 { return c.millis }
func (c *fakeClock) NowNanos() int64  { return c.nanos }

func newTestEngine() (*Engine, *fakeSegmentWriter, *fakeTranslog) {
	writer := newFakeSegmentWriter()
	translog := newFakeTranslog()
	eng, err := Open(Config{
		Writer:      writer,
		Translog:    translog,
		SearcherMgr: nil,
		OpenMode:    CreateIndexAndTranslog,
	})
	if err != nil {
		panic(err)
	}
	eng.searcherMgr = &fakeSearcherManager{w: writer}
	return eng, writer, translog
}

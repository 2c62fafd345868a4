// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import "github.com/couchbase/shard-write-engine/secondary/logging"

// invariant panics on a violated invariant, the same role the teacher's
// common.CrashOnError plays at call sites like memdb_slice_impl.go's
// insertPrimaryIndex. Reserved for conditions that indicate a bug in
// the engine itself, never for downstream I/O errors (those go through
// errors.go instead).
func invariant(cond bool, msg string) {
	if !cond {
		logging.Fatalf("Engine::invariant violated: %s", msg)
		panic("engine: invariant violated: " + msg)
	}
}

// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import "github.com/couchbase/shard-write-engine/secondary/common"

// defaultConfig registers the engine.* tunables following the
// teacher's flat, dotted common.Config namespace (common/config.go),
// the same way the teacher registers "storage.moi.*" and
// "settings.recovery.*" keys.
var defaultConfig = common.Config{
	"engine.gcDeletesMillis": common.ConfigValue{
		Value:         int(60 * 60 * 1000),
		Help:          "milliseconds a delete tombstone is retained before it is eligible for GC",
		DefaultVal:    int(60 * 60 * 1000),
		Immutable:     false,
		Casesensitive: false,
	},
	"engine.gcDeletesEnabled": common.ConfigValue{
		Value:         true,
		Help:          "whether tombstone GC on refresh is enabled",
		DefaultVal:    true,
		Immutable:     false,
		Casesensitive: false,
	},
	"engine.maxMergeCount": common.ConfigValue{
		Value:         int(5),
		Help:          "number of in-flight merges above which the indexing throttle activates",
		DefaultVal:    int(5),
		Immutable:     false,
		Casesensitive: false,
	},
	"engine.flushMergesAfterMillis": common.ConfigValue{
		Value:         int(30 * 1000),
		Help:          "idle-write duration after which a quiet merge scheduler triggers a flush or sync-commit renewal",
		DefaultVal:    int(30 * 1000),
		Immutable:     false,
		Casesensitive: false,
	},
	"engine.stripedLockCount": common.ConfigValue{
		Value:         int(1024),
		Help:          "size of the per-uid striped lock table",
		DefaultVal:    int(1024),
		Immutable:     true,
		Casesensitive: false,
	},
	"engine.refreshIntervalMillis": common.ConfigValue{
		Value:         int(1000),
		Help:          "periodic background refresh interval; the engine runs no periodic refresh of its own and does not read this key",
		DefaultVal:    int(1000),
		Immutable:     false,
		Casesensitive: false,
	},
}

// DefaultConfig returns a fresh copy of the engine's default
// configuration, to be merged into the caller's common.Config the same
// way the teacher merges its own default config map into a caller's
// overrides via Config.Override.
func DefaultConfig() common.Config {
	cfg := make(common.Config, len(defaultConfig))
	for k, v := range defaultConfig {
		cfg[k] = v
	}
	return cfg
}

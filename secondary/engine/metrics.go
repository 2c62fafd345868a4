// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt.  As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the §3/§8 counters as Prometheus collectors, the way
// the teacher's storage_stats_manager_enterprise.go and
// froz-husain-PairDB/storage-node expose storage counters. Metrics is
// opt-in: callers register it with their own prometheus.Registerer.
type Metrics struct {
	eng *Engine

	throttleRequestCount prometheus.GaugeFunc
	mergesInFlight       prometheus.GaugeFunc
	versionMapRAMBytes   prometheus.GaugeFunc
	indexThrottleMillis  prometheus.CounterFunc
}

// NewMetrics builds the Prometheus collectors for eng. Register() must
// be called to expose them.
func NewMetrics(eng *Engine) *Metrics {
	m := &Metrics{eng: eng}

	m.throttleRequestCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "throttle_request_count",
		Help:      "current indexing throttle activation count",
	}, func() float64 { return float64(eng.throttle.requestCount()) })

	m.mergesInFlight = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "merges_in_flight",
		Help:      "number of merges currently in flight",
	}, func() float64 { return float64(eng.merge.numMergesInFlight.Load()) })

	m.versionMapRAMBytes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "engine",
		Name:      "version_map_ram_bytes",
		Help:      "estimated bytes held by the live version map",
	}, func() float64 { return float64(eng.versionMap.ramBytesUsed()) })

	m.indexThrottleMillis = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "engine",
		Name:      "index_throttle_millis_total",
		Help:      "cumulative milliseconds spent blocked on the indexing throttle",
	}, func() float64 { return float64(eng.throttle.throttleTimeMillis()) })

	return m
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.throttleRequestCount,
		m.mergesInFlight,
		m.versionMapRAMBytes,
		m.indexThrottleMillis,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

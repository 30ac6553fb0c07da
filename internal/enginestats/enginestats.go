// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package enginestats implements the statistics accounting tied to every
// accept/drop decision, exposed as
// Prometheus counters/histograms.
package enginestats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is the process-wide statistics surface. Every counter is updated
// under Prometheus's own atomic machinery -- vectors are safe for
// concurrent use per label set, so no separate lock is needed.
type Stats struct {
	ObjsProcessed    prometheus.Counter
	ObjsPassed       prometheus.Counter
	ObjsDropped      prometheus.Counter
	ObjsUnloadable   prometheus.Counter
	ObjsCacheDropped *prometheus.CounterVec // label: filter
	ObjsCachePassed  *prometheus.CounterVec // label: filter
	ObjsTerminate    *prometheus.CounterVec // label: filter
	ObjsComputed     *prometheus.CounterVec // label: filter

	StartupSeconds   *prometheus.HistogramVec // label: filter
	ExecutionSeconds *prometheus.HistogramVec // label: filter
}

// New registers and returns a fresh Stats against reg. reg may be
// prometheus.NewRegistry() (tests) or prometheus.DefaultRegisterer (the
// demo process).
func New(reg prometheus.Registerer) *Stats {
	s := &Stats{
		ObjsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_processed_total",
			Help:      "Objects that completed stack evaluation.",
		}),
		ObjsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_passed_total",
			Help:      "Objects accepted and sent to the blast channel.",
		}),
		ObjsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_dropped_total",
			Help:      "Objects dropped for any reason.",
		}),
		ObjsUnloadable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_unloadable_total",
			Help:      "Objects that failed to load via the object loader.",
		}),
		ObjsCacheDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_cache_dropped_total",
			Help:      "Objects dropped by result-cache reuse, by filter.",
		}, []string{"filter"}),
		ObjsCachePassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_cache_passed_total",
			Help:      "Objects whose result-cache hit indicated accept, by filter.",
		}, []string{"filter"}),
		ObjsTerminate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_terminate_total",
			Help:      "Objects dropped because a filter worker died mid-evaluation, by filter.",
		}, []string{"filter"}),
		ObjsComputed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "filterstack",
			Name:      "objs_computed_total",
			Help:      "Objects for which a filter was actually executed (not cache-served), by filter.",
		}, []string{"filter"}),
		StartupSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filterstack",
			Name:      "filter_startup_seconds",
			Help:      "Filter worker startup latency, by filter.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"filter"}),
		ExecutionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "filterstack",
			Name:      "filter_execution_seconds",
			Help:      "Filter evaluation wall time, by filter.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"filter"}),
	}

	reg.MustRegister(
		s.ObjsProcessed, s.ObjsPassed, s.ObjsDropped, s.ObjsUnloadable,
		s.ObjsCacheDropped, s.ObjsCachePassed, s.ObjsTerminate, s.ObjsComputed,
		s.StartupSeconds, s.ExecutionSeconds,
	)
	return s
}

// IncUnloadable implements objectproc.Stats.
func (s *Stats) IncUnloadable() { s.ObjsUnloadable.Inc() }

// ObserveStartup implements objectproc.Stats.
func (s *Stats) ObserveStartup(filter string, d time.Duration) {
	s.StartupSeconds.WithLabelValues(filter).Observe(d.Seconds())
}

// ObserveExecution implements objectproc.Stats.
func (s *Stats) ObserveExecution(filter string, d time.Duration) {
	s.ExecutionSeconds.WithLabelValues(filter).Observe(d.Seconds())
	s.ObjsComputed.WithLabelValues(filter).Inc()
}

// ObserveCacheHit implements objectproc.Stats.
func (s *Stats) ObserveCacheHit(filter string, accepted bool) {
	if accepted {
		s.ObjsCachePassed.WithLabelValues(filter).Inc()
	} else {
		s.ObjsCacheDropped.WithLabelValues(filter).Inc()
	}
}

// RecordDecision updates the top-level accept/drop counters, called once
// per object by the stack runner.
func (s *Stats) RecordDecision(accepted bool) {
	s.ObjsProcessed.Inc()
	if accepted {
		s.ObjsPassed.Inc()
	} else {
		s.ObjsDropped.Inc()
	}
}

// Scoped returns a view of Stats whose IncTerminate carries filter as a
// label, matching objectproc.Stats's argument-less IncTerminate while
// still partitioning the counter correctly. Each FilterRunner is bound to
// exactly one filter name, so this adapter is constructed once per
// runner.
func (s *Stats) Scoped(filter string) *ScopedStats {
	return &ScopedStats{stats: s, filter: filter}
}

// ScopedStats adapts Stats to objectproc.Stats for one named filter.
type ScopedStats struct {
	stats  *Stats
	filter string
}

func (s *ScopedStats) IncUnloadable() { s.stats.IncUnloadable() }
func (s *ScopedStats) IncTerminate()  { s.stats.ObjsTerminate.WithLabelValues(s.filter).Inc() }
func (s *ScopedStats) ObserveStartup(filter string, d time.Duration) {
	s.stats.ObserveStartup(filter, d)
}
func (s *ScopedStats) ObserveExecution(filter string, d time.Duration) {
	s.stats.ObserveExecution(filter, d)
}
func (s *ScopedStats) ObserveCacheHit(filter string, accepted bool) {
	s.stats.ObserveCacheHit(filter, accepted)
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package objectproc implements the object-processor interface: the
// uniform capability set {name, cache_digest, cache_key,
// cache_hit, evaluate, threshold, send_score} over anything that
// transforms an object, with two concrete variants -- the fetcher, which
// loads attributes from the object loader, and the filter runner, which
// drives one filter worker's wire protocol.
package objectproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/filterdescriptor"
	"github.com/diamond-search/filterstack-engine/internal/filterworker"
	"github.com/diamond-search/filterstack-engine/internal/object"
	"github.com/diamond-search/filterstack-engine/internal/resultcache"
	"github.com/diamond-search/filterstack-engine/internal/sessionctx"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// attributeCacheThresholdBytesPerSec is the output-attribute throughput
// below which a filter's results are also written to the attribute
// cache. Exactly at the threshold is not cached.
const attributeCacheThresholdBytesPerSec = 2 << 20

// ScoreAttrName returns the attribute name a filter's score is recorded
// under when send_score is true.
func ScoreAttrName(filterName string) string {
	return fmt.Sprintf("_filter.%s_score", filterName)
}

// Stats is the narrow statistics surface objectproc needs; enginestats.Stats
// implements it.
type Stats interface {
	IncUnloadable()
	IncTerminate()
	ObserveStartup(filter string, d time.Duration)
	ObserveExecution(filter string, d time.Duration)
	ObserveCacheHit(filter string, accepted bool)
}

// Processor is the interface every object transformer in the stack
// exposes. It embeds resultcache.Runner so both can be
// handled uniformly by the cache resolver.
type Processor interface {
	resultcache.Runner
	Name() string
	CacheDigest() string
	SendScore() bool
	Evaluate(ctx context.Context, obj *object.Object) (*resultcache.Result, error)
}

// ObjectLoader populates obj's attributes from the data retriever.
type ObjectLoader interface {
	Load(ctx context.Context, obj *object.Object) error
}

// Fetcher is the object processor that loads attributes from the
// retriever.
type Fetcher struct {
	loader ObjectLoader
	stats  Stats
}

// NewFetcher returns a Fetcher backed by loader.
func NewFetcher(loader ObjectLoader, stats Stats) *Fetcher {
	return &Fetcher{loader: loader, stats: stats}
}

func (f *Fetcher) Name() string        { return "fetcher" }
func (f *Fetcher) CacheDigest() string { return resultcache.FetcherCacheDigest }
func (f *Fetcher) CacheKey(objectID string) string {
	return resultcache.Key(f.CacheDigest(), objectID)
}
func (f *Fetcher) SendScore() bool                    { return false }
func (f *Fetcher) Threshold(result *resultcache.Result) bool { return true }
func (f *Fetcher) CacheHit(result *resultcache.Result)       {}

// Evaluate loads obj via the object loader. On failure it bumps
// objs_unloadable and raises the internal drop signal.
func (f *Fetcher) Evaluate(ctx context.Context, obj *object.Object) (*resultcache.Result, error) {
	if err := f.loader.Load(ctx, obj); err != nil {
		log.Warnf("objectproc: failed to load %s: %v", obj.ID(), err)
		if f.stats != nil {
			f.stats.IncUnloadable()
		}
		return nil, engineerr.ErrDrop
	}
	result := resultcache.New()
	keys, err := obj.Keys()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		sig, ok, err := obj.Signature(key)
		if err != nil {
			return nil, err
		}
		if ok {
			result.OutputAttrs[key] = sig
		}
	}
	return result, nil
}

// StartupStats tracks a filter worker's startup latency. It has its own
// lock because the statistics endpoint may read it concurrently with the
// owning runner.
type StartupStats struct {
	mu         sync.Mutex
	Count      int64
	Min        time.Duration
	Max        time.Duration
	TotalNanos int64
}

func (s *StartupStats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Count == 0 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
	s.Count++
	s.TotalNanos += d.Nanoseconds()
}

// Snapshot returns a copy of the current counters plus the derived
// average.
func (s *StartupStats) Snapshot() (count int64, min, max, avg time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Count == 0 {
		return 0, 0, 0, 0
	}
	return s.Count, s.Min, s.Max, time.Duration(s.TotalNanos / s.Count)
}

// FilterRunner is the object processor that evaluates one resolved filter
// descriptor on an object by driving its wire protocol.
//
// A FilterRunner owns at most one live filter worker and is itself owned
// by exactly one stack-runner goroutine; none of its mutable
// fields need synchronization except StartupStats, which the statistics
// endpoint may read concurrently.
type FilterRunner struct {
	descriptor *filterdescriptor.Descriptor
	sess       *sessionctx.SessionContext
	stats      Stats

	worker      filterworker.Worker
	initialized bool
	startup     StartupStats
}

// NewFilterRunner returns a FilterRunner for a resolved descriptor.
func NewFilterRunner(d *filterdescriptor.Descriptor, sess *sessionctx.SessionContext, stats Stats) *FilterRunner {
	return &FilterRunner{descriptor: d, sess: sess, stats: stats}
}

func (fr *FilterRunner) Name() string        { return fr.descriptor.Name }
func (fr *FilterRunner) CacheDigest() string { return fr.descriptor.CacheDigest }
func (fr *FilterRunner) CacheKey(objectID string) string {
	return resultcache.Key(fr.CacheDigest(), objectID)
}
func (fr *FilterRunner) SendScore() bool { return true }

func (fr *FilterRunner) Threshold(result *resultcache.Result) bool {
	return fr.descriptor.MinScore <= result.Score && result.Score <= fr.descriptor.MaxScore
}

// CacheHit updates statistics for a cached decision reused via the result
// cache.
func (fr *FilterRunner) CacheHit(result *resultcache.Result) {
	if fr.stats != nil {
		fr.stats.ObserveCacheHit(fr.descriptor.Name, fr.Threshold(result))
	}
}

// Startup returns this runner's filter-worker startup-latency statistics.
func (fr *FilterRunner) Startup() *StartupStats { return &fr.startup }

// Close tears down any live filter worker.
func (fr *FilterRunner) Close() error {
	if fr.worker == nil {
		return nil
	}
	err := fr.worker.Close()
	fr.worker = nil
	fr.initialized = false
	return err
}

// Evaluate drives the filter worker's evaluation loop on obj. The worker
// is constructed lazily on first use and reused across
// subsequent objects unless it dies.
func (fr *FilterRunner) Evaluate(ctx context.Context, obj *object.Object) (*resultcache.Result, error) {
	if fr.worker == nil {
		start := time.Now()
		w, err := fr.descriptor.Connect(ctx)
		if err != nil {
			return nil, engineerr.NewExecutionError(fr.descriptor.Name, fmt.Sprintf("connect: %v", err))
		}
		if err := w.Start(fr.descriptor.Name, fr.descriptor.Arguments, fr.descriptor.Blob); err != nil {
			return nil, engineerr.NewExecutionError(fr.descriptor.Name, fmt.Sprintf("start: %v", err))
		}
		elapsed := time.Since(start)
		fr.worker = w
		fr.initialized = false
		fr.startup.record(elapsed)
		if fr.stats != nil {
			fr.stats.ObserveStartup(fr.descriptor.Name, elapsed)
		}
	}

	result := resultcache.New()
	execStart := time.Now()
	err := fr.loop(ctx, obj, result)
	elapsed := time.Since(execStart)
	if fr.stats != nil {
		fr.stats.ObserveExecution(fr.descriptor.Name, elapsed)
	}
	if err != nil {
		return nil, err
	}

	var totalBytes int
	for key := range result.OutputAttrs {
		if v, ok, gerr := obj.Get(key); gerr == nil && ok {
			totalBytes += len(v)
		}
	}
	result.CacheOutput = shouldCacheOutput(totalBytes, elapsed)
	return result, nil
}

// shouldCacheOutput classifies a filter run's output-attribute throughput:
// strictly below 2 MiB/s the attribute cache is written; at or above it is
// not.
func shouldCacheOutput(totalBytes int, elapsed time.Duration) bool {
	throughput := float64(totalBytes)
	if seconds := elapsed.Seconds(); seconds > 0 {
		throughput /= seconds
	}
	return throughput < attributeCacheThresholdBytesPerSec
}

// loop reads and dispatches wire-protocol tags until a "result" tag
// arrives or the worker dies. The loop always continues after handling
// "ensure-resource" regardless of connector mode -- only "result" or
// worker death ends it.
func (fr *FilterRunner) loop(ctx context.Context, obj *object.Object, result *resultcache.Result) error {
	w := fr.worker
	for {
		tag, err := w.NextTag()
		if err != nil {
			return fr.handleIOError(err)
		}
		switch tag {
		case "init-success":
			fr.initialized = true

		case "get-attribute":
			keyItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			key := string(keyItem)
			value, ok, gerr := obj.Get(key)
			if gerr != nil {
				return gerr
			}
			if ok {
				if err := w.Send(value); err != nil {
					return fr.handleIOError(err)
				}
				sig, _, serr := obj.Signature(key)
				if serr != nil {
					return serr
				}
				result.InputAttrs[key] = &sig
			} else {
				if err := w.SendNull(); err != nil {
					return fr.handleIOError(err)
				}
				result.InputAttrs[key] = nil
			}

		case "set-attribute":
			keyItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			valueItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			key := string(keyItem)
			if err := obj.Set(key, valueItem); err != nil {
				return err
			}
			sig, _, serr := obj.Signature(key)
			if serr != nil {
				return serr
			}
			result.OutputAttrs[key] = sig

		case "omit-attribute":
			keyItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			key := string(keyItem)
			if omitErr := obj.Omit(key); omitErr == nil {
				result.OmitAttrs[key] = struct{}{}
				if err := w.SendBool(true); err != nil {
					return fr.handleIOError(err)
				}
			} else {
				if err := w.SendBool(false); err != nil {
					return fr.handleIOError(err)
				}
			}

		case "get-session-variables":
			items, err := w.GetArray()
			if err != nil {
				return fr.handleIOError(err)
			}
			keys := bytesToStrings(items)
			values := fr.sess.GetVariables(keys)
			out := make([][]byte, len(values))
			for i, v := range values {
				out[i] = []byte(strconv.FormatFloat(v, 'g', -1, 64))
			}
			if err := w.SendArray(out); err != nil {
				return fr.handleIOError(err)
			}

		case "update-session-variables":
			keyItems, err := w.GetArray()
			if err != nil {
				return fr.handleIOError(err)
			}
			valItems, err := w.GetArray()
			if err != nil {
				return fr.handleIOError(err)
			}
			if len(keyItems) != len(valItems) {
				return engineerr.NewExecutionError(fr.descriptor.Name, "update-session-variables: bad array lengths")
			}
			values := make([]float64, len(valItems))
			for i, v := range valItems {
				f, perr := strconv.ParseFloat(string(v), 64)
				if perr != nil {
					return engineerr.NewExecutionError(fr.descriptor.Name, "bad session variable value")
				}
				values[i] = f
			}
			if err := fr.sess.UpdateVariables(bytesToStrings(keyItems), values); err != nil {
				return engineerr.NewExecutionError(fr.descriptor.Name, err.Error())
			}

		case "log":
			levelItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			msgItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			levelInt, _ := strconv.Atoi(string(levelItem))
			if logf, ok := log.LevelFromMask(uint8(levelInt)); ok {
				logf(fmt.Sprintf("%s: %s", fr.descriptor.Name, string(msgItem)))
			}

		case "stdout":
			text, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			_, _ = os.Stdout.Write(text)

		case "ensure-resource":
			scopeItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			typeItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			argItems, err := w.GetArray()
			if err != nil {
				return fr.handleIOError(err)
			}
			if string(scopeItem) != "session" {
				return engineerr.NewExecutionError(fr.descriptor.Name, fmt.Sprintf("unrecognized resource scope %q", scopeItem))
			}
			resourceMap, rerr := fr.sess.EnsureResource(ctx, string(typeItem), bytesToStrings(argItems)...)
			if rerr != nil {
				return engineerr.NewExecutionError(fr.descriptor.Name, fmt.Sprintf("ensure-resource: %v", rerr))
			}
			keys := make([]string, 0, len(resourceMap))
			values := make([]string, 0, len(resourceMap))
			for k, v := range resourceMap {
				keys = append(keys, k)
				values = append(values, v)
			}
			if err := w.SendDict(keys, values); err != nil {
				return fr.handleIOError(err)
			}

		case "result":
			scoreItem, _, err := w.GetItem()
			if err != nil {
				return fr.handleIOError(err)
			}
			score, perr := strconv.ParseFloat(string(scoreItem), 64)
			if perr != nil {
				return engineerr.NewExecutionError(fr.descriptor.Name, "bad score value")
			}
			result.Score = score
			return nil

		case "":
			return fr.handleIOError(errEmptyTag)

		default:
			return engineerr.NewExecutionError(fr.descriptor.Name, fmt.Sprintf("unknown tag %q", tag))
		}
	}
}

var errEmptyTag = errors.New("objectproc: empty tag (eof)")

// handleIOError classifies worker death: a worker that dies before
// init-success is a fatal execution error; one that dies after is
// an internal drop, and the worker is discarded so the next evaluation
// starts fresh.
func (fr *FilterRunner) handleIOError(err error) error {
	if fr.initialized {
		log.Errorf("objectproc: filter %s (digest %s) died on object: %v", fr.descriptor.Name, fr.descriptor.CacheDigest, err)
		if fr.stats != nil {
			fr.stats.IncTerminate()
		}
		_ = fr.worker.Close()
		fr.worker = nil
		fr.initialized = false
		return engineerr.ErrDrop
	}
	return engineerr.NewExecutionError(fr.descriptor.Name, fmt.Sprintf("failed to initialize: %v", err))
}

func bytesToStrings(items [][]byte) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it)
	}
	return out
}

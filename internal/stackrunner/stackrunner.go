// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stackrunner implements the per-object execution loop:
// result-cache dependency resolution, attribute-cache reuse,
// filter execution, statistics, and the worker-thread loop that drains a
// scope list and forwards accepted objects to the blast channel.
package stackrunner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/diamond-search/filterstack-engine/internal/attrcache"
	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/enginestats"
	"github.com/diamond-search/filterstack-engine/internal/object"
	"github.com/diamond-search/filterstack-engine/internal/objectproc"
	"github.com/diamond-search/filterstack-engine/internal/resultcache"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// CacheStore is the subset of cachestore.Store the stack runner needs for
// both the result cache and the attribute cache.
type CacheStore interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSet(ctx context.Context, kv map[string][]byte) error
}

// ScopeList yields candidate objects and is safe for concurrent polling
// by multiple stack runners.
type ScopeList interface {
	// Next returns the next candidate object. ok is false once the scope
	// list is exhausted.
	Next(ctx context.Context) (obj *object.Object, ok bool, err error)
}

// BlastChannel delivers accepted objects to the client.
type BlastChannel interface {
	Send(ctx context.Context, obj *object.Object) error
	Close() error
}

// AuditLogger records one row per object evaluated.
// Nil is a valid AuditLogger field value -- auditing is optional.
type AuditLogger interface {
	Record(ctx context.Context, objectID string, accepted bool, droppedBy string, elapsed time.Duration)
}

// Reference runs callback exactly once, when Release has been called once
// per every owner created alongside it. It implements the "closes the
// blast channel when the last worker exits" contract.
type Reference struct {
	mu       sync.Mutex
	count    int
	callback func()
}

// NewReference returns a Reference with owners pending releases.
func NewReference(owners int, callback func()) *Reference {
	return &Reference{count: owners, callback: callback}
}

// Release decrements the owner count, invoking callback exactly once when
// it reaches zero.
func (r *Reference) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count--
	if r.count == 0 && r.callback != nil {
		cb := r.callback
		r.callback = nil
		cb()
	}
}

// ShutdownFunc requests process-level termination, e.g. in response to a
// blast-channel connection failure or an unexpected worker exception.
type ShutdownFunc func(reason error)

// StackRunner owns one object at a time, drawn from a shared scope list,
// and drives it through the processor chain.
type StackRunner struct {
	name       string
	processors []objectproc.Processor
	store      CacheStore
	scope      ScopeList
	blast      BlastChannel
	stats      *enginestats.Stats
	audit      AuditLogger
	cleanup    *Reference
	shutdown   ShutdownFunc

	warnedMu    sync.Mutex
	warnedCache map[string]bool
}

// New returns a StackRunner. processors is the fetcher followed by one
// filter runner per descriptor in resolved stack order.
func New(name string, processors []objectproc.Processor, store CacheStore, scope ScopeList, blast BlastChannel, stats *enginestats.Stats, audit AuditLogger, cleanup *Reference, shutdown ShutdownFunc) *StackRunner {
	return &StackRunner{
		name:        name,
		processors:  processors,
		store:       store,
		scope:       scope,
		blast:       blast,
		stats:       stats,
		audit:       audit,
		cleanup:     cleanup,
		shutdown:    shutdown,
		warnedCache: make(map[string]bool),
	}
}

// Run drains the scope list until exhaustion, cancellation, or a fatal
// error, evaluating one object at a time.
func (sr *StackRunner) Run(ctx context.Context) {
	defer func() {
		if sr.cleanup != nil {
			sr.cleanup.Release()
		}
		if r := recover(); r != nil {
			err := fmt.Errorf("stackrunner %s: panic: %v", sr.name, r)
			log.Errorf("%v", err)
			if sr.shutdown != nil {
				sr.shutdown(err)
			}
		}
	}()

	for {
		obj, ok, err := sr.scope.Next(ctx)
		if err != nil {
			log.Errorf("stackrunner %s: scope list error: %v", sr.name, err)
			if sr.shutdown != nil {
				sr.shutdown(err)
			}
			return
		}
		if !ok {
			return
		}

		accept, _, err := sr.evaluate(ctx, obj)
		if err != nil {
			obj.Invalidate()
			log.Errorf("stackrunner %s: fatal error evaluating %s: %v", sr.name, obj.ID(), err)
			if sr.shutdown != nil {
				sr.shutdown(err)
			}
			return
		}

		if sr.stats != nil {
			sr.stats.RecordDecision(accept)
		}

		if accept {
			if sendErr := sr.blast.Send(ctx, obj); sendErr != nil {
				obj.Invalidate()
				log.Warnf("stackrunner %s: blast send failed, shutting down: %v", sr.name, sendErr)
				if sr.shutdown != nil {
					sr.shutdown(sendErr)
				}
				return
			}
		}
		obj.Invalidate()
	}
}

// evaluate runs the full pipeline for one object: result-cache
// dependency resolution, per-processor attribute-cache reuse or fresh
// evaluation, threshold accounting, and the cache-write commit that
// happens on every exit path.
func (sr *StackRunner) evaluate(ctx context.Context, obj *object.Object) (accept bool, droppedBy string, err error) {
	start := time.Now()

	runners := make([]resultcache.Runner, len(sr.processors))
	cacheKeys := make(map[resultcache.Runner]string, len(sr.processors))
	for i, p := range sr.processors {
		runners[i] = p
		cacheKeys[p] = p.CacheKey(obj.ID())
	}

	keys := make([]string, 0, len(sr.processors))
	for _, p := range sr.processors {
		keys = append(keys, cacheKeys[p])
	}
	raw, mgetErr := sr.store.MGet(ctx, keys)
	if mgetErr != nil {
		log.Warnf("stackrunner %s: result-cache mget failed, proceeding without cache: %v", sr.name, mgetErr)
		raw = map[string][]byte{}
	}

	cacheResults := make(map[resultcache.Runner]*resultcache.Result)
	for _, p := range sr.processors {
		data, ok := raw[cacheKeys[p]]
		if !ok {
			continue
		}
		res, decodeErr := resultcache.Decode(data)
		if decodeErr != nil {
			log.Warnf("stackrunner %s: corrupt result-cache entry for %s: %v", sr.name, p.Name(), decodeErr)
			continue
		}
		cacheResults[p] = res
	}

	if drop, participants := resultcache.Resolve(obj.ID(), runners, cacheResults); drop {
		if len(participants) > 0 {
			// The first participant is the runner whose cached threshold
			// failed; the rest are its transitive dependencies.
			droppedBy = participants[0].(objectproc.Processor).Name()
		}
		if sr.audit != nil {
			sr.audit.Record(ctx, obj.ID(), false, droppedBy, time.Since(start))
		}
		return false, droppedBy, nil
	}

	newResults := make(map[objectproc.Processor]*resultcache.Result)
	accept = true
	var dropErr error

runLoop:
	for _, p := range sr.processors {
		var result *resultcache.Result

		if cached, ok := cacheResults[p]; ok {
			loaded, loadErr := attrcache.TryLoad(ctx, sr.store, obj, cached)
			if loadErr != nil {
				dropErr = loadErr
				break runLoop
			}
			if loaded {
				p.CacheHit(cached)
				result = cached
			}
		}

		if result == nil {
			var evalErr error
			result, evalErr = p.Evaluate(ctx, obj)
			if evalErr != nil {
				if errors.Is(evalErr, engineerr.ErrDrop) {
					accept = false
					droppedBy = p.Name()
					break runLoop
				}
				dropErr = evalErr
				break runLoop
			}
			newResults[p] = result
		}

		if !p.Threshold(result) {
			accept = false
			droppedBy = p.Name()
			break runLoop
		}
		if p.SendScore() {
			scoreAttr := objectproc.ScoreAttrName(p.Name())
			value := append([]byte(strconv.FormatFloat(result.Score, 'g', -1, 64)), 0)
			if setErr := obj.Set(scoreAttr, value); setErr != nil {
				dropErr = setErr
				break runLoop
			}
		}
	}

	sr.commit(ctx, obj, newResults, cacheKeys)

	if sr.audit != nil {
		sr.audit.Record(ctx, obj.ID(), accept && dropErr == nil, droppedBy, time.Since(start))
	}

	if dropErr != nil {
		return false, droppedBy, dropErr
	}
	return accept, droppedBy, nil
}

// commit writes every fresh result to the result cache, plus attribute
// cache entries for results whose throughput warranted it, in one
// multi-set. Writes are advisory: failures are logged once
// per processor and swallowed.
func (sr *StackRunner) commit(ctx context.Context, obj *object.Object, newResults map[objectproc.Processor]*resultcache.Result, cacheKeys map[resultcache.Runner]string) {
	if len(newResults) == 0 {
		return
	}
	kv := make(map[string][]byte)
	for p, result := range newResults {
		encoded, err := result.Encode()
		if err != nil {
			sr.warnOnce(p.Name(), fmt.Sprintf("encode result: %v", err))
			continue
		}
		kv[cacheKeys[p]] = encoded

		if !result.CacheOutput {
			continue
		}
		for key, sig := range result.OutputAttrs {
			curSig, ok, err := obj.Signature(key)
			if err != nil || !ok || curSig != sig {
				// Overwritten by a later processor this run; don't cache
				// the stale value under this signature.
				continue
			}
			value, ok, err := obj.Get(key)
			if err != nil || !ok {
				continue
			}
			kv[attrcache.Key(sig)] = value
		}
	}
	if len(kv) == 0 {
		return
	}
	if err := sr.store.MSet(ctx, kv); err != nil {
		for p := range newResults {
			sr.warnOnce(p.Name(), fmt.Sprintf("cache write failed: %v", err))
		}
	}
}

func (sr *StackRunner) warnOnce(name, msg string) {
	sr.warnedMu.Lock()
	defer sr.warnedMu.Unlock()
	if sr.warnedCache[name] {
		return
	}
	sr.warnedCache[name] = true
	log.Warnf("stackrunner %s: %s: %s", sr.name, name, msg)
}

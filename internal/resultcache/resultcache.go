// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package resultcache implements the result-cache schema and the
// dependency resolver that lets a cached drop decision be reused without
// re-running any filters.
package resultcache

import (
	"encoding/json"
	"fmt"

	"github.com/diamond-search/filterstack-engine/pkg/fasthash"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// FetcherCacheDigest is the fixed cache digest the object fetcher uses in
// place of a filter's cache digest.
const FetcherCacheDigest = "dataretriever"

// Result is a result-cache entry for one runner's evaluation of one
// object.
type Result struct {
	// InputAttrs maps attribute name to the signature observed when the
	// runner read it, or nil when the runner asked for an attribute that
	// was absent.
	InputAttrs map[string]*string `json:"input_attrs"`
	// OutputAttrs maps attribute name to the signature of the value the
	// runner wrote.
	OutputAttrs map[string]string `json:"output_attrs"`
	// OmitAttrs is the set of attribute names the runner omitted.
	OmitAttrs map[string]struct{} `json:"-"`
	Score     float64             `json:"score"`

	// CacheOutput records whether this result's output attributes should
	// also be written to the attribute cache. Not itself persisted;
	// recomputed on every fresh run.
	CacheOutput bool `json:"-"`
}

// New returns an empty Result ready to be populated during evaluation.
func New() *Result {
	return &Result{
		InputAttrs:  make(map[string]*string),
		OutputAttrs: make(map[string]string),
		OmitAttrs:   make(map[string]struct{}),
	}
}

// wireResult is the JSON-on-the-wire shape: omit_attrs is an array,
// present only when non-empty.
type wireResult struct {
	InputAttrs  map[string]*string `json:"input_attrs"`
	OutputAttrs map[string]string  `json:"output_attrs"`
	OmitAttrs   []string           `json:"omit_attrs,omitempty"`
	Score       float64            `json:"score"`
}

// Encode serializes r for storage under its result-cache key.
func (r *Result) Encode() ([]byte, error) {
	w := wireResult{
		InputAttrs:  r.InputAttrs,
		OutputAttrs: r.OutputAttrs,
		Score:       r.Score,
	}
	if len(r.OmitAttrs) > 0 {
		w.OmitAttrs = make([]string, 0, len(r.OmitAttrs))
		for k := range r.OmitAttrs {
			w.OmitAttrs = append(w.OmitAttrs, k)
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("resultcache: encode: %w", err)
	}
	return data, nil
}

// Decode parses a previously-encoded result-cache value.
func Decode(data []byte) (*Result, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("resultcache: decode: %w", err)
	}
	r := &Result{
		InputAttrs:  w.InputAttrs,
		OutputAttrs: w.OutputAttrs,
		OmitAttrs:   make(map[string]struct{}, len(w.OmitAttrs)),
		Score:       w.Score,
	}
	if r.InputAttrs == nil {
		r.InputAttrs = make(map[string]*string)
	}
	if r.OutputAttrs == nil {
		r.OutputAttrs = make(map[string]string)
	}
	for _, k := range w.OmitAttrs {
		r.OmitAttrs[k] = struct{}{}
	}
	return r, nil
}

// Key returns the result-cache key for a runner with the given cache
// digest, evaluated on objectID.
func Key(cacheDigest, objectID string) string {
	return "result:" + fasthash.SumString(cacheDigest+" "+objectID)
}

// Runner is the minimal view of an object processor the resolver needs:
// its cache key/digest identity and its accept/drop threshold. Both
// objectproc.Fetcher and objectproc.FilterRunner satisfy this.
type Runner interface {
	// CacheKey returns the result-cache key to use for this runner for
	// the given object.
	CacheKey(objectID string) string
	// Threshold classifies result as accept (true) or drop (false).
	Threshold(result *Result) bool
	// CacheHit notifies the runner that a cached result was reused,
	// purely for statistics accounting.
	CacheHit(result *Result)
}

// Resolve is the cached-drop dependency resolver: given the full set
// of runners in stack order and the partial map of cached results for
// them, it decides whether the object can be dropped purely from cached
// state, and if so, which runners participated in that decision (so their
// statistics can be updated).
//
// objectID names the object purely for diagnostic logging.
func Resolve(objectID string, runners []Runner, cacheResults map[Runner]*Result) (drop bool, participants []Runner) {
	// output_attrs_index: attribute name -> runners whose cached result
	// wrote it.
	outputIndex := make(map[string][]Runner)
	for _, r := range runners {
		res, ok := cacheResults[r]
		if !ok {
			continue
		}
		for key := range res.OutputAttrs {
			outputIndex[key] = append(outputIndex[key], r)
		}
	}

	resolved := make(map[Runner][]Runner) // runner -> runner + transitive deps
	inProgress := make(map[Runner]bool)

	var resolve func(r Runner) []Runner
	resolve = func(r Runner) []Runner {
		if deps, ok := resolved[r]; ok {
			return deps
		}
		result, ok := cacheResults[r]
		if !ok {
			return nil
		}
		if inProgress[r] {
			log.Errorf("resultcache: circular dependency in cache for object %s", objectID)
			return nil
		}
		inProgress[r] = true
		defer delete(inProgress, r)

		// The returned dependency set is a union: a producer feeding two
		// of this runner's inputs, or reachable through two different
		// dependency paths, must appear exactly once so each participant's
		// cache-hit statistics fire once per resolved decision.
		deps := []Runner{r}
		seen := map[Runner]bool{r: true}
		for key, expectedSig := range result.InputAttrs {
			if expectedSig == nil {
				// The runner read and missed; re-execution is required
				// because the attribute may now exist.
				return nil
			}
			found := false
			for _, candidate := range outputIndex[key] {
				candidateResult := cacheResults[candidate]
				if candidateResult.OutputAttrs[key] != *expectedSig {
					log.Warnf("resultcache: result cache collision for filter producing %q", key)
					continue
				}
				if candidateDeps := resolve(candidate); candidateDeps != nil {
					for _, dep := range candidateDeps {
						if !seen[dep] {
							seen[dep] = true
							deps = append(deps, dep)
						}
					}
					found = true
					break
				}
			}
			if !found {
				return nil
			}
		}
		resolved[r] = deps
		return deps
	}

	for _, r := range runners {
		result, ok := cacheResults[r]
		if !ok {
			continue
		}
		if r.Threshold(result) {
			continue
		}
		deps := resolve(r)
		if deps == nil {
			continue
		}
		for _, participant := range deps {
			participant.CacheHit(cacheResults[participant])
		}
		return true, deps
	}
	return false, nil
}

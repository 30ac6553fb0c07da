// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package attrcache implements the attribute-cache namespace and the
// attribute-cache try-load used to avoid re-running a filter whose cached
// result's inputs are still valid.
package attrcache

import (
	"context"
	"fmt"

	"github.com/diamond-search/filterstack-engine/internal/object"
	"github.com/diamond-search/filterstack-engine/internal/resultcache"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// Store is the subset of cachestore.Store the attribute cache needs.
type Store interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
}

// Key returns the attribute-cache key for a signature.
func Key(signature string) string {
	return "attribute:" + signature
}

// TryLoad attempts to restore obj's state for runner purely from result's
// recorded inputs/outputs and the attribute cache, without re-executing
// the filter. Preconditions, in order:
//
//  1. every input attribute the filter read must still match (a null
//     input must still be absent; a non-null input must still carry the
//     same signature);
//  2. every output attribute's value must be present in the attribute
//     cache;
//
// On success, it writes every output value into obj, applies every
// omitted attribute (tolerating, but warning on, an already-absent key),
// and returns true. On any failure it returns false without mutating obj.
func TryLoad(ctx context.Context, store Store, obj *object.Object, result *resultcache.Result) (bool, error) {
	for key, expectedSig := range result.InputAttrs {
		has, err := obj.Has(key)
		if err != nil {
			return false, err
		}
		if expectedSig == nil {
			if has {
				// The previous execution missed this attribute, but it
				// exists now: re-execution is required.
				return false, nil
			}
			continue
		}
		if !has {
			return false, nil
		}
		sig, _, err := obj.Signature(key)
		if err != nil {
			return false, err
		}
		if sig != *expectedSig {
			return false, nil
		}
	}

	keys := make([]string, 0, len(result.OutputAttrs))
	cacheKeys := make([]string, 0, len(result.OutputAttrs))
	for key, sig := range result.OutputAttrs {
		keys = append(keys, key)
		cacheKeys = append(cacheKeys, Key(sig))
	}

	var values map[string][]byte
	if len(cacheKeys) > 0 {
		var err error
		values, err = store.MGet(ctx, cacheKeys)
		if err != nil {
			return false, fmt.Errorf("attrcache: mget: %w", err)
		}
	}

	for _, ck := range cacheKeys {
		if _, ok := values[ck]; !ok {
			// One or more output values was not cached; the filter must
			// be re-run.
			return false, nil
		}
	}

	for i, key := range keys {
		if err := obj.Set(key, values[cacheKeys[i]]); err != nil {
			return false, err
		}
	}
	for key := range result.OmitAttrs {
		if err := obj.Omit(key); err != nil {
			log.Warnf("attrcache: impossible omit attribute %q in cached result", key)
		}
	}
	return true, nil
}

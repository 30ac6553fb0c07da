// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package object implements the mutable, attribute-valued object that
// flows through a filter stack.
package object

import (
	"fmt"
	"sync"

	"github.com/diamond-search/filterstack-engine/pkg/fasthash"
)

// ErrInvalidated is returned by every Object method once the object has
// been invalidated at the end of its evaluation.
var ErrInvalidated = fmt.Errorf("object: accessed after invalidation")

// ErrAbsent is returned by Omit when the named attribute is not present.
var ErrAbsent = fmt.Errorf("object: attribute not present")

// Object is a mutable mapping from attribute name to attribute value, plus
// the set of attributes currently marked omitted from the client's default
// projection, and a validity flag. It is owned by exactly one stack-runner
// goroutine for its entire lifetime --
// the mutex here guards against accidental concurrent access bugs, not
// against legitimate concurrent use, which never happens.
type Object struct {
	mu    sync.Mutex
	id    string
	attrs map[string][]byte
	omit  map[string]struct{}
	valid bool
}

// New returns a fresh, valid Object identified by id with no attributes
// set.
func New(id string) *Object {
	return &Object{
		id:    id,
		attrs: make(map[string][]byte),
		omit:  make(map[string]struct{}),
		valid: true,
	}
}

// ID returns the object's opaque identifier, used to build result-cache
// keys. IDs remain readable after invalidation; they carry no
// attribute data.
func (o *Object) ID() string {
	return o.id
}

func (o *Object) checkValid() error {
	if !o.valid {
		return ErrInvalidated
	}
	return nil
}

// Get returns the attribute value for key and whether it was present.
func (o *Object) Get(key string) ([]byte, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return nil, false, err
	}
	v, ok := o.attrs[key]
	return v, ok, nil
}

// Has reports whether key is currently set on the object.
func (o *Object) Has(key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return false, err
	}
	_, ok := o.attrs[key]
	return ok, nil
}

// Set writes value under key, overwriting any previous value.
func (o *Object) Set(key string, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return err
	}
	o.attrs[key] = value
	return nil
}

// Omit marks key as suppressed from the client's default attribute
// projection. It fails with ErrAbsent if key is not currently present.
func (o *Object) Omit(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return err
	}
	if _, ok := o.attrs[key]; !ok {
		return ErrAbsent
	}
	o.omit[key] = struct{}{}
	return nil
}

// IsOmitted reports whether key has been marked omitted.
func (o *Object) IsOmitted(key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return false, err
	}
	_, ok := o.omit[key]
	return ok, nil
}

// Signature returns the fast 128-bit hash of the current value of key, or
// ("", false) if key is absent.
func (o *Object) Signature(key string) (string, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return "", false, err
	}
	v, ok := o.attrs[key]
	if !ok {
		return "", false, nil
	}
	return fasthash.Sum128(v), true, nil
}

// Keys returns a snapshot of the attribute names currently set.
func (o *Object) Keys() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkValid(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(o.attrs))
	for k := range o.attrs {
		keys = append(keys, k)
	}
	return keys, nil
}

// Invalidate marks the object as no longer accessible. Called exactly once,
// at the end of a stack-runner's evaluation of this object.
func (o *Object) Invalidate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.valid = false
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package objectloader implements objectproc.ObjectLoader, the data
// retrieval step that populates an object's attributes before any filter
// sees it. Concrete retrieval is delegated to a DataRetriever keyed by
// the URI scheme of the object ID, so per-backend stores plug in without
// the engine knowing about them.
package objectloader

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/diamond-search/filterstack-engine/internal/object"
)

// DataRetriever fetches the raw bytes and any retriever-supplied
// attributes for an object ID, for one URI scheme.
type DataRetriever interface {
	Fetch(ctx context.Context, id string) (data []byte, attrs map[string][]byte, err error)
}

// Loader dispatches object IDs to the DataRetriever registered for their
// URI scheme and populates the resulting attributes on the object,
// including the conventional "data" attribute holding the raw payload.
type Loader struct {
	retrievers map[string]DataRetriever
}

// New returns a Loader with no registered retrievers; register at least
// one scheme with Register before use.
func New() *Loader {
	return &Loader{retrievers: make(map[string]DataRetriever)}
}

// Register binds scheme (e.g. "file", "gigapan", "mirage") to retriever.
func (l *Loader) Register(scheme string, retriever DataRetriever) {
	l.retrievers[scheme] = retriever
}

// Load implements objectproc.ObjectLoader. It parses obj's ID as a URI,
// looks up the retriever for its scheme, and writes the fetched data plus
// attributes onto the object.
func (l *Loader) Load(ctx context.Context, obj *object.Object) error {
	id := obj.ID()
	u, err := url.Parse(id)
	if err != nil {
		return fmt.Errorf("objectloader: parse object id %q: %w", id, err)
	}
	scheme := strings.ToLower(u.Scheme)

	retriever, ok := l.retrievers[scheme]
	if !ok {
		return fmt.Errorf("objectloader: no retriever registered for scheme %q", scheme)
	}

	data, attrs, err := retriever.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("objectloader: fetch %s: %w", id, err)
	}

	if err := obj.Set("data", data); err != nil {
		return err
	}
	for k, v := range attrs {
		if err := obj.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

// FSRetriever reads objects from a local directory, the "file" scheme --
// the simplest retriever, useful for the demo and for tests.
type FSRetriever struct {
	Root   string
	ReadFn func(path string) ([]byte, error)
}

// Fetch reads id's path (stripped of its scheme) relative to Root.
func (r *FSRetriever) Fetch(ctx context.Context, id string) ([]byte, map[string][]byte, error) {
	u, err := url.Parse(id)
	if err != nil {
		return nil, nil, err
	}
	data, err := r.ReadFn(filepath.Join(r.Root, u.Opaque+u.Path))
	if err != nil {
		return nil, nil, err
	}
	return data, map[string][]byte{
		"_meta.objectID": []byte(id),
	}, nil
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blobcache implements the content-addressed byte store for
// filter code and blobs: keys are lowercased SHA-256 hex digests,
// values are arbitrary bytes (filter code or blob arguments). A pluggable
// Backend supplies durable storage; an in-process LRU fronts it so that
// repeated descriptor resolutions within one process don't re-read the
// backend for the same digest.
package blobcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/pkg/lrucache"
)

// hotTTL bounds how long a resolved blob stays in the in-process LRU.
// Content is immutable once written (it's addressed by its own hash), so
// this exists only to bound memory over a long-lived process, not for
// correctness.
const hotTTL = 10 * time.Minute

// Backend stores and retrieves content by its SHA-256 hex digest.
type Backend interface {
	// Get returns the bytes stored under digest, or an error if absent.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Has reports whether digest is present, without reading its content.
	Has(ctx context.Context, digest string) (bool, error)
	// Put stores data and returns its hex digest.
	Put(ctx context.Context, data []byte) (string, error)
}

// BlobCache is the engine-facing API: content retrieval plus materializing
// an executable file path for code blobs.
type BlobCache struct {
	backend Backend
	hot     *lrucache.Cache
	execDir string
}

// New wraps backend with an in-process LRU of maxMemoryBytes, materializing
// executable files for code resolution under execDir.
func New(backend Backend, maxMemoryBytes int, execDir string) *BlobCache {
	return &BlobCache{
		backend: backend,
		hot:     lrucache.New(maxMemoryBytes),
		execDir: execDir,
	}
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the bytes stored under digest (lowercased hex), going through
// the hot LRU before consulting the backend.
func (c *BlobCache) Get(ctx context.Context, digest string) ([]byte, error) {
	return c.hot.Get(digest, func() ([]byte, time.Duration, error) {
		data, err := c.backend.Get(ctx, digest)
		return data, hotTTL, err
	})
}

// Has reports whether digest is present in the backend.
func (c *BlobCache) Has(ctx context.Context, digest string) (bool, error) {
	return c.backend.Has(ctx, digest)
}

// Put stores data and returns its hex digest.
func (c *BlobCache) Put(ctx context.Context, data []byte) (string, error) {
	return c.backend.Put(ctx, data)
}

// ResolveCode resolves a filter's code: digest must already exist in the
// cache; returns a readable, executable file path and adopts digest as the
// code signature. Missing content is a dependency error.
func (c *BlobCache) ResolveCode(ctx context.Context, digest string) (path, signature string, err error) {
	ok, err := c.Has(ctx, digest)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", engineerr.NewDependencyError(fmt.Sprintf("code digest %s not in blob cache", digest))
	}
	data, err := c.Get(ctx, digest)
	if err != nil {
		return "", "", engineerr.NewDependencyError(fmt.Sprintf("code digest %s: %v", digest, err))
	}
	path = filepath.Join(c.execDir, digest)
	if _, err := os.Stat(path); err != nil {
		if err := os.WriteFile(path, data, 0o755); err != nil {
			return "", "", fmt.Errorf("blobcache: materialize code %s: %w", digest, err)
		}
	}
	return path, digest, nil
}

// ResolveBlob resolves a filter's blob argument: same existence rule as
// code, but returns bytes rather than a path.
func (c *BlobCache) ResolveBlob(ctx context.Context, digest string) (data []byte, signature string, err error) {
	ok, err := c.Has(ctx, digest)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", engineerr.NewDependencyError(fmt.Sprintf("blob digest %s not in blob cache", digest))
	}
	data, err = c.Get(ctx, digest)
	if err != nil {
		return nil, "", engineerr.NewDependencyError(fmt.Sprintf("blob digest %s: %v", digest, err))
	}
	return data, digest, nil
}

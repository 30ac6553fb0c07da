// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package blobcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FSBackend stores blobs as flat files named by their hex digest under a
// root directory.
type FSBackend struct {
	root string
}

// NewFSBackend returns a Backend rooted at dir. The directory must already
// exist.
func NewFSBackend(dir string) *FSBackend {
	return &FSBackend{root: dir}
}

func (b *FSBackend) path(digest string) string {
	return filepath.Join(b.root, digest)
}

func (b *FSBackend) Get(ctx context.Context, digest string) ([]byte, error) {
	data, err := os.ReadFile(b.path(digest))
	if err != nil {
		return nil, fmt.Errorf("blobcache/fs: read %s: %w", digest, err)
	}
	return data, nil
}

func (b *FSBackend) Has(ctx context.Context, digest string) (bool, error) {
	_, err := os.Stat(b.path(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (b *FSBackend) Put(ctx context.Context, data []byte) (string, error) {
	digest := digestOf(data)
	if ok, err := b.Has(ctx, digest); err != nil {
		return "", err
	} else if ok {
		return digest, nil
	}
	if err := os.WriteFile(b.path(digest), data, 0o644); err != nil {
		return "", fmt.Errorf("blobcache/fs: write %s: %w", digest, err)
	}
	return digest, nil
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cachestore wraps the external key/value service backing the
// result cache and attribute cache. Both
// namespaces share one client, distinguished by the "result:"/"attribute:"
// key prefixes their owning packages apply before calling here.
package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config carries the cache-store connection parameters: host, port,
// database index, and optional password.
type Config struct {
	Host     string
	Port     int
	Database int
	Password string
}

// Store is a key/value service offering ping, multi-get and multi-set with
// byte-string keys and values.
type Store struct {
	client *redis.Client
}

// New constructs a Store against cfg. The connection is established lazily
// by the underlying client; call Ping to verify reachability.
func New(cfg Config) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			DB:       cfg.Database,
			Password: cfg.Password,
		}),
	}
}

// Ping verifies the cache store is reachable. A connection failure here is
// fatal for search start.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cachestore: ping: %w", err)
	}
	return nil
}

// MGet fetches keys and returns a map containing only the keys that were
// present -- callers distinguish "absent" from "present with empty value"
// by map membership, matching the result cache's "may be partial"
// contract.
func (s *Store) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cachestore: mget: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			out[keys[i]] = []byte(t)
		case []byte:
			out[keys[i]] = t
		default:
			return nil, fmt.Errorf("cachestore: mget: unexpected value type %T for key %q", v, keys[i])
		}
	}
	return out, nil
}

// MSet writes every key/value pair in one round trip. Cache writes are
// advisory: callers log-and-swallow errors rather than
// failing the search.
func (s *Store) MSet(ctx context.Context, kv map[string][]byte) error {
	if len(kv) == 0 {
		return nil
	}
	pairs := make([]interface{}, 0, len(kv)*2)
	for k, v := range kv {
		pairs = append(pairs, k, v)
	}
	if err := s.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("cachestore: mset: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// defaultDialTimeout bounds each PingWithTimeout call so a dead cache
// store fails fast rather than hanging the caller.
const defaultDialTimeout = 3 * time.Second

// PingWithTimeout is a convenience wrapper applying defaultDialTimeout,
// used by the task manager's periodic cache-store healthcheck.
func (s *Store) PingWithTimeout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	return s.Ping(ctx)
}

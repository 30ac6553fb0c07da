// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scopelist implements the concurrent-safe object source each
// stack-runner thread pulls from. Every object ID is delivered to
// exactly one thread.
package scopelist

import (
	"context"
	"sync"

	"github.com/diamond-search/filterstack-engine/internal/object"
)

// ChannelScopeList hands out a fresh object per channel receive, so
// multiple StackRunner goroutines calling Next concurrently never observe
// the same ID twice.
type ChannelScopeList struct {
	ids <-chan string
}

// NewChannel wraps ids, an already-populated or streaming channel of
// object identifiers, as a stackrunner.ScopeList.
func NewChannel(ids <-chan string) *ChannelScopeList {
	return &ChannelScopeList{ids: ids}
}

// Next blocks until an ID is available, the channel is closed (ok=false),
// or ctx is cancelled.
func (l *ChannelScopeList) Next(ctx context.Context) (*object.Object, bool, error) {
	select {
	case id, ok := <-l.ids:
		if !ok {
			return nil, false, nil
		}
		return object.New(id), true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// StaticScopeList serves a fixed, pre-enumerated list of object IDs, used
// in tests and for scopes small enough to materialize up front.
type StaticScopeList struct {
	mu   sync.Mutex
	ids  []string
	next int
}

// NewStatic returns a ScopeList over ids, served in order.
func NewStatic(ids []string) *StaticScopeList {
	return &StaticScopeList{ids: ids}
}

func (l *StaticScopeList) Next(ctx context.Context) (*object.Object, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next >= len(l.ids) {
		return nil, false, nil
	}
	id := l.ids[l.next]
	l.next++
	return object.New(id), true, nil
}

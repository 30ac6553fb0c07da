// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package blastchan implements the blast channel an accepted object is
// sent down for delivery to the search client. Two implementations are
// provided: an in-memory one for tests and a single-process demo, and one
// that publishes over NATS for a networked client.
package blastchan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/diamond-search/filterstack-engine/internal/object"
)

// Result is the wire shape published for each accepted object: its ID plus
// every non-omitted attribute.
type Result struct {
	ObjectID   string            `json:"object_id"`
	Attributes map[string][]byte `json:"attributes"`
}

// snapshot builds a Result from obj, skipping attributes the filter stack
// marked omitted.
func snapshot(obj *object.Object) (Result, error) {
	keys, err := obj.Keys()
	if err != nil {
		return Result{}, err
	}
	attrs := make(map[string][]byte, len(keys))
	for _, k := range keys {
		omitted, err := obj.IsOmitted(k)
		if err != nil {
			return Result{}, err
		}
		if omitted {
			continue
		}
		v, ok, err := obj.Get(k)
		if err != nil {
			return Result{}, err
		}
		if ok {
			attrs[k] = v
		}
	}
	return Result{ObjectID: obj.ID(), Attributes: attrs}, nil
}

// MemoryChannel delivers accepted objects to an in-process Go channel,
// used for tests and the single-process demo binary. Close is
// concurrency-safe against multiple StackRunner goroutines racing to
// release the shared cleanup.Reference.
type MemoryChannel struct {
	out    chan Result
	mu     sync.Mutex
	closed bool
}

// NewMemory returns a MemoryChannel with the given delivery buffer depth.
// Results are available for receipt on Results().
func NewMemory(buffer int) *MemoryChannel {
	return &MemoryChannel{out: make(chan Result, buffer)}
}

// Results returns the channel accepted objects are delivered on. It is
// closed once Close has been called.
func (c *MemoryChannel) Results() <-chan Result { return c.out }

func (c *MemoryChannel) Send(ctx context.Context, obj *object.Object) error {
	result, err := snapshot(obj)
	if err != nil {
		return err
	}
	select {
	case c.out <- result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.out)
	return nil
}

// NatsChannel publishes each accepted object as one JSON message on a
// subject, for delivery to a remote search client.
type NatsChannel struct {
	conn    *nats.Conn
	subject string
	mu      sync.Mutex
	closed  bool
}

// NewNats returns a BlastChannel publishing Results on subject over conn.
func NewNats(conn *nats.Conn, subject string) *NatsChannel {
	return &NatsChannel{conn: conn, subject: subject}
}

func (c *NatsChannel) Send(ctx context.Context, obj *object.Object) error {
	result, err := snapshot(obj)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("blastchan: marshal result for %s: %w", obj.ID(), err)
	}
	if err := c.conn.Publish(c.subject, payload); err != nil {
		return fmt.Errorf("blastchan: publish %s: %w", obj.ID(), err)
	}
	return nil
}

// Close publishes an empty terminal message marking the end of results,
// then flushes. Safe to call from multiple goroutines; only the first
// call takes effect.
func (c *NatsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.conn.Publish(c.subject+".done", nil); err != nil {
		return fmt.Errorf("blastchan: publish completion: %w", err)
	}
	return c.conn.Flush()
}

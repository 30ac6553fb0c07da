// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sessionctx implements the shared, thread-safe per-search state
// a filter runner consults: session variables (atomic read and atomic
// batch update) and resource provisioning, brokered over NATS
// request/reply when a broker is configured, falling back to a local stub
// allocator so the stack runs standalone.
package sessionctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// ensureRequest is the JSON payload sent to the resource broker subject.
type ensureRequest struct {
	Type      string   `json:"type"`
	Arguments []string `json:"arguments"`
}

const defaultEnsureTimeout = 5 * time.Second

// SessionContext holds the session-variable map and resource allocator for
// one search. All methods are safe for concurrent use by multiple worker
// threads.
type SessionContext struct {
	mu      sync.RWMutex
	vars    map[string]float64
	conn    *nats.Conn
	subject string
}

// New returns a SessionContext. conn may be nil, in which case
// EnsureResource falls back to a local stub allocator.
func New(conn *nats.Conn, resourceSubject string) *SessionContext {
	return &SessionContext{
		vars:    make(map[string]float64),
		conn:    conn,
		subject: resourceSubject,
	}
}

// GetVariables returns the current values for keys, in the requested
// order. A key never previously set reads as 0.0.
func (s *SessionContext) GetVariables(keys []string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = s.vars[k]
	}
	return out
}

// UpdateVariables atomically writes values for keys. Both slices must be
// the same length; the entire update is applied under one lock so no
// concurrent reader observes a torn state.
func (s *SessionContext) UpdateVariables(keys []string, values []float64) error {
	if len(keys) != len(values) {
		return fmt.Errorf("sessionctx: keys/values length mismatch (%d vs %d)", len(keys), len(values))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		s.vars[k] = values[i]
	}
	return nil
}

// EnsureResource asks the resource broker to provision a resource of rtype
// (e.g. "docker") with the given arguments, returning the attributes of
// the provisioned resource (e.g. {"IPAddress": "..."}). rtype and args
// flow through unmodified; scope ("session") is a wire-protocol-only
// concept the filter runner checks before ever calling this method.
func (s *SessionContext) EnsureResource(ctx context.Context, rtype string, args ...string) (map[string]string, error) {
	if s.conn == nil {
		return s.localEnsure(rtype, args)
	}

	payload, err := json.Marshal(ensureRequest{Type: rtype, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("sessionctx: encode ensure-resource request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultEnsureTimeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(reqCtx, s.subject, payload)
	if err != nil {
		return nil, fmt.Errorf("sessionctx: ensure-resource request on %q: %w", s.subject, err)
	}

	var result map[string]string
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("sessionctx: decode ensure-resource response: %w", err)
	}
	return result, nil
}

// localEnsure is the standalone fallback: it provisions nothing real and
// simply reports the loopback address, trusting the docker manifest's own
// port. It exists so the engine runs end to end without
// an external resource broker, e.g. in tests and the demo binary.
func (s *SessionContext) localEnsure(rtype string, args []string) (map[string]string, error) {
	log.Debugf("sessionctx: no resource broker configured, using local stub for %s %v", rtype, args)
	return map[string]string{"IPAddress": "127.0.0.1"}, nil
}

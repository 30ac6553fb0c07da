// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filterstack implements the static, dependency-ordered list of
// filter descriptors and the factory that produces stack runners.
package filterstack

import (
	"context"
	"fmt"

	"github.com/diamond-search/filterstack-engine/internal/blobcache"
	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/enginestats"
	"github.com/diamond-search/filterstack-engine/internal/filterdescriptor"
	"github.com/diamond-search/filterstack-engine/internal/objectproc"
	"github.com/diamond-search/filterstack-engine/internal/sessionctx"
	"github.com/diamond-search/filterstack-engine/internal/stackrunner"
)

// FilterStack is the name-indexed set of descriptors plus their resolved
// execution order. Construction fails if any declared
// dependency is missing or cyclic.
type FilterStack struct {
	byName map[string]*filterdescriptor.Descriptor
	order  []*filterdescriptor.Descriptor
}

// New builds a FilterStack from descriptors, producing the execution
// order by DFS from each descriptor in turn. Descriptors must
// already be resolved (filterdescriptor.Descriptor.Resolve) before
// binding, but dependency ordering itself does not require resolution.
// Duplicate names are resolved last-write-wins in the index; each
// distinct descriptor object is still ordered exactly once.
func New(descriptors []*filterdescriptor.Descriptor) (*FilterStack, error) {
	byName := make(map[string]*filterdescriptor.Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}

	var order []*filterdescriptor.Descriptor
	resolved := make(map[*filterdescriptor.Descriptor]bool)
	inProgress := make(map[*filterdescriptor.Descriptor]bool)

	var visit func(d *filterdescriptor.Descriptor) error
	visit = func(d *filterdescriptor.Descriptor) error {
		if resolved[d] {
			return nil
		}
		if inProgress[d] {
			return engineerr.NewDependencyError(fmt.Sprintf("circular dependency involving %s", d.Name))
		}
		inProgress[d] = true
		for _, depName := range d.Dependencies {
			dep, ok := byName[depName]
			if !ok {
				return engineerr.NewDependencyError(fmt.Sprintf("no such filter: %s", depName))
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(inProgress, d)
		order = append(order, d)
		resolved[d] = true
		return nil
	}

	for _, d := range descriptors {
		if err := visit(d); err != nil {
			return nil, err
		}
	}

	return &FilterStack{byName: byName, order: order}, nil
}

// Len returns the number of filters in the stack.
func (fs *FilterStack) Len() int { return len(fs.order) }

// Order returns the resolved execution order.
func (fs *FilterStack) Order() []*filterdescriptor.Descriptor { return fs.order }

// ResolveAll resolves every descriptor in the stack, in
// execution order, so dependency errors surface before any object is
// evaluated.
func (fs *FilterStack) ResolveAll(ctx context.Context, blobs *blobcache.BlobCache, sess *sessionctx.SessionContext, workDir string) error {
	for _, d := range fs.order {
		if err := d.Resolve(ctx, blobs, sess, workDir); err != nil {
			return fmt.Errorf("filterstack: resolve %s: %w", d.Name, err)
		}
	}
	return nil
}

// Bind returns a StackRunner whose ordered processor chain is the fetcher
// followed by one filter runner per descriptor in resolved order.
func Bind(
	fs *FilterStack,
	name string,
	loader objectproc.ObjectLoader,
	sess *sessionctx.SessionContext,
	store stackrunner.CacheStore,
	scope stackrunner.ScopeList,
	blast stackrunner.BlastChannel,
	stats *enginestats.Stats,
	audit stackrunner.AuditLogger,
	cleanup *stackrunner.Reference,
	shutdown stackrunner.ShutdownFunc,
) *stackrunner.StackRunner {
	processors := make([]objectproc.Processor, 0, fs.Len()+1)
	processors = append(processors, objectproc.NewFetcher(loader, stats.Scoped("fetcher")))
	for _, d := range fs.order {
		processors = append(processors, objectproc.NewFilterRunner(d, sess, stats.Scoped(d.Name)))
	}
	return stackrunner.New(name, processors, store, scope, blast, stats, audit, cleanup, shutdown)
}

// StartThreads constructs count StackRunners sharing one cleanup
// reference whose destruction -- when the last runner exits -- closes the
// blast channel, and launches
// each in its own goroutine.
func StartThreads(
	ctx context.Context,
	fs *FilterStack,
	count int,
	loader objectproc.ObjectLoader,
	sess *sessionctx.SessionContext,
	store stackrunner.CacheStore,
	scope stackrunner.ScopeList,
	blast stackrunner.BlastChannel,
	stats *enginestats.Stats,
	audit stackrunner.AuditLogger,
	shutdown stackrunner.ShutdownFunc,
) []*stackrunner.StackRunner {
	cleanup := stackrunner.NewReference(count, func() {
		if err := blast.Close(); err != nil {
			_ = err // best-effort: the channel may already be closed by the client.
		}
	})

	runners := make([]*stackrunner.StackRunner, count)
	for i := 0; i < count; i++ {
		runner := Bind(fs, fmt.Sprintf("Filter-%d", i), loader, sess, store, scope, blast, stats, audit, cleanup, shutdown)
		runners[i] = runner
		go runner.Run(ctx)
	}
	return runners
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package filterstack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/filterdescriptor"
)

func desc(name string, deps ...string) *filterdescriptor.Descriptor {
	return &filterdescriptor.Descriptor{
		Config: filterdescriptor.Config{Name: name, Dependencies: deps},
	}
}

func names(ds []*filterdescriptor.Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestOrderRespectsDependencies(t *testing.T) {
	// c depends on b depends on a; declared in reverse.
	fs, err := New([]*filterdescriptor.Descriptor{
		desc("c", "b"),
		desc("b", "a"),
		desc("a"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(fs.Order()))
}

func TestDiamondDependencyOrderedOnce(t *testing.T) {
	fs, err := New([]*filterdescriptor.Descriptor{
		desc("d", "b", "c"),
		desc("b", "a"),
		desc("c", "a"),
		desc("a"),
	})
	require.NoError(t, err)

	order := names(fs.Order())
	assert.Len(t, order, 4)
	pos := make(map[string]int)
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["a"], pos["c"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestCycleIsDependencyError(t *testing.T) {
	_, err := New([]*filterdescriptor.Descriptor{
		desc("a", "b"),
		desc("b", "a"),
	})
	require.Error(t, err)
	assert.True(t, engineerr.IsDependency(err))
}

func TestSelfCycleIsDependencyError(t *testing.T) {
	_, err := New([]*filterdescriptor.Descriptor{desc("a", "a")})
	require.Error(t, err)
	assert.True(t, engineerr.IsDependency(err))
}

func TestUnknownDependencyIsDependencyError(t *testing.T) {
	_, err := New([]*filterdescriptor.Descriptor{desc("a", "ghost")})
	require.Error(t, err)
	assert.True(t, engineerr.IsDependency(err))
}

func TestDuplicateNamesLastWriteWins(t *testing.T) {
	first := desc("dup")
	second := desc("dup")
	other := desc("other", "dup")

	fs, err := New([]*filterdescriptor.Descriptor{first, second, other})
	require.NoError(t, err)

	// Both descriptor objects are ordered exactly once, but the index
	// resolves "dup" to the last one declared.
	assert.Len(t, fs.Order(), 3)
	assert.Same(t, second, fs.byName["dup"])
}

func TestEmptyStack(t *testing.T) {
	fs, err := New(nil)
	require.NoError(t, err)
	assert.Zero(t, fs.Len())
}

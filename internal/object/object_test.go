// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package object

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamond-search/filterstack-engine/pkg/fasthash"
)

func TestGetSetHas(t *testing.T) {
	obj := New("obj-1")

	_, ok, err := obj.Get("x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, obj.Set("x", []byte("hello")))

	v, ok, err := obj.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	has, err := obj.Has("x")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSignatureMatchesFasthash(t *testing.T) {
	obj := New("obj-1")
	require.NoError(t, obj.Set("x", []byte("hello")))

	sig, ok, err := obj.Signature("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fasthash.Sum128([]byte("hello")), sig)

	_, ok, err = obj.Signature("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignatureTracksOverwrite(t *testing.T) {
	obj := New("obj-1")
	require.NoError(t, obj.Set("x", []byte("one")))
	sig1, _, err := obj.Signature("x")
	require.NoError(t, err)

	require.NoError(t, obj.Set("x", []byte("two")))
	sig2, _, err := obj.Signature("x")
	require.NoError(t, err)

	assert.NotEqual(t, sig1, sig2)
}

func TestOmitRequiresPresence(t *testing.T) {
	obj := New("obj-1")
	assert.ErrorIs(t, obj.Omit("x"), ErrAbsent)

	require.NoError(t, obj.Set("x", []byte("v")))
	require.NoError(t, obj.Omit("x"))

	omitted, err := obj.IsOmitted("x")
	require.NoError(t, err)
	assert.True(t, omitted)

	omitted, err = obj.IsOmitted("y")
	require.NoError(t, err)
	assert.False(t, omitted)
}

func TestInvalidateBlocksAllAccess(t *testing.T) {
	obj := New("obj-1")
	require.NoError(t, obj.Set("x", []byte("v")))
	obj.Invalidate()

	_, _, err := obj.Get("x")
	assert.ErrorIs(t, err, ErrInvalidated)
	assert.ErrorIs(t, obj.Set("y", nil), ErrInvalidated)
	_, err = obj.Has("x")
	assert.ErrorIs(t, err, ErrInvalidated)
	assert.ErrorIs(t, obj.Omit("x"), ErrInvalidated)
	_, _, err = obj.Signature("x")
	assert.ErrorIs(t, err, ErrInvalidated)
	_, err = obj.Keys()
	assert.ErrorIs(t, err, ErrInvalidated)

	// The opaque ID stays readable; it carries no attribute data.
	assert.Equal(t, "obj-1", obj.ID())
}

func TestKeysSnapshot(t *testing.T) {
	obj := New("obj-1")
	require.NoError(t, obj.Set("a", nil))
	require.NoError(t, obj.Set("b", nil))

	keys, err := obj.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

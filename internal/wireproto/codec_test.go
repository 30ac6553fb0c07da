// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wireproto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	require.NoError(t, w.WriteItem([]byte("hello")))
	require.NoError(t, w.WriteItem([]byte("")))
	require.NoError(t, w.WriteItem([]byte("with\nnewline")))

	data, ok, err := r.ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)

	data, ok, err = r.ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, data)

	data, ok, err = r.ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("with\nnewline"), data)
}

func TestNullItemIsBlankLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteNullItem())
	assert.Equal(t, "\n", buf.String())

	r := NewReader(&buf)
	data, ok, err := r.ReadItem()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}

func TestItemFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteItem([]byte("abc")))
	assert.Equal(t, "3\nabc\n", buf.String())
}

func TestArrayRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	require.NoError(t, w.WriteStringArray([]string{"one", "two", "three"}))
	out, err := r.ReadStringArray()
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, out)
}

func TestEmptyArrayIsSingleNullItem(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteArray(nil))
	assert.Equal(t, "\n", buf.String())

	r := NewReader(&buf)
	out, err := r.ReadArray()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDictRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	require.NoError(t, w.WriteDictMap(map[string]string{"a": "1", "b": "2"}))
	dict, err := r.ReadDict()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, dict)
}

func TestDictLengthMismatchRejected(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteStringArray([]string{"a", "b"}))
	require.NoError(t, w.WriteStringArray([]string{"1"}))

	_, err := NewReader(&buf).ReadDict()
	assert.Error(t, err)

	assert.Error(t, w.WriteDict([]string{"a"}, []string{"1", "2"}))
}

func TestBoolRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteBool(false))

	v, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, v)
	v, err = r.ReadBool()
	require.NoError(t, err)
	assert.False(t, v)
}

func TestReadBoolRejectsGarbage(t *testing.T) {
	r := NewReader(strings.NewReader("5\nmaybe\n"))
	_, err := r.ReadBool()
	assert.Error(t, err)
}

func TestTagRoundTrip(t *testing.T) {
	r := NewReader(strings.NewReader("get-attribute\nresult\n"))
	tag, err := r.ReadTag()
	require.NoError(t, err)
	assert.Equal(t, "get-attribute", tag)
	tag, err = r.ReadTag()
	require.NoError(t, err)
	assert.Equal(t, "result", tag)
}

func TestTagAtEOF(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	_, err := r.ReadTag()
	assert.ErrorIs(t, err, ErrEOF)
}

func TestShortReadIsFatal(t *testing.T) {
	// Item declares 10 bytes but the stream ends after 3.
	r := NewReader(strings.NewReader("10\nabc"))
	_, _, err := r.ReadItem()
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestNegativeAndMalformedLengthRejected(t *testing.T) {
	_, _, err := NewReader(strings.NewReader("-4\n")).ReadItem()
	assert.Error(t, err)

	_, _, err = NewReader(strings.NewReader("abc\n")).ReadItem()
	assert.Error(t, err)
}

func TestWriteStartFraming(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteStart(ProtocolVersion, "f1", []string{"x", "y"}, []byte("blob")))

	r := NewReader(&buf)
	version, ok, err := r.ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(version))

	name, ok, err := r.ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f1", string(name))

	args, err := r.ReadStringArray()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, args)

	blob, ok, err := r.ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blob"), blob)
}

func TestBinaryBlobRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteItem(payload))
	data, ok, err := NewReader(&buf).ReadItem()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, data)
}

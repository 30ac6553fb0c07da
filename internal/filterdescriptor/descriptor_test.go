// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package filterdescriptor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamond-search/filterstack-engine/internal/blobcache"
	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/sessionctx"
	"github.com/diamond-search/filterstack-engine/pkg/fasthash"
)

func newTestBlobCache(t *testing.T) *blobcache.BlobCache {
	t.Helper()
	dir := t.TempDir()
	return blobcache.New(blobcache.NewFSBackend(dir), 1<<20, t.TempDir())
}

func put(t *testing.T, blobs *blobcache.BlobCache, data []byte) string {
	t.Helper()
	digest, err := blobs.Put(context.Background(), data)
	require.NoError(t, err)
	return digest
}

func TestResolveDefaultMode(t *testing.T) {
	blobs := newTestBlobCache(t)
	codeDigest := put(t, blobs, []byte("#!/bin/sh\nexit 0\n"))
	blobDigest := put(t, blobs, []byte("blob-bytes"))

	d := &Descriptor{Config: Config{
		Name:       "f1",
		CodeSource: "sha256:" + codeDigest,
		BlobSource: "sha256:" + blobDigest,
		Arguments:  []string{"a", "b"},
		MinScore:   0,
		MaxScore:   1,
	}}

	sess := sessionctx.New(nil, "")
	require.NoError(t, d.Resolve(context.Background(), blobs, sess, t.TempDir()))

	assert.Equal(t, codeDigest, d.CodeSignature)
	assert.Equal(t, blobDigest, d.BlobSignature)
	assert.Equal(t, []byte("blob-bytes"), d.Blob)
	assert.Equal(t, ModeDefault, d.Mode)
	assert.FileExists(t, d.CodePath)

	wantDigest := fasthash.SumString(fasthash.JoinSpace(codeDigest, "f1", "a", "b", blobDigest))
	assert.Equal(t, wantDigest, d.CacheDigest)

	w, err := d.Connect(context.Background())
	if err == nil {
		_ = w.Close()
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	blobs := newTestBlobCache(t)
	codeDigest := put(t, blobs, []byte("#!/bin/sh\n"))
	blobDigest := put(t, blobs, []byte("b"))

	d := &Descriptor{Config: Config{
		Name:       "f1",
		CodeSource: "sha256:" + codeDigest,
		BlobSource: "sha256:" + blobDigest,
	}}
	sess := sessionctx.New(nil, "")

	require.NoError(t, d.Resolve(context.Background(), blobs, sess, t.TempDir()))
	firstDigest := d.CacheDigest
	firstPath := d.CodePath

	require.NoError(t, d.Resolve(context.Background(), blobs, sess, t.TempDir()))
	assert.Equal(t, firstDigest, d.CacheDigest)
	assert.Equal(t, firstPath, d.CodePath)
}

func TestResolveUppercaseDigestIsLowercased(t *testing.T) {
	blobs := newTestBlobCache(t)
	codeDigest := put(t, blobs, []byte("#!/bin/sh\n"))
	blobDigest := put(t, blobs, []byte("b"))

	d := &Descriptor{Config: Config{
		Name:       "f1",
		CodeSource: "sha256:" + strings.ToUpper(codeDigest),
		BlobSource: "sha256:" + blobDigest,
	}}
	require.NoError(t, d.Resolve(context.Background(), blobs, sessionctx.New(nil, ""), t.TempDir()))
	assert.Equal(t, codeDigest, d.CodeSignature)
}

func TestUnsupportedSchemeRejected(t *testing.T) {
	blobs := newTestBlobCache(t)
	d := &Descriptor{Config: Config{
		Name:       "f1",
		CodeSource: "http://example.com/code",
		BlobSource: "sha256:" + put(t, blobs, []byte("b")),
	}}
	err := d.Resolve(context.Background(), blobs, sessionctx.New(nil, ""), t.TempDir())
	require.Error(t, err)
	var use *engineerr.UnsupportedSourceError
	assert.ErrorAs(t, err, &use)
}

func TestMissingCodeIsDependencyError(t *testing.T) {
	blobs := newTestBlobCache(t)
	d := &Descriptor{Config: Config{
		Name:       "f1",
		CodeSource: "sha256:" + strings.Repeat("ab", 32),
		BlobSource: "sha256:" + put(t, blobs, []byte("b")),
	}}
	err := d.Resolve(context.Background(), blobs, sessionctx.New(nil, ""), t.TempDir())
	require.Error(t, err)
	assert.True(t, engineerr.IsDependency(err))
}

func TestDetectModeMarkerWithinFirst100Bytes(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\necho hi\n"), 0o755))
	mode, err := detectMode(plain)
	require.NoError(t, err)
	assert.Equal(t, ModeDefault, mode)

	docker := filepath.Join(dir, "docker")
	require.NoError(t, os.WriteFile(docker, []byte("# diamond-docker-manifest\ndocker_image: img\n"), 0o644))
	mode, err = detectMode(docker)
	require.NoError(t, err)
	assert.Equal(t, ModeDocker, mode)

	// Marker beyond the first 100 bytes is not scanned.
	late := filepath.Join(dir, "late")
	pad := make([]byte, 120)
	for i := range pad {
		pad[i] = '#'
	}
	require.NoError(t, os.WriteFile(late, append(pad, []byte("diamond-docker-")...), 0o644))
	mode, err = detectMode(late)
	require.NoError(t, err)
	assert.Equal(t, ModeDefault, mode)
}

func TestParseDockerManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")
	require.NoError(t, os.WriteFile(path, []byte(
		"# diamond-docker-manifest\ndocker_image: example/filter\nfilter_command: /usr/bin/run-filter\n",
	), 0o644))

	m, err := parseDockerManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "example/filter", m.DockerImage)
	assert.Equal(t, defaultDockerPort, m.DockerPort)
	assert.Equal(t, `socat TCP4-LISTEN:5555,fork,nodelay EXEC:"/usr/bin/run-filter --filter"`, m.DockerCommand)
}

func TestParseDockerManifestExplicitCommandAndPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest")
	require.NoError(t, os.WriteFile(path, []byte(
		"# diamond-docker-manifest\ndocker_image: example/filter\ndocker_command: run --listen\ndocker_port: 7777\n",
	), 0o644))

	m, err := parseDockerManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "run --listen", m.DockerCommand)
	assert.Equal(t, 7777, m.DockerPort)
}

func TestParseDockerManifestRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()

	noImage := filepath.Join(dir, "no-image")
	require.NoError(t, os.WriteFile(noImage, []byte("filter_command: /bin/f\n"), 0o644))
	_, err := parseDockerManifest(noImage)
	assert.Error(t, err)

	noCommand := filepath.Join(dir, "no-command")
	require.NoError(t, os.WriteFile(noCommand, []byte("docker_image: img\n"), 0o644))
	_, err = parseDockerManifest(noCommand)
	assert.Error(t, err)
}

func TestConnectBeforeResolveFails(t *testing.T) {
	d := &Descriptor{Config: Config{Name: "f1"}}
	_, err := d.Connect(context.Background())
	assert.Error(t, err)
}

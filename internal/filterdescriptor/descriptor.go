// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filterdescriptor resolves a filter's static configuration: its
// code and blob sources are fetched from the blob cache, a
// stable cache digest is computed, its execution mode is detected, and a
// connector capable of producing a fresh filter worker is bound.
package filterdescriptor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/diamond-search/filterstack-engine/internal/blobcache"
	"github.com/diamond-search/filterstack-engine/internal/engineerr"
	"github.com/diamond-search/filterstack-engine/internal/filterworker"
	"github.com/diamond-search/filterstack-engine/internal/sessionctx"
	"github.com/diamond-search/filterstack-engine/pkg/fasthash"
	"github.com/diamond-search/filterstack-engine/pkg/log"
)

// Mode is a filter's detected execution mode.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeDocker  Mode = "docker"
)

// dockerMarkerScanBytes is how many leading bytes of a code file are
// scanned for the docker-mode marker.
const dockerMarkerScanBytes = 100

const dockerMarker = "diamond-docker-"

// defaultDockerPort is used when a docker manifest omits docker_port.
const defaultDockerPort = 5555

// defaultDockerCommandTemplate is the literal default command shape a
// docker manifest falls back to when it omits docker_command: it execs
// filter_command behind a socat listener on port 5555.
const defaultDockerCommandTemplate = `socat TCP4-LISTEN:5555,fork,nodelay EXEC:"%s --filter"`

// Config is a filter's configuration prior to resolution.
type Config struct {
	Name         string
	CodeSource   string
	BlobSource   string
	Arguments    []string
	Dependencies []string
	MinScore     float64
	MaxScore     float64
}

// dockerManifest is the YAML mapping a docker-mode code file is parsed
// as.
type dockerManifest struct {
	DockerImage   string `yaml:"docker_image"`
	DockerCommand string `yaml:"docker_command"`
	DockerPort    int    `yaml:"docker_port"`
	FilterCommand string `yaml:"filter_command"`
}

// Descriptor is a Config after resolution: code/blob fetched, digest
// computed, mode detected, connector bound. Resolve is
// idempotent and every derived field is either all set or all unset.
type Descriptor struct {
	Config

	CodePath      string
	CodeSignature string
	Blob          []byte
	BlobSignature string
	CacheDigest   string
	Mode          Mode

	resolved bool
	connect  func(ctx context.Context) (filterworker.Worker, error)
}

// NewResolved builds an already-resolved Descriptor around an explicit
// connector, bypassing code/blob fetch and mode detection. Used by tests
// for packages that bind against a Descriptor without exercising blob
// cache I/O.
func NewResolved(cfg Config, cacheDigest string, connect func(ctx context.Context) (filterworker.Worker, error)) *Descriptor {
	return &Descriptor{
		Config:      cfg,
		CacheDigest: cacheDigest,
		resolved:    true,
		connect:     connect,
	}
}

func splitScheme(uri string) (scheme, path string, err error) {
	scheme, path, ok := strings.Cut(uri, ":")
	if !ok {
		return "", "", fmt.Errorf("filterdescriptor: malformed source URI %q", uri)
	}
	return scheme, path, nil
}

// Resolve performs every resolution step in order: code, blob, digest,
// mode detection, connector binding. workDir is the
// working directory a subprocess worker will be spawned in; sess is used
// only to bind the docker connector's ensure_resource call, not invoked
// during resolution itself.
func (d *Descriptor) Resolve(ctx context.Context, blobs *blobcache.BlobCache, sess *sessionctx.SessionContext, workDir string) error {
	if d.resolved {
		return nil
	}

	codePath, codeSig, err := d.resolveCode(ctx, blobs)
	if err != nil {
		return err
	}
	blob, blobSig, err := d.resolveBlob(ctx, blobs)
	if err != nil {
		return err
	}

	d.CodePath = codePath
	d.CodeSignature = codeSig
	d.Blob = blob
	d.BlobSignature = blobSig
	d.CacheDigest = computeCacheDigest(codeSig, d.Name, d.Arguments, blobSig)

	mode, err := detectMode(codePath)
	if err != nil {
		return err
	}
	d.Mode = mode
	log.Infof("filterdescriptor: %s: mode=%s", d.Name, d.Mode)

	connect, err := d.bindConnector(sess, workDir)
	if err != nil {
		return err
	}
	d.connect = connect
	d.resolved = true
	return nil
}

// Connect produces a fresh filter worker via the bound connector.
func (d *Descriptor) Connect(ctx context.Context) (filterworker.Worker, error) {
	if !d.resolved {
		return nil, fmt.Errorf("filterdescriptor: %s: connect before resolve", d.Name)
	}
	return d.connect(ctx)
}

func (d *Descriptor) resolveCode(ctx context.Context, blobs *blobcache.BlobCache) (path, signature string, err error) {
	scheme, hexDigest, err := splitScheme(d.CodeSource)
	if err != nil {
		return "", "", err
	}
	if scheme != "sha256" {
		return "", "", &engineerr.UnsupportedSourceError{Scheme: scheme}
	}
	return blobs.ResolveCode(ctx, strings.ToLower(hexDigest))
}

func (d *Descriptor) resolveBlob(ctx context.Context, blobs *blobcache.BlobCache) (data []byte, signature string, err error) {
	scheme, hexDigest, err := splitScheme(d.BlobSource)
	if err != nil {
		return nil, "", err
	}
	if scheme != "sha256" {
		return nil, "", &engineerr.UnsupportedSourceError{Scheme: scheme}
	}
	return blobs.ResolveBlob(ctx, strings.ToLower(hexDigest))
}

// computeCacheDigest builds the stable filter fingerprint:
// fast128(join_space(code_signature, name, arguments..., blob_signature)).
func computeCacheDigest(codeSig, name string, arguments []string, blobSig string) string {
	fields := make([]string, 0, len(arguments)+3)
	fields = append(fields, codeSig, name)
	fields = append(fields, arguments...)
	fields = append(fields, blobSig)
	return fasthash.SumString(fasthash.JoinSpace(fields...))
}

func detectMode(codePath string) (Mode, error) {
	f, err := os.Open(codePath)
	if err != nil {
		return "", fmt.Errorf("filterdescriptor: open code file for mode scan: %w", err)
	}
	defer f.Close()

	buf := make([]byte, dockerMarkerScanBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return "", fmt.Errorf("filterdescriptor: scan code file for mode marker: %w", err)
	}
	if strings.Contains(string(buf[:n]), dockerMarker) {
		return ModeDocker, nil
	}
	return ModeDefault, nil
}

func (d *Descriptor) bindConnector(sess *sessionctx.SessionContext, workDir string) (func(ctx context.Context) (filterworker.Worker, error), error) {
	switch d.Mode {
	case ModeDefault:
		codePath := d.CodePath
		return func(ctx context.Context) (filterworker.Worker, error) {
			return filterworker.NewSubprocess(workDir, codePath)
		}, nil

	case ModeDocker:
		manifest, err := parseDockerManifest(d.CodePath)
		if err != nil {
			return nil, engineerr.NewDependencyError(fmt.Sprintf("docker manifest for filter %s: %v", d.Name, err))
		}
		name := d.Name
		return func(ctx context.Context) (filterworker.Worker, error) {
			resource, err := sess.EnsureResource(ctx, "docker", manifest.DockerImage, manifest.DockerCommand)
			if err != nil {
				return nil, engineerr.NewExecutionError(name, fmt.Sprintf("ensure-resource: %v", err))
			}
			host, ok := resource["IPAddress"]
			if !ok {
				return nil, engineerr.NewExecutionError(name, "ensure-resource response missing IPAddress")
			}
			return filterworker.NewTCP(ctx, host, manifest.DockerPort)
		}, nil

	default:
		return nil, &engineerr.UnsupportedModeError{Mode: string(d.Mode)}
	}
}

func parseDockerManifest(codePath string) (*dockerManifest, error) {
	data, err := os.ReadFile(codePath)
	if err != nil {
		return nil, err
	}
	var m dockerManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.DockerImage == "" {
		return nil, fmt.Errorf("missing required key docker_image")
	}
	if m.DockerPort == 0 {
		m.DockerPort = defaultDockerPort
	}
	if m.DockerCommand == "" {
		if m.FilterCommand == "" {
			return nil, fmt.Errorf("docker_command absent and filter_command missing")
		}
		m.DockerCommand = fmt.Sprintf(defaultDockerCommandTemplate, m.FilterCommand)
	}
	return &m, nil
}

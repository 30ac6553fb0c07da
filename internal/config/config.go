// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the engine's program configuration:
// the file is schema-validated before it is decoded, so field-level
// mistakes surface with a schema path instead of a zero value.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/diamond-search/filterstack-engine/internal/filterdescriptor"
	"github.com/diamond-search/filterstack-engine/pkg/log"
	"github.com/diamond-search/filterstack-engine/pkg/schema"
)

// CacheStoreConfig is the redis connection the result/attribute caches
// share.
type CacheStoreConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database int    `json:"database"`
	Password string `json:"password"`
}

// BlobCacheConfig selects and configures the durable blob backend.
type BlobCacheConfig struct {
	Backend      string `json:"backend"`
	Path         string `json:"path"`
	Bucket       string `json:"bucket"`
	Endpoint     string `json:"endpoint"`
	Region       string `json:"region"`
	AccessKey    string `json:"access-key"`
	SecretKey    string `json:"secret-key"`
	UsePathStyle bool   `json:"use-path-style"`
	MemoryBytes  int    `json:"memory-bytes"`
}

// FilterConfig is one entry of the configured filter stack.
type FilterConfig struct {
	Name         string   `json:"name"`
	CodeSource   string   `json:"code-source"`
	BlobSource   string   `json:"blob-source"`
	Arguments    []string `json:"arguments"`
	Dependencies []string `json:"dependencies"`
	MinScore     float64  `json:"min-score"`
	MaxScore     float64  `json:"max-score"`
}

// Descriptor converts a FilterConfig into an unresolved
// filterdescriptor.Descriptor ready for Resolve.
func (f FilterConfig) Descriptor() *filterdescriptor.Descriptor {
	return &filterdescriptor.Descriptor{
		Config: filterdescriptor.Config{
			Name:         f.Name,
			CodeSource:   f.CodeSource,
			BlobSource:   f.BlobSource,
			Arguments:    f.Arguments,
			Dependencies: f.Dependencies,
			MinScore:     f.MinScore,
			MaxScore:     f.MaxScore,
		},
	}
}

// ProgramConfig is the full configuration file shape, schema-validated
// against pkg/schema's embedded config.schema.json before decode.
type ProgramConfig struct {
	Listen       string           `json:"listen"`
	WorkerCount  int              `json:"worker-count"`
	CacheStore   CacheStoreConfig `json:"cache-store"`
	BlobCache    BlobCacheConfig  `json:"blob-cache"`
	NatsAddress  string           `json:"nats-address"`
	BlastSubject string           `json:"blast-subject"`
	AuditLogPath string           `json:"audit-log-path"`
	// AuditRetentionDays bounds how long audit rows are kept; 0 disables
	// the retention sweep.
	AuditRetentionDays int            `json:"audit-retention-days"`
	Filters            []FilterConfig `json:"filters"`
}

// Keys holds the process-wide configuration, populated by Init. Defaults
// here match a single-process local demo deployment.
var Keys = ProgramConfig{
	Listen:       ":8080",
	WorkerCount:  4,
	BlastSubject:       "filterstack.results",
	AuditLogPath:       "./var/audit.db",
	AuditRetentionDays: 30,
	BlobCache: BlobCacheConfig{
		Backend:     "fs",
		Path:        "./var/blobs",
		MemoryBytes: 64 << 20,
	},
}

// Init reads and validates the configuration file at path, overwriting
// Keys on success. It fatally exits on a malformed or schema-invalid
// file; a missing file is not fatal, leaving the defaults above in
// effect.
func Init(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("config: read %s: %v", path, err)
		}
		return
	}

	if err := schema.Validate(schema.Config, bytes.NewReader(raw)); err != nil {
		log.Fatalf("config: validate %s: %v", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Fatalf("config: decode %s: %v", path, err)
	}

	if len(Keys.Filters) == 0 {
		log.Fatalf("config: at least one filter required in %s", path)
	}
}

// Descriptors builds the unresolved descriptor set for the configured
// filter stack.
func Descriptors() []*filterdescriptor.Descriptor {
	out := make([]*filterdescriptor.Descriptor, len(Keys.Filters))
	for i, f := range Keys.Filters {
		out[i] = f.Descriptor()
	}
	return out
}

// Validate reports an error describing any structurally invalid setting
// Init's schema check cannot express (e.g. cross-field constraints).
func Validate() error {
	if Keys.BlobCache.Backend != "fs" && Keys.BlobCache.Backend != "s3" {
		return fmt.Errorf("config: unknown blob-cache backend %q", Keys.BlobCache.Backend)
	}
	if Keys.BlobCache.Backend == "s3" && Keys.BlobCache.Bucket == "" {
		return fmt.Errorf("config: blob-cache backend s3 requires bucket")
	}
	return nil
}

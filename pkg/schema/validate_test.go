// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const validConfig = `{
	"cache-store": { "host": "localhost", "port": 6379 },
	"blob-cache": { "backend": "fs", "path": "./blobs" },
	"filters": [
		{
			"name": "rgb",
			"code-source": "sha256:aa",
			"blob-source": "sha256:bb",
			"min-score": 0,
			"max-score": 1
		}
	]
}`

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	assert.NoError(t, Validate(Config, strings.NewReader(validConfig)))
}

func TestValidateRejectsMissingCacheStore(t *testing.T) {
	cfg := `{
		"blob-cache": { "backend": "fs" },
		"filters": []
	}`
	assert.Error(t, Validate(Config, strings.NewReader(cfg)))
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	cfg := strings.Replace(validConfig, `"backend": "fs"`, `"backend": "tape"`, 1)
	assert.Error(t, Validate(Config, strings.NewReader(cfg)))
}

func TestValidateRejectsFilterWithoutScores(t *testing.T) {
	cfg := `{
		"cache-store": { "host": "localhost", "port": 6379 },
		"blob-cache": { "backend": "fs" },
		"filters": [ { "name": "rgb", "code-source": "sha256:aa", "blob-source": "sha256:bb" } ]
	}`
	assert.Error(t, Validate(Config, strings.NewReader(cfg)))
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	assert.Error(t, Validate(Kind(99), strings.NewReader(validConfig)))
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package schema embeds the JSON Schema documents used to validate the
// engine's configuration file before it is decoded.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/diamond-search/filterstack-engine/pkg/log"
)

type Kind int

const (
	Config Kind = iota + 1
)

//go:embed schemas/*
var schemaFiles embed.FS

func Load(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(path.Join(u.Host, u.Path))
}

func init() {
	jsonschema.Loaders["embedfs"] = Load
}

// Validate checks r against the schema identified by k.
func Validate(k Kind, r io.Reader) (err error) {
	var s *jsonschema.Schema

	switch k {
	case Config:
		s, err = jsonschema.Compile("embedFS://schemas/config.schema.json")
	default:
		return fmt.Errorf("schema: unknown schema kind %d", k)
	}
	if err != nil {
		return err
	}

	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		log.Errorf("schema.Validate() - failed to decode: %v", err)
		return err
	}

	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%#v", err)
	}
	return nil
}

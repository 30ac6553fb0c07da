// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engineerr defines the engine's typed error kinds: dependency
// errors (fatal at search start), unsupported-source/mode errors (treated
// like dependency errors), filter execution errors (fatal for the search),
// and the internal drop signal (never surfaced to the client).
package engineerr

import "errors"

// DependencyError covers a missing filter, missing code/blob in the blob
// cache, a cycle in the filter stack, or an invalid docker manifest.
type DependencyError struct {
	Reason string
}

func (e *DependencyError) Error() string { return "dependency error: " + e.Reason }

func NewDependencyError(reason string) error {
	return &DependencyError{Reason: reason}
}

// UnsupportedSourceError is raised when a code_source/blob_source URI
// scheme is not "sha256".
type UnsupportedSourceError struct {
	Scheme string
}

func (e *UnsupportedSourceError) Error() string {
	return "unsupported source scheme: " + e.Scheme
}

// UnsupportedModeError is raised when filter mode detection produces
// anything other than "default" or "docker".
type UnsupportedModeError struct {
	Mode string
}

func (e *UnsupportedModeError) Error() string {
	return "unsupported filter mode: " + e.Mode
}

// ExecutionError covers: the worker could not be spawned, it died during
// initialization, it spoke a malformed protocol, it sent a bad
// session-variable payload, or it sent an unrecognized tag.
type ExecutionError struct {
	Filter string
	Reason string
}

func (e *ExecutionError) Error() string {
	return "filter execution error (" + e.Filter + "): " + e.Reason
}

func NewExecutionError(filter, reason string) error {
	return &ExecutionError{Filter: filter, Reason: reason}
}

// ErrDrop is the internal "drop this object, do not cache this runner's
// result" signal. It is never returned across the package
// boundary into client-visible code; stackrunner converts it into a plain
// boolean accept/drop result.
var ErrDrop = errors.New("internal: object dropped")

// IsDependency reports whether err is a DependencyError, UnsupportedSourceError
// or UnsupportedModeError -- the three kinds that are fatal at search start.
func IsDependency(err error) bool {
	var de *DependencyError
	var use *UnsupportedSourceError
	var ume *UnsupportedModeError
	return errors.As(err, &de) || errors.As(err, &use) || errors.As(err, &ume)
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package auditlog

import (
	"context"
	"time"

	"github.com/diamond-search/filterstack-engine/pkg/log"
)

type queryTimingKey struct{}

// hooks satisfies sqlhooks.Hooks, logging every query at debug level and
// its elapsed time.
type hooks struct{}

func (h *hooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("auditlog: query %s %v", query, args)
	return context.WithValue(ctx, queryTimingKey{}, time.Now()), nil
}

func (h *hooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(queryTimingKey{}).(time.Time); ok {
		log.Debugf("auditlog: query took %s", time.Since(begin))
	}
	return ctx, nil
}

// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package auditlog persists every accept/drop decision made by a
// StackRunner to a local sqlite database for post-hoc inspection: a
// sqlhooks-wrapped driver registered once, opened through sqlx, migrated
// with golang-migrate, queried with squirrel.
package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/diamond-search/filterstack-engine/pkg/log"
)

const driverName = "sqlite3WithAuditHooks"

var registerOnce sync.Once

// Store is a sqlite-backed implementation of stackrunner.AuditLogger.
type Store struct {
	db *sqlx.DB
}

// New opens (creating and migrating if necessary) the audit database at
// path. Only one connection is kept open, guarding against sqlite's
// single-writer limitation.
func New(path string) (*Store, error) {
	registerOnce.Do(func() {
		sql.Register(driverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &hooks{}))
	})

	if err := runMigrations(path); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record implements stackrunner.AuditLogger, inserting one row per
// evaluated object. Failures are logged, not returned: an audit-log write
// must never affect a search's accept/drop outcome.
func (s *Store) Record(ctx context.Context, objectID string, accepted bool, droppedBy string, elapsed time.Duration) {
	query, args, err := sq.Insert("evaluations").
		Columns("object_id", "accepted", "dropped_by", "elapsed_us").
		Values(objectID, accepted, droppedBy, elapsed.Microseconds()).
		ToSql()
	if err != nil {
		log.Errorf("auditlog: build insert: %v", err)
		return
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		log.Errorf("auditlog: insert evaluation for %s: %v", objectID, err)
	}
}

// Summary is the aggregate view served by the demo's /stats endpoint.
type Summary struct {
	Total        int64 `db:"total" json:"total"`
	Accepted     int64 `db:"accepted" json:"accepted"`
	Dropped      int64 `db:"dropped" json:"dropped"`
	AvgElapsedUs int64 `db:"avg_elapsed_us" json:"avg_elapsed_us"`
}

// Summarize reports totals over the full evaluation history.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	query, args, err := sq.Select(
		"COUNT(*) AS total",
		"COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0) AS accepted",
		"COALESCE(SUM(CASE WHEN accepted THEN 0 ELSE 1 END), 0) AS dropped",
		"COALESCE(AVG(elapsed_us), 0) AS avg_elapsed_us",
	).From("evaluations").ToSql()
	if err != nil {
		return Summary{}, fmt.Errorf("auditlog: build summary query: %w", err)
	}

	var summary Summary
	if err := s.db.GetContext(ctx, &summary, query, args...); err != nil {
		return Summary{}, fmt.Errorf("auditlog: query summary: %w", err)
	}
	return summary, nil
}

// Prune deletes evaluation rows older than age, returning how many were
// removed. Called periodically by the task manager's retention service.
func (s *Store) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UTC().Format("2006-01-02 15:04:05")
	query, args, err := sq.Delete("evaluations").
		Where(sq.Lt{"evaluated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("auditlog: build prune query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("auditlog: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("auditlog: prune rows affected: %w", err)
	}
	return n, nil
}

// TopDroppers reports drop counts for the n filters most often responsible
// for a drop. The query ranks by count to pick those n; the returned map
// carries no order.
func (s *Store) TopDroppers(ctx context.Context, n int) (map[string]int64, error) {
	query, args, err := sq.Select("dropped_by", "COUNT(*) AS n").
		From("evaluations").
		Where(sq.NotEq{"dropped_by": ""}).
		GroupBy("dropped_by").
		OrderBy("n DESC").
		Limit(uint64(n)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("auditlog: build top-droppers query: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query top droppers: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("auditlog: scan top droppers: %w", err)
		}
		result[name] = count
	}
	return result, rows.Err()
}

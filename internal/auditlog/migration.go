// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package auditlog

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/diamond-search/filterstack-engine/pkg/log"
)

//go:embed migrations/sqlite3
var migrationFiles embed.FS

// runMigrations applies every pending migration to path from the
// embedded source files.
func runMigrations(path string) error {
	d, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("auditlog: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", path))
	if err != nil {
		return fmt.Errorf("auditlog: migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("auditlog: migrate up: %w", err)
	}
	log.Infof("auditlog: migrations applied to %s", path)
	return nil
}

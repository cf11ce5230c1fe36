/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/proberadar/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	sql     string
}

// Migrate applies every embedded migration that has not been recorded in
// schema_migrations. Each migration runs in its own transaction.
func Migrate(ctx context.Context, conn *sql.DB, log logger.Logger) error {
	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version       INTEGER PRIMARY KEY,
  applied_at_ms INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("%w: schema_migrations: %w", ErrFailedToInit, err)
	}

	ms, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range ms {
		applied, err := isApplied(ctx, conn, m.version)
		if err != nil {
			return err
		}

		if applied {
			continue
		}

		log.Info().Str("migration", m.name).Msg("Applying schema migration")

		if err := apply(ctx, conn, m); err != nil {
			return err
		}
	}

	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("%w: read migrations: %w", ErrFailedToInit, err)
	}

	ms := make([]migration, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}

		v, err := parseVersion(e.Name())
		if err != nil {
			return nil, err
		}

		b, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrFailedToInit, e.Name(), err)
		}

		ms = append(ms, migration{version: v, name: e.Name(), sql: string(b)})
	}

	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })

	return ms, nil
}

func apply(ctx context.Context, conn *sql.DB, m migration) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %s: %w", ErrFailedToInit, m.name, err)
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: apply %s: %w", ErrFailedToInit, m.name, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations(version, applied_at_ms) VALUES(?, ?);",
		m.version, time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: record %s: %w", ErrFailedToInit, m.name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrFailedToInit, m.name, err)
	}

	return nil
}

func isApplied(ctx context.Context, conn *sql.DB, version int) (bool, error) {
	var v int

	err := conn.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?;", version).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}

	return true, nil
}

// parseVersion extracts 7 from "0007_name.sql".
func parseVersion(filename string) (int, error) {
	prefix, _, _ := strings.Cut(filename, "_")

	prefix = strings.TrimLeft(prefix, "0")
	if prefix == "" {
		prefix = "0"
	}

	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("%w: bad migration filename %s: %w", ErrFailedToInit, filename, err)
	}

	return v, nil
}

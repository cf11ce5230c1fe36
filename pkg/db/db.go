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

// Package db opens the agent's local SQLite store, applies its embedded
// schema migrations and serializes writes through a single transaction
// worker.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/carverauto/proberadar/pkg/logger"
)

const (
	defaultBusyTimeout = 5 * time.Second
	pingTimeout        = 3 * time.Second
)

// RowQuerier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type RowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config controls how the store is opened.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	// SkipIntegrityCheck disables the quick_check run on open.
	SkipIntegrityCheck bool
}

func (c *Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		c.Path, busy.Milliseconds(),
	)
}

// Open opens (creating if needed) the database at cfg.Path, verifies its
// integrity and applies pending migrations.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrFailedOpenDB)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %w", ErrFailedOpenDB, err)
	}

	conn, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedOpenDB, err)
	}

	// One connection: every statement, reads included, goes through the
	// same handle so WAL readers never observe a half-applied flush.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, classify(fmt.Errorf("%w: ping: %w", ErrFailedOpenDB, err))
	}

	if !cfg.SkipIntegrityCheck {
		if err := QuickCheck(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if err := Migrate(ctx, conn, log); err != nil {
		_ = conn.Close()
		return nil, classify(err)
	}

	return conn, nil
}

// QuickCheck runs PRAGMA quick_check and returns ErrCorrupt unless SQLite
// reports "ok".
func QuickCheck(ctx context.Context, conn *sql.DB) error {
	rows, err := conn.QueryContext(ctx, "PRAGMA quick_check;")
	if err != nil {
		return classify(fmt.Errorf("quick_check: %w", err))
	}
	defer func() {
		_ = rows.Close()
	}()

	var problems []string

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return classify(fmt.Errorf("quick_check scan: %w", err))
		}

		if line != "ok" {
			problems = append(problems, line)
		}
	}

	if err := rows.Err(); err != nil {
		return classify(fmt.Errorf("quick_check: %w", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrCorrupt, strings.Join(problems, "; "))
	}

	return nil
}

// UsedBytes returns the bytes occupied by live pages, excluding the free
// list. Deleting rows lowers it even though the file does not shrink.
func UsedBytes(ctx context.Context, q RowQuerier) (int64, error) {
	var pageCount, freePages, pageSize int64

	if err := q.QueryRowContext(ctx, "PRAGMA page_count;").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}

	if err := q.QueryRowContext(ctx, "PRAGMA freelist_count;").Scan(&freePages); err != nil {
		return 0, fmt.Errorf("freelist_count: %w", err)
	}

	if err := q.QueryRowContext(ctx, "PRAGMA page_size;").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}

	return (pageCount - freePages) * pageSize, nil
}

// FileBytes reports the on-disk size of the database and its WAL.
func FileBytes(path string) int64 {
	var total int64

	for _, p := range []string{path, path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}

	return total
}

func classify(err error) error {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed") {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return err
}

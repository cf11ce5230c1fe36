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

package spool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/carverauto/proberadar/pkg/db"
	"github.com/carverauto/proberadar/pkg/models"
)

const (
	// Byte-based eviction removes this fraction of the queue per round.
	evictStepDivisor = 20
	maxEvictRounds   = 64
)

// enforceCeiling evicts the oldest unleased entries while any capacity
// ceiling is exceeded. inserted is the number of rows the triggering flush
// added.
func (s *Spool) enforceCeiling(ctx context.Context, inserted int) {
	for round := 0; round < maxEvictRounds; round++ {
		n, reason, err := s.excess(ctx, inserted)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to evaluate queue ceiling")
			return
		}

		if n <= 0 {
			return
		}

		evicted, err := s.evictOldest(ctx, n)
		if err != nil {
			s.report(ctx, models.SeverityError, "queue eviction failed: %v", err)
			return
		}

		for i := range evicted {
			e := &evicted[i]
			s.report(ctx, models.SeverityWarning,
				"evicted queued frame %d (mac=%s seq=%d enqueued=%s attempts=%d): %s",
				e.ID, e.Frame.MAC(), e.Frame.Sequence, e.EnqueuedAt.Format(time.RFC3339Nano), e.Attempts, reason)
		}

		if len(evicted) == 0 || reason == reasonDiskFree {
			return
		}
	}
}

const (
	reasonMaxEntries = "queue exceeds max_entries"
	reasonMaxBytes   = "queue exceeds max_bytes"
	reasonDiskFree   = "filesystem below min_free_bytes"
)

func (s *Spool) excess(ctx context.Context, inserted int) (int, string, error) {
	if s.cfg.MaxEntries <= 0 && s.cfg.MaxBytes <= 0 && s.cfg.MinFreeBytes == 0 {
		return 0, "", nil
	}

	count, err := s.Len(ctx)
	if err != nil {
		return 0, "", err
	}

	if s.cfg.MaxEntries > 0 && count > s.cfg.MaxEntries {
		return int(count - s.cfg.MaxEntries), reasonMaxEntries, nil
	}

	step := max(1, int(count/evictStepDivisor))

	if s.cfg.MaxBytes > 0 {
		used, err := db.UsedBytes(ctx, s.conn)
		if err != nil {
			return 0, "", err
		}

		if used > s.cfg.MaxBytes && count > 0 {
			return step, reasonMaxBytes, nil
		}
	}

	// Deleting rows does not return space to the filesystem, but it lets
	// SQLite reuse pages. Evicting as many rows as were just written keeps
	// the file from growing further.
	if s.cfg.MinFreeBytes > 0 && inserted > 0 {
		usage, err := s.diskUsage(ctx, s.dir())
		if err != nil {
			return 0, "", fmt.Errorf("disk usage: %w", err)
		}

		if usage.Free < s.cfg.MinFreeBytes {
			return inserted, reasonDiskFree, nil
		}
	}

	return 0, "", nil
}

// evictOldest deletes up to n of the oldest unleased entries in one
// transaction and returns them.
func (s *Spool) evictOldest(ctx context.Context, n int) ([]models.QueueEntry, error) {
	exclude := s.leasedSnapshot()

	var evicted []models.QueueEntry

	err := s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		evicted = evicted[:0]

		rows, err := oldestRows(ctx, tx, n, exclude)
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(rows))

		for i := range rows {
			ids = append(ids, rows[i].id)

			e, err := rows[i].entry()
			if err != nil {
				// Unreadable rows are evicted all the same; report what is known.
				e = models.QueueEntry{ID: rows[i].id, EnqueuedAt: time.UnixMicro(rows[i].enqueuedAtUS).UTC()}
			}

			evicted = append(evicted, e)
		}

		if err := deleteIDsTx(ctx, tx, ids); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE spool_counters SET value = value + ? WHERE name = 'evicted_total'", len(ids))

		return err
	})
	if err != nil {
		return nil, err
	}

	s.evictedTotal.Add(int64(len(evicted)))

	return evicted, nil
}

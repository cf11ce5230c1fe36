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
	"strings"
	"time"

	"github.com/carverauto/proberadar/pkg/db"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/wire"
)

// sqlite caps bound parameters per statement; stay well below it.
const maxIDsPerStatement = 500

type row struct {
	id            int64
	payload       []byte
	enqueuedAtUS  int64
	attempts      int
	lastAttemptUS int64
}

func (r *row) entry() (models.QueueEntry, error) {
	frame, err := wire.UnmarshalFrame(r.payload)
	if err != nil {
		return models.QueueEntry{}, err
	}

	e := models.QueueEntry{
		ID:         r.id,
		Frame:      frame,
		EnqueuedAt: time.UnixMicro(r.enqueuedAtUS).UTC(),
		Attempts:   r.attempts,
	}

	if r.lastAttemptUS > 0 {
		e.LastAttemptAt = time.UnixMicro(r.lastAttemptUS).UTC()
	}

	return e, nil
}

type rowQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// oldestRows returns up to limit rows in id order, skipping ids in exclude.
func oldestRows(ctx context.Context, q rowQueryer, limit int, exclude map[int64]struct{}) ([]row, error) {
	rows, err := q.QueryContext(ctx, `
SELECT id, payload, enqueued_at_us, attempts, last_attempt_at_us
FROM queue_entries ORDER BY id LIMIT ?`, limit+len(exclude))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make([]row, 0, limit)

	for rows.Next() && len(out) < limit {
		var r row
		if err := rows.Scan(&r.id, &r.payload, &r.enqueuedAtUS, &r.attempts, &r.lastAttemptUS); err != nil {
			return nil, err
		}

		if _, skip := exclude[r.id]; skip {
			continue
		}

		out = append(out, r)
	}

	return out, rows.Err()
}

func (s *Spool) leasedSnapshot() map[int64]struct{} {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	out := make(map[int64]struct{}, len(s.leased))
	for id := range s.leased {
		out[id] = struct{}{}
	}

	return out
}

// PeekBatch returns up to limit of the oldest pending entries and leases them
// until they are acknowledged or requeued. Leased entries are not returned
// again.
func (s *Spool) PeekBatch(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := oldestRows(ctx, s.conn, limit, s.leasedSnapshot())
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}

	entries := make([]models.QueueEntry, 0, len(rows))

	var unreadable []int64

	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			unreadable = append(unreadable, rows[i].id)
			s.report(ctx, models.SeverityError, "dropping unreadable queue entry %d: %v", rows[i].id, err)

			continue
		}

		entries = append(entries, e)
	}

	if len(unreadable) > 0 {
		if err := s.deleteIDs(ctx, unreadable); err != nil {
			s.logger.Error().Err(err).Msg("Failed to delete unreadable queue entries")
		}
	}

	s.leaseMu.Lock()
	for i := range entries {
		s.leased[entries[i].ID] = struct{}{}
	}
	s.leaseMu.Unlock()

	return entries, nil
}

// Acknowledge deletes ids in a single transaction; either all of them are
// removed or none are.
func (s *Spool) Acknowledge(ctx context.Context, ids []int64) error {
	defer s.release(ids)

	if err := s.deleteIDs(ctx, ids); err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}

	return nil
}

// Requeue records a failed delivery attempt for ids and makes them eligible
// for PeekBatch again, in a single transaction.
func (s *Spool) Requeue(ctx context.Context, ids []int64) error {
	defer s.release(ids)

	if len(ids) == 0 {
		return nil
	}

	nowUS := s.now().UnixMicro()

	err := s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, chunk := range chunkIDs(ids) {
			args := make([]any, 0, len(chunk)+1)
			args = append(args, nowUS)

			for _, id := range chunk {
				args = append(args, id)
			}

			if _, err := tx.ExecContext(ctx, `
UPDATE queue_entries SET attempts = attempts + 1, last_attempt_at_us = ?
WHERE id IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}

	return nil
}

func (s *Spool) release(ids []int64) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	for _, id := range ids {
		delete(s.leased, id)
	}
}

func (s *Spool) deleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return deleteIDsTx(ctx, tx, ids)
	})
}

func deleteIDsTx(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, chunk := range chunkIDs(ids) {
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM queue_entries WHERE id IN ("+placeholders(len(chunk))+")", args...); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of durable entries, leased ones included.
func (s *Spool) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}

	return n, nil
}

// Stats reports queue occupancy.
func (s *Spool) Stats(ctx context.Context) (models.QueueStats, error) {
	n, err := s.Len(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}

	var spilled int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM spilled_errors").Scan(&spilled); err != nil {
		return models.QueueStats{}, fmt.Errorf("count spilled errors: %w", err)
	}

	s.leaseMu.Lock()
	leased := int64(len(s.leased))
	s.leaseMu.Unlock()

	return models.QueueStats{
		Pending:        n - leased,
		Leased:         leased,
		BytesOnDisk:    db.FileBytes(s.cfg.Path),
		EvictedTotal:   s.evictedTotal.Load(),
		SpilledErrors:  spilled,
		StagedInMemory: len(s.staging),
	}, nil
}

func chunkIDs(ids []int64) [][]int64 {
	var out [][]int64

	for len(ids) > maxIDsPerStatement {
		out = append(out, ids[:maxIDsPerStatement])
		ids = ids[maxIDsPerStatement:]
	}

	if len(ids) > 0 {
		out = append(out, ids)
	}

	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}

	return strings.Repeat("?,", n-1) + "?"
}

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

	"github.com/carverauto/proberadar/pkg/models"
)

// SpillErrors persists error records that no longer fit in the reporter's
// memory. The table keeps at most MaxSpilledErrors rows, dropping the oldest.
func (s *Spool) SpillErrors(ctx context.Context, records []models.ErrorRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO spilled_errors(id, message, severity, component, created_at_us)
VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() {
			_ = stmt.Close()
		}()

		for i := range records {
			r := &records[i]
			if _, err := stmt.ExecContext(ctx, r.ID, r.Message, string(r.Severity), r.Component,
				r.Timestamp.UnixMicro()); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
DELETE FROM spilled_errors WHERE seq NOT IN (
  SELECT seq FROM spilled_errors ORDER BY seq DESC LIMIT ?
)`, s.cfg.MaxSpilledErrors)

		return err
	})
	if err != nil {
		return fmt.Errorf("spill errors: %w", err)
	}

	return nil
}

// DrainErrors removes and returns up to limit of the oldest spilled records.
// Callers that fail to deliver them should spill them again.
func (s *Spool) DrainErrors(ctx context.Context, limit int) ([]models.ErrorRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var out []models.ErrorRecord

	err := s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		out = out[:0]

		rows, err := tx.QueryContext(ctx, `
SELECT seq, id, message, severity, component, created_at_us
FROM spilled_errors ORDER BY seq LIMIT ?`, limit)
		if err != nil {
			return err
		}

		var lastSeq int64

		for rows.Next() {
			var (
				r         models.ErrorRecord
				severity  string
				createdUS int64
			)

			if err := rows.Scan(&lastSeq, &r.ID, &r.Message, &severity, &r.Component, &createdUS); err != nil {
				_ = rows.Close()
				return err
			}

			r.Severity = models.Severity(severity)
			r.Timestamp = time.UnixMicro(createdUS).UTC()
			out = append(out, r)
		}

		if err := rows.Close(); err != nil {
			return err
		}

		if err := rows.Err(); err != nil {
			return err
		}

		if len(out) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM spilled_errors WHERE seq <= ?", lastSeq)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("drain errors: %w", err)
	}

	return out, nil
}

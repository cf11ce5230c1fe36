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
	"github.com/carverauto/proberadar/pkg/wire"
)

// Enqueue stages a frame for the next flush. It never touches the disk and
// waits at most EnqueueTimeout for staging space before returning
// ErrStagingFull.
func (s *Spool) Enqueue(frame models.CapturedFrame) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	item := staged{frame: frame, at: s.now()}

	select {
	case s.staging <- item:
		s.maybeKick()
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout.Std())
	defer timer.Stop()

	select {
	case s.staging <- item:
		s.maybeKick()
		return nil
	case <-timer.C:
		s.dropped.Add(1)
		return ErrStagingFull
	}
}

func (s *Spool) maybeKick() {
	if len(s.staging) < s.cfg.FlushBatch {
		return
	}

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Flush synchronously writes every frame staged so far.
func (s *Spool) Flush(ctx context.Context) error {
	reply := make(chan error, 1)

	select {
	case s.flushReq <- reply:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Spool) flushLoop() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(s.cfg.FlushInterval.Std())
	defer ticker.Stop()

	// carry holds frames whose insert failed; they are retried first.
	var carry []staged

	flush := func() error {
		var err error

		carry, err = s.flushStaged(ctx, carry)

		return err
	}

	for {
		select {
		case <-ticker.C:
			_ = flush()
		case <-s.kick:
			_ = flush()
		case reply := <-s.flushReq:
			reply <- flush()
		case <-s.stop:
			if err := flush(); err != nil {
				s.logger.Error().Err(err).Int("lost", len(carry)).Msg("Final queue flush failed")
			}

			return
		}
	}
}

// flushStaged drains staging and writes it in FlushBatch-sized transactions.
// Frames from a failed transaction are returned for retry.
func (s *Spool) flushStaged(ctx context.Context, carry []staged) ([]staged, error) {
	pending := carry

drain:
	for {
		select {
		case item := <-s.staging:
			pending = append(pending, item)
		default:
			break drain
		}
	}

	if len(pending) == 0 {
		return nil, nil
	}

	written := 0

	for written < len(pending) {
		end := min(written+s.cfg.FlushBatch, len(pending))

		if err := s.insert(ctx, pending[written:end]); err != nil {
			s.report(ctx, models.SeverityError, "queue flush failed, %d frames held in memory: %v",
				len(pending)-written, err)

			return pending[written:], fmt.Errorf("flush: %w", err)
		}

		written = end
	}

	s.logger.Debug().Int("frames", written).Msg("Flushed staged frames")

	s.enforceCeiling(ctx, written)

	return nil, nil
}

func (s *Spool) insert(ctx context.Context, items []staged) error {
	return s.worker.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO queue_entries(payload, enqueued_at_us) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer func() {
			_ = stmt.Close()
		}()

		for i := range items {
			payload := wire.MarshalFrame(&items[i].frame)

			if _, err := stmt.ExecContext(ctx, payload, items[i].at.UnixMicro()); err != nil {
				return err
			}
		}

		return nil
	})
}

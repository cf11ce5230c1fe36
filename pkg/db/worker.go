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
	"sync"
)

// TxFn runs inside a transaction owned by the Worker. Returning an error
// rolls the transaction back.
type TxFn func(ctx context.Context, tx *sql.Tx) error

type job struct {
	ctx context.Context
	fn  TxFn
	ch  chan error
}

// Worker executes write transactions one at a time on a dedicated goroutine.
type Worker struct {
	db   *sql.DB
	jobs chan job
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWorker starts a worker over db.
func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:   db,
		jobs: make(chan job, 64),
		done: make(chan struct{}),
	}

	go w.loop()

	return w
}

// Close drains queued jobs and stops the worker. Later calls to Do return
// ErrWorkerClosed.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}

	w.closed = true
	close(w.jobs)
	w.mu.Unlock()

	<-w.done
}

// Do runs fn in its own transaction and waits for the commit. If ctx ends
// while the job is queued or running, Do returns ctx.Err() and the
// transaction still completes or rolls back on the worker.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	ch := make(chan error, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkerClosed
	}

	select {
	case w.jobs <- job{ctx: ctx, fn: fn, ch: ch}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		j.ch <- w.run(j)
	}
}

func (w *Worker) run(j job) error {
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}

	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

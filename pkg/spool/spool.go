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

// Package spool is the agent's durable local queue. Captured frames are
// staged in memory, flushed to SQLite in batches, leased to the uploader and
// deleted only once the collector acknowledges them.
package spool

//go:generate mockgen -destination=mock_spool.go -package=spool github.com/carverauto/proberadar/pkg/spool Reporter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/carverauto/proberadar/pkg/db"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
)

var (
	ErrQueueLocked  = errors.New("queue is owned by another process")
	ErrQueueCorrupt = errors.New("queue storage is corrupt")
	ErrStagingFull  = errors.New("staging buffer full")
	ErrClosed       = errors.New("queue closed")
)

const (
	defaultStagingSize      = 4096
	defaultFlushBatch       = 256
	defaultFlushInterval    = 500 * time.Millisecond
	defaultEnqueueTimeout   = 10 * time.Millisecond
	defaultMaxSpilledErrors = 1000

	component = "spool"
)

// Reporter receives one record per notable queue event, such as an evicted
// entry.
type Reporter interface {
	Report(ctx context.Context, message string, severity models.Severity, forward bool)
}

// Config sizes the queue. Zero ceilings are unlimited.
type Config struct {
	Path             string          `json:"path" validate:"required"`
	StagingSize      int             `json:"staging_size" validate:"gte=0"`
	FlushBatch       int             `json:"flush_batch" validate:"gte=0"`
	FlushInterval    models.Duration `json:"flush_interval"`
	EnqueueTimeout   models.Duration `json:"enqueue_timeout"`
	MaxEntries       int64           `json:"max_entries" validate:"gte=0"`
	MaxBytes         int64           `json:"max_bytes" validate:"gte=0"`
	MinFreeBytes     uint64          `json:"min_free_bytes"`
	MaxSpilledErrors int             `json:"max_spilled_errors" validate:"gte=0"`
}

// ApplyDefaults fills unset sizing fields.
func (c *Config) ApplyDefaults() {
	if c.StagingSize == 0 {
		c.StagingSize = defaultStagingSize
	}

	if c.FlushBatch == 0 {
		c.FlushBatch = defaultFlushBatch
	}

	if c.FlushBatch > c.StagingSize {
		c.FlushBatch = c.StagingSize
	}

	if c.FlushInterval == 0 {
		c.FlushInterval = models.Duration(defaultFlushInterval)
	}

	if c.EnqueueTimeout == 0 {
		c.EnqueueTimeout = models.Duration(defaultEnqueueTimeout)
	}

	if c.MaxSpilledErrors == 0 {
		c.MaxSpilledErrors = defaultMaxSpilledErrors
	}
}

type staged struct {
	frame models.CapturedFrame
	at    time.Time
}

// Spool is safe for concurrent use. Capture is expected to be the only
// caller of Enqueue and the uploader the only caller of Acknowledge and
// Requeue.
type Spool struct {
	cfg      Config
	logger   logger.Logger
	reporter Reporter

	conn   *sql.DB
	worker *db.Worker
	lock   *fileLock

	staging  chan staged
	kick     chan struct{}
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}

	// closeMu orders Enqueue against Close so no frame lands in staging
	// after the final flush.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	leaseMu sync.Mutex
	leased  map[int64]struct{}

	evictedTotal atomic.Int64
	dropped      atomic.Int64

	diskUsage func(ctx context.Context, path string) (*disk.UsageStat, error)
	now       func() time.Time
}

// Option customizes a Spool.
type Option func(*Spool)

// WithReporter routes eviction and storage failures to r.
func WithReporter(r Reporter) Option {
	return func(s *Spool) {
		s.reporter = r
	}
}

// WithDiskUsage overrides the filesystem free-space probe.
func WithDiskUsage(fn func(ctx context.Context, path string) (*disk.UsageStat, error)) Option {
	return func(s *Spool) {
		s.diskUsage = fn
	}
}

// WithClock overrides the time source used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Spool) {
		s.now = now
	}
}

// Open takes exclusive ownership of the queue at cfg.Path, verifies the
// store and starts the background flusher.
func Open(ctx context.Context, cfg Config, log logger.Logger, opts ...Option) (*Spool, error) {
	cfg.ApplyDefaults()

	lock, err := acquireLock(cfg.Path + ".lock")
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.Path}, log)
	if err != nil {
		lock.release()

		if errors.Is(err, db.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrQueueCorrupt, err)
		}

		return nil, err
	}

	s := &Spool{
		cfg:       cfg,
		logger:    log,
		conn:      conn,
		worker:    db.NewWorker(conn),
		lock:      lock,
		staging:   make(chan staged, cfg.StagingSize),
		kick:      make(chan struct{}, 1),
		flushReq:  make(chan chan error),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		leased:    make(map[int64]struct{}),
		diskUsage: disk.UsageWithContext,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	var evicted int64
	if err := conn.QueryRowContext(ctx,
		"SELECT value FROM spool_counters WHERE name = 'evicted_total'").Scan(&evicted); err != nil {
		s.shutdownStorage()
		return nil, fmt.Errorf("load counters: %w", err)
	}

	s.evictedTotal.Store(evicted)

	go s.flushLoop()

	pending, err := s.Len(ctx)
	if err == nil {
		log.Info().
			Str("path", cfg.Path).
			Int64("pending", pending).
			Int64("evicted_total", evicted).
			Msg("Queue opened")
	}

	return s, nil
}

// Close stops accepting frames, flushes everything staged and releases the
// store. It is safe to call more than once.
func (s *Spool) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()

		close(s.stop)

		select {
		case <-s.done:
		case <-ctx.Done():
			s.closeErr = fmt.Errorf("waiting for final flush: %w", ctx.Err())
			<-s.done
		}

		s.shutdownStorage()

		s.logger.Info().
			Int64("dropped_at_enqueue", s.dropped.Load()).
			Msg("Queue closed")
	})

	return s.closeErr
}

func (s *Spool) shutdownStorage() {
	s.worker.Close()

	if err := s.conn.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close queue database")
	}

	s.lock.release()
}

func (s *Spool) report(ctx context.Context, sev models.Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	if s.reporter == nil {
		s.logger.Warn().Str("severity", string(sev)).Msg(msg)
		return
	}

	s.reporter.Report(ctx, msg, sev, true)
}

func (s *Spool) dir() string {
	return filepath.Dir(s.cfg.Path)
}

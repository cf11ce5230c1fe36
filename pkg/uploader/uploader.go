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

package uploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/proberadar/pkg/backoff"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/wire"
)

const (
	defaultBatchSize     = 100
	defaultCycleInterval = 5 * time.Second
	defaultBaseBackoff   = time.Second
	defaultMaxBackoff    = 5 * time.Minute

	// settleTimeout bounds Acknowledge and Requeue after the caller's
	// context is gone, so an in-flight batch is always settled.
	settleTimeout = 5 * time.Second
)

const maxBatchSize = 10000

var (
	errMissingDeviceID  = errors.New("device id is required")
	errInvalidBatchSize = errors.New("batch size out of range")
	errInvalidInterval  = errors.New("cycle interval must be positive")
)

// Status is the outcome of one cycle.
type Status int

const (
	StatusIdle Status = iota
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DeliveryResult describes one cycle.
type DeliveryResult struct {
	Status   Status
	BatchID  string
	Count    int
	Failures int
	Err      error
}

// Config sets batch size and pacing.
type Config struct {
	BatchSize     int             `json:"batch_size" validate:"gte=0"`
	CycleInterval models.Duration `json:"cycle_interval"`
	BaseBackoff   models.Duration `json:"base_backoff"`
	MaxBackoff    models.Duration `json:"max_backoff"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.CycleInterval <= 0 {
		c.CycleInterval = models.Duration(defaultCycleInterval)
	}

	if c.BaseBackoff <= 0 {
		c.BaseBackoff = models.Duration(defaultBaseBackoff)
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = models.Duration(defaultMaxBackoff)
	}
}

// Stats are cumulative delivery counters.
type Stats struct {
	Batches             int64     `json:"batches"`
	FramesDelivered     int64     `json:"frames_delivered"`
	Failures            int64     `json:"failures"`
	// Rejected counts batches the collector refused as invalid. Their
	// entries stay queued and are retried.
	Rejected            int64     `json:"rejected"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Uploader is the upload batcher.
type Uploader struct {
	cfg      Config
	deviceID string
	queue    Queue
	sender   Sender
	reporter Reporter
	clock    Clock
	logger   logger.Logger
	policy   backoff.Policy

	nudge    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	stats Stats
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithClock overrides the clock used for timestamps and waits.
func WithClock(c Clock) Option {
	return func(u *Uploader) {
		u.clock = c
	}
}

// WithReporter routes delivery failures to r.
func WithReporter(r Reporter) Option {
	return func(u *Uploader) {
		u.reporter = r
	}
}

// New creates a batcher for deviceID.
func New(cfg Config, deviceID string, queue Queue, sender Sender, log logger.Logger, opts ...Option) (*Uploader, error) {
	if deviceID == "" {
		return nil, errMissingDeviceID
	}

	cfg.ApplyDefaults()

	u := &Uploader{
		cfg:      cfg,
		deviceID: deviceID,
		queue:    queue,
		sender:   sender,
		clock:    realClock{},
		logger:   log,
		nudge:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		policy: backoff.Policy{
			Mode: backoff.ModeExponential,
			Base: cfg.BaseBackoff.Std(),
			Max:  cfg.MaxBackoff.Std(),
		},
	}

	for _, opt := range opts {
		opt(u)
	}

	return u, nil
}

// Stats returns a snapshot of the counters.
func (u *Uploader) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.stats
}

// SetBatchSize changes the frames per batch from the next cycle on.
func (u *Uploader) SetBatchSize(n int) error {
	if n <= 0 || n > maxBatchSize {
		return fmt.Errorf("%w: %d", errInvalidBatchSize, n)
	}

	u.mu.Lock()
	u.cfg.BatchSize = n
	u.mu.Unlock()

	u.logger.Info().Int("batch_size", n).Msg("Batch size changed")

	return nil
}

// SetCycleInterval changes the idle wait between cycles.
func (u *Uploader) SetCycleInterval(d time.Duration) error {
	if d <= 0 {
		return errInvalidInterval
	}

	u.mu.Lock()
	u.cfg.CycleInterval = models.Duration(d)
	u.mu.Unlock()

	u.logger.Info().Dur("cycle_interval", d).Msg("Cycle interval changed")
	u.Nudge()

	return nil
}

func (u *Uploader) pacing() (batchSize int, interval time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.cfg.BatchSize, u.cfg.CycleInterval.Std()
}

// Nudge cuts the current wait short, e.g. right after the session
// authenticates.
func (u *Uploader) Nudge() {
	select {
	case u.nudge <- struct{}{}:
	default:
	}
}

// Stop makes Run return once the cycle in flight, if any, has settled.
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() { close(u.stop) })
}

func (u *Uploader) stopped() bool {
	select {
	case <-u.stop:
		return true
	default:
		return false
	}
}

// RunCycle delivers at most one batch. The batch is acknowledged or
// requeued before RunCycle returns.
func (u *Uploader) RunCycle(ctx context.Context) (DeliveryResult, error) {
	batchSize, _ := u.pacing()

	entries, err := u.queue.PeekBatch(ctx, batchSize)
	if err != nil {
		err = fmt.Errorf("peek batch: %w", err)
		return u.failed(ctx, "", 0, err, models.SeverityError), err
	}

	if len(entries) == 0 {
		return DeliveryResult{Status: StatusIdle, Failures: u.Stats().ConsecutiveFailures}, nil
	}

	ids := models.EntryIDs(entries)
	batch := &wire.Batch{
		ID:       uuid.NewString(),
		DeviceID: u.deviceID,
		SentAt:   u.clock.Now(),
		Frames:   make([]models.CapturedFrame, len(entries)),
	}

	for i := range entries {
		batch.Frames[i] = entries[i].Frame
	}

	payload, err := wire.MarshalBatch(batch)
	if err == nil {
		_, err = u.sender.Send(ctx, session.PathIngest, payload)
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		if rqErr := u.queue.Requeue(settleCtx, ids); rqErr != nil {
			// The lease is in memory only; a restart returns the entries too.
			u.logger.Error().Err(rqErr).Str("batch_id", batch.ID).Msg("Failed to requeue batch")
		}

		sev := models.SeverityWarning
		if errors.Is(err, session.ErrInvalidRequest) {
			sev = models.SeverityError
			err = u.rejected(batch.ID, entries, err)
		}

		return u.failed(ctx, batch.ID, len(entries), err, sev), err
	}

	if err := u.queue.Acknowledge(settleCtx, ids); err != nil {
		err = fmt.Errorf("acknowledge batch %s: %w", batch.ID, err)
		return u.failed(ctx, batch.ID, len(entries), err, models.SeverityError), err
	}

	u.mu.Lock()
	u.stats.Batches++
	u.stats.FramesDelivered += int64(len(entries))
	u.stats.ConsecutiveFailures = 0
	u.stats.LastSuccess = u.clock.Now()
	u.mu.Unlock()

	u.logger.Debug().
		Str("batch_id", batch.ID).
		Int("frames", len(entries)).
		Msg("Delivered batch")

	return DeliveryResult{Status: StatusDelivered, BatchID: batch.ID, Count: len(entries)}, nil
}

// rejected records a batch the collector refused. The entries are never
// dropped, so the returned error names them and their attempt count to make
// a stuck head of the queue visible.
func (u *Uploader) rejected(batchID string, entries []models.QueueEntry, err error) error {
	ids := models.EntryIDs(entries)

	attempt := 0
	for i := range entries {
		attempt = max(attempt, entries[i].Attempts+1)
	}

	u.mu.Lock()
	u.stats.Rejected++
	u.mu.Unlock()

	u.logger.Error().Err(err).
		Str("batch_id", batchID).
		Ints64("entry_ids", ids).
		Int("attempt", attempt).
		Msg("Collector rejected batch, entries stay queued")

	return fmt.Errorf("%w (entries %d-%d, attempt %d)", err, ids[0], ids[len(ids)-1], attempt)
}

func (u *Uploader) failed(ctx context.Context, batchID string, count int, err error, sev models.Severity) DeliveryResult {
	u.mu.Lock()
	u.stats.Failures++
	u.stats.ConsecutiveFailures++
	failures := u.stats.ConsecutiveFailures
	u.mu.Unlock()

	// Not being connected is the normal state while the session reconnects.
	quiet := errors.Is(err, session.ErrNotAuthenticated)

	ev := u.logger.Debug
	if !quiet {
		ev = u.logger.Warn
	}

	ev().Err(err).
		Str("batch_id", batchID).
		Int("frames", count).
		Int("consecutive_failures", failures).
		Msg("Batch delivery failed")

	if u.reporter != nil && !quiet {
		u.reporter.Report(ctx, fmt.Sprintf("batch delivery failed (%d frames): %v", count, err), sev, true)
	}

	return DeliveryResult{Status: StatusFailed, BatchID: batchID, Count: count, Failures: failures, Err: err}
}

// NextDelay is the wait before the next cycle given the last result.
func (u *Uploader) NextDelay(res DeliveryResult) time.Duration {
	batchSize, interval := u.pacing()

	switch res.Status {
	case StatusFailed:
		return backoff.Delay(u.policy, res.Failures)
	case StatusDelivered:
		if res.Count >= batchSize {
			return 0
		}

		return interval
	default:
		return interval
	}
}

// Run loops over cycles until ctx is done or Stop is called.
func (u *Uploader) Run(ctx context.Context) error {
	batchSize, interval := u.pacing()

	u.logger.Info().
		Int("batch_size", batchSize).
		Dur("cycle_interval", interval).
		Dur("max_backoff", u.cfg.MaxBackoff.Std()).
		Msg("Starting upload batcher")

	for {
		if u.stopped() {
			return nil
		}

		res, _ := u.RunCycle(ctx)

		if ctx.Err() != nil || u.stopped() {
			return nil
		}

		delay := u.NextDelay(res)
		if delay == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-u.stop:
			return nil
		case <-u.nudge:
		case <-u.clock.After(delay):
		}
	}
}

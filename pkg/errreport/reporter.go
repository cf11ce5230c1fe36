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

// Package errreport records device-side failures, logs them locally and
// forwards them to the collector on a best-effort basis. Forwarded records
// wait in an outbox for their first delivery attempt; records whose delivery
// failed move to a small ring, and sustained overflow spills to the local
// queue.
package errreport

//go:generate mockgen -destination=mock_errreport.go -package=errreport github.com/carverauto/proberadar/pkg/errreport Sender,Spiller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/wire"
)

const (
	defaultCapacity       = 10
	defaultFlushInterval  = 30 * time.Second
	defaultForwardTimeout = 5 * time.Second
	maxSpillBuffer        = 1024
	maxOutbox             = 4096
	maxReportBatch        = 256
	maxDrainRounds        = 16
)

// ErrNoSender is returned by Flush before a session is attached.
var ErrNoSender = errors.New("error reporter has no sender")

// Sender delivers a payload over the authenticated session.
type Sender interface {
	Send(ctx context.Context, path string, payload []byte) (session.Reply, error)
}

// Spiller persists records that overflowed the ring.
type Spiller interface {
	SpillErrors(ctx context.Context, records []models.ErrorRecord) error
	DrainErrors(ctx context.Context, limit int) ([]models.ErrorRecord, error)
}

// Config sizes the ring and paces delivery.
type Config struct {
	Capacity       int             `json:"capacity" validate:"gte=0"`
	FlushInterval  models.Duration `json:"flush_interval"`
	ForwardTimeout models.Duration `json:"forward_timeout"`
	// SpillThreshold is how many evictions since the last successful
	// delivery are tolerated before further evictions spill to disk.
	SpillThreshold int `json:"spill_threshold" validate:"gte=0"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = models.Duration(defaultFlushInterval)
	}

	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = models.Duration(defaultForwardTimeout)
	}

	if c.SpillThreshold <= 0 {
		c.SpillThreshold = 2 * c.Capacity
	}
}

// Stats are cumulative counters.
type Stats struct {
	Reported  int64 `json:"reported"`
	Forwarded int64 `json:"forwarded"`
	Evicted   int64 `json:"evicted"`
	Spilled   int64 `json:"spilled"`
	Dropped   int64 `json:"dropped"`
	Buffered  int   `json:"buffered"`
}

// Reporter is the process-wide error reporter.
type Reporter struct {
	cfg      Config
	deviceID string
	logger   logger.Logger
	now      func() time.Time

	mu                sync.Mutex
	ring              *ring[models.ErrorRecord]
	outbox            []models.ErrorRecord
	sender            Sender
	spiller           Spiller
	evictedSinceFlush int
	spillBuf          []models.ErrorRecord
	stats             Stats

	// flushMu keeps deliveries one at a time.
	flushMu sync.Mutex
	kick    chan struct{}
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithClock overrides the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// New creates a reporter with no sender. Until SetSender is called records
// are logged and buffered only.
func New(cfg Config, deviceID string, log logger.Logger, opts ...Option) *Reporter {
	cfg.ApplyDefaults()

	r := &Reporter{
		cfg:      cfg,
		deviceID: deviceID,
		logger:   log,
		now:      time.Now,
		ring:     newRing[models.ErrorRecord](cfg.Capacity),
		kick:     make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// SetSender attaches the session used for delivery.
func (r *Reporter) SetSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

// SetSpiller attaches the overflow store.
func (r *Reporter) SetSpiller(s Spiller) {
	r.mu.Lock()
	r.spiller = s
	r.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stats
	st.Buffered = r.ring.len() + len(r.outbox)

	return st
}

// Pending returns the undelivered records: failed ones first, then those
// still awaiting their first attempt.
func (r *Reporter) Pending() []models.ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append(r.ring.all(), r.outbox...)
}

// Report records a failure. It always logs locally; with forward set the
// record is queued for immediate delivery by the flush loop. Report never
// blocks on the network.
func (r *Reporter) Report(ctx context.Context, message string, severity models.Severity, forward bool) {
	r.record(ctx, "", message, severity, forward)
}

// Reportf formats and forwards a record.
func (r *Reporter) Reportf(ctx context.Context, severity models.Severity, format string, args ...interface{}) {
	r.record(ctx, "", fmt.Sprintf(format, args...), severity, true)
}

// For returns a view that stamps records with component.
func (r *Reporter) For(component string) *Scoped {
	return &Scoped{r: r, component: component}
}

// Scoped is a component-tagged reporter.
type Scoped struct {
	r         *Reporter
	component string
}

// Report records a failure on behalf of the component.
func (s *Scoped) Report(ctx context.Context, message string, severity models.Severity, forward bool) {
	s.r.record(ctx, s.component, message, severity, forward)
}

// Reportf formats and forwards a record on behalf of the component.
func (s *Scoped) Reportf(ctx context.Context, severity models.Severity, format string, args ...interface{}) {
	s.r.record(ctx, s.component, fmt.Sprintf(format, args...), severity, true)
}

func (r *Reporter) record(_ context.Context, component, message string, severity models.Severity, forward bool) {
	if severity == "" {
		severity = models.SeverityError
	}

	rec := models.ErrorRecord{
		ID:        uuid.NewString(),
		Message:   message,
		Severity:  severity,
		Component: component,
		Timestamp: r.now().UTC(),
	}

	r.logLocal(&rec, forward)

	r.mu.Lock()
	r.stats.Reported++

	if !forward {
		r.mu.Unlock()
		return
	}

	// Without a session there is nothing to attempt, so the record counts as
	// failed right away.
	if r.sender != nil && len(r.outbox) < maxOutbox {
		r.outbox = append(r.outbox, rec)
	} else {
		r.admit(rec)
	}
	r.mu.Unlock()

	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// admit buffers a record whose delivery failed. Callers hold r.mu.
func (r *Reporter) admit(rec models.ErrorRecord) {
	evicted, ok := r.ring.push(rec)
	if !ok {
		return
	}

	r.stats.Evicted++
	r.evictedSinceFlush++

	if r.spiller != nil && r.evictedSinceFlush > r.cfg.SpillThreshold && len(r.spillBuf) < maxSpillBuffer {
		r.spillBuf = append(r.spillBuf, evicted)
		return
	}

	r.stats.Dropped++
}

// requeue moves records from a failed attempt into the ring and persists any
// overflow that crossed the spill threshold.
func (r *Reporter) requeue(ctx context.Context, records []models.ErrorRecord) {
	if len(records) == 0 {
		return
	}

	r.mu.Lock()
	for i := range records {
		r.admit(records[i])
	}
	r.mu.Unlock()

	r.spillPending(ctx)
}

func (r *Reporter) logLocal(rec *models.ErrorRecord, forward bool) {
	ev := r.event(rec.Severity)

	if rec.Component != "" {
		ev = ev.Str("component", rec.Component)
	}

	ev.Str("error_id", rec.ID).
		Str("severity", string(rec.Severity)).
		Bool("forward", forward).
		Msg(rec.Message)
}

func (r *Reporter) event(sev models.Severity) *zerolog.Event {
	switch sev {
	case models.SeverityDebug:
		return r.logger.Debug()
	case models.SeverityInfo:
		return r.logger.Info()
	case models.SeverityWarning:
		return r.logger.Warn()
	default:
		return r.logger.Error()
	}
}

// Flush delivers the buffered records together with every record awaiting
// its first attempt, then any spilled ones. Records whose delivery fails are
// kept in the ring.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.spillPending(ctx)

	r.mu.Lock()
	sender, spiller := r.sender, r.spiller
	buffered := r.ring.all()
	outbox := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	if sender == nil {
		r.requeue(ctx, outbox)
		return ErrNoSender
	}

	records := append(buffered, outbox...)
	chunk := max(maxReportBatch, r.cfg.Capacity)

	for start := 0; start < len(records); start += chunk {
		end := min(start+chunk, len(records))
		batch := records[start:end]

		if err := r.deliver(ctx, sender, batch); err != nil {
			r.requeue(ctx, outbox[max(0, start-len(buffered)):])
			return err
		}

		sent := make(map[string]struct{}, len(batch))
		for i := range batch {
			sent[batch[i].ID] = struct{}{}
		}

		r.mu.Lock()
		r.ring.removeIf(func(rec models.ErrorRecord) bool {
			_, ok := sent[rec.ID]
			return ok
		})
		r.evictedSinceFlush = 0
		r.stats.Forwarded += int64(len(batch))
		r.mu.Unlock()
	}

	if spiller != nil {
		return r.forwardSpilled(ctx, sender, spiller)
	}

	return nil
}

func (r *Reporter) deliver(ctx context.Context, sender Sender, records []models.ErrorRecord) error {
	payload := wire.MarshalErrorReport(&wire.ErrorReport{DeviceID: r.deviceID, Records: records})

	sctx, cancel := context.WithTimeout(ctx, r.cfg.ForwardTimeout.Std())
	defer cancel()

	if _, err := sender.Send(sctx, session.PathErrors, payload); err != nil {
		sev := models.SeverityWarning
		if errors.Is(err, session.ErrNotAuthenticated) {
			sev = models.SeverityDebug
		}

		r.event(sev).Err(err).Int("records", len(records)).Msg("Error report delivery failed")

		return fmt.Errorf("deliver error report: %w", err)
	}

	return nil
}

func (r *Reporter) spillPending(ctx context.Context) {
	r.mu.Lock()
	pending, spiller := r.spillBuf, r.spiller
	r.spillBuf = nil
	r.mu.Unlock()

	if len(pending) == 0 || spiller == nil {
		return
	}

	if err := spiller.SpillErrors(ctx, pending); err != nil {
		r.logger.Warn().Err(err).Int("records", len(pending)).Msg("Failed to spill error records")

		r.mu.Lock()
		r.stats.Dropped += int64(len(pending))
		r.mu.Unlock()

		return
	}

	r.mu.Lock()
	r.stats.Spilled += int64(len(pending))
	r.mu.Unlock()
}

func (r *Reporter) forwardSpilled(ctx context.Context, sender Sender, spiller Spiller) error {
	for round := 0; round < maxDrainRounds; round++ {
		records, err := spiller.DrainErrors(ctx, r.cfg.Capacity)
		if err != nil {
			return fmt.Errorf("drain spilled errors: %w", err)
		}

		if len(records) == 0 {
			return nil
		}

		if err := r.deliver(ctx, sender, records); err != nil {
			if serr := spiller.SpillErrors(context.WithoutCancel(ctx), records); serr != nil {
				r.logger.Warn().Err(serr).Msg("Failed to return error records to spill table")
			}

			return err
		}

		r.mu.Lock()
		r.stats.Forwarded += int64(len(records))
		r.mu.Unlock()
	}

	return nil
}

// Run flushes on every report and every FlushInterval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}

		if err := r.Flush(ctx); err != nil && !errors.Is(err, ErrNoSender) {
			r.logger.Debug().Err(err).Msg("Error flush incomplete")
		}
	}
}

// Close persists undelivered records to the spill table so they survive a
// restart. It does not attempt delivery.
func (r *Reporter) Close(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	spiller := r.spiller
	records := append(r.spillBuf, r.ring.all()...)
	records = append(records, r.outbox...)
	r.spillBuf = nil
	r.outbox = nil
	r.ring = newRing[models.ErrorRecord](r.cfg.Capacity)
	r.mu.Unlock()

	if spiller == nil || len(records) == 0 {
		return nil
	}

	if err := spiller.SpillErrors(ctx, records); err != nil {
		return fmt.Errorf("persist pending error records: %w", err)
	}

	r.mu.Lock()
	r.stats.Spilled += int64(len(records))
	r.mu.Unlock()

	return nil
}

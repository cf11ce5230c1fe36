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

package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/spool"
)

// dropReportInterval throttles staging-full reports to one per this many
// dropped frames.
const dropReportInterval = 1000

// Sink accepts captured frames without blocking on I/O.
type Sink interface {
	Enqueue(frame models.CapturedFrame) error
}

// Pump moves frames from a Handle into a Sink until the stream ends.
type Pump struct {
	handle   *Handle
	sink     Sink
	reporter Reporter
	logger   logger.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewPump wires a capture handle to the queue.
func NewPump(handle *Handle, sink Sink, reporter Reporter, log logger.Logger) *Pump {
	return &Pump{handle: handle, sink: sink, reporter: reporter, logger: log}
}

// PumpStats counts frames handed to the sink.
type PumpStats struct {
	Counters
	Enqueued uint64 `json:"enqueued"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns a snapshot of the pump counters.
func (p *Pump) Stats() PumpStats {
	return PumpStats{
		Counters: p.handle.Counters(),
		Enqueued: p.enqueued.Load(),
		Dropped:  p.dropped.Load(),
	}
}

// Run blocks until ctx is done, the handle is closed or the source fails.
// A closed handle or cancelled context is a clean stop.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info().Msg("Capture started")

	defer func() {
		s := p.Stats()
		p.logger.Info().
			Uint64("packets", s.Packets).
			Uint64("frames", s.Frames).
			Uint64("malformed", s.Malformed).
			Uint64("enqueued", s.Enqueued).
			Uint64("dropped", s.Dropped).
			Msg("Capture stopped")
	}()

	for {
		frame, err := p.handle.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrEndOfStream) {
				return nil
			}

			return err
		}

		if err := frame.Validate(); err != nil {
			p.report(ctx, models.SeverityWarning, "skipping frame: %v", err)
			continue
		}

		if err := p.sink.Enqueue(frame); err != nil {
			if errors.Is(err, spool.ErrClosed) {
				return nil
			}

			n := p.dropped.Add(1)
			if errors.Is(err, spool.ErrStagingFull) && n%dropReportInterval != 1 {
				continue
			}

			p.report(ctx, models.SeverityError, "dropped frame at enqueue (%d total): %v", n, err)

			continue
		}

		p.enqueued.Add(1)
	}
}

func (p *Pump) report(ctx context.Context, sev models.Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	if p.reporter == nil {
		p.logger.Warn().Str("severity", string(sev)).Msg(msg)
		return
	}

	p.reporter.Report(ctx, msg, sev, true)
}

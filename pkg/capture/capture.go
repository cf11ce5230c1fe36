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

// Package capture turns a monitor-mode packet stream into probe-request
// observations and hands them to the durable queue.
package capture

//go:generate mockgen -destination=mock_capture.go -package=capture github.com/carverauto/proberadar/pkg/capture CommandRunner,Reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
)

const (
	// DefaultFilter keeps only 802.11 probe requests.
	DefaultFilter  = "type mgt subtype probe-req"
	DefaultSnapLen = 2048

	component = "capture"
)

var (
	ErrEndOfStream     = errors.New("end of capture stream")
	ErrSourceFailed    = errors.New("capture source failed")
	ErrReadTimeout     = errors.New("capture read timeout")
	ErrNotProbeRequest = errors.New("not a probe request")
	ErrMalformedFrame  = errors.New("malformed frame")
)

// PacketSource yields raw link-layer packets. Implementations return
// ErrReadTimeout when no packet arrived within their poll interval and
// io.EOF once exhausted.
type PacketSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
	Close()
}

// Reporter receives decode failures.
type Reporter interface {
	Report(ctx context.Context, message string, severity models.Severity, forward bool)
}

// Options configures a live capture.
type Options struct {
	Interface   string          `json:"interface" validate:"required"`
	Filter      string          `json:"filter"`
	SnapLen     int             `json:"snap_len" validate:"gte=0"`
	Promiscuous bool            `json:"promiscuous"`
	ReadTimeout models.Duration `json:"read_timeout"`
}

// ApplyDefaults fills unset fields.
func (o *Options) ApplyDefaults() {
	if o.Filter == "" {
		o.Filter = DefaultFilter
	}

	if o.SnapLen == 0 {
		o.SnapLen = DefaultSnapLen
	}

	if o.ReadTimeout == 0 {
		o.ReadTimeout = models.Duration(500 * time.Millisecond)
	}
}

// Counters summarizes what a Handle has seen.
type Counters struct {
	Packets   uint64 `json:"packets"`
	Frames    uint64 `json:"frames"`
	Skipped   uint64 `json:"skipped"`
	Malformed uint64 `json:"malformed"`
}

// Handle is a lazy, non-restartable stream of decoded probe requests.
type Handle struct {
	src      PacketSource
	logger   logger.Logger
	reporter Reporter
	now      func() time.Time

	closeOnce sync.Once
	closed    atomic.Bool

	packets   atomic.Uint64
	frames    atomic.Uint64
	skipped   atomic.Uint64
	malformed atomic.Uint64
}

// NewHandle wraps an already-open packet source.
func NewHandle(src PacketSource, log logger.Logger, reporter Reporter) *Handle {
	return &Handle{
		src:      src,
		logger:   log,
		reporter: reporter,
		now:      time.Now,
	}
}

// OpenOffline replays a pcap file, for example one recorded in the field.
func OpenOffline(path string, log logger.Logger, reporter Reporter) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}

	r, err := pcapgo.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read pcap header: %w", err)
	}

	return NewHandle(&fileSource{r: r, f: f}, log, reporter), nil
}

type fileSource struct {
	r *pcapgo.Reader
	f *os.File
}

func (s *fileSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.r.ReadPacketData()
}

func (s *fileSource) LinkType() layers.LinkType { return s.r.LinkType() }

func (s *fileSource) Close() { _ = s.f.Close() }

// Next blocks until the next probe request is decoded. Non-probe packets are
// skipped silently; malformed ones are reported and skipped. It returns
// ErrEndOfStream once the handle is closed or the source is exhausted, and
// ErrSourceFailed if the interface goes away.
func (h *Handle) Next(ctx context.Context) (models.CapturedFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.CapturedFrame{}, err
		}

		if h.closed.Load() {
			return models.CapturedFrame{}, ErrEndOfStream
		}

		data, ci, err := h.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}

			if errors.Is(err, io.EOF) || h.closed.Load() {
				return models.CapturedFrame{}, ErrEndOfStream
			}

			return models.CapturedFrame{}, fmt.Errorf("%w: %w", ErrSourceFailed, err)
		}

		h.packets.Add(1)

		packet := gopacket.NewPacket(data, h.src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		packet.Metadata().CaptureInfo = ci

		frame, err := Decode(packet)

		switch {
		case err == nil:
			if frame.Timestamp.IsZero() {
				frame.Timestamp = models.TruncateTimestamp(h.now().UTC())
			}

			h.frames.Add(1)

			return frame, nil
		case errors.Is(err, ErrNotProbeRequest):
			h.skipped.Add(1)
		default:
			h.malformed.Add(1)
			h.reportMalformed(ctx, err)
		}
	}
}

func (h *Handle) reportMalformed(ctx context.Context, err error) {
	if h.reporter != nil {
		h.reporter.Report(ctx, fmt.Sprintf("skipping frame: %v", err), models.SeverityWarning, true)
		return
	}

	h.logger.Warn().Err(err).Msg("Skipping malformed frame")
}

// Close stops the stream. A blocked Next returns ErrEndOfStream once the
// source unblocks.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.src.Close()
	})
}

// Counters returns a snapshot of the handle's counters.
func (h *Handle) Counters() Counters {
	return Counters{
		Packets:   h.packets.Load(),
		Frames:    h.frames.Load(),
		Skipped:   h.skipped.Load(),
		Malformed: h.malformed.Load(),
	}
}

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

// Package live opens monitor-mode interfaces through libpcap. It is kept
// apart from package capture so only the agent binary needs cgo.
package live

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/carverauto/proberadar/pkg/capture"
	"github.com/carverauto/proberadar/pkg/logger"
)

// Open starts a live capture on opts.Interface with the configured BPF
// filter applied in the kernel.
func Open(opts capture.Options, log logger.Logger, reporter capture.Reporter) (*capture.Handle, error) {
	opts.ApplyDefaults()

	h, err := pcap.OpenLive(opts.Interface, int32(opts.SnapLen), opts.Promiscuous, opts.ReadTimeout.Std())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Interface, err)
	}

	if err := h.SetBPFFilter(opts.Filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set filter %q: %w", opts.Filter, err)
	}

	log.Info().
		Str("interface", opts.Interface).
		Str("filter", opts.Filter).
		Str("link_type", h.LinkType().String()).
		Msg("Opened live capture")

	return capture.NewHandle(&source{h: h}, log, reporter), nil
}

// source adapts a pcap handle to capture.PacketSource.
type source struct {
	h *pcap.Handle
}

func (s *source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.h.ReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, capture.ErrReadTimeout
	}

	return data, ci, err
}

func (s *source) LinkType() layers.LinkType { return s.h.LinkType() }

func (s *source) Close() { s.h.Close() }

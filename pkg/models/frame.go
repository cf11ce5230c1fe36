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

package models

import (
	"fmt"
	"net"
	"time"
)

const (
	// SequenceMask bounds 802.11 sequence numbers to their 12-bit field.
	SequenceMask = 0x0fff
	// MaxSSIDLength is the largest SSID an information element may carry.
	MaxSSIDLength = 32
)

// CapturedFrame is a single probe-request observation. Values are never
// mutated after capture.
type CapturedFrame struct {
	SourceMAC [6]byte   `json:"source_mac"`
	SSID      string    `json:"ssid"`
	SignalDBM int8      `json:"signal_dbm"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint16    `json:"sequence"`
	Channel   uint16    `json:"channel_mhz,omitempty"`
}

// MAC returns the source address in net.HardwareAddr form.
func (f *CapturedFrame) MAC() net.HardwareAddr {
	mac := make(net.HardwareAddr, len(f.SourceMAC))
	copy(mac, f.SourceMAC[:])

	return mac
}

// Hidden reports whether the probe was a wildcard (broadcast) request.
func (f *CapturedFrame) Hidden() bool {
	return f.SSID == ""
}

// Validate checks the invariants every frame must hold before it is queued.
func (f *CapturedFrame) Validate() error {
	if len(f.SSID) > MaxSSIDLength {
		return fmt.Errorf("%w: ssid is %d bytes", ErrInvalidFrame, len(f.SSID))
	}

	if f.Sequence > SequenceMask {
		return fmt.Errorf("%w: sequence %d exceeds 12 bits", ErrInvalidFrame, f.Sequence)
	}

	if f.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidFrame)
	}

	return nil
}

// DedupKey identifies an observation for server-side duplicate suppression.
func (f *CapturedFrame) DedupKey() string {
	return fmt.Sprintf("%s/%d/%d", f.MAC(), f.Sequence, f.Timestamp.UnixMicro())
}

// TruncateTimestamp normalizes t to the microsecond precision frames carry.
func TruncateTimestamp(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

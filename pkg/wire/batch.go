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

// Package wire encodes the messages the agent sends to the collector using
// the protobuf wire format. Field numbers are part of the device protocol and
// must never be reused.
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/carverauto/proberadar/pkg/models"
)

const ContentType = "application/x-protobuf"

var (
	ErrMalformed     = errors.New("malformed message")
	ErrInvalidMAC    = errors.New("source mac must be 6 bytes")
	ErrMissingBatch  = errors.New("batch id is required")
	ErrMissingDevice = errors.New("device id is required")
)

// Frame fields.
const (
	frameSourceMAC   protowire.Number = 1
	frameSSID        protowire.Number = 2
	frameSignalDBM   protowire.Number = 3
	frameTimestampUS protowire.Number = 4
	frameSequence    protowire.Number = 5
	frameChannel     protowire.Number = 6
)

// Batch fields.
const (
	batchID       protowire.Number = 1
	batchDeviceID protowire.Number = 2
	batchFrames   protowire.Number = 3
	batchSentAtUS protowire.Number = 4
)

// Batch is one upload unit sent to the ingest endpoint.
type Batch struct {
	ID       string
	DeviceID string
	SentAt   time.Time
	Frames   []models.CapturedFrame
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// walk decodes each top-level field of a message. Unknown fields and wire
// types are skipped.
func walk(data []byte, fn func(f field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}

		data = data[n:]
		f := field{num: num, typ: typ}

		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}

		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}

		data = data[n:]

		if err := fn(f); err != nil {
			return err
		}
	}

	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}

	return appendVarint(b, num, uint64(t.UnixMicro()))
}

func timeFromMicros(v uint64) time.Time {
	return time.UnixMicro(int64(v)).UTC()
}

// AppendFrame appends the encoding of f to b.
func AppendFrame(b []byte, f *models.CapturedFrame) []byte {
	b = protowire.AppendTag(b, frameSourceMAC, protowire.BytesType)
	b = protowire.AppendBytes(b, f.SourceMAC[:])
	b = appendString(b, frameSSID, f.SSID)
	b = appendVarint(b, frameSignalDBM, protowire.EncodeZigZag(int64(f.SignalDBM)))
	b = appendTime(b, frameTimestampUS, f.Timestamp)
	b = appendVarint(b, frameSequence, uint64(f.Sequence))
	b = appendVarint(b, frameChannel, uint64(f.Channel))

	return b
}

// MarshalFrame encodes a single frame.
func MarshalFrame(f *models.CapturedFrame) []byte {
	return AppendFrame(make([]byte, 0, 64), f)
}

// UnmarshalFrame decodes a frame produced by MarshalFrame.
func UnmarshalFrame(data []byte) (models.CapturedFrame, error) {
	var f models.CapturedFrame

	sawMAC := false

	err := walk(data, func(fld field) error {
		switch fld.num {
		case frameSourceMAC:
			if len(fld.bytes) != len(f.SourceMAC) {
				return fmt.Errorf("%w: got %d", ErrInvalidMAC, len(fld.bytes))
			}

			copy(f.SourceMAC[:], fld.bytes)

			sawMAC = true
		case frameSSID:
			f.SSID = string(fld.bytes)
		case frameSignalDBM:
			f.SignalDBM = int8(protowire.DecodeZigZag(fld.varint))
		case frameTimestampUS:
			f.Timestamp = timeFromMicros(fld.varint)
		case frameSequence:
			f.Sequence = uint16(fld.varint & models.SequenceMask)
		case frameChannel:
			f.Channel = uint16(fld.varint)
		}

		return nil
	})
	if err != nil {
		return models.CapturedFrame{}, err
	}

	if !sawMAC {
		return models.CapturedFrame{}, ErrInvalidMAC
	}

	return f, nil
}

// MarshalBatch encodes a batch for the ingest endpoint.
func MarshalBatch(batch *Batch) ([]byte, error) {
	if batch.ID == "" {
		return nil, ErrMissingBatch
	}

	if batch.DeviceID == "" {
		return nil, ErrMissingDevice
	}

	b := make([]byte, 0, 64+len(batch.Frames)*48)
	b = appendString(b, batchID, batch.ID)
	b = appendString(b, batchDeviceID, batch.DeviceID)

	for i := range batch.Frames {
		b = protowire.AppendTag(b, batchFrames, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalFrame(&batch.Frames[i]))
	}

	b = appendTime(b, batchSentAtUS, batch.SentAt)

	return b, nil
}

// UnmarshalBatch decodes an ingest payload.
func UnmarshalBatch(data []byte) (*Batch, error) {
	batch := &Batch{}

	err := walk(data, func(fld field) error {
		switch fld.num {
		case batchID:
			batch.ID = string(fld.bytes)
		case batchDeviceID:
			batch.DeviceID = string(fld.bytes)
		case batchSentAtUS:
			batch.SentAt = timeFromMicros(fld.varint)
		case batchFrames:
			f, err := UnmarshalFrame(fld.bytes)
			if err != nil {
				return fmt.Errorf("frame %d: %w", len(batch.Frames), err)
			}

			batch.Frames = append(batch.Frames, f)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if batch.ID == "" {
		return nil, ErrMissingBatch
	}

	if batch.DeviceID == "" {
		return nil, ErrMissingDevice
	}

	return batch, nil
}

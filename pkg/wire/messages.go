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

package wire

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/carverauto/proberadar/pkg/models"
)

const (
	helloDeviceID     protowire.Number = 1
	helloToken        protowire.Number = 2
	helloCookie       protowire.Number = 3
	helloEpoch        protowire.Number = 4
	helloAgentVersion protowire.Number = 5
	helloHostname     protowire.Number = 6
	helloPlatform     protowire.Number = 7
)

// Hello opens or resumes a device session.
type Hello struct {
	DeviceID     string
	Token        string
	Cookie       string
	Epoch        int64
	AgentVersion string
	Hostname     string
	Platform     string
}

// MarshalHello encodes a handshake request.
func MarshalHello(h *Hello) []byte {
	b := make([]byte, 0, 128)
	b = appendString(b, helloDeviceID, h.DeviceID)
	b = appendString(b, helloToken, h.Token)
	b = appendString(b, helloCookie, h.Cookie)
	b = appendVarint(b, helloEpoch, uint64(h.Epoch))
	b = appendString(b, helloAgentVersion, h.AgentVersion)
	b = appendString(b, helloHostname, h.Hostname)
	b = appendString(b, helloPlatform, h.Platform)

	return b
}

// UnmarshalHello decodes a handshake request.
func UnmarshalHello(data []byte) (*Hello, error) {
	h := &Hello{}

	err := walk(data, func(f field) error {
		switch f.num {
		case helloDeviceID:
			h.DeviceID = string(f.bytes)
		case helloToken:
			h.Token = string(f.bytes)
		case helloCookie:
			h.Cookie = string(f.bytes)
		case helloEpoch:
			h.Epoch = int64(f.varint)
		case helloAgentVersion:
			h.AgentVersion = string(f.bytes)
		case helloHostname:
			h.Hostname = string(f.bytes)
		case helloPlatform:
			h.Platform = string(f.bytes)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if h.DeviceID == "" {
		return nil, ErrMissingDevice
	}

	return h, nil
}

const (
	codeDeviceID      protowire.Number = 1
	codeCachedVersion protowire.Number = 2
)

// CodeRequest asks the code distribution endpoint for control logic.
type CodeRequest struct {
	DeviceID      string
	CachedVersion string
}

// MarshalCodeRequest encodes a code fetch request.
func MarshalCodeRequest(r *CodeRequest) []byte {
	b := appendString(nil, codeDeviceID, r.DeviceID)
	return appendString(b, codeCachedVersion, r.CachedVersion)
}

// UnmarshalCodeRequest decodes a code fetch request.
func UnmarshalCodeRequest(data []byte) (*CodeRequest, error) {
	r := &CodeRequest{}

	err := walk(data, func(f field) error {
		switch f.num {
		case codeDeviceID:
			r.DeviceID = string(f.bytes)
		case codeCachedVersion:
			r.CachedVersion = string(f.bytes)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

const (
	errorID          protowire.Number = 1
	errorMessage     protowire.Number = 2
	errorSeverity    protowire.Number = 3
	errorComponent   protowire.Number = 4
	errorTimestampUS protowire.Number = 5

	reportDeviceID protowire.Number = 1
	reportRecords  protowire.Number = 2
)

// ErrorReport carries buffered error records to the error intake endpoint.
type ErrorReport struct {
	DeviceID string
	Records  []models.ErrorRecord
}

func appendErrorRecord(b []byte, r *models.ErrorRecord) []byte {
	b = appendString(b, errorID, r.ID)
	b = appendString(b, errorMessage, r.Message)
	b = appendString(b, errorSeverity, string(r.Severity))
	b = appendString(b, errorComponent, r.Component)

	return appendTime(b, errorTimestampUS, r.Timestamp)
}

func unmarshalErrorRecord(data []byte) (models.ErrorRecord, error) {
	var r models.ErrorRecord

	err := walk(data, func(f field) error {
		switch f.num {
		case errorID:
			r.ID = string(f.bytes)
		case errorMessage:
			r.Message = string(f.bytes)
		case errorSeverity:
			r.Severity = models.Severity(f.bytes)
		case errorComponent:
			r.Component = string(f.bytes)
		case errorTimestampUS:
			r.Timestamp = timeFromMicros(f.varint)
		}

		return nil
	})

	return r, err
}

// MarshalErrorReport encodes an error report.
func MarshalErrorReport(rep *ErrorReport) []byte {
	b := appendString(make([]byte, 0, 64*len(rep.Records)+32), reportDeviceID, rep.DeviceID)

	for i := range rep.Records {
		b = protowire.AppendTag(b, reportRecords, protowire.BytesType)
		b = protowire.AppendBytes(b, appendErrorRecord(nil, &rep.Records[i]))
	}

	return b
}

// UnmarshalErrorReport decodes an error report.
func UnmarshalErrorReport(data []byte) (*ErrorReport, error) {
	rep := &ErrorReport{}

	err := walk(data, func(f field) error {
		switch f.num {
		case reportDeviceID:
			rep.DeviceID = string(f.bytes)
		case reportRecords:
			r, err := unmarshalErrorRecord(f.bytes)
			if err != nil {
				return err
			}

			rep.Records = append(rep.Records, r)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return rep, nil
}

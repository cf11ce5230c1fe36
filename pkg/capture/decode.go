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
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/carverauto/proberadar/pkg/models"
)

// Decode extracts a probe request from a radiotap or bare 802.11 packet. It
// returns ErrNotProbeRequest for any other frame and ErrMalformedFrame when
// a probe request cannot be parsed.
func Decode(packet gopacket.Packet) (models.CapturedFrame, error) {
	dot11, ok := packet.Layer(layers.LayerTypeDot11).(*layers.Dot11)
	if !ok {
		if errLayer := packet.ErrorLayer(); errLayer != nil && wireless(packet) {
			return models.CapturedFrame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, errLayer.Error())
		}

		return models.CapturedFrame{}, ErrNotProbeRequest
	}

	if dot11.Type != layers.Dot11TypeMgmtProbeReq {
		return models.CapturedFrame{}, ErrNotProbeRequest
	}

	probe, ok := packet.Layer(layers.LayerTypeDot11MgmtProbeReq).(*layers.Dot11MgmtProbeReq)
	if !ok {
		return models.CapturedFrame{}, fmt.Errorf("%w: probe request body missing", ErrMalformedFrame)
	}

	if len(dot11.Address2) != 6 {
		return models.CapturedFrame{}, fmt.Errorf("%w: source address has %d bytes", ErrMalformedFrame, len(dot11.Address2))
	}

	ssid, err := parseSSID(probe.LayerContents())
	if err != nil {
		return models.CapturedFrame{}, err
	}

	frame := models.CapturedFrame{
		SSID:     ssid,
		Sequence: dot11.SequenceNumber & models.SequenceMask,
	}
	copy(frame.SourceMAC[:], dot11.Address2)

	if rt, ok := packet.Layer(layers.LayerTypeRadioTap).(*layers.RadioTap); ok {
		if rt.Present.DBMAntennaSignal() {
			frame.SignalDBM = rt.DBMAntennaSignal
		}

		if rt.Present.Channel() {
			frame.Channel = uint16(rt.ChannelFrequency)
		}
	}

	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		frame.Timestamp = models.TruncateTimestamp(md.Timestamp.UTC())
	}

	return frame, nil
}

// parseSSID walks the tagged parameters of a probe request body and returns
// the SSID element. A missing or zero-length element is a wildcard probe.
func parseSSID(body []byte) (string, error) {
	for i := 0; i < len(body); {
		if i+2 > len(body) {
			return "", fmt.Errorf("%w: truncated element header at %d", ErrMalformedFrame, i)
		}

		id := layers.Dot11InformationElementID(body[i])
		n := int(body[i+1])
		i += 2

		if i+n > len(body) {
			return "", fmt.Errorf("%w: element %d overruns body", ErrMalformedFrame, id)
		}

		if id == layers.Dot11InformationElementIDSSID {
			if n > models.MaxSSIDLength {
				return "", fmt.Errorf("%w: ssid element is %d bytes", ErrMalformedFrame, n)
			}

			return string(body[i : i+n]), nil
		}

		i += n
	}

	return "", nil
}

// wireless reports whether decoding started at an 802.11 layer, so a decode
// failure means a damaged radio frame rather than foreign traffic.
func wireless(packet gopacket.Packet) bool {
	ls := packet.Layers()
	if len(ls) == 0 {
		return true
	}

	switch ls[0].LayerType() {
	case layers.LayerTypeRadioTap, layers.LayerTypeDot11, gopacket.LayerTypeDecodeFailure:
		return true
	default:
		return false
	}
}

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
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/spool"
)

var (
	broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	clientMAC = net.HardwareAddr{0x3c, 0x22, 0xfb, 0x10, 0x20, 0x30}
	captured  = time.Date(2025, 5, 2, 10, 30, 0, 123456789, time.UTC)
)

func serialize(t *testing.T, dot11Type layers.Dot11Type, seq uint16, body []byte) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.RadioTap{
			Present:          layers.RadioTapPresentChannel | layers.RadioTapPresentDBMAntennaSignal,
			ChannelFrequency: 2437,
			DBMAntennaSignal: -61,
		},
		&layers.Dot11{
			Type:           dot11Type,
			Address1:       broadcast,
			Address2:       clientMAC,
			Address3:       broadcast,
			SequenceNumber: seq,
		},
		gopacket.Payload(body),
	)
	require.NoError(t, err)

	return buf.Bytes()
}

func probeBody(ssid string) []byte {
	body := append([]byte{0, byte(len(ssid))}, ssid...)
	return append(body, 1, 4, 0x02, 0x04, 0x0b, 0x16)
}

func probe(t *testing.T, seq uint16, ssid string) []byte {
	t.Helper()
	return serialize(t, layers.Dot11TypeMgmtProbeReq, seq, probeBody(ssid))
}

func decodeBytes(data []byte) (models.CapturedFrame, error) {
	p := gopacket.NewPacket(data, layers.LinkTypeIEEE80211Radio, gopacket.Default)
	p.Metadata().Timestamp = captured

	return Decode(p)
}

func TestDecodeProbeRequest(t *testing.T) {
	frame, err := decodeBytes(probe(t, 1234, "CoffeeShop"))
	require.NoError(t, err)

	assert.Equal(t, clientMAC, frame.MAC())
	assert.Equal(t, "CoffeeShop", frame.SSID)
	assert.Equal(t, int8(-61), frame.SignalDBM)
	assert.Equal(t, uint16(2437), frame.Channel)
	assert.Equal(t, uint16(1234), frame.Sequence)
	assert.Equal(t, captured.Truncate(time.Microsecond), frame.Timestamp)
	require.NoError(t, frame.Validate())
}

func TestDecodeWildcardProbe(t *testing.T) {
	frame, err := decodeBytes(probe(t, 7, ""))
	require.NoError(t, err)
	assert.True(t, frame.Hidden())
}

func TestDecodeSkipsOtherFrames(t *testing.T) {
	_, err := decodeBytes(serialize(t, layers.Dot11TypeMgmtBeacon, 1, make([]byte, 16)))
	require.ErrorIs(t, err, ErrNotProbeRequest)

	eth := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(eth, gopacket.SerializeOptions{},
		&layers.Ethernet{SrcMAC: clientMAC, DstMAC: broadcast, EthernetType: layers.EthernetTypeLLC},
		gopacket.Payload([]byte{1, 2, 3, 4})))

	_, err = Decode(gopacket.NewPacket(eth.Bytes(), layers.LinkTypeEthernet, gopacket.Default))
	require.ErrorIs(t, err, ErrNotProbeRequest)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := decodeBytes(serialize(t, layers.Dot11TypeMgmtProbeReq, 1, []byte{0, 20, 'a', 'b'}))
	require.ErrorIs(t, err, ErrMalformedFrame)

	long := append([]byte{0, 40}, make([]byte, 40)...)
	_, err = decodeBytes(serialize(t, layers.Dot11TypeMgmtProbeReq, 1, long))
	require.ErrorIs(t, err, ErrMalformedFrame)

	full := probe(t, 1, "x")
	_, err = decodeBytes(full[:20])
	require.ErrorIs(t, err, ErrMalformedFrame)
}

type fakeSource struct {
	mu      sync.Mutex
	packets [][]byte
	errs    []error
	closed  bool
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, gopacket.CaptureInfo{}, errors.New("handle closed")
	}

	if len(s.packets) == 0 {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}

	data, err := s.packets[0], s.errs[0]
	s.packets, s.errs = s.packets[1:], s.errs[1:]

	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}

	return data, gopacket.CaptureInfo{Timestamp: captured, CaptureLength: len(data), Length: len(data)}, nil
}

func (*fakeSource) LinkType() layers.LinkType { return layers.LinkTypeIEEE80211Radio }

func (s *fakeSource) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSource) push(data []byte, err error) {
	s.packets = append(s.packets, data)
	s.errs = append(s.errs, err)
}

func TestHandleNextSkipsAndReports(t *testing.T) {
	ctrl := gomock.NewController(t)
	reporter := NewMockReporter(ctrl)
	reporter.EXPECT().Report(gomock.Any(), gomock.Any(), models.SeverityWarning, true).Times(1)

	src := &fakeSource{}
	src.push(nil, ErrReadTimeout)
	src.push(serialize(t, layers.Dot11TypeMgmtBeacon, 1, make([]byte, 16)), nil)
	src.push(serialize(t, layers.Dot11TypeMgmtProbeReq, 2, []byte{0, 9}), nil)
	src.push(probe(t, 3, "home"), nil)

	h := NewHandle(src, logger.NewTestLogger(), reporter)

	frame, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "home", frame.SSID)
	assert.Equal(t, uint16(3), frame.Sequence)

	_, err = h.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)

	assert.Equal(t, Counters{Packets: 3, Frames: 1, Skipped: 1, Malformed: 1}, h.Counters())
}

func TestHandleCloseEndsStream(t *testing.T) {
	src := &fakeSource{}
	src.push(probe(t, 1, "a"), nil)

	h := NewHandle(src, logger.NewTestLogger(), nil)
	h.Close()
	h.Close()

	_, err := h.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
}

func TestHandleSourceFailure(t *testing.T) {
	src := &fakeSource{}
	src.push(nil, errors.New("device went away"))

	_, err := NewHandle(src, logger.NewTestLogger(), nil).Next(context.Background())
	require.ErrorIs(t, err, ErrSourceFailed)
	require.NotErrorIs(t, err, ErrEndOfStream)
}

func TestOpenOfflineReplaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probes.pcap")

	f, err := os.Create(path)
	require.NoError(t, err)

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(DefaultSnapLen, layers.LinkTypeIEEE80211Radio))

	for i, ssid := range []string{"alpha", "beta"} {
		data := probe(t, uint16(i+1), ssid)
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     captured.Add(time.Duration(i) * time.Second),
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}

	require.NoError(t, f.Close())

	h, err := OpenOffline(path, logger.NewTestLogger(), nil)
	require.NoError(t, err)

	defer h.Close()

	first, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alpha", first.SSID)

	second, err := h.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "beta", second.SSID)
	assert.Equal(t, first.Timestamp.Add(time.Second), second.Timestamp)

	_, err = h.Next(context.Background())
	require.ErrorIs(t, err, ErrEndOfStream)
}

type sliceSink struct {
	frames []models.CapturedFrame
	fail   map[int]error
	calls  int
}

func (s *sliceSink) Enqueue(frame models.CapturedFrame) error {
	s.calls++

	if err := s.fail[s.calls]; err != nil {
		return err
	}

	s.frames = append(s.frames, frame)

	return nil
}

func TestPumpMovesFramesUntilEndOfStream(t *testing.T) {
	ctrl := gomock.NewController(t)
	reporter := NewMockReporter(ctrl)
	reporter.EXPECT().Report(gomock.Any(), gomock.Any(), models.SeverityError, true).Times(1)

	src := &fakeSource{}
	for seq := uint16(1); seq <= 4; seq++ {
		src.push(probe(t, seq, "net"), nil)
	}

	sink := &sliceSink{fail: map[int]error{2: spool.ErrStagingFull}}
	pump := NewPump(NewHandle(src, logger.NewTestLogger(), reporter), sink, reporter, logger.NewTestLogger())

	require.NoError(t, pump.Run(context.Background()))

	require.Len(t, sink.frames, 3)
	assert.Equal(t, []uint16{1, 3, 4}, []uint16{sink.frames[0].Sequence, sink.frames[1].Sequence, sink.frames[2].Sequence})

	stats := pump.Stats()
	assert.Equal(t, uint64(3), stats.Enqueued)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(4), stats.Frames)
}

func TestPumpStopsWhenQueueCloses(t *testing.T) {
	src := &fakeSource{}
	src.push(probe(t, 1, "net"), nil)
	src.push(probe(t, 2, "net"), nil)

	sink := &sliceSink{fail: map[int]error{1: spool.ErrClosed}}
	pump := NewPump(NewHandle(src, logger.NewTestLogger(), nil), sink, nil, logger.NewTestLogger())

	require.NoError(t, pump.Run(context.Background()))
	assert.Empty(t, sink.frames)
}

func TestPumpReturnsSourceFailure(t *testing.T) {
	src := &fakeSource{}
	src.push(nil, errors.New("ioctl failed"))

	pump := NewPump(NewHandle(src, logger.NewTestLogger(), nil), &sliceSink{}, nil, logger.NewTestLogger())

	require.ErrorIs(t, pump.Run(context.Background()), ErrSourceFailed)
}

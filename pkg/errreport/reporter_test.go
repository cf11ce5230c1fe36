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

package errreport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/wire"
)

// captureSender records every delivered report and fails while down is set.
type captureSender struct {
	mu      sync.Mutex
	down    bool
	reports []*wire.ErrorReport
	got     chan struct{}
}

func newCaptureSender() *captureSender {
	return &captureSender{got: make(chan struct{}, 16)}
}

func (c *captureSender) Send(_ context.Context, path string, payload []byte) (session.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if path != session.PathErrors {
		return session.Reply{}, errors.New("unexpected path " + path)
	}

	if c.down {
		return session.Reply{}, session.ErrNotAuthenticated
	}

	rep, err := wire.UnmarshalErrorReport(payload)
	if err != nil {
		return session.Reply{}, err
	}

	c.reports = append(c.reports, rep)

	select {
	case c.got <- struct{}{}:
	default:
	}

	return session.Reply{Status: 200}, nil
}

func (c *captureSender) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *captureSender) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string

	for _, rep := range c.reports {
		for _, rec := range rep.Records {
			out = append(out, rec.Message)
		}
	}

	return out
}

// memSpiller is an in-memory spill table.
type memSpiller struct {
	mu      sync.Mutex
	records []models.ErrorRecord
}

func (m *memSpiller) SpillErrors(_ context.Context, records []models.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, records...)

	return nil
}

func (m *memSpiller) DrainErrors(_ context.Context, limit int) ([]models.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit > len(m.records) {
		limit = len(m.records)
	}

	out := append([]models.ErrorRecord(nil), m.records[:limit]...)
	m.records = m.records[limit:]

	return out, nil
}

func messages(records []models.ErrorRecord) []string {
	out := make([]string, len(records))
	for i := range records {
		out[i] = records[i].Message
	}

	return out
}

func TestReportWithoutForwardOnlyLogs(t *testing.T) {
	var buf bytes.Buffer

	r := New(Config{}, "dev-1", logger.NewWriterLogger(&buf))
	r.For("capture").Report(context.Background(), "interface flapped", models.SeverityWarning, false)

	assert.Contains(t, buf.String(), "interface flapped")
	assert.Contains(t, buf.String(), `"component":"capture"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Empty(t, r.Pending())
	assert.Equal(t, int64(1), r.Stats().Reported)
}

func TestFlushDeliversBufferedRecords(t *testing.T) {
	sender := newCaptureSender()
	r := New(Config{}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)

	r.Report(context.Background(), "first", models.SeverityError, true)
	r.For("spool").Reportf(context.Background(), models.SeverityWarning, "evicted %d", 3)

	require.NoError(t, r.Flush(context.Background()))

	require.Len(t, sender.reports, 1)
	rep := sender.reports[0]
	assert.Equal(t, "dev-1", rep.DeviceID)
	assert.Equal(t, []string{"first", "evicted 3"}, messages(rep.Records))
	assert.Equal(t, "spool", rep.Records[1].Component)
	assert.NotEmpty(t, rep.Records[0].ID)

	assert.Empty(t, r.Pending())
	assert.Equal(t, int64(2), r.Stats().Forwarded)
}

func TestFailedDeliveryPiggybacksOnNextFlush(t *testing.T) {
	sender := newCaptureSender()
	sender.setDown(true)

	r := New(Config{}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)

	r.Report(context.Background(), "a", models.SeverityError, true)
	require.Error(t, r.Flush(context.Background()))
	assert.Equal(t, []string{"a"}, messages(r.Pending()))

	sender.setDown(false)
	r.Report(context.Background(), "b", models.SeverityError, true)
	require.NoError(t, r.Flush(context.Background()))

	assert.Equal(t, []string{"a", "b"}, sender.messages())
	assert.Empty(t, r.Pending())
}

func TestFlushWithoutSender(t *testing.T) {
	r := New(Config{}, "dev-1", logger.NewTestLogger())
	r.Report(context.Background(), "x", models.SeverityInfo, true)

	require.ErrorIs(t, r.Flush(context.Background()), ErrNoSender)
	assert.Len(t, r.Pending(), 1)
}

func TestRingEvictsOldestWhenFull(t *testing.T) {
	r := New(Config{Capacity: 3}, "dev-1", logger.NewTestLogger())

	for _, m := range []string{"1", "2", "3", "4", "5"} {
		r.Report(context.Background(), m, models.SeverityError, true)
	}

	assert.Equal(t, []string{"3", "4", "5"}, messages(r.Pending()))

	st := r.Stats()
	assert.Equal(t, int64(2), st.Evicted)
	assert.Equal(t, int64(2), st.Dropped)
	assert.Equal(t, 3, st.Buffered)
}

func TestSustainedOverflowSpillsAndDrains(t *testing.T) {
	sender := newCaptureSender()
	sender.setDown(true)

	spill := &memSpiller{}

	r := New(Config{Capacity: 2, SpillThreshold: 2}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)
	r.SetSpiller(spill)

	for _, m := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		r.Report(context.Background(), m, models.SeverityError, true)
	}

	// Five evictions: the first two are tolerated, the rest spill.
	require.Error(t, r.Flush(context.Background()))
	assert.Equal(t, []string{"3", "4", "5"}, messages(spill.records))
	assert.Equal(t, []string{"6", "7"}, messages(r.Pending()))

	st := r.Stats()
	assert.Equal(t, int64(5), st.Evicted)
	assert.Equal(t, int64(2), st.Dropped)
	assert.Equal(t, int64(3), st.Spilled)

	sender.setDown(false)
	require.NoError(t, r.Flush(context.Background()))

	assert.Equal(t, []string{"6", "7", "3", "4", "5"}, sender.messages())
	assert.Empty(t, spill.records)
}

func TestSpilledRecordsReturnOnFailedDelivery(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := NewMockSender(ctrl)
	spill := NewMockSpiller(ctrl)

	spilled := []models.ErrorRecord{{ID: "old", Message: "old", Severity: models.SeverityError, Timestamp: time.Now()}}

	gomock.InOrder(
		spill.EXPECT().DrainErrors(gomock.Any(), 10).Return(spilled, nil),
		sender.EXPECT().Send(gomock.Any(), session.PathErrors, gomock.Any()).Return(session.Reply{}, errors.New("timeout")),
		spill.EXPECT().SpillErrors(gomock.Any(), spilled).Return(nil),
	)

	r := New(Config{}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)
	r.SetSpiller(spill)

	require.Error(t, r.Flush(context.Background()))
}

func TestRunFlushesPromptly(t *testing.T) {
	sender := newCaptureSender()

	r := New(Config{FlushInterval: models.Duration(time.Hour)}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- r.Run(ctx) }()

	r.Report(context.Background(), "queue corrupt", models.SeverityFatal, true)

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatal("report was not forwarded")
	}

	assert.Equal(t, []string{"queue corrupt"}, sender.messages())

	cancel()
	require.NoError(t, <-done)
}

func TestBurstOverHealthyLinkIsDelivered(t *testing.T) {
	sender := newCaptureSender()

	r := New(Config{FlushInterval: models.Duration(time.Hour)}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- r.Run(ctx) }()

	const burst = 50

	for i := 0; i < burst; i++ {
		r.For("spool").Reportf(context.Background(), models.SeverityWarning, "evicted entry %d", i)
	}

	require.Eventually(t, func() bool {
		return len(sender.messages()) == burst
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	st := r.Stats()
	assert.Equal(t, int64(burst), st.Forwarded)
	assert.Zero(t, st.Evicted)
	assert.Zero(t, st.Dropped)
	assert.Empty(t, r.Pending())
}

func TestFailedBurstKeepsNewestInRing(t *testing.T) {
	sender := newCaptureSender()
	sender.setDown(true)

	r := New(Config{Capacity: 3}, "dev-1", logger.NewTestLogger())
	r.SetSender(sender)

	for _, m := range []string{"1", "2", "3", "4", "5"} {
		r.Report(context.Background(), m, models.SeverityError, true)
	}

	// Nothing is evicted before the first attempt fails.
	assert.Zero(t, r.Stats().Evicted)
	assert.Len(t, r.Pending(), 5)

	require.Error(t, r.Flush(context.Background()))
	assert.Equal(t, []string{"3", "4", "5"}, messages(r.Pending()))
	assert.Equal(t, int64(2), r.Stats().Evicted)

	sender.setDown(false)
	require.NoError(t, r.Flush(context.Background()))
	assert.Equal(t, []string{"3", "4", "5"}, sender.messages())
}

func TestClosePersistsUndelivered(t *testing.T) {
	spill := &memSpiller{}

	r := New(Config{}, "dev-1", logger.NewTestLogger())
	r.SetSpiller(spill)

	r.Report(context.Background(), "pending", models.SeverityError, true)

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, []string{"pending"}, messages(spill.records))
	assert.Empty(t, r.Pending())
}

func TestRingRemoveIfKeepsOrder(t *testing.T) {
	rg := newRing[int](3)

	for i := 1; i <= 5; i++ {
		rg.push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, rg.all())

	assert.Equal(t, 1, rg.removeIf(func(v int) bool { return v == 4 }))
	assert.Equal(t, []int{3, 5}, rg.all())

	rg.push(6)
	evicted, ok := rg.push(7)
	require.True(t, ok)
	assert.Equal(t, 3, evicted)
	assert.Equal(t, []int{5, 6, 7}, rg.all())
}

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

package uploader

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/spool"
	"github.com/carverauto/proberadar/pkg/wire"
)

func frame(seq uint16) models.CapturedFrame {
	return models.CapturedFrame{
		SourceMAC: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		SSID:      "cafe",
		SignalDBM: -55,
		Timestamp: time.Unix(1_700_000_000, int64(seq)*1000).UTC(),
		Sequence:  seq,
	}
}

func openSpool(t *testing.T, seqs ...uint16) *spool.Spool {
	t.Helper()

	s, err := spool.Open(context.Background(), spool.Config{Path: filepath.Join(t.TempDir(), "spool.db")}, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close(context.Background()) })

	for _, seq := range seqs {
		require.NoError(t, s.Enqueue(frame(seq)))
	}

	require.NoError(t, s.Flush(context.Background()))

	return s
}

// recordingSender decodes every batch it is handed. fail decides per call
// whether the delivery errors.
type recordingSender struct {
	mu      sync.Mutex
	calls   int
	batches [][]uint16
	fail    func(call int) error
}

func (r *recordingSender) Send(_ context.Context, path string, payload []byte) (session.Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++

	if path != session.PathIngest {
		return session.Reply{}, errors.New("unexpected path " + path)
	}

	if r.fail != nil {
		if err := r.fail(r.calls); err != nil {
			return session.Reply{}, err
		}
	}

	batch, err := wire.UnmarshalBatch(payload)
	if err != nil {
		return session.Reply{}, err
	}

	seqs := make([]uint16, len(batch.Frames))
	for i := range batch.Frames {
		seqs[i] = batch.Frames[i].Sequence
	}

	r.batches = append(r.batches, seqs)

	return session.Reply{Status: 200}, nil
}

func newUploader(t *testing.T, cfg Config, q Queue, s Sender, opts ...Option) *Uploader {
	t.Helper()

	u, err := New(cfg, "dev-1", q, s, logger.NewTestLogger(), opts...)
	require.NoError(t, err)

	return u
}

func TestRunCycleDeliversBatchesInOrder(t *testing.T) {
	q := openSpool(t, 1, 2, 3, 4, 5)
	sender := &recordingSender{}
	u := newUploader(t, Config{BatchSize: 2}, q, sender)
	ctx := context.Background()

	for _, remaining := range []int64{3, 1, 0} {
		res, err := u.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, res.Status)
		assert.NotEmpty(t, res.BatchID)

		n, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, remaining, n)
	}

	res, err := u.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, res.Status)

	assert.Equal(t, [][]uint16{{1, 2}, {3, 4}, {5}}, sender.batches)
	assert.Equal(t, int64(5), u.Stats().FramesDelivered)
	assert.Equal(t, int64(3), u.Stats().Batches)
}

func TestRunCycleRequeuesWhenNotAuthenticated(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := NewMockQueue(ctrl)
	sender := NewMockSender(ctrl)
	rep := NewMockReporter(ctrl)

	entries := []models.QueueEntry{{ID: 4, Frame: frame(4)}, {ID: 5, Frame: frame(5)}}

	gomock.InOrder(
		q.EXPECT().PeekBatch(gomock.Any(), 10).Return(entries, nil),
		sender.EXPECT().Send(gomock.Any(), session.PathIngest, gomock.Any()).Return(session.Reply{}, session.ErrNotAuthenticated),
		q.EXPECT().Requeue(gomock.Any(), []int64{4, 5}).Return(nil),
	)

	u := newUploader(t, Config{BatchSize: 10}, q, sender, WithReporter(rep))

	res, err := u.RunCycle(context.Background())
	require.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 2, res.Count)
}

func TestRunCycleReportsRejectedBatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := NewMockQueue(ctrl)
	sender := NewMockSender(ctrl)
	rep := NewMockReporter(ctrl)

	q.EXPECT().PeekBatch(gomock.Any(), gomock.Any()).Return([]models.QueueEntry{{ID: 1, Frame: frame(1)}}, nil)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(session.Reply{}, &session.ReplyError{Status: 400, Reason: session.ReasonInvalidRequest})
	q.EXPECT().Requeue(gomock.Any(), []int64{1}).Return(nil)
	rep.EXPECT().Report(gomock.Any(), gomock.Any(), models.SeverityError, true)

	u := newUploader(t, Config{}, q, sender, WithReporter(rep))

	_, err := u.RunCycle(context.Background())
	require.ErrorIs(t, err, session.ErrInvalidRequest)
}

func TestRejectedBatchNamesEntriesAndAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := NewMockQueue(ctrl)
	sender := NewMockSender(ctrl)
	rep := NewMockReporter(ctrl)

	entries := []models.QueueEntry{
		{ID: 7, Frame: frame(7), Attempts: 4},
		{ID: 8, Frame: frame(8), Attempts: 4},
	}

	q.EXPECT().PeekBatch(gomock.Any(), gomock.Any()).Return(entries, nil)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(session.Reply{}, &session.ReplyError{Status: 400, Reason: session.ReasonInvalidRequest})
	q.EXPECT().Requeue(gomock.Any(), []int64{7, 8}).Return(nil)

	var reported string

	rep.EXPECT().Report(gomock.Any(), gomock.Any(), models.SeverityError, true).
		Do(func(_ context.Context, msg string, _ models.Severity, _ bool) { reported = msg })

	u := newUploader(t, Config{}, q, sender, WithReporter(rep))

	res, err := u.RunCycle(context.Background())
	require.ErrorIs(t, err, session.ErrInvalidRequest)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, reported, "entries 7-8, attempt 5")
	assert.Equal(t, int64(1), u.Stats().Rejected)
}

func TestRunCycleSettlesAfterCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := NewMockQueue(ctrl)
	sender := NewMockSender(ctrl)

	ctx, cancel := context.WithCancel(context.Background())

	q.EXPECT().PeekBatch(gomock.Any(), gomock.Any()).Return([]models.QueueEntry{{ID: 9, Frame: frame(9)}}, nil)
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, string, []byte) (session.Reply, error) {
			cancel()
			return session.Reply{Status: 200}, nil
		})
	q.EXPECT().Acknowledge(gomock.Any(), []int64{9}).
		DoAndReturn(func(ctx context.Context, _ []int64) error {
			return ctx.Err()
		})

	u := newUploader(t, Config{}, q, sender)

	res, err := u.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, res.Status)
}

func TestRunCyclePeekFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := NewMockQueue(ctrl)

	q.EXPECT().PeekBatch(gomock.Any(), gomock.Any()).Return(nil, spool.ErrClosed)

	u := newUploader(t, Config{}, q, NewMockSender(ctrl))

	res, err := u.RunCycle(context.Background())
	require.ErrorIs(t, err, spool.ErrClosed)
	assert.Equal(t, StatusFailed, res.Status)
}

func TestNextDelay(t *testing.T) {
	u := newUploader(t, Config{
		BatchSize:     10,
		CycleInterval: models.Duration(3 * time.Second),
		BaseBackoff:   models.Duration(time.Second),
		MaxBackoff:    models.Duration(5 * time.Second),
	}, nil, nil)

	assert.Equal(t, 3*time.Second, u.NextDelay(DeliveryResult{Status: StatusIdle}))
	assert.Equal(t, 3*time.Second, u.NextDelay(DeliveryResult{Status: StatusDelivered, Count: 4}))
	assert.Zero(t, u.NextDelay(DeliveryResult{Status: StatusDelivered, Count: 10}))

	var prev time.Duration

	for failures := 1; failures <= 8; failures++ {
		d := u.NextDelay(DeliveryResult{Status: StatusFailed, Failures: failures})
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 5*time.Second)

		prev = d
	}

	assert.Equal(t, 5*time.Second, prev)
}

func TestNoLossUnderFlakyDelivery(t *testing.T) {
	const frames = 40

	seqs := make([]uint16, frames)
	for i := range seqs {
		seqs[i] = uint16(i)
	}

	q := openSpool(t, seqs...)

	// Fails in bursts of varying length.
	sender := &recordingSender{fail: func(call int) error {
		if call%5 != 0 && call%7 != 0 {
			return errors.New("link down")
		}

		return nil
	}}

	u := newUploader(t, Config{BatchSize: 6}, q, sender)
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		res, _ := u.RunCycle(ctx)
		if res.Status == StatusIdle {
			break
		}
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	seen := make(map[uint16]int)

	for _, b := range sender.batches {
		for _, s := range b {
			seen[s]++
		}
	}

	for _, s := range seqs {
		assert.Equal(t, 1, seen[s], "sequence %d", s)
	}
}

// fakeClock fires every wait immediately and records it.
type fakeClock struct {
	mu     sync.Mutex
	waits  []time.Duration
	onWait func(n int)
}

func (f *fakeClock) Now() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	n := len(f.waits)
	f.mu.Unlock()

	if f.onWait != nil {
		f.onWait(n)
	}

	ch := make(chan time.Time, 1)
	ch <- f.Now()

	return ch
}

func TestRunBacksOffAfterFailures(t *testing.T) {
	q := openSpool(t, 1)
	sender := &recordingSender{fail: func(int) error { return errors.New("unreachable") }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{onWait: func(n int) {
		if n == 6 {
			cancel()
		}
	}}

	u := newUploader(t, Config{
		BaseBackoff: models.Duration(time.Second),
		MaxBackoff:  models.Duration(8 * time.Second),
	}, q, sender, WithClock(clock))

	require.NoError(t, u.Run(ctx))

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, clock.waits)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRunDrainsBacklogWithoutWaiting(t *testing.T) {
	q := openSpool(t, 1, 2, 3, 4)
	sender := &recordingSender{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{onWait: func(int) { cancel() }}

	u := newUploader(t, Config{BatchSize: 2, CycleInterval: models.Duration(time.Minute)}, q, sender, WithClock(clock))

	require.NoError(t, u.Run(ctx))

	// Two full batches back to back, then the idle cycle waits.
	assert.Equal(t, [][]uint16{{1, 2}, {3, 4}}, sender.batches)
	assert.Equal(t, []time.Duration{time.Minute}, clock.waits)
}

func TestNewRequiresDeviceID(t *testing.T) {
	_, err := New(Config{}, "", nil, nil, logger.NewTestLogger())
	require.ErrorIs(t, err, errMissingDeviceID)
}

func TestReconfigureAppliesToNextCycle(t *testing.T) {
	q := openSpool(t, 1, 2, 3, 4, 5)
	sender := &recordingSender{}
	u := newUploader(t, Config{BatchSize: 2, CycleInterval: models.Duration(time.Minute)}, q, sender)
	ctx := context.Background()

	_, err := u.RunCycle(ctx)
	require.NoError(t, err)

	require.NoError(t, u.SetBatchSize(3))
	require.NoError(t, u.SetCycleInterval(10*time.Second))

	res, err := u.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count)
	assert.Zero(t, u.NextDelay(res))
	assert.Equal(t, 10*time.Second, u.NextDelay(DeliveryResult{Status: StatusIdle}))

	assert.Equal(t, [][]uint16{{1, 2}, {3, 4, 5}}, sender.batches)

	require.ErrorIs(t, u.SetBatchSize(0), errInvalidBatchSize)
	require.ErrorIs(t, u.SetBatchSize(maxBatchSize+1), errInvalidBatchSize)
	require.ErrorIs(t, u.SetCycleInterval(0), errInvalidInterval)
}

func TestStopEndsRunAfterCurrentCycle(t *testing.T) {
	q := openSpool(t, 1, 2, 3)
	sender := &recordingSender{}

	var u *Uploader

	clock := &fakeClock{onWait: func(int) { u.Stop() }}
	u = newUploader(t, Config{BatchSize: 2, CycleInterval: models.Duration(time.Minute)}, q, sender, WithClock(clock))

	require.NoError(t, u.Run(context.Background()))
	assert.Equal(t, [][]uint16{{1, 2}, {3}}, sender.batches)

	// A stopped batcher starts no further cycles.
	require.NoError(t, u.Run(context.Background()))
	assert.Len(t, sender.batches, 2)
}

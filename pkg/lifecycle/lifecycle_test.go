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

package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/logger"
)

type fakeService struct {
	startErr error
	stopped  atomic.Bool
}

func (f *fakeService) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}

	<-ctx.Done()

	return ctx.Err()
}

func (f *fakeService) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestRunServiceStopsOnContextCancel(t *testing.T) {
	svc := &fakeService{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunService(ctx, &ServiceOptions{Name: "test", Service: svc, Logger: logger.NewTestLogger()})
	require.NoError(t, err)
	assert.True(t, svc.stopped.Load())
}

func TestRunServiceReturnsStartError(t *testing.T) {
	boom := errors.New("boom")
	svc := &fakeService{startErr: boom}

	err := RunService(context.Background(), &ServiceOptions{Name: "test", Service: svc, Logger: logger.NewTestLogger()})
	require.ErrorIs(t, err, boom)
	assert.True(t, svc.stopped.Load())
}

func TestCreateComponentLogger(t *testing.T) {
	l, err := CreateComponentLogger("capture", &logger.Config{Level: "debug", Output: filepath.Join(t.TempDir(), "x.log")})
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = CreateComponentLogger("capture", &logger.Config{Level: "loud"})
	require.Error(t, err)
}

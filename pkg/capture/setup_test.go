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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/proberadar/pkg/logger"
)

var fixedNow = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

func TestSetupCreatesMissingInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := NewMockCommandRunner(ctrl)

	gomock.InOrder(
		runner.EXPECT().Run(gomock.Any(), "timedatectl", "show", "-p", "NTPSynchronized", "--value").
			Return([]byte("yes\n"), nil),
		runner.EXPECT().Run(gomock.Any(), "iw", "phy", "phy0", "interface", "add", "mon0", "type", "monitor").
			Return(nil, nil),
		runner.EXPECT().Run(gomock.Any(), "ip", "link", "set", "mon0", "up").Return(nil, nil),
		runner.EXPECT().Run(gomock.Any(), "iw", "dev", "mon0", "set", "channel", "6").Return(nil, nil),
	)

	opts := SetupOptions{
		Phy:           "phy0",
		Interface:     "mon0",
		Channel:       6,
		ClockFloor:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		TimeSyncCheck: []string{"timedatectl", "show", "-p", "NTPSynchronized", "--value"},
	}

	err := setup(context.Background(), opts, runner, logger.NewTestLogger(),
		func(string) bool { return false }, fixedNow)
	require.NoError(t, err)
}

func TestSetupReusesExistingInterface(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := NewMockCommandRunner(ctrl)

	runner.EXPECT().Run(gomock.Any(), "ip", "link", "set", "mon0", "up").Return(nil, nil)

	err := setup(context.Background(), SetupOptions{Phy: "phy0", Interface: "mon0"}, runner,
		logger.NewTestLogger(), func(string) bool { return true }, fixedNow)
	require.NoError(t, err)
}

func TestSetupFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	runner := NewMockCommandRunner(ctrl)
	log := logger.NewTestLogger()
	missing := func(string) bool { return false }

	err := setup(context.Background(), SetupOptions{ClockFloor: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)},
		runner, log, missing, fixedNow)
	require.ErrorIs(t, err, ErrClockUnsynced)

	runner.EXPECT().Run(gomock.Any(), "check").Return([]byte("no"), nil)
	err = setup(context.Background(), SetupOptions{TimeSyncCheck: []string{"check"}}, runner, log, missing, fixedNow)
	require.ErrorIs(t, err, ErrClockUnsynced)

	err = setup(context.Background(), SetupOptions{Interface: "mon0"}, runner, log, missing, fixedNow)
	require.ErrorIs(t, err, ErrSetupFailed)

	runner.EXPECT().Run(gomock.Any(), "iw", gomock.Any()).Return(nil, errors.New("operation not permitted"))
	err = setup(context.Background(), SetupOptions{Phy: "phy0", Interface: "mon0"}, runner, log, missing, fixedNow)
	require.ErrorIs(t, err, ErrSetupFailed)

	err = setup(context.Background(), SetupOptions{Skip: true, Interface: "mon0"}, runner, log, missing, fixedNow)
	require.NoError(t, err)
}

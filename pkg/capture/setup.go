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
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/proberadar/pkg/logger"
)

var (
	ErrClockUnsynced = errors.New("system clock is not synchronized")
	ErrSetupFailed   = errors.New("monitor interface setup failed")
)

// CommandRunner executes host commands needed to prepare the radio.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	return out, nil
}

// SetupOptions describes how to bring up the monitor interface.
type SetupOptions struct {
	// Phy is the wireless device the monitor interface is added to, e.g. phy0.
	Phy string `json:"phy"`
	// Interface is the monitor interface name, e.g. mon0.
	Interface string `json:"interface"`
	// Channel optionally pins the radio to one channel number.
	Channel int `json:"channel" validate:"gte=0,lte=196"`
	// ClockFloor rejects wall clocks earlier than this instant.
	ClockFloor time.Time `json:"clock_floor"`
	// TimeSyncCheck is a command whose trimmed output must be "yes", e.g.
	// timedatectl show -p NTPSynchronized --value.
	TimeSyncCheck []string `json:"time_sync_check"`
	// Skip disables interface creation for pre-provisioned devices.
	Skip bool `json:"skip"`
}

// Setup prepares the host for capture. It is idempotent: an existing
// interface is reused. Any failure must stop startup.
func Setup(ctx context.Context, opts SetupOptions, runner CommandRunner, log logger.Logger) error {
	return setup(ctx, opts, runner, log, interfaceExists, time.Now)
}

func interfaceExists(name string) bool {
	_, err := net.InterfaceByName(name)
	return err == nil
}

func setup(ctx context.Context, opts SetupOptions, runner CommandRunner, log logger.Logger,
	exists func(string) bool, now func() time.Time) error {
	if err := checkClock(ctx, opts, runner, now); err != nil {
		return err
	}

	if opts.Skip || opts.Interface == "" {
		log.Info().Msg("Skipping monitor interface setup")
		return nil
	}

	if exists(opts.Interface) {
		log.Info().Str("interface", opts.Interface).Msg("Monitor interface already present")
	} else {
		if opts.Phy == "" {
			return fmt.Errorf("%w: interface %s missing and no phy configured", ErrSetupFailed, opts.Interface)
		}

		if _, err := runner.Run(ctx, "iw", "phy", opts.Phy, "interface", "add", opts.Interface, "type", "monitor"); err != nil {
			return fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}

		log.Info().Str("phy", opts.Phy).Str("interface", opts.Interface).Msg("Created monitor interface")
	}

	if _, err := runner.Run(ctx, "ip", "link", "set", opts.Interface, "up"); err != nil {
		return fmt.Errorf("%w: %w", ErrSetupFailed, err)
	}

	if opts.Channel > 0 {
		if err := SetChannel(ctx, runner, opts.Interface, opts.Channel); err != nil {
			return fmt.Errorf("%w: %w", ErrSetupFailed, err)
		}
	}

	return nil
}

// SetChannel tunes iface to a channel number.
func SetChannel(ctx context.Context, runner CommandRunner, iface string, channel int) error {
	if _, err := runner.Run(ctx, "iw", "dev", iface, "set", "channel", strconv.Itoa(channel)); err != nil {
		return fmt.Errorf("set channel %d on %s: %w", channel, iface, err)
	}

	return nil
}

func checkClock(ctx context.Context, opts SetupOptions, runner CommandRunner, now func() time.Time) error {
	if !opts.ClockFloor.IsZero() && now().Before(opts.ClockFloor) {
		return fmt.Errorf("%w: clock reads %s, expected after %s",
			ErrClockUnsynced, now().UTC().Format(time.RFC3339), opts.ClockFloor.UTC().Format(time.RFC3339))
	}

	if len(opts.TimeSyncCheck) == 0 {
		return nil
	}

	out, err := runner.Run(ctx, opts.TimeSyncCheck[0], opts.TimeSyncCheck[1:]...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClockUnsynced, err)
	}

	if strings.TrimSpace(string(out)) != "yes" {
		return fmt.Errorf("%w: time sync check reported %q", ErrClockUnsynced, strings.TrimSpace(string(out)))
	}

	return nil
}

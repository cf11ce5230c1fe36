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

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/proberadar/pkg/capture"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
)

var (
	errNoMonitorInterface = errors.New("no monitor interface configured")
	errEmptyLogLevel      = errors.New("empty log level")
)

// pacer is the part of the batcher control logic may retune.
type pacer interface {
	SetBatchSize(n int) error
	SetCycleInterval(d time.Duration) error
}

// reporter is satisfied by errreport.Reporter and its scoped views.
type reporter interface {
	Report(ctx context.Context, message string, severity models.Severity, forward bool)
}

// runtime is what control-logic entry points act on.
type runtime struct {
	pacer    pacer
	runner   capture.CommandRunner
	iface    string
	logger   logger.Logger
	reporter reporter
}

func (r *runtime) SetBatchSize(n int) error {
	return r.pacer.SetBatchSize(n)
}

func (r *runtime) SetCycleInterval(d time.Duration) error {
	return r.pacer.SetCycleInterval(d)
}

func (r *runtime) SetLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err == nil && lvl == zerolog.NoLevel {
		err = errEmptyLogLevel
	}

	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}

	// Component loggers are copies, so the process-wide level is the one
	// knob that reaches all of them.
	zerolog.SetGlobalLevel(lvl)
	r.logger.Info().Str("level", lvl.String()).Msg("Log level changed")

	return nil
}

func (r *runtime) SetChannel(ctx context.Context, channel int) error {
	if r.iface == "" {
		return errNoMonitorInterface
	}

	return capture.SetChannel(ctx, r.runner, r.iface, channel)
}

func (r *runtime) Report(ctx context.Context, message string, severity models.Severity) {
	r.reporter.Report(ctx, message, severity, severity.Rank() >= models.SeverityWarning.Rank())
}

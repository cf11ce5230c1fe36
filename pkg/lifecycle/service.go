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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/proberadar/pkg/logger"
)

const defaultShutdownTimeout = 30 * time.Second

// Service is a long-running component driven by RunService.
type Service interface {
	// Start blocks until ctx is cancelled or the service fails.
	Start(ctx context.Context) error
	// Stop releases resources; ctx bounds how long it may take.
	Stop(ctx context.Context) error
}

// ServiceOptions configures RunService.
type ServiceOptions struct {
	Name            string
	Service         Service
	ShutdownTimeout time.Duration
	Logger          logger.Logger
}

// RunService starts the service and blocks until SIGINT/SIGTERM or until the
// service returns, then stops it within ShutdownTimeout.
func RunService(ctx context.Context, opts *ServiceOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- opts.Service.Start(ctx)
	}()

	var runErr error

	select {
	case <-ctx.Done():
		opts.Logger.Info().Str("service", opts.Name).Msg("Shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			opts.Logger.Error().Err(runErr).Str("service", opts.Name).Msg("Service stopped with error")
		}
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := opts.Service.Stop(shutdownCtx); err != nil {
		opts.Logger.Error().Err(err).Str("service", opts.Name).Msg("Error during shutdown")

		if runErr == nil {
			runErr = err
		}
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}

	return runErr
}

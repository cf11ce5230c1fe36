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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/carverauto/proberadar/pkg/agent"
	"github.com/carverauto/proberadar/pkg/capture/live"
	"github.com/carverauto/proberadar/pkg/config"
	"github.com/carverauto/proberadar/pkg/lifecycle"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/proberadar/agent.json", "Path to agent config file")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stdout, version.GetFullVersion())
		return nil
	}

	ctx := context.Background()

	var cfg agent.Config
	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	agentLogger, err := lifecycle.CreateComponentLogger("probe-agent", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// Control logic may change verbosity at runtime through the global level,
	// so the logger itself passes everything through.
	level, err := logConfig.ResolveLevel()
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	zerolog.SetGlobalLevel(level)
	agentLogger.SetLevel(zerolog.TraceLevel)

	effective, err := cfg.Redacted()
	if err != nil {
		return fmt.Errorf("failed to redact config: %w", err)
	}

	agentLogger.Info().
		Str("version", version.GetFullVersion()).
		Str("config", *configPath).
		Interface("effective_config", effective).
		Msg("Probe agent configured")

	a := agent.New(&cfg, agentLogger, agent.WithCaptureOpener(live.Open))

	err = lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		Name:            "probe-agent",
		Service:         a,
		ShutdownTimeout: cfg.ShutdownGrace.Std() + 10*time.Second,
		Logger:          agentLogger,
	})

	if st, statusErr := a.Status(context.Background()); statusErr == nil {
		agentLogger.Info().
			Uint64("captured", st.Capture.Enqueued).
			Int64("delivered", st.Upload.FramesDelivered).
			Int64("pending", st.Queue.Pending).
			Msg("Final pipeline status")
	}

	return err
}

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

	"github.com/carverauto/proberadar/pkg/collector"
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
	configPath := flag.String("config", "/etc/proberadar/collector.json", "Path to collector config file")
	flag.Parse()

	ctx := context.Background()

	var cfg collector.Config
	if err := config.NewConfig(nil).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	collectorLogger, err := lifecycle.CreateComponentLogger("collector", logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	effective, err := cfg.Redacted()
	if err != nil {
		return fmt.Errorf("failed to redact config: %w", err)
	}

	collectorLogger.Info().
		Str("version", version.GetFullVersion()).
		Str("config", *configPath).
		Interface("effective_config", effective).
		Msg("Collector configured")

	srv, err := collector.NewServer(cfg, collectorLogger)
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	return lifecycle.RunService(ctx, &lifecycle.ServiceOptions{
		Name:    "collector",
		Service: srv,
		Logger:  collectorLogger,
	})
}

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

package logger

import (
	"os"
	"strings"
)

const envPrefix = "PROBERADAR_"

// DefaultConfig is used when a config file omits its logging section.
// PROBERADAR_LOG_* variables win over the bare LOG_* names.
func DefaultConfig() *Config {
	return &Config{
		Level:      lookupEnv("LOG_LEVEL", "info"),
		Debug:      parseBool(lookupEnv("DEBUG", "")),
		Output:     lookupEnv("LOG_OUTPUT", "stdout"),
		TimeFormat: lookupEnv("LOG_TIME_FORMAT", ""),
	}
}

func lookupEnv(key, fallback string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}

	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

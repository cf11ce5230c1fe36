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
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	config := &Config{
		Level:  "debug",
		Debug:  true,
		Output: "stdout",
	}

	require.NoError(t, Init(config))

	logger := GetLogger()
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestInitRejectsUnknownOutput(t *testing.T) {
	err := Init(&Config{Output: "syslog"})
	require.ErrorIs(t, err, errUnknownOutput)
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")

	require.NoError(t, Init(&Config{Level: "warn", Output: path}))
	assert.Equal(t, zerolog.WarnLevel, GetLogger().GetLevel())

	require.NoError(t, Init(&Config{Level: "info", Output: "stdout"}))
}

func TestSetDebug(t *testing.T) {
	SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())

	SetDebug(false)
	assert.Equal(t, zerolog.InfoLevel, GetLogger().GetLevel())
}

func TestWithComponent(t *testing.T) {
	componentLogger := WithComponent("test-component")
	assert.NotEqual(t, zerolog.Disabled, componentLogger.GetLevel())
}

func TestWriterLoggerEmitsComponent(t *testing.T) {
	var buf bytes.Buffer

	l := NewWriterLogger(&buf)
	zl := l.WithComponent("spool")
	zl.Info().Msg("flushed")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "spool", line["component"])
	assert.Equal(t, "flushed", line["message"])
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("PROBERADAR_LOG_LEVEL", "")
	t.Setenv("LOG_OUTPUT", "")
	t.Setenv("PROBERADAR_LOG_OUTPUT", "")
	t.Setenv("DEBUG", "")
	t.Setenv("PROBERADAR_DEBUG", "")

	config := DefaultConfig()
	assert.Equal(t, "info", config.Level)
	assert.Equal(t, "stdout", config.Output)
	assert.False(t, config.Debug)
}

func TestDefaultConfigPrefersPrefixedEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("PROBERADAR_LOG_LEVEL", "trace")
	t.Setenv("PROBERADAR_DEBUG", "yes")

	config := DefaultConfig()
	assert.Equal(t, "trace", config.Level)
	assert.True(t, config.Debug)
}

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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
)

type spoolSection struct {
	Path       string          `json:"path" validate:"required"`
	MaxEntries int             `json:"max_entries" validate:"gte=0"`
	Flush      models.Duration `json:"flush_interval"`
}

type testConfig struct {
	DeviceID  string         `json:"device_id" validate:"required"`
	Debug     bool           `json:"debug"`
	Channels  []string       `json:"channels"`
	Timeout   time.Duration  `json:"timeout"`
	Spool     spoolSection   `json:"spool"`
	Logging   *logger.Config `json:"logging"`
	defaulted bool
}

func (c *testConfig) ApplyDefaults() {
	c.defaulted = true
}

func (c *testConfig) Validate() error {
	return ValidateStruct(c)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadAndValidateFromFile(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "")

	path := writeConfig(t, `{"device_id":"dev-1","spool":{"path":"/tmp/q.db","flush_interval":"2s"}}`)

	var cfg testConfig
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, "dev-1", cfg.DeviceID)
	assert.Equal(t, 2*time.Second, cfg.Spool.Flush.Std())
	assert.True(t, cfg.defaulted)
}

func TestLoadAndValidateReportsFieldPaths(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "file")

	path := writeConfig(t, `{"spool":{"max_entries":-1}}`)

	var cfg testConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), path, &cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "device_id failed required")
	assert.Contains(t, err.Error(), "spool.path failed required")
	assert.Contains(t, err.Error(), "spool.max_entries failed gte=0")
}

func TestLoadAndValidateRejectsUnknownSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "consul")

	var cfg testConfig
	err := NewConfig(nil).LoadAndValidate(context.Background(), "unused", &cfg)
	require.ErrorIs(t, err, errInvalidConfigSource)
}

func TestLoadAndValidateRequiresPointer(t *testing.T) {
	err := NewConfig(nil).LoadAndValidate(context.Background(), "unused", testConfig{})
	require.ErrorIs(t, err, errInvalidConfigPtr)
}

func TestFileLoaderMissingFile(t *testing.T) {
	var cfg testConfig
	err := (&FileConfigLoader{}).Load(context.Background(), filepath.Join(t.TempDir(), "nope.json"), &cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileLoaderRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"device_id":"dev-1","devcie_secret":"x"}`)

	var cfg testConfig
	err := (&FileConfigLoader{}).Load(context.Background(), path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devcie_secret")
}

func TestFileLoaderRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, `{"device_id":"dev-1"} {"device_id":"dev-2"}`)

	var cfg testConfig
	err := (&FileConfigLoader{}).Load(context.Background(), path, &cfg)
	require.ErrorIs(t, err, errTrailingData)
}

func TestEnvLoaderFields(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("CONFIG_ENV_PREFIX", "TEST_")
	t.Setenv("TEST_DEVICE_ID", "dev-env")
	t.Setenv("TEST_DEBUG", "true")
	t.Setenv("TEST_CHANNELS", "1, 6 ,11")
	t.Setenv("TEST_TIMEOUT", "750ms")
	t.Setenv("TEST_SPOOL_PATH", "/var/lib/proberadar/spool.db")
	t.Setenv("TEST_SPOOL_MAX_ENTRIES", "5000")
	t.Setenv("TEST_SPOOL_FLUSH_INTERVAL", "3s")
	t.Setenv("TEST_LOGGING_LEVEL", "debug")

	var cfg testConfig
	require.NoError(t, NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), "", &cfg))

	assert.Equal(t, "dev-env", cfg.DeviceID)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"1", "6", "11"}, cfg.Channels)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout)
	assert.Equal(t, "/var/lib/proberadar/spool.db", cfg.Spool.Path)
	assert.Equal(t, 5000, cfg.Spool.MaxEntries)
	assert.Equal(t, 3*time.Second, cfg.Spool.Flush.Std())
	require.NotNil(t, cfg.Logging)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvLoaderSkipsInvalidValues(t *testing.T) {
	t.Setenv("TEST_DEVICE_ID", "dev-env")
	t.Setenv("TEST_SPOOL_MAX_ENTRIES", "lots")

	cfg := testConfig{Spool: spoolSection{MaxEntries: 10}}
	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "TEST_").Load(context.Background(), "", &cfg))

	assert.Equal(t, "dev-env", cfg.DeviceID)
	assert.Equal(t, 10, cfg.Spool.MaxEntries)
}

func TestEnvLoaderPrefersConfigJSON(t *testing.T) {
	t.Setenv("TEST_CONFIG_JSON", `{"device_id":"from-json","spool":{"path":"/x"}}`)
	t.Setenv("TEST_DEVICE_ID", "ignored")

	var cfg testConfig
	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), "TEST_").Load(context.Background(), "", &cfg))
	assert.Equal(t, "from-json", cfg.DeviceID)
}

func TestEnvLoaderRejectsNonPointer(t *testing.T) {
	loader := NewEnvConfigLoader(logger.NewTestLogger(), "TEST_")

	require.ErrorIs(t, loader.Load(context.Background(), "", testConfig{}), ErrDstMustBeNonNilPointer)

	s := "x"
	require.ErrorIs(t, loader.Load(context.Background(), "", &s), ErrDstMustBePointerToStruct)
}

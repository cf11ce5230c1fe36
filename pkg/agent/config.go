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
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/proberadar/pkg/capture"
	"github.com/carverauto/proberadar/pkg/codeloader"
	"github.com/carverauto/proberadar/pkg/config"
	"github.com/carverauto/proberadar/pkg/errreport"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/spool"
	"github.com/carverauto/proberadar/pkg/uploader"
)

const defaultShutdownGrace = 10 * time.Second

var errNoCaptureSource = errors.New("either capture.interface or pcap_file is required")

// Config is the probe agent's configuration file.
type Config struct {
	// Capture opens a live monitor interface. Ignored when PcapFile is set.
	Capture *capture.Options `json:"capture,omitempty"`
	// PcapFile replays a capture file instead of sniffing live.
	PcapFile      string               `json:"pcap_file,omitempty"`
	Setup         capture.SetupOptions `json:"setup"`
	Spool         spool.Config         `json:"spool"`
	Session       session.Config       `json:"session"`
	Upload        uploader.Config      `json:"upload"`
	Code          codeloader.Config    `json:"code"`
	Errors        errreport.Config     `json:"errors"`
	ShutdownGrace models.Duration      `json:"shutdown_grace"`
	Logging       *logger.Config       `json:"logging,omitempty"`
}

// ApplyDefaults fills unset fields of every component.
func (c *Config) ApplyDefaults() {
	if c.Capture != nil {
		c.Capture.ApplyDefaults()
	}

	c.Spool.ApplyDefaults()
	c.Session.ApplyDefaults()
	c.Upload.ApplyDefaults()
	c.Code.ApplyDefaults()
	c.Errors.ApplyDefaults()

	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = models.Duration(defaultShutdownGrace)
	}
}

// Validate checks struct tags and that a capture source is configured.
func (c *Config) Validate() error {
	if err := config.ValidateStruct(c); err != nil {
		return err
	}

	if c.PcapFile == "" && c.Capture == nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, errNoCaptureSource)
	}

	return nil
}

// Redacted returns the effective configuration without secrets, for logging.
func (c *Config) Redacted() (map[string]interface{}, error) {
	return models.RedactSensitive(c)
}

// monitorInterface is the interface channel changes apply to.
func (c *Config) monitorInterface() string {
	if c.Setup.Interface != "" {
		return c.Setup.Interface
	}

	if c.Capture != nil {
		return c.Capture.Interface
	}

	return ""
}

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

package session

import (
	"time"

	"github.com/carverauto/proberadar/pkg/backoff"
	"github.com/carverauto/proberadar/pkg/models"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectBase  = 5 * time.Second
	maxReconnectDelay     = 60 * time.Second
	defaultSubjectPrefix  = "proberadar"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
	TransportNATS = "nats"
)

// TransportConfig selects and addresses the collector link.
type TransportConfig struct {
	Kind string `json:"kind" validate:"omitempty,oneof=http grpc nats"`
	// URL is the collector base URL (http), host:port (grpc) or NATS URL.
	URL string `json:"url" validate:"required"`
	// SubjectPrefix prefixes NATS request subjects.
	SubjectPrefix string `json:"subject_prefix"`
	CAFile        string `json:"ca_file"`
	CertFile      string `json:"cert_file"`
	KeyFile       string `json:"key_file"`
	// Insecure permits plaintext gRPC.
	Insecure bool `json:"insecure"`
}

// Config configures the session manager.
type Config struct {
	DeviceID       string          `json:"device_id" validate:"required"`
	SharedSecret   string          `json:"shared_secret" sensitive:"true" validate:"required"`
	SessionPath    string          `json:"session_path"`
	RequestTimeout models.Duration `json:"request_timeout"`
	ConnectTimeout models.Duration `json:"connect_timeout"`
	ReconnectMode  string          `json:"reconnect_mode" validate:"omitempty,oneof=fixed exponential"`
	ReconnectBase  models.Duration `json:"reconnect_base"`
	ReconnectMax   models.Duration `json:"reconnect_max"`
	Transport      TransportConfig `json:"transport"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = models.Duration(defaultRequestTimeout)
	}

	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = models.Duration(defaultConnectTimeout)
	}

	if c.ReconnectMode == "" {
		c.ReconnectMode = string(backoff.ModeExponential)
	}

	if c.ReconnectBase == 0 {
		c.ReconnectBase = models.Duration(defaultReconnectBase)
	}

	if c.ReconnectMax == 0 {
		c.ReconnectMax = models.Duration(maxReconnectDelay)
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportHTTP
	}

	if c.Transport.SubjectPrefix == "" {
		c.Transport.SubjectPrefix = defaultSubjectPrefix
	}
}

func (c *Config) backoffPolicy() backoff.Policy {
	return backoff.Policy{
		Mode: backoff.Mode(c.ReconnectMode),
		Base: c.ReconnectBase.Std(),
		Max:  c.ReconnectMax.Std(),
	}
}

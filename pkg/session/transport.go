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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/carverauto/proberadar/pkg/logger"
)

var (
	errCAParsingFailed = errors.New("failed to parse CA certificate")
	errIncompleteKeys  = errors.New("cert_file and key_file must be set together")
)

// tlsConfig builds the client TLS settings. It returns nil when neither a CA
// nor a client certificate is configured so the system roots apply.
func tlsConfig(cfg *TransportConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}

	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("%w: %s", errCAParsingFailed, cfg.CAFile)
		}

		tc.RootCAs = pool
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errIncompleteKeys
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}

// NewTransport builds the transport selected by cfg.Kind.
func NewTransport(cfg *TransportConfig, log logger.Logger) (Transport, error) {
	switch cfg.Kind {
	case "", TransportHTTP:
		return NewHTTPTransport(cfg, log)
	case TransportGRPC:
		return NewGRPCTransport(cfg, log)
	case TransportNATS:
		return NewNATSTransport(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Kind)
	}
}

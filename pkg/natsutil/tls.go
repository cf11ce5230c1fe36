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

// Package natsutil connects to NATS and publishes collector events to
// JetStream.
package natsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/proberadar/pkg/logger"
)

var (
	ErrCAParsingFailed      = errors.New("failed to parse CA certificate")
	ErrIncompleteClientKeys = errors.New("cert_file and key_file must be set together")
)

// TLSFiles locates the PEM files for a TLS NATS connection.
type TLSFiles struct {
	CAFile     string `json:"ca_file"`
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
	ServerName string `json:"server_name"`
}

// TLSConfig builds a client tls.Config. It returns nil when files is nil.
func TLSConfig(files *TLSFiles) (*tls.Config, error) {
	if files == nil {
		return nil, nil
	}

	tc := &tls.Config{
		ServerName: files.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if (files.CertFile == "") != (files.KeyFile == "") {
		return nil, ErrIncompleteClientKeys
	}

	if files.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		tc.Certificates = []tls.Certificate{cert}
	}

	if files.CAFile != "" {
		caCert, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, ErrCAParsingFailed
		}

		tc.RootCAs = pool
	}

	return tc, nil
}

// Connect dials url with reconnects enabled and errors routed to log.
func Connect(url, name string, files *TLSFiles, log logger.Logger, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	tc, err := TLSConfig(files)
	if err != nil {
		return nil, err
	}

	if tc != nil {
		opts = append(opts, nats.Secure(tc))
	}

	nc, err := nats.Connect(url, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	return nc, nil
}

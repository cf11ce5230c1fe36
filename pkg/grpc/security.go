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

package grpc

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"

	"github.com/carverauto/proberadar/pkg/logger"
)

var (
	errFailedToLoadServerCert     = errors.New("failed to load server certificate")
	errFailedToReadClientCACert   = errors.New("failed to read client CA certificate")
	errFailedToAppendClientCACert = errors.New("failed to append client CA certificate")
	errIncompleteServerKeys       = errors.New("cert_file and key_file must be set together")
)

// TLSConfig names the files a server needs for TLS. Setting ClientCAFile
// turns on client certificate verification.
type TLSConfig struct {
	CertFile     string `json:"cert_file"`
	KeyFile      string `json:"key_file"`
	ClientCAFile string `json:"client_ca_file"`
}

// Enabled reports whether any certificate is configured.
func (c *TLSConfig) Enabled() bool {
	return c != nil && (c.CertFile != "" || c.KeyFile != "")
}

// ServerTLS builds a server tls.Config from c, or nil when TLS is off.
func ServerTLS(c *TLSConfig, log logger.Logger) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	if c.CertFile == "" || c.KeyFile == "" {
		return nil, errIncompleteServerKeys
	}

	log.Info().Str("cert_file", c.CertFile).Str("key_file", c.KeyFile).Msg("Loading server certificate")

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToLoadServerCert, err)
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.ClientCAFile == "" {
		return tc, nil
	}

	pool, err := loadClientCAPool(c.ClientCAFile, log)
	if err != nil {
		return nil, err
	}

	tc.ClientCAs = pool
	tc.ClientAuth = tls.RequireAndVerifyClientCert

	return tc, nil
}

// ServerCredentials wraps ServerTLS for gRPC. It returns nil credentials
// when TLS is off.
func ServerCredentials(c *TLSConfig, log logger.Logger) (credentials.TransportCredentials, error) {
	tc, err := ServerTLS(c, log)
	if err != nil || tc == nil {
		return nil, err
	}

	return credentials.NewTLS(tc), nil
}

func loadClientCAPool(path string, log logger.Logger) (*x509.CertPool, error) {
	log.Info().Str("client_ca_file", path).Msg("Loading client CA certificate")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errFailedToReadClientCACert, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: no certificates in %s", errFailedToAppendClientCACert, path)
	}

	return pool, nil
}

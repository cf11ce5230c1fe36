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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certValidity  = 24 * time.Hour
	certFilePerms = 0600
)

// Test certificate file names written by GenerateTestCertificates.
const (
	TestCAFile        = "ca.pem"
	TestServerCert    = "collector.pem"
	TestServerKey     = "collector-key.pem"
	TestClientCert    = "device.pem"
	TestClientKey     = "device-key.pem"
	testServerOrgName = "proberadar collector"
	testClientOrgName = "proberadar device"
)

type certRole int

const (
	roleCA certRole = iota + 1
	roleServer
	roleClient
)

// GenerateTestCertificates writes a CA, a collector certificate valid for
// localhost and 127.0.0.1, and a device client certificate into dir.
func GenerateTestCertificates(dir string) error {
	caKey, caDER, err := issue(roleCA, nil, nil)
	if err != nil {
		return err
	}

	if err := savePEMCertificate(filepath.Join(dir, TestCAFile), caDER); err != nil {
		return err
	}

	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}

	for _, leaf := range []struct {
		role      certRole
		cert, key string
	}{
		{roleServer, TestServerCert, TestServerKey},
		{roleClient, TestClientCert, TestClientKey},
	} {
		key, der, err := issue(leaf.role, caCert, caKey)
		if err != nil {
			return err
		}

		if err := savePEMCertificate(filepath.Join(dir, leaf.cert), der); err != nil {
			return err
		}

		if err := savePEMPrivateKey(filepath.Join(dir, leaf.key), key); err != nil {
			return err
		}
	}

	return nil
}

// issue creates a key and a certificate for role, self-signed for the CA
// and signed by parent otherwise.
func issue(role certRole, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(int64(role)),
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	switch role {
	case roleCA:
		template.Subject = pkix.Name{Organization: []string{"proberadar test CA"}}
		template.IsCA = true
		template.BasicConstraintsValid = true
		template.KeyUsage |= x509.KeyUsageCertSign
		parent, parentKey = template, key
	case roleServer:
		template.Subject = pkix.Name{Organization: []string{testServerOrgName}, CommonName: "localhost"}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	case roleClient:
		template.Subject = pkix.Name{Organization: []string{testClientOrgName}}
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}

	return key, der, nil
}

func savePEMCertificate(path string, der []byte) error {
	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), certFilePerms)
}

func savePEMPrivateKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	return os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), certFilePerms)
}

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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const tokenInfo = "proberadar device token v1"

var errEmptySecret = errors.New("shared secret is empty")

// DeriveToken derives the device identity token from the provisioning
// secret. The device id salts the derivation so devices sharing a secret
// still present distinct tokens.
func DeriveToken(secret, deviceID string) (string, error) {
	if secret == "" {
		return "", errEmptySecret
	}

	r := hkdf.New(sha256.New, []byte(secret), []byte(deviceID), []byte(tokenInfo))

	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("derive token: %w", err)
	}

	return hex.EncodeToString(key), nil
}

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

// Package hashutil compares SHA-256 checksums published in manifests and
// cache files, accepting hex or base64 encodings.
package hashutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrEmptyChecksum       = errors.New("empty checksum string")
	ErrUnsupportedEncoding = errors.New("unsupported checksum encoding")
)

// HexSHA256 is the lowercase hex digest of data.
func HexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DecodeSHA256String decodes a hex, base64 or base64url checksum into the
// raw 32-byte digest.
func DecodeSHA256String(s string) ([]byte, error) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return nil, ErrEmptyChecksum
	}

	if decoded, err := hex.DecodeString(clean); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if decoded, err := enc.DecodeString(clean); err == nil && len(decoded) == sha256.Size {
			return decoded, nil
		}
	}

	return nil, ErrUnsupportedEncoding
}

// MatchesSHA256 reports whether expected is the checksum of data.
func MatchesSHA256(expected string, data []byte) bool {
	decoded, err := DecodeSHA256String(expected)
	if err != nil {
		return false
	}

	sum := sha256.Sum256(data)

	return subtle.ConstantTimeCompare(decoded, sum[:]) == 1
}

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

package hashutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSHA256String(t *testing.T) {
	payload := []byte("control-logic")
	sum := sha256.Sum256(payload)
	wantHex := hex.EncodeToString(sum[:])

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "hex", input: wantHex},
		{name: "upper hex", input: strings.ToUpper(wantHex)},
		{name: "base64", input: base64.StdEncoding.EncodeToString(sum[:])},
		{name: "raw base64url", input: base64.RawURLEncoding.EncodeToString(sum[:])},
		{name: "padded", input: "  " + wantHex + "\n"},
		{name: "empty", input: " ", wantErr: ErrEmptyChecksum},
		{name: "garbage", input: "not-a-digest!", wantErr: ErrUnsupportedEncoding},
		{name: "short hex", input: wantHex[:16], wantErr: ErrUnsupportedEncoding},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := DecodeSHA256String(tc.input)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, wantHex, hex.EncodeToString(decoded))
		})
	}
}

func TestMatchesSHA256(t *testing.T) {
	payload := []byte("control-logic")
	hexDigest := HexSHA256(payload)
	sum := sha256.Sum256(payload)

	assert.True(t, MatchesSHA256(hexDigest, payload))
	assert.True(t, MatchesSHA256(strings.ToUpper(hexDigest), payload))
	assert.True(t, MatchesSHA256(base64.StdEncoding.EncodeToString(sum[:]), payload))
	assert.False(t, MatchesSHA256(hexDigest, []byte("tampered")))
	assert.False(t, MatchesSHA256("invalid", payload))
}

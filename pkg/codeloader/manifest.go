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

package codeloader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/carverauto/proberadar/pkg/hashutil"
)

var (
	ErrEmptyPayload     = errors.New("control logic payload is empty")
	ErrInvalidManifest  = errors.New("invalid control logic manifest")
	ErrMissingVersion   = errors.New("manifest has no version")
	ErrNoEntryPoints    = errors.New("manifest declares no entry points")
	ErrChecksumMismatch = errors.New("module checksum mismatch")
)

// Manifest is the declarative control-logic payload served by the code
// endpoint.
type Manifest struct {
	Version     string       `json:"version"`
	EntryPoints []EntryPoint `json:"entry_points"`
	// Module is an optional WebAssembly module, base64 in JSON.
	Module []byte `json:"module,omitempty"`
	// SHA256 is the hex digest of Module.
	SHA256 string `json:"sha256,omitempty"`
}

// EntryPoint binds a step to exactly one capability or module export.
type EntryPoint struct {
	Name       string          `json:"name"`
	Capability string          `json:"capability,omitempty"`
	Export     string          `json:"export,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// ParseManifest decodes a payload without validating it.
func ParseManifest(payload []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, ErrEmptyPayload
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	return &m, nil
}

// Validate checks the manifest structurally and against reg. A module is
// compiled in the sandbox to confirm every referenced export exists.
func (m *Manifest) Validate(ctx context.Context, reg *Registry, sb *Sandbox) error {
	if strings.TrimSpace(m.Version) == "" {
		return ErrMissingVersion
	}

	if len(m.EntryPoints) == 0 {
		return ErrNoEntryPoints
	}

	if m.SHA256 != "" {
		if len(m.Module) == 0 {
			return fmt.Errorf("%w: sha256 given without a module", ErrInvalidManifest)
		}

		if !hashutil.MatchesSHA256(m.SHA256, m.Module) {
			return ErrChecksumMismatch
		}
	}

	var exports []string

	for i := range m.EntryPoints {
		ep := &m.EntryPoints[i]

		switch {
		case ep.Capability != "" && ep.Export != "":
			return fmt.Errorf("%w: entry point %q binds both a capability and an export", ErrInvalidManifest, ep.Name)
		case ep.Capability != "":
			if _, ok := reg.Get(ep.Capability); !ok {
				return fmt.Errorf("%w: %q", ErrUnknownCapability, ep.Capability)
			}
		case ep.Export != "":
			if len(m.Module) == 0 {
				return fmt.Errorf("%w: entry point %q needs a module", ErrInvalidManifest, ep.Name)
			}

			exports = append(exports, ep.Export)
		default:
			return fmt.Errorf("%w: entry point %q binds nothing", ErrInvalidManifest, ep.Name)
		}
	}

	if len(m.Module) > 0 {
		if err := sb.Check(ctx, m.Module, exports); err != nil {
			return err
		}
	}

	return nil
}

// Digest is the hex SHA-256 of payload.
func Digest(payload []byte) string {
	return hashutil.HexSHA256(payload)
}

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

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidFrame is returned for frames that violate capture invariants.
var ErrInvalidFrame = errors.New("invalid captured frame")

var errUnknownSeverity = errors.New("unknown severity")

// Severity ranks error records.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// ParseSeverity maps a case-insensitive name onto a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityFatal:
		return sev, nil
	case "warn":
		return SeverityWarning, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownSeverity, s)
	}
}

// Rank orders severities from least to most severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityFatal:
		return 4
	default:
		return 1
	}
}

// ErrorRecord is one device-side failure destined for the server.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Component string    `json:"component,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

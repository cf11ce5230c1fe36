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

// Package backoff provides the reconnect and retry delay sequences shared by
// the session manager and the upload batcher.
package backoff

import (
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
)

// Mode selects how the delay grows after consecutive failures.
type Mode string

const (
	ModeExponential Mode = "exponential"
	ModeFixed       Mode = "fixed"
)

const (
	DefaultBase       = time.Second
	DefaultMax        = 5 * time.Minute
	DefaultMultiplier = 2.0
)

// Policy describes a capped delay sequence.
type Policy struct {
	Mode       Mode
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func (p Policy) normalized() Policy {
	if p.Mode == "" {
		p.Mode = ModeExponential
	}

	if p.Base <= 0 {
		p.Base = DefaultBase
	}

	if p.Max <= 0 {
		p.Max = DefaultMax
	}

	if p.Base > p.Max {
		p.Base = p.Max
	}

	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}

	return p
}

// Sequence yields successive delays for one retry loop. Delays never
// decrease until Reset and never exceed Policy.Max. No jitter is applied.
// A Sequence is not safe for concurrent use.
type Sequence struct {
	policy   Policy
	bo       *cbackoff.ExponentialBackOff
	current  time.Duration
	attempts int
}

// New returns a Sequence positioned at the base delay.
func New(p Policy) *Sequence {
	p = p.normalized()

	bo := cbackoff.NewExponentialBackOff()
	bo.InitialInterval = p.Base
	bo.MaxInterval = p.Max
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = 0
	bo.Reset()

	return &Sequence{policy: p, bo: bo, current: p.Base}
}

// Next returns the delay to wait before the next attempt and advances.
func (s *Sequence) Next() time.Duration {
	s.attempts++

	if s.policy.Mode == ModeFixed {
		s.current = s.policy.Base
		return s.current
	}

	d := s.bo.NextBackOff()
	if d > s.policy.Max {
		d = s.policy.Max
	}

	s.current = d

	return d
}

// Reset returns the sequence to the base delay.
func (s *Sequence) Reset() {
	s.bo.Reset()
	s.current = s.policy.Base
	s.attempts = 0
}

// Current reports the most recent delay handed out, or the base delay.
func (s *Sequence) Current() time.Duration {
	return s.current
}

// Attempts reports how many delays were handed out since the last Reset.
func (s *Sequence) Attempts() int {
	return s.attempts
}

// Policy returns the normalized policy.
func (s *Sequence) Policy() Policy {
	return s.policy
}

// Delay returns the delay after the given number of consecutive failures,
// computed without any state. Delay(p, 0) is zero.
func Delay(p Policy, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	seq := New(p)

	var d time.Duration
	for i := 0; i < failures; i++ {
		d = seq.Next()
		if d == seq.policy.Max {
			break
		}
	}

	return d
}

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
	"sort"
	"sync"
	"time"

	"github.com/carverauto/proberadar/pkg/models"
)

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidArgs       = errors.New("invalid capability arguments")
)

// Runtime is the narrow surface control logic may act on.
type Runtime interface {
	SetBatchSize(n int) error
	SetCycleInterval(d time.Duration) error
	SetLogLevel(level string) error
	SetChannel(ctx context.Context, channel int) error
	Report(ctx context.Context, message string, severity models.Severity)
}

// Capability is a statically linked operation an entry point may bind to.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, rt Runtime, args json.RawMessage) error
}

// Registry holds the capabilities a manifest may reference.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// DefaultRegistry returns a registry with the built-in capabilities.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(captureConfigure{})
	r.Register(uploadConfigure{})
	r.Register(logLevel{})
	r.Register(reportMessage{})

	return r
}

// Register adds or replaces c.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.caps[c.Name()] = c
}

// Get looks up a capability by name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]

	return c, ok
}

// Names lists the registered capabilities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func decodeArgs(name string, raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s requires arguments", ErrInvalidArgs, name)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidArgs, name, err)
	}

	return nil
}

type captureConfigure struct{}

func (captureConfigure) Name() string { return "capture.configure" }

func (c captureConfigure) Invoke(ctx context.Context, rt Runtime, raw json.RawMessage) error {
	var args struct {
		Channel int `json:"channel"`
	}

	if err := decodeArgs(c.Name(), raw, &args); err != nil {
		return err
	}

	if args.Channel <= 0 {
		return fmt.Errorf("%w: channel must be positive", ErrInvalidArgs)
	}

	return rt.SetChannel(ctx, args.Channel)
}

type uploadConfigure struct{}

func (uploadConfigure) Name() string { return "upload.configure" }

func (c uploadConfigure) Invoke(_ context.Context, rt Runtime, raw json.RawMessage) error {
	var args struct {
		BatchSize     int             `json:"batch_size"`
		CycleInterval models.Duration `json:"cycle_interval"`
	}

	if err := decodeArgs(c.Name(), raw, &args); err != nil {
		return err
	}

	if args.BatchSize < 0 || args.CycleInterval < 0 {
		return fmt.Errorf("%w: negative values", ErrInvalidArgs)
	}

	if args.BatchSize > 0 {
		if err := rt.SetBatchSize(args.BatchSize); err != nil {
			return err
		}
	}

	if args.CycleInterval > 0 {
		return rt.SetCycleInterval(args.CycleInterval.Std())
	}

	return nil
}

type logLevel struct{}

func (logLevel) Name() string { return "log.level" }

func (c logLevel) Invoke(_ context.Context, rt Runtime, raw json.RawMessage) error {
	var args struct {
		Level string `json:"level"`
	}

	if err := decodeArgs(c.Name(), raw, &args); err != nil {
		return err
	}

	return rt.SetLogLevel(args.Level)
}

type reportMessage struct{}

func (reportMessage) Name() string { return "report.message" }

func (c reportMessage) Invoke(ctx context.Context, rt Runtime, raw json.RawMessage) error {
	var args struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
	}

	if err := decodeArgs(c.Name(), raw, &args); err != nil {
		return err
	}

	sev := models.SeverityInfo

	if args.Severity != "" {
		parsed, err := models.ParseSeverity(args.Severity)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgs, err)
		}

		sev = parsed
	}

	rt.Report(ctx, args.Message, sev)

	return nil
}

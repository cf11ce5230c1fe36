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

// Package codeloader fetches the device's control logic at startup, keeps
// the last known good copy on disk and runs it against a fixed capability
// surface. Server-delivered logic is a declarative manifest, optionally with
// a WebAssembly module executed in a sandbox.
package codeloader

//go:generate mockgen -destination=mock_codeloader.go -package=codeloader github.com/carverauto/proberadar/pkg/codeloader Session,Runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/proberadar/pkg/hashutil"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/wire"
)

const defaultFetchTimeout = 30 * time.Second

// ErrNoControlLogic means neither the server nor the cache produced a valid
// program. It is fatal at startup.
var ErrNoControlLogic = errors.New("no control logic available")

// Session is the part of the session manager the loader needs.
type Session interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, path string, payload []byte) (session.Reply, error)
}

// Reporter receives fetch and cache failures.
type Reporter interface {
	Report(ctx context.Context, message string, severity models.Severity, forward bool)
}

// Source says where a program came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Config locates the cache and bounds the fetch.
type Config struct {
	CachePath        string          `json:"cache_path" validate:"required"`
	FetchTimeout     models.Duration `json:"fetch_timeout"`
	MemoryLimitPages uint32          `json:"memory_limit_pages"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = models.Duration(defaultFetchTimeout)
	}

	if c.MemoryLimitPages == 0 {
		c.MemoryLimitPages = defaultMemoryLimitPages
	}
}

// Program is validated control logic ready to run.
type Program struct {
	Manifest    *Manifest
	Source      Source
	Digest      string
	RetrievedAt time.Time

	registry *Registry
	sandbox  *Sandbox
}

// Version is the manifest version.
func (p *Program) Version() string {
	return p.Manifest.Version
}

// Run invokes the entry points in declaration order and stops at the first
// failure. Consecutive module exports share one instance.
func (p *Program) Run(ctx context.Context, rt Runtime) error {
	eps := p.Manifest.EntryPoints

	for i := 0; i < len(eps); {
		ep := &eps[i]

		if ep.Export != "" {
			var exports []string
			for ; i < len(eps) && eps[i].Export != ""; i++ {
				exports = append(exports, eps[i].Export)
			}

			if err := p.sandbox.Invoke(ctx, p.Manifest.Module, exports, rt); err != nil {
				return fmt.Errorf("entry point %q: %w", ep.Name, err)
			}

			continue
		}

		capability, ok := p.registry.Get(ep.Capability)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCapability, ep.Capability)
		}

		if err := capability.Invoke(ctx, rt, ep.Args); err != nil {
			return fmt.Errorf("entry point %q: %w", ep.Name, err)
		}

		i++
	}

	return nil
}

// Loader implements startup code loading with cache fallback.
type Loader struct {
	cfg      Config
	deviceID string
	session  Session
	cache    *FileCache
	registry *Registry
	sandbox  *Sandbox
	reporter Reporter
	logger   logger.Logger
	now      func() time.Time
}

// Option customizes a Loader.
type Option func(*Loader)

// WithRegistry replaces the built-in capabilities.
func WithRegistry(r *Registry) Option {
	return func(l *Loader) {
		l.registry = r
	}
}

// WithReporter routes failures to r.
func WithReporter(r Reporter) Option {
	return func(l *Loader) {
		l.reporter = r
	}
}

// WithClock overrides the clock used for cache timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		l.now = now
	}
}

// New creates a loader.
func New(cfg Config, deviceID string, sess Session, log logger.Logger, opts ...Option) (*Loader, error) {
	cfg.ApplyDefaults()

	cache, err := NewFileCache(cfg.CachePath)
	if err != nil {
		return nil, err
	}

	l := &Loader{
		cfg:      cfg,
		deviceID: deviceID,
		session:  sess,
		cache:    cache,
		registry: DefaultRegistry(),
		sandbox:  NewSandbox(cfg.MemoryLimitPages),
		logger:   log,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// LoadStartupCode fetches the current control logic. On any fetch or
// validation failure it falls back to the cached copy; with no usable cache
// it returns ErrNoControlLogic. The cache is only replaced by a payload that
// validated completely.
func (l *Loader) LoadStartupCode(ctx context.Context) (*Program, error) {
	cached, cacheErr := l.cache.Load()
	if cacheErr != nil {
		l.logger.Warn().Err(cacheErr).Msg("Code cache unreadable")
	}

	prog, fetchErr := l.fetch(ctx, cached)
	if fetchErr == nil {
		l.logger.Info().
			Str("version", prog.Version()).
			Str("source", string(prog.Source)).
			Int("entry_points", len(prog.Manifest.EntryPoints)).
			Msg("Loaded control logic")

		return prog, nil
	}

	l.report(ctx, models.SeverityWarning, fmt.Sprintf("control logic fetch failed, trying cache: %v", fetchErr))

	if cached == nil {
		err := fmt.Errorf("%w: fetch failed (%w) and no cache is present", ErrNoControlLogic, fetchErr)
		if cacheErr != nil {
			err = fmt.Errorf("%w: fetch failed (%w) and cache is unreadable (%w)", ErrNoControlLogic, fetchErr, cacheErr)
		}

		l.report(ctx, models.SeverityFatal, err.Error())

		return nil, err
	}

	prog, err := l.fromCache(ctx, cached)
	if err != nil {
		err = fmt.Errorf("%w: fetch failed (%w) and cache is invalid (%w)", ErrNoControlLogic, fetchErr, err)
		l.report(ctx, models.SeverityFatal, err.Error())

		return nil, err
	}

	l.logger.Warn().
		Str("version", prog.Version()).
		Time("retrieved_at", prog.RetrievedAt).
		Msg("Running cached control logic")

	return prog, nil
}

func (l *Loader) fetch(ctx context.Context, cached *models.CodeCacheEntry) (*Program, error) {
	fctx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout.Std())
	defer cancel()

	if err := l.session.Connect(fctx); err != nil {
		return nil, err
	}

	req := &wire.CodeRequest{DeviceID: l.deviceID}
	if cached != nil {
		req.CachedVersion = cached.Version
	}

	reply, err := l.session.Send(fctx, session.PathCode, wire.MarshalCodeRequest(req))
	if err != nil {
		return nil, err
	}

	prog, err := l.validate(fctx, reply.Body)
	if err != nil {
		return nil, err
	}

	prog.Source = SourceNetwork
	prog.RetrievedAt = l.now().UTC()

	entry := &models.CodeCacheEntry{
		Version:     prog.Version(),
		SHA256:      prog.Digest,
		RetrievedAt: prog.RetrievedAt,
		Payload:     reply.Body,
	}

	if err := l.cache.Store(entry); err != nil {
		// The fetched program is valid; only the fallback copy is stale.
		l.report(ctx, models.SeverityError, fmt.Sprintf("control logic cache update failed: %v", err))
	}

	return prog, nil
}

func (l *Loader) fromCache(ctx context.Context, entry *models.CodeCacheEntry) (*Program, error) {
	if entry.SHA256 != "" && !hashutil.MatchesSHA256(entry.SHA256, entry.Payload) {
		return nil, ErrChecksumMismatch
	}

	prog, err := l.validate(ctx, entry.Payload)
	if err != nil {
		return nil, err
	}

	prog.Source = SourceCache
	prog.RetrievedAt = entry.RetrievedAt

	return prog, nil
}

func (l *Loader) validate(ctx context.Context, payload []byte) (*Program, error) {
	m, err := ParseManifest(payload)
	if err != nil {
		return nil, err
	}

	if err := m.Validate(ctx, l.registry, l.sandbox); err != nil {
		return nil, err
	}

	return &Program{
		Manifest: m,
		Digest:   Digest(payload),
		registry: l.registry,
		sandbox:  l.sandbox,
	}, nil
}

func (l *Loader) report(ctx context.Context, sev models.Severity, msg string) {
	if l.reporter == nil {
		l.logger.Warn().Str("severity", string(sev)).Msg(msg)
		return
	}

	l.reporter.Report(ctx, msg, sev, true)
}

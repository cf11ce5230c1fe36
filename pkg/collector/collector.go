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

// Package collector is an in-memory reference implementation of the
// collector endpoints devices talk to: handshake, ingest, code distribution
// and error intake. It serves the same logic over HTTP, gRPC and NATS.
package collector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/proberadar/pkg/config"
	"github.com/carverauto/proberadar/pkg/grpc"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/natsutil"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/wire"
)

const (
	defaultMaxFrames    = 100000
	defaultMaxErrors    = 1000
	defaultSubjectRoot  = "proberadar"
	maxRequestBodyBytes = 32 << 20
)

var (
	errNoFrontend  = errors.New("at least one of http_addr, grpc_addr or nats_url is required")
	errUnknownPath = errors.New("unknown endpoint")
)

// Config configures the collector and its frontends.
type Config struct {
	HTTPAddr      string             `json:"http_addr"`
	GRPCAddr      string             `json:"grpc_addr"`
	NATSURL       string             `json:"nats_url"`
	SubjectPrefix string             `json:"subject_prefix"`
	SharedSecret  string             `json:"shared_secret" sensitive:"true" validate:"required"`
	// APIKey guards the /api inspection endpoints when set.
	APIKey        string             `json:"api_key" sensitive:"true"`
	CodePath      string             `json:"code_path"`
	MaxFrames     int                `json:"max_frames" validate:"gte=0"`
	MaxErrors     int                `json:"max_errors" validate:"gte=0"`
	TLS           *grpc.TLSConfig    `json:"tls"`
	Logging       *logger.Config     `json:"logging"`
	// NATSTLS secures the NATS connection.
	NATSTLS       *natsutil.TLSFiles `json:"nats_tls"`
	// EventStream names a JetStream stream that receives CloudEvents for
	// ingested batches and new sessions.
	EventStream   string             `json:"event_stream" validate:"excluded_without=NATSURL"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectRoot
	}

	if c.MaxFrames == 0 {
		c.MaxFrames = defaultMaxFrames
	}

	if c.MaxErrors == 0 {
		c.MaxErrors = defaultMaxErrors
	}
}

// Validate checks struct tags and that some frontend is enabled.
func (c *Config) Validate() error {
	if err := config.ValidateStruct(c); err != nil {
		return err
	}

	if c.HTTPAddr == "" && c.GRPCAddr == "" && c.NATSURL == "" {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, errNoFrontend)
	}

	return nil
}

// Redacted returns the effective configuration without secrets, for logging.
func (c *Config) Redacted() (map[string]interface{}, error) {
	return models.RedactSensitive(c)
}

// Device is the collector's view of one field device.
type Device struct {
	ID           string    `json:"id"`
	Cookie       string    `json:"-"`
	Epoch        int64     `json:"epoch"`
	AgentVersion string    `json:"agent_version,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Accepted     int64     `json:"accepted"`
	Duplicates   int64     `json:"duplicates"`
	Errors       int64     `json:"errors"`
}

// Stats are collector-wide counters.
type Stats struct {
	Devices    int   `json:"devices"`
	Handshakes int64 `json:"handshakes"`
	Batches    int64 `json:"batches"`
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Errors     int64 `json:"errors"`
	Rejected   int64 `json:"rejected"`
}

// window keeps the newest limit items and their keys for duplicate checks.
type window[T any] struct {
	limit int
	items []T
	keys  []string
	seen  map[string]struct{}
}

func newWindow[T any](limit int) *window[T] {
	return &window[T]{limit: limit, seen: make(map[string]struct{})}
}

func (w *window[T]) add(key string, item T) bool {
	if _, dup := w.seen[key]; dup {
		return false
	}

	if len(w.items) >= w.limit {
		delete(w.seen, w.keys[0])
		w.items = w.items[1:]
		w.keys = w.keys[1:]
	}

	w.items = append(w.items, item)
	w.keys = append(w.keys, key)
	w.seen[key] = struct{}{}

	return true
}

type deviceState struct {
	info   Device
	frames *window[models.CapturedFrame]
	errors *window[models.ErrorRecord]
}

// EventSink is notified of accepted batches and newly issued sessions.
// Calls are made outside the collector's lock.
type EventSink interface {
	FramesIngested(ctx context.Context, deviceID, batchID string, accepted, duplicates int)
	SessionOpened(ctx context.Context, device Device)
}

// Collector holds devices, their sessions and everything they delivered.
// It is safe for concurrent use by every frontend.
type Collector struct {
	cfg    Config
	logger logger.Logger
	now    func() time.Time

	mu      sync.RWMutex
	devices map[string]*deviceState
	epoch   int64
	code    []byte
	stats   Stats
	events  EventSink
}

// New creates a collector, loading the control-logic payload from
// cfg.CodePath when set.
func New(cfg Config, log logger.Logger) (*Collector, error) {
	cfg.ApplyDefaults()

	c := &Collector{
		cfg:     cfg,
		logger:  log,
		now:     time.Now,
		devices: make(map[string]*deviceState),
	}

	if cfg.CodePath != "" {
		code, err := os.ReadFile(cfg.CodePath)
		if err != nil {
			return nil, fmt.Errorf("read control logic: %w", err)
		}

		c.code = code
	}

	return c, nil
}

// SetEventSink installs sink; nil disables notifications.
func (c *Collector) SetEventSink(sink EventSink) {
	c.mu.Lock()
	c.events = sink
	c.mu.Unlock()
}

// SetCode replaces the payload served by the code endpoint. A nil payload
// makes the endpoint answer with invalid.request.
func (c *Collector) SetCode(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.code = payload
}

func rejected(status int, reason string) error {
	return &session.ReplyError{Status: status, Reason: reason}
}

func (c *Collector) authorize(deviceID, token string) error {
	if deviceID == "" {
		return rejected(http.StatusUnauthorized, session.ReasonInvalidPermissions)
	}

	want, err := session.DeriveToken(c.cfg.SharedSecret, deviceID)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return rejected(http.StatusForbidden, session.ReasonInvalidPermissions)
	}

	return nil
}

func (c *Collector) deviceLocked(id string) *deviceState {
	d, ok := c.devices[id]
	if !ok {
		d = &deviceState{
			info:   Device{ID: id},
			frames: newWindow[models.CapturedFrame](c.cfg.MaxFrames),
			errors: newWindow[models.ErrorRecord](c.cfg.MaxErrors),
		}
		c.devices[id] = d
	}

	return d
}

// Hello authenticates a handshake. A device presenting its current cookie
// and epoch resumes that session; otherwise a new session is issued under
// the next epoch.
func (c *Collector) Hello(ctx context.Context, id session.Identity, payload []byte) (session.HelloReply, error) {
	hello, err := wire.UnmarshalHello(payload)
	if err != nil {
		return session.HelloReply{}, c.reject(rejected(http.StatusBadRequest, session.ReasonInvalidRequest))
	}

	if id.DeviceID != "" && id.DeviceID != hello.DeviceID {
		return session.HelloReply{}, c.reject(rejected(http.StatusBadRequest, session.ReasonInvalidRequest))
	}

	if err := c.authorize(hello.DeviceID, hello.Token); err != nil {
		c.logger.Warn().Str("device_id", hello.DeviceID).Msg("Rejected handshake")
		return session.HelloReply{}, c.reject(err)
	}

	c.mu.Lock()

	d := c.deviceLocked(hello.DeviceID)
	d.info.AgentVersion = hello.AgentVersion
	d.info.Hostname = hello.Hostname
	d.info.Platform = hello.Platform
	d.info.LastSeen = c.now()
	c.stats.Handshakes++

	if hello.Cookie != "" && hello.Cookie == d.info.Cookie && hello.Epoch == d.info.Epoch {
		reply := session.HelloReply{Cookie: d.info.Cookie, Epoch: d.info.Epoch}
		c.mu.Unlock()

		c.logger.Debug().Str("device_id", hello.DeviceID).Int64("epoch", reply.Epoch).Msg("Session resumed")

		return reply, nil
	}

	c.epoch++
	d.info.Cookie = uuid.NewString()
	d.info.Epoch = c.epoch

	info, sink := d.info, c.events
	c.mu.Unlock()

	c.logger.Info().
		Str("device_id", hello.DeviceID).
		Str("agent_version", hello.AgentVersion).
		Int64("epoch", info.Epoch).
		Msg("Session opened")

	if sink != nil {
		sink.SessionOpened(ctx, info)
	}

	return session.HelloReply{Cookie: info.Cookie, Epoch: info.Epoch}, nil
}

// Handle serves one authenticated request. It returns
// session.ErrRefreshRequested when the caller's session is not current and
// a *session.ReplyError for anything the caller must not retry as is.
func (c *Collector) Handle(ctx context.Context, id session.Identity, path string, payload []byte) ([]byte, error) {
	if err := c.authorize(id.DeviceID, id.Token); err != nil {
		return nil, c.reject(err)
	}

	if err := c.checkSession(&id); err != nil {
		return nil, err
	}

	switch path {
	case session.PathIngest:
		return c.ingest(ctx, id.DeviceID, payload)
	case session.PathCode:
		return c.serveCode(id.DeviceID, payload)
	case session.PathErrors:
		return c.intakeErrors(id.DeviceID, payload)
	default:
		return nil, c.reject(rejected(http.StatusNotFound, fmt.Sprintf("%s: %s", session.ReasonInvalidRequest, errUnknownPath)))
	}
}

func (c *Collector) checkSession(id *session.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[id.DeviceID]
	if !ok || d.info.Cookie == "" || d.info.Cookie != id.Cookie || d.info.Epoch != id.Epoch {
		return session.ErrRefreshRequested
	}

	d.info.LastSeen = c.now()

	return nil
}

func (c *Collector) reject(err error) error {
	c.mu.Lock()
	c.stats.Rejected++
	c.mu.Unlock()

	return err
}

func (c *Collector) ingest(ctx context.Context, deviceID string, payload []byte) ([]byte, error) {
	batch, err := wire.UnmarshalBatch(payload)
	if err != nil || batch.DeviceID != deviceID {
		return nil, c.reject(rejected(http.StatusBadRequest, session.ReasonInvalidRequest))
	}

	c.mu.Lock()
	d := c.deviceLocked(deviceID)

	accepted := 0

	for i := range batch.Frames {
		if d.frames.add(batch.Frames[i].DedupKey(), batch.Frames[i]) {
			accepted++
		}
	}

	dups := len(batch.Frames) - accepted
	d.info.Accepted += int64(accepted)
	d.info.Duplicates += int64(dups)
	c.stats.Batches++
	c.stats.Accepted += int64(accepted)
	c.stats.Duplicates += int64(dups)
	sink := c.events
	c.mu.Unlock()

	c.logger.Debug().
		Str("device_id", deviceID).
		Str("batch_id", batch.ID).
		Int("accepted", accepted).
		Int("duplicates", dups).
		Msg("Ingested batch")

	if sink != nil && accepted > 0 {
		sink.FramesIngested(ctx, deviceID, batch.ID, accepted, dups)
	}

	return json.Marshal(session.IngestReply{OK: true, Accepted: accepted})
}

func (c *Collector) serveCode(deviceID string, payload []byte) ([]byte, error) {
	req, err := wire.UnmarshalCodeRequest(payload)
	if err != nil || (req.DeviceID != "" && req.DeviceID != deviceID) {
		return nil, c.reject(rejected(http.StatusBadRequest, session.ReasonInvalidRequest))
	}

	c.mu.RLock()
	code := c.code
	c.mu.RUnlock()

	if len(code) == 0 {
		return nil, c.reject(rejected(http.StatusNotFound, session.ReasonInvalidRequest))
	}

	c.logger.Debug().
		Str("device_id", deviceID).
		Str("cached_version", req.CachedVersion).
		Msg("Served control logic")

	return code, nil
}

func (c *Collector) intakeErrors(deviceID string, payload []byte) ([]byte, error) {
	rep, err := wire.UnmarshalErrorReport(payload)
	if err != nil || rep.DeviceID != deviceID {
		return nil, c.reject(rejected(http.StatusBadRequest, session.ReasonInvalidRequest))
	}

	c.mu.Lock()
	d := c.deviceLocked(deviceID)

	accepted := 0

	for i := range rep.Records {
		if d.errors.add(rep.Records[i].ID, rep.Records[i]) {
			accepted++
		}
	}

	d.info.Errors += int64(accepted)
	c.stats.Errors += int64(accepted)
	c.mu.Unlock()

	for i := range rep.Records {
		c.logger.Info().
			Str("device_id", deviceID).
			Str("component", rep.Records[i].Component).
			Str("severity", string(rep.Records[i].Severity)).
			Msg(rep.Records[i].Message)
	}

	return json.Marshal(session.IngestReply{OK: true, Accepted: accepted})
}

// Refresh invalidates the device's session; its next request is answered
// with a refresh demand. It reports whether the device had a session.
func (c *Collector) Refresh(deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[deviceID]
	if !ok || d.info.Cookie == "" {
		return false
	}

	d.info.Cookie = ""

	c.logger.Info().Str("device_id", deviceID).Msg("Session refresh forced")

	return true
}

// Devices lists known devices sorted by id.
func (c *Collector) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d.info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Frames returns the retained frames of a device in arrival order.
func (c *Collector) Frames(deviceID string) []models.CapturedFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.devices[deviceID]
	if !ok {
		return nil
	}

	out := make([]models.CapturedFrame, len(d.frames.items))
	copy(out, d.frames.items)

	return out
}

// ErrorRecords returns the retained error records of a device.
func (c *Collector) ErrorRecords(deviceID string) []models.ErrorRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.devices[deviceID]
	if !ok {
		return nil
	}

	out := make([]models.ErrorRecord, len(d.errors.items))
	copy(out, d.errors.items)

	return out
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	s.Devices = len(c.devices)

	return s
}

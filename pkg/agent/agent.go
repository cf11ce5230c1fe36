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

// Package agent runs the device pipeline. Capture feeds the spool, the
// batcher drains it over the authenticated session, and control logic
// fetched at startup tunes the pipeline before capture begins.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carverauto/proberadar/pkg/capture"
	"github.com/carverauto/proberadar/pkg/codeloader"
	"github.com/carverauto/proberadar/pkg/errreport"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/spool"
	"github.com/carverauto/proberadar/pkg/uploader"
)

var (
	ErrAlreadyStarted = errors.New("agent already started")
	errNoLiveCapture  = errors.New("live capture is not available in this build")
	errStartupAborted = errors.New("agent stopped during startup")
)

// CaptureOpener opens a live capture handle.
type CaptureOpener func(opts capture.Options, log logger.Logger, reporter capture.Reporter) (*capture.Handle, error)

// Option customizes an Agent.
type Option func(*Agent)

// WithCaptureOpener sets how live captures are opened. Without it only
// PcapFile replay is available.
func WithCaptureOpener(open CaptureOpener) Option {
	return func(a *Agent) {
		a.openLive = open
	}
}

// WithCommandRunner replaces the runner used for interface setup and
// channel changes.
func WithCommandRunner(r capture.CommandRunner) Option {
	return func(a *Agent) {
		a.runner = r
	}
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	DeviceID       string            `json:"device_id"`
	Session        string            `json:"session"`
	ProgramVersion string            `json:"program_version,omitempty"`
	ProgramSource  codeloader.Source `json:"program_source,omitempty"`
	Capture        capture.PumpStats `json:"capture"`
	Queue          models.QueueStats `json:"queue"`
	Upload         uploader.Stats    `json:"upload"`
	Errors         errreport.Stats   `json:"errors"`
}

// Agent owns every pipeline component and their goroutines.
type Agent struct {
	cfg      *Config
	logger   logger.Logger
	openLive CaptureOpener
	runner   capture.CommandRunner

	mu       sync.Mutex
	started  bool
	stopped  bool
	reporter *errreport.Reporter
	spool    *spool.Spool
	session  *session.Manager
	uploader *uploader.Uploader
	program  *codeloader.Program
	handle   *capture.Handle
	pump     *capture.Pump

	captureDone  chan struct{}
	uploadDone   chan struct{}
	uploadCancel context.CancelFunc
	bgCancel     context.CancelFunc
	bg           sync.WaitGroup
	errCh        chan error
}

// New prepares an agent; nothing is opened until Start.
func New(cfg *Config, log logger.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: log,
		runner: capture.ExecRunner{},
		errCh:  make(chan error, 1),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

func (a *Agent) component(name string) logger.Logger {
	return logger.New(a.logger.WithComponent(name))
}

// Start brings the pipeline up and blocks until ctx is done or capture
// fails. Startup failures are fatal and leave nothing running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}

	a.started = true
	a.mu.Unlock()

	if err := a.init(ctx); err != nil {
		if errors.Is(err, errStartupAborted) {
			a.logger.Info().Msg("Stopped during startup")
			return nil
		}

		if relErr := a.Stop(context.WithoutCancel(ctx)); relErr != nil {
			a.logger.Warn().Err(relErr).Msg("Release after failed startup")
		}

		return err
	}

	a.launch(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-a.errCh:
		return err
	}
}

func (a *Agent) init(ctx context.Context) error {
	deviceID := a.cfg.Session.DeviceID

	a.logger.Info().Str("device_id", deviceID).Msg("Starting probe agent")

	rep := errreport.New(a.cfg.Errors, deviceID, a.component("errreport"))

	sp, err := spool.Open(ctx, a.cfg.Spool, a.component("spool"), spool.WithReporter(rep.For("spool")))
	if err != nil {
		rep.Report(ctx, fmt.Sprintf("open queue: %v", err), models.SeverityFatal, false)
		return fmt.Errorf("open spool: %w", err)
	}

	rep.SetSpiller(sp)

	if err := a.adopt(func() { a.reporter, a.spool = rep, sp }); err != nil {
		if cerr := sp.Close(ctx); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("Failed to close queue after aborted startup")
		}

		return err
	}

	tr, err := session.NewTransport(&a.cfg.Session.Transport, a.component("transport"))
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	sess, err := session.New(a.cfg.Session, tr, a.component("session"), session.WithReporter(rep.For("session")))
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create session: %w", err)
	}

	rep.SetSender(sess)

	up, err := uploader.New(a.cfg.Upload, deviceID, sp, sess, a.component("uploader"),
		uploader.WithReporter(rep.For("uploader")))
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("create uploader: %w", err)
	}

	if err := a.adopt(func() { a.session, a.uploader = sess, up }); err != nil {
		_ = sess.Close()
		return err
	}

	if err := capture.Setup(ctx, a.cfg.Setup, a.runner, a.component("setup")); err != nil {
		rep.Report(ctx, err.Error(), models.SeverityFatal, true)
		return err
	}

	if err := a.loadProgram(ctx, rep, sess, up); err != nil {
		return err
	}

	return a.openCapture(rep, sp)
}

func (a *Agent) loadProgram(ctx context.Context, rep *errreport.Reporter, sess *session.Manager, up *uploader.Uploader) error {
	loader, err := codeloader.New(a.cfg.Code, a.cfg.Session.DeviceID, sess, a.component("codeloader"),
		codeloader.WithReporter(rep.For("codeloader")))
	if err != nil {
		return fmt.Errorf("create code loader: %w", err)
	}

	prog, err := loader.LoadStartupCode(ctx)
	if err != nil {
		return err
	}

	rt := &runtime{
		pacer:    up,
		runner:   a.runner,
		iface:    a.cfg.monitorInterface(),
		logger:   a.logger,
		reporter: rep.For("control"),
	}

	if err := prog.Run(ctx, rt); err != nil {
		rep.Reportf(ctx, models.SeverityFatal, "control logic %s failed: %v", prog.Version(), err)
		return fmt.Errorf("run control logic %s: %w", prog.Version(), err)
	}

	a.logger.Info().
		Str("version", prog.Version()).
		Str("source", string(prog.Source)).
		Msg("Control logic applied")

	a.mu.Lock()
	a.program = prog
	a.mu.Unlock()

	return nil
}

func (a *Agent) openCapture(rep *errreport.Reporter, sp *spool.Spool) error {
	log := a.component("capture")
	capRep := rep.For("capture")

	var (
		h   *capture.Handle
		err error
	)

	switch {
	case a.cfg.PcapFile != "":
		h, err = capture.OpenOffline(a.cfg.PcapFile, log, capRep)
	case a.openLive == nil:
		err = errNoLiveCapture
	default:
		h, err = a.openLive(*a.cfg.Capture, log, capRep)
	}

	if err != nil {
		capRep.Report(context.Background(), fmt.Sprintf("open capture: %v", err), models.SeverityFatal, true)
		return fmt.Errorf("open capture: %w", err)
	}

	if err := a.adopt(func() {
		a.handle = h
		a.pump = capture.NewPump(h, sp, capRep, log)
	}); err != nil {
		h.Close()
		return err
	}

	return nil
}

// adopt publishes components built during startup. Once Stop has run it
// refuses, and the caller releases what it built.
func (a *Agent) adopt(publish func()) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errStartupAborted
	}

	publish()

	return nil
}

// launch starts the long-running loops. They run on contexts detached from
// ctx so that Stop can shut them down in order.
func (a *Agent) launch(ctx context.Context) {
	base := context.WithoutCancel(ctx)

	bgCtx, bgCancel := context.WithCancel(base)
	upCtx, upCancel := context.WithCancel(base)

	a.mu.Lock()
	if a.stopped || a.session == nil {
		a.mu.Unlock()
		bgCancel()
		upCancel()

		return
	}

	a.bgCancel, a.uploadCancel = bgCancel, upCancel
	a.captureDone = make(chan struct{})
	a.uploadDone = make(chan struct{})
	rep, sess, up, pump := a.reporter, a.session, a.uploader, a.pump
	captureDone, uploadDone := a.captureDone, a.uploadDone
	a.mu.Unlock()

	changes, _ := sess.Subscribe()

	a.bg.Add(3)

	go func() {
		defer a.bg.Done()

		_ = rep.Run(bgCtx)
	}()

	go func() {
		defer a.bg.Done()

		_ = sess.Run(bgCtx)
	}()

	// The subscription closes with the session.
	go func() {
		defer a.bg.Done()

		for change := range changes {
			if change.To == session.StateAuthenticated {
				up.Nudge()
			}
		}
	}()

	go func() {
		defer close(uploadDone)

		_ = up.Run(upCtx)
	}()

	go func() {
		defer close(captureDone)

		if err := pump.Run(bgCtx); err != nil {
			select {
			case a.errCh <- fmt.Errorf("capture: %w", err):
			default:
			}
		}
	}()
}

// pipeline is what Stop tears down.
type pipeline struct {
	reporter     *errreport.Reporter
	spool        *spool.Spool
	session      *session.Manager
	uploader     *uploader.Uploader
	handle       *capture.Handle
	captureDone  chan struct{}
	uploadDone   chan struct{}
	uploadCancel context.CancelFunc
	bgCancel     context.CancelFunc
}

// detach hands the running components to the caller so that repeated Stop
// calls release each of them once.
func (a *Agent) detach() pipeline {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := pipeline{
		reporter:     a.reporter,
		spool:        a.spool,
		session:      a.session,
		uploader:     a.uploader,
		handle:       a.handle,
		captureDone:  a.captureDone,
		uploadDone:   a.uploadDone,
		uploadCancel: a.uploadCancel,
		bgCancel:     a.bgCancel,
	}

	a.stopped = true
	a.spool, a.session, a.handle = nil, nil, nil
	a.captureDone, a.uploadDone = nil, nil
	a.uploadCancel, a.bgCancel = nil, nil

	return p
}

// Stop shuts down in pipeline order: capture, then the upload in flight
// (bounded by ShutdownGrace), then the session, and finally the queue.
func (a *Agent) Stop(ctx context.Context) error {
	p := a.detach()

	a.stopCapture(ctx, &p)
	a.stopUpload(ctx, &p)

	var errs []error

	if p.reporter != nil && p.session != nil {
		if err := p.reporter.Flush(ctx); err != nil {
			a.logger.Debug().Err(err).Msg("Final error flush incomplete")
		}
	}

	if p.bgCancel != nil {
		p.bgCancel()
	}

	if p.session != nil {
		if err := p.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}

	a.bg.Wait()

	if p.spool != nil {
		if p.reporter != nil {
			if err := p.reporter.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		if err := p.spool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close spool: %w", err))
		}

		a.logger.Info().Msg("Probe agent stopped")
	}

	return errors.Join(errs...)
}

func (a *Agent) stopCapture(ctx context.Context, p *pipeline) {
	if p.handle == nil {
		return
	}

	p.handle.Close()

	if p.captureDone == nil {
		return
	}

	select {
	case <-p.captureDone:
	case <-ctx.Done():
		a.logger.Warn().Msg("Capture did not stop before shutdown deadline")
	}
}

func (a *Agent) stopUpload(ctx context.Context, p *pipeline) {
	if p.uploadDone == nil {
		return
	}

	p.uploader.Stop()

	grace := a.cfg.ShutdownGrace.Std()
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-p.uploadDone:
		return
	case <-graceCtx.Done():
		a.logger.Warn().Dur("grace", grace).Msg("Upload still in flight at shutdown, cancelling")
	}

	p.uploadCancel()
	<-p.uploadDone
}

// Status reports counters from every component.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{DeviceID: a.cfg.Session.DeviceID}

	if a.session != nil {
		st.Session = a.session.State().String()
	}

	if a.program != nil {
		st.ProgramVersion = a.program.Version()
		st.ProgramSource = a.program.Source
	}

	if a.pump != nil {
		st.Capture = a.pump.Stats()
	}

	if a.uploader != nil {
		st.Upload = a.uploader.Stats()
	}

	if a.reporter != nil {
		st.Errors = a.reporter.Stats()
	}

	if a.spool != nil {
		q, err := a.spool.Stats(ctx)
		if err != nil {
			return st, fmt.Errorf("queue stats: %w", err)
		}

		st.Queue = q
	}

	return st, nil
}

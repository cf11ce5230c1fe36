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
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/carverauto/proberadar/pkg/backoff"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/version"
	"github.com/carverauto/proberadar/pkg/wire"
)

// ErrClosed is returned once the manager has been closed.
var ErrClosed = errors.New("session manager closed")

const subscriberBuffer = 16

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// Manager owns the single live session of the device. Requests are
// serialized: at most one handshake or request is in flight at a time.
type Manager struct {
	cfg       Config
	transport Transport
	logger    logger.Logger
	reporter  Reporter
	now       func() time.Time

	// reqMu serializes handshakes and requests.
	reqMu sync.Mutex

	mu           sync.RWMutex
	state        State
	sess         models.Session
	seq          *backoff.Sequence
	pendingDelay time.Duration
	subs         map[int]chan StateChange
	nextSub      int
	closed       bool

	hostname string
	platform string

	wake chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithReporter routes session failures to r.
func WithReporter(r Reporter) Option {
	return func(m *Manager) {
		m.reporter = r
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a disconnected manager. A previously persisted session is
// loaded so its cookie can be offered during the first handshake.
func New(cfg Config, transport Transport, log logger.Logger, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()

	token, err := DeriveToken(cfg.SharedSecret, cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		logger:    log,
		now:       time.Now,
		state:     StateDisconnected,
		seq:       backoff.New(cfg.backoffPolicy()),
		subs:      make(map[int]chan StateChange),
		wake:      make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.sess = models.Session{DeviceID: cfg.DeviceID, Token: token}
	m.hostname, m.platform = hostIdentity()

	saved, err := loadSession(cfg.SessionPath)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", cfg.SessionPath).Msg("Ignoring unreadable session file")
	} else if saved != nil && saved.DeviceID == cfg.DeviceID {
		m.sess.Cookie = saved.Cookie
		m.sess.Epoch = saved.Epoch
		m.sess.LastContact = saved.LastContact

		m.logger.Debug().Int64("epoch", saved.Epoch).Msg("Loaded persisted session")
	}

	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// Session returns a copy of the current session.
func (m *Manager) Session() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sess
}

// ReconnectDelay is how long the supervisor waits before the next attempt.
func (m *Manager) ReconnectDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pendingDelay
}

// Subscribe registers for state changes. Slow subscribers miss events rather
// than block transitions. The returned func unsubscribes.
func (m *Manager) Subscribe() (<-chan StateChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan StateChange, subscriberBuffer)

	if m.closed {
		close(ch)
		return ch, func() {}
	}

	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()

			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(to State, cause error) {
	from := m.state
	if from == to {
		return
	}

	m.state = to

	ev := StateChange{From: from, To: to, At: m.now(), Err: cause}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) setState(to State, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setStateLocked(to, cause)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// hostIdentity describes the device for the handshake.
func hostIdentity() (hostname, platform string) {
	platform = runtime.GOOS + "/" + runtime.GOARCH

	info, err := host.Info()
	if err != nil {
		hostname, _ = os.Hostname()
		return hostname, platform
	}

	if info.Platform != "" {
		platform = fmt.Sprintf("%s %s (%s/%s)", info.Platform, info.PlatformVersion, info.OS, info.KernelArch)
	}

	return info.Hostname, platform
}

func (m *Manager) hello() *wire.Hello {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return &wire.Hello{
		DeviceID:     m.sess.DeviceID,
		Token:        m.sess.Token,
		Cookie:       m.sess.Cookie,
		Epoch:        m.sess.Epoch,
		AgentVersion: version.GetVersion(),
		Hostname:     m.hostname,
		Platform:     m.platform,
	}
}

// Connect performs the handshake. It is a no-op when already authenticated.
// Failures leave the manager disconnected with a grown reconnect delay.
func (m *Manager) Connect(ctx context.Context) error {
	err := m.connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) {
		m.report(ctx, fmt.Sprintf("session handshake failed: %v", err), models.SeverityWarning)
	}

	return err
}

func (m *Manager) connect(ctx context.Context) error {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}

	if m.state == StateAuthenticated {
		m.mu.Unlock()
		return nil
	}

	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout.Std())
	defer cancel()

	start := m.now()

	reply, err := m.transport.Handshake(hctx, m.hello())
	if err != nil {
		m.mu.Lock()
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrRefreshRequested) {
			m.sess.Cookie = ""
		}

		m.pendingDelay = m.seq.Next()
		delay := m.pendingDelay
		m.setStateLocked(StateDisconnected, err)
		sess := m.sess
		m.mu.Unlock()

		m.persist(&sess)

		m.logger.Warn().
			Err(err).
			Dur("retry_in", delay).
			Int("attempt", m.attempts()).
			Msg("Session handshake failed")

		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	m.mu.Lock()
	m.sess.Cookie = reply.Cookie
	m.sess.Epoch = reply.Epoch
	m.sess.LastContact = m.now()
	m.seq.Reset()
	m.pendingDelay = m.seq.Current()
	m.setStateLocked(StateAuthenticated, nil)
	sess := m.sess
	m.mu.Unlock()

	m.persist(&sess)

	m.logger.Info().
		Str("device_id", sess.DeviceID).
		Int64("epoch", sess.Epoch).
		Dur("elapsed", m.now().Sub(start)).
		Msg("Session established")

	return nil
}

func (m *Manager) attempts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.seq.Attempts()
}

// Send issues one request on the live session. It fails fast with
// ErrNotAuthenticated unless the session is authenticated. Transport
// failures, refresh requests and credential rejections tear the session
// down; the supervisor started by Run reconnects.
func (m *Manager) Send(ctx context.Context, path string, payload []byte) (Reply, error) {
	reply, torn, err := m.send(ctx, path, payload)
	if torn {
		m.signal()
		m.report(ctx, fmt.Sprintf("session torn down on %s: %v", path, err), models.SeverityWarning)
	}

	return reply, err
}

func (m *Manager) send(ctx context.Context, path string, payload []byte) (Reply, bool, error) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()

	m.mu.RLock()
	state, closed := m.state, m.closed
	id := Identity{
		DeviceID: m.sess.DeviceID,
		Token:    m.sess.Token,
		Cookie:   m.sess.Cookie,
		Epoch:    m.sess.Epoch,
	}
	m.mu.RUnlock()

	if closed {
		return Reply{}, false, ErrClosed
	}

	if state != StateAuthenticated {
		return Reply{}, false, ErrNotAuthenticated
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout.Std())
	defer cancel()

	reply, err := m.transport.Do(rctx, &Request{Path: path, Payload: payload, Identity: id})
	if err == nil {
		m.mu.Lock()
		m.sess.LastContact = m.now()
		m.mu.Unlock()

		return reply, false, nil
	}

	switch {
	case errors.Is(err, ErrRefreshRequested):
		m.logger.Info().Str("path", path).Msg("Server requested session refresh")
		m.teardown(err, true, 0)

		return Reply{}, true, err
	case errors.Is(err, ErrRejected):
		m.logger.Warn().Err(err).Str("path", path).Msg("Server rejected session credentials")

		m.mu.Lock()
		delay := m.seq.Next()
		m.mu.Unlock()

		m.teardown(err, true, delay)

		return Reply{}, true, err
	case errors.Is(err, ErrInvalidRequest):
		return Reply{}, false, err
	default:
		if ctx.Err() != nil {
			// The caller gave up; the link itself may still be fine.
			return Reply{}, false, fmt.Errorf("%w: %w", ErrTransport, err)
		}

		m.logger.Warn().Err(err).Str("path", path).Msg("Request failed, tearing down session")

		m.mu.RLock()
		delay := m.seq.Current()
		m.mu.RUnlock()

		m.teardown(err, false, delay)

		return Reply{}, true, fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

// teardown moves to Disconnected. Refreshes and rejections drop the cookie so
// the next handshake negotiates a fresh session.
func (m *Manager) teardown(cause error, clearCookie bool, delay time.Duration) {
	m.mu.Lock()
	if clearCookie {
		m.sess.Cookie = ""
	}

	m.pendingDelay = delay
	m.setStateLocked(StateDisconnected, cause)
	sess := m.sess
	m.mu.Unlock()

	if clearCookie {
		m.persist(&sess)
	}
}

// RequestRefresh tears down the session as if the server had asked for it.
func (m *Manager) RequestRefresh() {
	m.reqMu.Lock()

	m.mu.RLock()
	authenticated := m.state == StateAuthenticated && !m.closed
	m.mu.RUnlock()

	if authenticated {
		m.teardown(ErrRefreshRequested, true, 0)
	}

	m.reqMu.Unlock()

	if authenticated {
		m.logger.Info().Msg("Session refresh requested")
		m.signal()
	}
}

// Run supervises the session until ctx is done: whenever it is disconnected
// it waits out the reconnect delay and reconnects. Run must be started at
// most once.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if m.isClosed() {
			return nil
		}

		if m.State() != StateDisconnected {
			select {
			case <-ctx.Done():
				return nil
			case <-m.wake:
			}

			continue
		}

		if delay := m.ReconnectDelay(); delay > 0 {
			timer := time.NewTimer(delay)

			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-m.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if err := m.Connect(ctx); errors.Is(err, ErrClosed) {
			return nil
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}

// Close tears down the session, closes the transport and ends all
// subscriptions. It is safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	m.setStateLocked(StateDisconnected, ErrClosed)
	m.closed = true

	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()

	m.signal()

	if m.transport == nil {
		return nil
	}

	return m.transport.Close()
}

func (m *Manager) persist(s *models.Session) {
	if err := saveSession(m.cfg.SessionPath, s); err != nil {
		m.logger.Warn().Err(err).Str("path", m.cfg.SessionPath).Msg("Failed to persist session")
	}
}

func (m *Manager) report(ctx context.Context, msg string, sev models.Severity) {
	if m.reporter == nil {
		return
	}

	m.reporter.Report(ctx, msg, sev, true)
}

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

package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/grpc"
	httpx "github.com/carverauto/proberadar/pkg/http"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/natsutil"
	"github.com/carverauto/proberadar/pkg/session"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	cfg.SharedSecret = testSecret

	srv, err := NewServer(cfg, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.Start(ctx) }()

	t.Cleanup(func() {
		cancel()

		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()

		require.NoError(t, srv.Stop(stopCtx))
		require.NoError(t, <-done)
	})

	return srv
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}

func newDevice(t *testing.T, tc session.TransportConfig) *session.Manager {
	t.Helper()

	log := logger.NewTestLogger()

	cfg := session.Config{
		DeviceID:     "dev-1",
		SharedSecret: testSecret,
		SessionPath:  filepath.Join(t.TempDir(), "session.json"),
		Transport:    tc,
	}
	cfg.ApplyDefaults()

	tr, err := session.NewTransport(&cfg.Transport, log)
	require.NoError(t, err)

	m, err := session.New(cfg, tr, log)
	require.NoError(t, err)

	t.Cleanup(func() { _ = m.Close() })

	return m
}

// exerciseDevice drives a full session against srv: handshake, ingest, a
// forced refresh and a resumed upload.
func exerciseDevice(t *testing.T, srv *Server, m *session.Manager) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, session.StateAuthenticated, m.State())

	reply, err := m.Send(ctx, session.PathIngest, batchPayload(t, "dev-1", 1, 2))
	require.NoError(t, err)

	var ingest session.IngestReply
	require.NoError(t, json.Unmarshal(reply.Body, &ingest))
	assert.Equal(t, 2, ingest.Accepted)

	require.True(t, srv.Collector().Refresh("dev-1"))

	_, err = m.Send(ctx, session.PathIngest, batchPayload(t, "dev-1", 3))
	require.ErrorIs(t, err, session.ErrRefreshRequested)
	assert.Equal(t, session.StateDisconnected, m.State())

	require.NoError(t, m.Connect(ctx))
	assert.Equal(t, int64(2), m.Session().Epoch)

	_, err = m.Send(ctx, session.PathIngest, batchPayload(t, "dev-1", 2, 3))
	require.NoError(t, err)

	frames := srv.Collector().Frames("dev-1")
	require.Len(t, frames, 3)
	assert.Equal(t, uint16(3), frames[2].Sequence)
}

func TestHTTPFrontend(t *testing.T) {
	srv := startServer(t, Config{HTTPAddr: "127.0.0.1:0"})
	m := newDevice(t, session.TransportConfig{Kind: session.TransportHTTP, URL: "http://" + srv.HTTPAddr()})

	exerciseDevice(t, srv, m)
}

func TestHTTPFrontendMutualTLS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, grpc.GenerateTestCertificates(dir))

	srv := startServer(t, Config{
		HTTPAddr: "127.0.0.1:0",
		TLS: &grpc.TLSConfig{
			CertFile:     filepath.Join(dir, grpc.TestServerCert),
			KeyFile:      filepath.Join(dir, grpc.TestServerKey),
			ClientCAFile: filepath.Join(dir, grpc.TestCAFile),
		},
	})

	m := newDevice(t, session.TransportConfig{
		Kind:     session.TransportHTTP,
		URL:      "https://" + srv.HTTPAddr(),
		CAFile:   filepath.Join(dir, grpc.TestCAFile),
		CertFile: filepath.Join(dir, grpc.TestClientCert),
		KeyFile:  filepath.Join(dir, grpc.TestClientKey),
	})

	exerciseDevice(t, srv, m)
}

func TestGRPCFrontend(t *testing.T) {
	srv := startServer(t, Config{GRPCAddr: "127.0.0.1:0"})
	m := newDevice(t, session.TransportConfig{Kind: session.TransportGRPC, URL: srv.GRPCAddr(), Insecure: true})

	exerciseDevice(t, srv, m)
}

func TestNATSFrontend(t *testing.T) {
	ns := runNATSServer(t)
	srv := startServer(t, Config{NATSURL: ns.ClientURL(), EventStream: "PROBERADAR_EVENTS"})
	m := newDevice(t, session.TransportConfig{Kind: session.TransportNATS, URL: ns.ClientURL()})

	exerciseDevice(t, srv, m)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "PROBERADAR_EVENTS")
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)

	// Two sessions and two batches with new frames.
	assert.Equal(t, uint64(4), info.State.Msgs)

	msg, err := stream.GetLastMsgForSubject(ctx, natsutil.FramesSubject("dev-1"))
	require.NoError(t, err)

	var event struct {
		Type string                      `json:"type"`
		Data natsutil.FramesIngestedData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, natsutil.EventTypeFramesIngested, event.Type)
	assert.Equal(t, 1, event.Data.Accepted)
	assert.Equal(t, 1, event.Data.Duplicates)
}

func TestRouterRejectsNonAgentRequests(t *testing.T) {
	c := newTestCollector(t)
	router := NewRouter(c, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodPost, session.PathHello, bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid.request"}`, rec.Body.String())
}

func TestRouterRefreshReply(t *testing.T) {
	c := newTestCollector(t)
	router := NewRouter(c, logger.NewTestLogger())

	req := httptest.NewRequest(http.MethodPost, session.PathIngest, bytes.NewReader(nil))
	req.Header.Set(session.HeaderRequestedWith, "test")
	req.Header.Set(session.HeaderDeviceID, "dev-1")
	req.Header.Set(session.HeaderDeviceToken, token(t, "dev-1"))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get(session.HeaderSessionRefresh))
}

func TestInspectionAPI(t *testing.T) {
	c := newTestCollector(t)
	id := identity(t, "dev-1", hello(t, c, "dev-1", "", 0))

	_, err := c.Handle(context.Background(), id, session.PathIngest, batchPayload(t, "dev-1", 7))
	require.NoError(t, err)

	ts := httptest.NewServer(NewRouter(c, logger.NewTestLogger()))
	t.Cleanup(ts.Close)

	get := func(path string, v interface{}) int {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		if v != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}

		return resp.StatusCode
	}

	var devices []Device
	require.Equal(t, http.StatusOK, get("/api/devices", &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "dev-1", devices[0].ID)
	assert.Equal(t, int64(1), devices[0].Accepted)

	var stats Stats
	require.Equal(t, http.StatusOK, get("/api/stats", &stats))
	assert.Equal(t, 1, stats.Devices)

	assert.Equal(t, http.StatusOK, get("/api/devices/dev-1/frames", nil))
	assert.Equal(t, http.StatusNotFound, get("/api/devices/nobody/frames", nil))
	assert.Equal(t, http.StatusOK, get("/healthz", nil))

	resp, err := http.Post(ts.URL+"/api/devices/dev-1/refresh", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestInspectionAPIRequiresKey(t *testing.T) {
	c, err := New(Config{SharedSecret: testSecret, APIKey: "operator"}, logger.NewTestLogger())
	require.NoError(t, err)

	router := NewRouter(c, logger.NewTestLogger())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", http.NoBody))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", http.NoBody)
	req.Header.Set(httpx.HeaderAPIKey, "operator")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

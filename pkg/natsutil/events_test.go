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

package natsutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/logger"
)

func runJetStream(t *testing.T) *server.Server {
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

func TestSubjects(t *testing.T) {
	assert.Equal(t, "events.proberadar.frames.dev-1", FramesSubject("dev-1"))
	assert.Equal(t, "events.proberadar.session.site_a_dev_1", SessionSubject("site.a dev>1"))
}

func TestEventPublisherWritesCloudEvents(t *testing.T) {
	srv := runJetStream(t)

	nc, err := Connect(srv.ClientURL(), "test", nil, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := NewEventPublisher(ctx, nc, "PROBERADAR_EVENTS")
	require.NoError(t, err)
	assert.Equal(t, "PROBERADAR_EVENTS", pub.Stream())

	ts := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, pub.PublishFramesIngested(ctx, FramesIngestedData{
		DeviceID: "dev-1", BatchID: "b-1", Accepted: 3, Duplicates: 1, Timestamp: ts,
	}))

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "PROBERADAR_EVENTS")
	require.NoError(t, err)

	msg, err := stream.GetLastMsgForSubject(ctx, FramesSubject("dev-1"))
	require.NoError(t, err)

	var event struct {
		CloudEvent
		Data FramesIngestedData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &event))

	assert.Equal(t, "1.0", event.SpecVersion)
	assert.Equal(t, EventTypeFramesIngested, event.Type)
	assert.Equal(t, EventSource, event.Source)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, 3, event.Data.Accepted)
	assert.Equal(t, "b-1", event.Data.BatchID)
}

func TestTLSConfig(t *testing.T) {
	tc, err := TLSConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, tc)

	_, err = TLSConfig(&TLSFiles{CertFile: "client.pem"})
	require.ErrorIs(t, err, ErrIncompleteClientKeys)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))

	_, err = TLSConfig(&TLSFiles{CAFile: bad})
	require.ErrorIs(t, err, ErrCAParsingFailed)

	tc, err = TLSConfig(&TLSFiles{ServerName: "nats.local"})
	require.NoError(t, err)
	assert.Equal(t, "nats.local", tc.ServerName)
}

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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/logger"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "proberadar.dev-1.device.ingest", Subject("proberadar", "dev-1", PathIngest))
	assert.Equal(t, "p.a_b_c.device.code", Subject("p", "a.b*c", PathCode))
}

func TestNATSTransport(t *testing.T) {
	srv := runNATSServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	_, err = nc.Subscribe(defaultSubjectPrefix+".*.>", func(msg *nats.Msg) {
		reply := nats.NewMsg(msg.Reply)

		switch {
		case strings.HasSuffix(msg.Subject, ".device.hello"):
			reply.Data, _ = json.Marshal(HelloReply{Cookie: "nats-cookie", Epoch: 9})
		case msg.Header.Get(HeaderPath) == "/device/stale":
			reply.Header.Set(NATSHeaderRefresh, "1")
		case msg.Header.Get(HeaderPath) == "/device/denied":
			reply.Header.Set(NATSHeaderError, ReasonInvalidPermissions)
			reply.Header.Set(NATSHeaderStatus, "403")
		default:
			if msg.Header.Get(HeaderSessionCookie) != "nats-cookie" || msg.Header.Get(HeaderSessionEpoch) != "9" {
				reply.Header.Set(NATSHeaderRefresh, "1")
				break
			}

			reply.Data = append([]byte("ack:"), msg.Data...)
		}

		_ = msg.RespondMsg(reply)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	newNATSManager := func(t *testing.T) *Manager {
		t.Helper()

		tr, err := NewNATSTransport(&TransportConfig{Kind: TransportNATS, URL: srv.ClientURL(), SubjectPrefix: defaultSubjectPrefix}, logger.NewTestLogger())
		require.NoError(t, err)

		m := newManager(t, testConfig(t), tr)
		t.Cleanup(func() { _ = m.Close() })

		require.NoError(t, m.Connect(context.Background()))

		return m
	}

	t.Run("request", func(t *testing.T) {
		m := newNATSManager(t)
		assert.Equal(t, "nats-cookie", m.Session().Cookie)

		reply, err := m.Send(context.Background(), PathIngest, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, "ack:x", string(reply.Body))
	})

	t.Run("refresh", func(t *testing.T) {
		m := newNATSManager(t)

		_, err := m.Send(context.Background(), "/device/stale", nil)
		require.ErrorIs(t, err, ErrRefreshRequested)
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("rejected", func(t *testing.T) {
		m := newNATSManager(t)

		_, err := m.Send(context.Background(), "/device/denied", nil)
		require.ErrorIs(t, err, ErrRejected)
	})

	t.Run("no responders", func(t *testing.T) {
		tr, err := NewNATSTransport(&TransportConfig{URL: srv.ClientURL(), SubjectPrefix: "nobody"}, logger.NewTestLogger())
		require.NoError(t, err)

		other := newManager(t, testConfig(t), tr)
		t.Cleanup(func() { _ = other.Close() })

		require.ErrorIs(t, other.Connect(context.Background()), ErrConnectFailed)
	})
}

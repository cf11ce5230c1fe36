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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/wire"
)

func newCollectorStub(t *testing.T, ingest http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc(PathHello, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, requestedWith, r.Header.Get(HeaderRequestedWith))
		assert.Equal(t, "1", r.Header.Get(HeaderNoHTML))
		assert.Equal(t, wire.ContentType, r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get(HeaderDeviceToken))

		body, err := io.ReadAll(r.Body)
		if !assert.NoError(t, err) {
			return
		}

		hello, err := wire.UnmarshalHello(body)
		if !assert.NoError(t, err) {
			return
		}

		assert.Equal(t, hello.DeviceID, r.Header.Get(HeaderDeviceID))

		http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "jar-cookie", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HelloReply{Epoch: 3})
	})

	mux.HandleFunc(PathIngest, ingest)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	srv := newCollectorStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "jar-cookie", r.Header.Get(HeaderSessionCookie))
		assert.Equal(t, "3", r.Header.Get(HeaderSessionEpoch))

		c, err := r.Cookie(CookieName)
		if assert.NoError(t, err) {
			assert.Equal(t, "jar-cookie", c.Value)
		}

		_ = json.NewEncoder(w).Encode(IngestReply{OK: true, Accepted: 2})
	})

	tr, err := NewHTTPTransport(&TransportConfig{URL: srv.URL + "/"}, logger.NewTestLogger())
	require.NoError(t, err)

	t.Cleanup(func() { _ = tr.Close() })

	cfg := testConfig(t)
	m := newManager(t, cfg, tr)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, "jar-cookie", m.Session().Cookie)
	assert.Equal(t, int64(3), m.Session().Epoch)

	reply, err := m.Send(context.Background(), PathIngest, []byte{0x01})
	require.NoError(t, err)

	var ir IngestReply
	require.NoError(t, json.Unmarshal(reply.Body, &ir))
	assert.Equal(t, 2, ir.Accepted)
}

func TestHTTPTransportRefreshTearsDownManager(t *testing.T) {
	srv := newCollectorStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	tr, err := NewHTTPTransport(&TransportConfig{URL: srv.URL}, logger.NewTestLogger())
	require.NoError(t, err)

	m := newManager(t, testConfig(t), tr)
	require.NoError(t, m.Connect(context.Background()))

	_, err = m.Send(context.Background(), PathIngest, nil)
	require.ErrorIs(t, err, ErrRefreshRequested)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestHTTPTransportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(&TransportConfig{URL: url}, logger.NewTestLogger())
	require.NoError(t, err)

	m := newManager(t, testConfig(t), tr)

	err = m.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestClassifyHTTP(t *testing.T) {
	refresh := http.Header{}
	refresh.Set(HeaderSessionRefresh, "1")

	tests := []struct {
		name    string
		status  int
		header  http.Header
		body    string
		wantErr error
		reason  string
	}{
		{name: "ok", status: http.StatusOK},
		{name: "conflict", status: http.StatusConflict, wantErr: ErrRefreshRequested},
		{name: "refresh header", status: http.StatusOK, header: refresh, wantErr: ErrRefreshRequested},
		{
			name: "invalid permissions body", status: http.StatusUnauthorized,
			body: `{"error":"invalid.permissions"}`, wantErr: ErrRejected, reason: ReasonInvalidPermissions,
		},
		{name: "forbidden without body", status: http.StatusForbidden, wantErr: ErrRejected, reason: ReasonInvalidPermissions},
		{
			name: "invalid request body", status: http.StatusBadRequest,
			body: `{"error":"invalid.request"}`, wantErr: ErrInvalidRequest, reason: ReasonInvalidRequest,
		},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, wantErr: ErrInvalidRequest, reason: ReasonInvalidRequest},
		{name: "server error", status: http.StatusInternalServerError, wantErr: errServerStatus},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: errServerStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}

			reply, err := classifyHTTP(tt.status, h, []byte(tt.body))
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.status, reply.Status)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)

			if tt.reason != "" {
				var re *ReplyError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.reason, re.Reason)
			}
		})
	}
}

func TestNewTransportSelectsKind(t *testing.T) {
	tr, err := NewTransport(&TransportConfig{Kind: TransportHTTP, URL: "http://127.0.0.1:1"}, logger.NewTestLogger())
	require.NoError(t, err)
	assert.IsType(t, &HTTPTransport{}, tr)

	_, err = NewTransport(&TransportConfig{Kind: "carrier-pigeon", URL: "x"}, logger.NewTestLogger())
	require.ErrorIs(t, err, ErrUnknownTransport)

	_, err = NewTransport(&TransportConfig{Kind: TransportHTTP}, logger.NewTestLogger())
	require.ErrorIs(t, err, errMissingURL)
}

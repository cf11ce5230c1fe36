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

package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/proberadar/pkg/logger"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("OK"))
}

func TestAPIKeyMiddleware(t *testing.T) {
	handler := APIKeyMiddleware("k3y", logger.NewTestLogger())(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong", key: "nope", status: http.StatusUnauthorized},
		{name: "valid", key: "k3y", status: http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stats", http.NoBody)
			if tc.key != "" {
				req.Header.Set(HeaderAPIKey, tc.key)
			}

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)
		})
	}
}

func TestAPIKeyMiddlewareDisabled(t *testing.T) {
	handler := APIKeyMiddleware("", logger.NewTestLogger())(http.HandlerFunc(okHandler))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer

	handler := middleware.RequestID(RequestLogger(logger.NewWriterLogger(&buf))(http.HandlerFunc(okHandler)))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/device/ingest", http.NoBody))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, buf.String(), `"path":"/device/ingest"`)
	assert.Contains(t, buf.String(), `"status":200`)
	assert.Contains(t, buf.String(), `"request_id":`)
}

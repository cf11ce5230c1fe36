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

// Package http holds middleware shared by the HTTP frontends.
package http

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/carverauto/proberadar/pkg/logger"
)

// HeaderAPIKey carries the operator key for inspection endpoints.
const HeaderAPIKey = "X-API-Key"

// RequestLogger logs one line per request with its status and duration.
func RequestLogger(log logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", r.RemoteAddr).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// APIKeyMiddleware rejects requests whose X-API-Key header does not match
// apiKey. An empty apiKey disables the check.
func APIKeyMiddleware(apiKey string, log logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HeaderAPIKey)
			if subtle.ConstantTimeCompare([]byte(got), []byte(apiKey)) != 1 {
				log.Warn().
					Str("remote", r.RemoteAddr).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Unauthorized API access attempt")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpx "github.com/carverauto/proberadar/pkg/http"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/session"
)

const refreshReason = "session.refresh"

type httpHandlers struct {
	c      *Collector
	logger logger.Logger
}

// NewRouter exposes the device endpoints under /device and a small JSON
// inspection API under /api.
func NewRouter(c *Collector, log logger.Logger) http.Handler {
	h := &httpHandlers{c: c, logger: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(httpx.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(middleware.RequestSize(maxRequestBodyBytes))

	r.Route("/device", func(r chi.Router) {
		r.Use(requireAgent)
		r.Post("/hello", h.hello)
		r.Post("/{endpoint}", h.call)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(httpx.APIKeyMiddleware(c.cfg.APIKey, log))
		r.Get("/stats", h.stats)
		r.Get("/devices", h.devices)
		r.Get("/devices/{deviceID}/frames", h.frames)
		r.Get("/devices/{deviceID}/errors", h.errorRecords)
		r.Post("/devices/{deviceID}/refresh", h.refresh)
	})

	return r
}

// requireAgent turns away anything that is not the device agent, e.g. a
// browser following a link.
func requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(session.HeaderRequestedWith) == "" {
			writeJSON(w, http.StatusBadRequest, session.ErrorReply{Error: session.ReasonInvalidRequest})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func identityFromRequest(r *http.Request) session.Identity {
	id := session.Identity{
		DeviceID: r.Header.Get(session.HeaderDeviceID),
		Token:    r.Header.Get(session.HeaderDeviceToken),
		Cookie:   r.Header.Get(session.HeaderSessionCookie),
	}

	if id.Cookie == "" {
		if c, err := r.Cookie(session.CookieName); err == nil {
			id.Cookie = c.Value
		}
	}

	id.Epoch, _ = strconv.ParseInt(r.Header.Get(session.HeaderSessionEpoch), 10, 64)

	return id
}

func (h *httpHandlers) hello(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, session.ErrorReply{Error: session.ReasonInvalidRequest})
		return
	}

	reply, err := h.c.Hello(r.Context(), identityFromRequest(r), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    reply.Cookie,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, reply)
}

func (h *httpHandlers) call(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, session.ErrorReply{Error: session.ReasonInvalidRequest})
		return
	}

	reply, err := h.c.Handle(r.Context(), identityFromRequest(r), r.URL.Path, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentTypeFor(reply))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(reply); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to write reply")
	}
}

func contentTypeFor(body []byte) string {
	if json.Valid(body) {
		return "application/json"
	}

	return "application/octet-stream"
}

func (h *httpHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *session.ReplyError

	switch {
	case errors.Is(err, session.ErrRefreshRequested):
		w.Header().Set(session.HeaderSessionRefresh, "1")
		writeJSON(w, http.StatusConflict, session.ErrorReply{Error: refreshReason})
	case errors.As(err, &re):
		writeJSON(w, re.Status, session.ErrorReply{Error: re.Reason})
	default:
		h.logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request failed")
		writeJSON(w, http.StatusInternalServerError, session.ErrorReply{Error: "internal"})
	}
}

func (h *httpHandlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.c.Stats())
}

func (h *httpHandlers) devices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.c.Devices())
}

func (h *httpHandlers) frames(w http.ResponseWriter, r *http.Request) {
	frames := h.c.Frames(chi.URLParam(r, "deviceID"))
	if frames == nil {
		writeJSON(w, http.StatusNotFound, session.ErrorReply{Error: "unknown device"})
		return
	}

	writeJSON(w, http.StatusOK, frames)
}

func (h *httpHandlers) errorRecords(w http.ResponseWriter, r *http.Request) {
	records := h.c.ErrorRecords(chi.URLParam(r, "deviceID"))
	if records == nil {
		writeJSON(w, http.StatusNotFound, session.ErrorReply{Error: "unknown device"})
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *httpHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	if !h.c.Refresh(chi.URLParam(r, "deviceID")) {
		writeJSON(w, http.StatusNotFound, session.ErrorReply{Error: "no active session"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

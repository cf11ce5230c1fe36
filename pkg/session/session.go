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

// Package session owns the device's authenticated channel to the collector.
// It performs the handshake, serializes every request over one of the
// supported transports and reconnects with backoff after failures.
package session

//go:generate mockgen -destination=mock_session.go -package=session github.com/carverauto/proberadar/pkg/session Transport,Reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/carverauto/proberadar/pkg/models"
	"github.com/carverauto/proberadar/pkg/wire"
)

var (
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrRefreshRequested = errors.New("server requested session refresh")
	ErrRejected         = errors.New("server rejected device credentials")
	ErrInvalidRequest   = errors.New("server rejected request")
	ErrTransport        = errors.New("transport failure")
	ErrConnectFailed    = errors.New("handshake failed")
	ErrUnknownTransport = errors.New("unknown transport")
)

// Server error reasons carried in error replies.
const (
	ReasonInvalidPermissions = "invalid.permissions"
	ReasonInvalidRequest     = "invalid.request"
)

// Collector endpoints.
const (
	PathHello  = "/device/hello"
	PathIngest = "/device/ingest"
	PathCode   = "/device/code"
	PathErrors = "/device/errors"
)

// Header names shared by the HTTP and NATS transports. gRPC uses the
// lowercase forms as metadata keys.
const (
	HeaderDeviceID       = "X-Device-Id"
	HeaderDeviceToken    = "X-Device-Token"
	HeaderSessionCookie  = "X-Session-Cookie"
	HeaderSessionEpoch   = "X-Session-Epoch"
	HeaderSessionRefresh = "X-Session-Refresh"
	HeaderRequestedWith  = "X-Requested-With"
	HeaderNoHTML         = "X-No-Html"
	HeaderPath           = "X-Path"

	requestedWith = "proberadar-agent"
)

// CookieName is the HTTP cookie carrying the session cookie value.
const CookieName = "proberadar_session"

// State is the lifecycle position of the session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Identity is attached to every request.
type Identity struct {
	DeviceID string
	Token    string
	Cookie   string
	Epoch    int64
}

// Request is one call to a collector endpoint.
type Request struct {
	Path     string
	Payload  []byte
	Identity Identity
}

// Reply is a successful response.
type Reply struct {
	Status int
	Body   []byte
}

// HelloReply is the collector's answer to a handshake.
type HelloReply struct {
	Cookie string `json:"cookie"`
	Epoch  int64  `json:"epoch"`
}

// ErrorReply is the JSON body of a failed request.
type ErrorReply struct {
	Error string `json:"error"`
}

// IngestReply is the JSON body of a successful ingest.
type IngestReply struct {
	OK       bool `json:"ok"`
	Accepted int  `json:"accepted"`
}

// ReplyError is a request the server answered and refused.
type ReplyError struct {
	Status int
	Reason string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server refused request: %s (status %d)", e.Reason, e.Status)
}

// Is matches ErrRejected for credential failures and ErrInvalidRequest for
// everything else the server refused.
func (e *ReplyError) Is(target error) bool {
	switch {
	case errors.Is(target, ErrRejected):
		return e.Reason == ReasonInvalidPermissions
	case errors.Is(target, ErrInvalidRequest):
		return e.Reason != ReasonInvalidPermissions
	default:
		return false
	}
}

// reasonForStatus fills in a reason when the server sent none.
func reasonForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonInvalidPermissions
	default:
		return ReasonInvalidRequest
	}
}

// Transport carries handshakes and requests to the collector. Implementations
// return ErrRefreshRequested when the server asks for a new session and a
// *ReplyError when it refuses a request; any other error is treated as a
// broken link.
type Transport interface {
	Handshake(ctx context.Context, hello *wire.Hello) (HelloReply, error)
	Do(ctx context.Context, req *Request) (Reply, error)
	Close() error
}

// Reporter receives session failures.
type Reporter interface {
	Report(ctx context.Context, message string, severity models.Severity, forward bool)
}

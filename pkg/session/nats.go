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
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/version"
	"github.com/carverauto/proberadar/pkg/wire"
)

// Reply headers set by collectors answering over NATS.
const (
	NATSHeaderRefresh = "Session-Refresh"
	NATSHeaderError   = "Error"
	NATSHeaderStatus  = "Status"
)

// Subject builds the request subject for a device and endpoint path, e.g.
// proberadar.dev-1.device.ingest.
func Subject(prefix, deviceID, path string) string {
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(deviceID)
	p := strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")

	return prefix + "." + token + "." + p
}

// NATSTransport sends requests through a NATS connection, typically a leaf
// node on the device's site network.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	logger logger.Logger
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport connects to cfg.URL. The connection keeps retrying in the
// background, so an unreachable server is not a construction error.
func NewNATSTransport(cfg *TransportConfig, log logger.Logger, extra ...nats.Option) (*NATSTransport, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}

	opts := []nats.Option{
		nats.Name(version.UserAgent()),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Debug().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
	}

	if tc != nil {
		opts = append(opts, nats.Secure(tc))
	}

	nc, err := nats.Connect(cfg.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSTransport{nc: nc, prefix: cfg.SubjectPrefix, logger: log}, nil
}

func (t *NATSTransport) request(ctx context.Context, id *Identity, path string, payload []byte) (*nats.Msg, error) {
	msg := nats.NewMsg(Subject(t.prefix, id.DeviceID, path))
	msg.Data = payload

	msg.Header.Set(HeaderDeviceID, id.DeviceID)
	msg.Header.Set(HeaderDeviceToken, id.Token)
	msg.Header.Set(HeaderRequestedWith, requestedWith)
	msg.Header.Set(HeaderNoHTML, "1")
	msg.Header.Set(HeaderPath, path)

	if id.Cookie != "" {
		msg.Header.Set(HeaderSessionCookie, id.Cookie)
	}

	if id.Epoch != 0 {
		msg.Header.Set(HeaderSessionEpoch, strconv.FormatInt(id.Epoch, 10))
	}

	resp, err := t.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, err
	}

	if err := classifyNATS(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func classifyNATS(resp *nats.Msg) error {
	if resp.Header == nil {
		return nil
	}

	if resp.Header.Get(NATSHeaderRefresh) != "" {
		return ErrRefreshRequested
	}

	reason := resp.Header.Get(NATSHeaderError)
	if reason == "" {
		return nil
	}

	code, err := strconv.Atoi(resp.Header.Get(NATSHeaderStatus))
	if err != nil || code == 0 {
		code = http.StatusBadRequest
	}

	if code >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %d %s", errServerStatus, code, reason)
	}

	return &ReplyError{Status: code, Reason: reason}
}

// Handshake sends the hello message and decodes the JSON reply.
func (t *NATSTransport) Handshake(ctx context.Context, hello *wire.Hello) (HelloReply, error) {
	id := Identity{DeviceID: hello.DeviceID, Token: hello.Token, Cookie: hello.Cookie, Epoch: hello.Epoch}

	resp, err := t.request(ctx, &id, PathHello, wire.MarshalHello(hello))
	if err != nil {
		return HelloReply{}, err
	}

	var hr HelloReply
	if err := json.Unmarshal(resp.Data, &hr); err != nil {
		return HelloReply{}, fmt.Errorf("decode hello reply: %w", err)
	}

	return hr, nil
}

// Do sends one request.
func (t *NATSTransport) Do(ctx context.Context, req *Request) (Reply, error) {
	resp, err := t.request(ctx, &req.Identity, req.Path, req.Payload)
	if err != nil {
		return Reply{}, err
	}

	return Reply{Status: http.StatusOK, Body: resp.Data}, nil
}

// Close closes the NATS connection.
func (t *NATSTransport) Close() error {
	t.nc.Close()

	return nil
}

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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/version"
	"github.com/carverauto/proberadar/pkg/wire"
)

const maxReplyBytes = 32 << 20

var (
	errReplyTooLarge = errors.New("reply exceeds size limit")
	errServerStatus  = errors.New("unexpected server status")
	errMissingURL    = errors.New("transport url is required")
)

// HTTPTransport talks to the collector over HTTP(S). The session cookie is
// carried both by a cookie jar and by an explicit header.
type HTTPTransport struct {
	base   *url.URL
	client *http.Client
	logger logger.Logger

	mu  sync.Mutex
	jar http.CookieJar
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport builds an HTTP transport for cfg.URL.
func NewHTTPTransport(cfg *TransportConfig, log logger.Logger) (*HTTPTransport, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}

	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse collector url: %w", err)
	}

	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}

	rt := http.DefaultTransport.(*http.Transport).Clone()
	if tc != nil {
		rt.TLSClientConfig = tc
	}

	t := &HTTPTransport{
		base:   base,
		client: &http.Client{Transport: rt},
		logger: log,
	}

	if err := t.resetJar(); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *HTTPTransport) resetJar() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}

	t.mu.Lock()
	t.jar = jar
	t.client.Jar = jar
	t.mu.Unlock()

	return nil
}

// Handshake posts the hello message. Without a cookie to resume, the jar is
// cleared first so a stale server cookie is never replayed.
func (t *HTTPTransport) Handshake(ctx context.Context, hello *wire.Hello) (HelloReply, error) {
	if hello.Cookie == "" {
		if err := t.resetJar(); err != nil {
			return HelloReply{}, err
		}
	}

	id := Identity{DeviceID: hello.DeviceID, Token: hello.Token, Cookie: hello.Cookie, Epoch: hello.Epoch}

	reply, err := t.Do(ctx, &Request{Path: PathHello, Payload: wire.MarshalHello(hello), Identity: id})
	if err != nil {
		return HelloReply{}, err
	}

	var hr HelloReply
	if err := json.Unmarshal(reply.Body, &hr); err != nil {
		return HelloReply{}, fmt.Errorf("decode hello reply: %w", err)
	}

	if hr.Cookie == "" {
		hr.Cookie = t.jarCookie()
	}

	return hr, nil
}

func (t *HTTPTransport) jarCookie() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.jar.Cookies(t.base) {
		if c.Name == CookieName {
			return c.Value
		}
	}

	return ""
}

// Do posts one request and classifies the reply.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (Reply, error) {
	endpoint := t.base.JoinPath(req.Path)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(req.Payload))
	if err != nil {
		return Reply{}, fmt.Errorf("build request: %w", err)
	}

	setIdentityHeaders(httpReq.Header, &req.Identity)
	httpReq.Header.Set("Content-Type", wire.ContentType)
	httpReq.Header.Set("Accept", "application/octet-stream")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Reply{}, err
	}

	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.logger.Debug().Err(cerr).Msg("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes+1))
	if err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}

	if len(body) > maxReplyBytes {
		return Reply{}, errReplyTooLarge
	}

	return classifyHTTP(resp.StatusCode, resp.Header, body)
}

func setIdentityHeaders(h http.Header, id *Identity) {
	h.Set(HeaderDeviceID, id.DeviceID)
	h.Set(HeaderDeviceToken, id.Token)
	h.Set(HeaderRequestedWith, requestedWith)
	h.Set(HeaderNoHTML, "1")

	if id.Cookie != "" {
		h.Set(HeaderSessionCookie, id.Cookie)
	}

	if id.Epoch != 0 {
		h.Set(HeaderSessionEpoch, strconv.FormatInt(id.Epoch, 10))
	}
}

func classifyHTTP(status int, h http.Header, body []byte) (Reply, error) {
	if status == http.StatusConflict || h.Get(HeaderSessionRefresh) == "1" {
		return Reply{}, ErrRefreshRequested
	}

	switch {
	case status >= 200 && status < 300:
		return Reply{Status: status, Body: body}, nil
	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		return Reply{}, &ReplyError{Status: status, Reason: errorReason(status, body)}
	default:
		return Reply{}, fmt.Errorf("%w: %d", errServerStatus, status)
	}
}

func errorReason(status int, body []byte) string {
	var er ErrorReply
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}

	return reasonForStatus(status)
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()

	return nil
}

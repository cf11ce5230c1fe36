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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/natsutil"
	"github.com/carverauto/proberadar/pkg/session"
)

const natsQueueGroup = "proberadar-collector"

// ServeNATS answers device requests published under prefix. Collectors
// sharing a NATS account split the load through a queue group.
func ServeNATS(nc *nats.Conn, prefix string, c *Collector, log logger.Logger) (*nats.Subscription, error) {
	return nc.QueueSubscribe(prefix+".*.>", natsQueueGroup, func(msg *nats.Msg) {
		reply := nats.NewMsg(msg.Reply)

		body, err := handleNATS(context.Background(), prefix, c, msg)
		if err != nil {
			setNATSError(reply, err, log)
		} else {
			reply.Data = body
		}

		if err := msg.RespondMsg(reply); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to answer NATS request")
		}
	})
}

func handleNATS(ctx context.Context, prefix string, c *Collector, msg *nats.Msg) ([]byte, error) {
	id := session.Identity{
		DeviceID: msg.Header.Get(session.HeaderDeviceID),
		Token:    msg.Header.Get(session.HeaderDeviceToken),
		Cookie:   msg.Header.Get(session.HeaderSessionCookie),
	}
	id.Epoch, _ = strconv.ParseInt(msg.Header.Get(session.HeaderSessionEpoch), 10, 64)

	path := msg.Header.Get(session.HeaderPath)

	// The subject must agree with the headers so ACLs on subjects hold.
	if path == "" || msg.Subject != session.Subject(prefix, id.DeviceID, path) {
		return nil, rejected(http.StatusBadRequest, session.ReasonInvalidRequest)
	}

	if path == session.PathHello {
		reply, err := c.Hello(ctx, id, msg.Data)
		if err != nil {
			return nil, err
		}

		return json.Marshal(reply)
	}

	return c.Handle(ctx, id, path, msg.Data)
}

func setNATSError(reply *nats.Msg, err error, log logger.Logger) {
	var re *session.ReplyError

	switch {
	case errors.Is(err, session.ErrRefreshRequested):
		reply.Header.Set(session.NATSHeaderRefresh, "1")
	case errors.As(err, &re):
		reply.Header.Set(session.NATSHeaderError, re.Reason)
		reply.Header.Set(session.NATSHeaderStatus, strconv.Itoa(re.Status))
	default:
		log.Error().Err(err).Msg("NATS request failed")
		reply.Header.Set(session.NATSHeaderError, "internal")
		reply.Header.Set(session.NATSHeaderStatus, strconv.Itoa(http.StatusInternalServerError))
	}
}

const eventPublishTimeout = 5 * time.Second

// jetStreamEvents forwards collector events to JetStream. Failures are
// logged; they never fail the device request.
type jetStreamEvents struct {
	pub    *natsutil.EventPublisher
	logger logger.Logger
}

func (e *jetStreamEvents) FramesIngested(ctx context.Context, deviceID, batchID string, accepted, duplicates int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	err := e.pub.PublishFramesIngested(ctx, natsutil.FramesIngestedData{
		DeviceID:   deviceID,
		BatchID:    batchID,
		Accepted:   accepted,
		Duplicates: duplicates,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Failed to publish ingest event")
	}
}

func (e *jetStreamEvents) SessionOpened(ctx context.Context, d Device) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	err := e.pub.PublishSessionOpened(ctx, natsutil.SessionOpenedData{
		DeviceID:     d.ID,
		Epoch:        d.Epoch,
		AgentVersion: d.AgentVersion,
		Hostname:     d.Hostname,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("device_id", d.ID).Msg("Failed to publish session event")
	}
}

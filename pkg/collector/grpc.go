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

	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/carverauto/proberadar/pkg/session"
)

// GatewayServer serves the collector over the DeviceGateway gRPC service.
type GatewayServer struct {
	c *Collector
}

var _ session.DeviceGatewayServer = (*GatewayServer)(nil)

// NewGatewayServer wraps c for registration with session.RegisterDeviceGatewayServer.
func NewGatewayServer(c *Collector) *GatewayServer {
	return &GatewayServer{c: c}
}

// Hello answers a handshake with the JSON hello reply.
func (g *GatewayServer) Hello(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	id, _ := session.IdentityFromMetadata(ctx)

	reply, err := g.c.Hello(ctx, id, in.GetValue())
	if err != nil {
		return nil, session.StatusForError(err)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return nil, session.StatusForError(err)
	}

	return wrapperspb.Bytes(body), nil
}

// Call routes a request by the path carried in metadata.
func (g *GatewayServer) Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	id, path := session.IdentityFromMetadata(ctx)

	body, err := g.c.Handle(ctx, id, path, in.GetValue())
	if err != nil {
		return nil, session.StatusForError(err)
	}

	return wrapperspb.Bytes(body), nil
}

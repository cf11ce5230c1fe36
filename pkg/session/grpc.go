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
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/version"
	"github.com/carverauto/proberadar/pkg/wire"
)

// DeviceGateway service names.
const (
	GatewayServiceName = "proberadar.v1.DeviceGateway"
	gatewayHelloMethod = "/" + GatewayServiceName + "/Hello"
	gatewayCallMethod  = "/" + GatewayServiceName + "/Call"
)

// gRPC metadata keys.
const (
	MetadataDeviceID    = "x-device-id"
	MetadataDeviceToken = "x-device-token"
	MetadataCookie      = "x-session-cookie"
	MetadataEpoch       = "x-session-epoch"
	MetadataPath        = "x-path"
)

var errGatewayNotConnected = errors.New("gateway client not connected")

// DeviceGatewayServer is implemented by collectors serving devices over gRPC.
type DeviceGatewayServer interface {
	Hello(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Call(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func gatewayHelloHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(DeviceGatewayServer).Hello(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayHelloMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceGatewayServer).Hello(ctx, req.(*wrapperspb.BytesValue))
	}

	return interceptor(ctx, in, info, handler)
}

func gatewayCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return srv.(DeviceGatewayServer).Call(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: gatewayCallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceGatewayServer).Call(ctx, req.(*wrapperspb.BytesValue))
	}

	return interceptor(ctx, in, info, handler)
}

// DeviceGatewayServiceDesc describes the device gateway service.
var DeviceGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*DeviceGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hello", Handler: gatewayHelloHandler},
		{MethodName: "Call", Handler: gatewayCallHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "proberadar/v1/gateway.proto",
}

// RegisterDeviceGatewayServer registers srv on s.
func RegisterDeviceGatewayServer(s grpc.ServiceRegistrar, srv DeviceGatewayServer) {
	s.RegisterService(&DeviceGatewayServiceDesc, srv)
}

// IdentityFromMetadata extracts the caller identity and request path.
func IdentityFromMetadata(ctx context.Context) (Identity, string) {
	md, _ := metadata.FromIncomingContext(ctx)

	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}

		return ""
	}

	epoch, _ := strconv.ParseInt(first(MetadataEpoch), 10, 64)

	return Identity{
		DeviceID: first(MetadataDeviceID),
		Token:    first(MetadataDeviceToken),
		Cookie:   first(MetadataCookie),
		Epoch:    epoch,
	}, first(MetadataPath)
}

// GRPCTransport calls the collector's DeviceGateway service.
type GRPCTransport struct {
	addr   string
	conn   *grpc.ClientConn
	logger logger.Logger

	closeOnce sync.Once
}

var _ Transport = (*GRPCTransport)(nil)

// NewGRPCTransport creates a lazily connecting client for cfg.URL. Extra dial
// options are appended after the credentials.
func NewGRPCTransport(cfg *TransportConfig, log logger.Logger, extra ...grpc.DialOption) (*GRPCTransport, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}

	opts, err := buildDialOptions(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build dial options: %w", err)
	}

	conn, err := grpc.NewClient(cfg.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway client for %s: %w", cfg.URL, err)
	}

	return &GRPCTransport{addr: cfg.URL, conn: conn, logger: log}, nil
}

func buildDialOptions(cfg *TransportConfig, log logger.Logger) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{grpc.WithUserAgent(version.UserAgent())}

	if cfg.Insecure {
		log.Warn().Str("addr", cfg.URL).Msg("Using insecure connection to collector gateway")

		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}

	tc, err := tlsConfig(cfg)
	if err != nil {
		return nil, err
	}

	if tc == nil {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tc))), nil
}

func outgoing(ctx context.Context, id *Identity, path string) context.Context {
	pairs := []string{
		MetadataDeviceID, id.DeviceID,
		MetadataDeviceToken, id.Token,
		MetadataPath, path,
	}

	if id.Cookie != "" {
		pairs = append(pairs, MetadataCookie, id.Cookie)
	}

	if id.Epoch != 0 {
		pairs = append(pairs, MetadataEpoch, strconv.FormatInt(id.Epoch, 10))
	}

	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// Handshake calls DeviceGateway.Hello; the reply body is the JSON hello reply.
func (t *GRPCTransport) Handshake(ctx context.Context, hello *wire.Hello) (HelloReply, error) {
	if t.conn == nil {
		return HelloReply{}, errGatewayNotConnected
	}

	id := Identity{DeviceID: hello.DeviceID, Token: hello.Token, Cookie: hello.Cookie, Epoch: hello.Epoch}
	out := new(wrapperspb.BytesValue)

	err := t.conn.Invoke(outgoing(ctx, &id, PathHello), gatewayHelloMethod, wrapperspb.Bytes(wire.MarshalHello(hello)), out)
	if err != nil {
		return HelloReply{}, classifyStatus(err)
	}

	var hr HelloReply
	if err := json.Unmarshal(out.GetValue(), &hr); err != nil {
		return HelloReply{}, fmt.Errorf("decode hello reply: %w", err)
	}

	return hr, nil
}

// Do calls DeviceGateway.Call with the path in metadata.
func (t *GRPCTransport) Do(ctx context.Context, req *Request) (Reply, error) {
	if t.conn == nil {
		return Reply{}, errGatewayNotConnected
	}

	out := new(wrapperspb.BytesValue)

	err := t.conn.Invoke(outgoing(ctx, &req.Identity, req.Path), gatewayCallMethod, wrapperspb.Bytes(req.Payload), out)
	if err != nil {
		return Reply{}, classifyStatus(err)
	}

	return Reply{Status: http.StatusOK, Body: out.GetValue()}, nil
}

// classifyStatus maps gRPC status codes onto the session error taxonomy.
func classifyStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.FailedPrecondition:
		return ErrRefreshRequested
	case codes.Unauthenticated:
		return &ReplyError{Status: http.StatusUnauthorized, Reason: ReasonInvalidPermissions}
	case codes.PermissionDenied:
		return &ReplyError{Status: http.StatusForbidden, Reason: ReasonInvalidPermissions}
	case codes.InvalidArgument:
		reason := st.Message()
		if reason == "" {
			reason = ReasonInvalidRequest
		}

		return &ReplyError{Status: http.StatusBadRequest, Reason: reason}
	default:
		return err
	}
}

// StatusForError is the inverse of classifyStatus for servers.
func StatusForError(err error) error {
	var re *ReplyError

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRefreshRequested):
		return status.Error(codes.FailedPrecondition, "session refresh required")
	case errors.As(err, &re) && re.Reason == ReasonInvalidPermissions:
		if re.Status == http.StatusForbidden {
			return status.Error(codes.PermissionDenied, re.Reason)
		}

		return status.Error(codes.Unauthenticated, re.Reason)
	case errors.As(err, &re):
		return status.Error(codes.InvalidArgument, re.Reason)
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Close closes the client connection.
func (t *GRPCTransport) Close() error {
	if t.conn == nil {
		return nil
	}

	var err error

	t.closeOnce.Do(func() {
		if err = t.conn.Close(); err != nil {
			t.logger.Warn().Err(err).Msg("Error closing gateway connection")
		}
	})

	return err
}

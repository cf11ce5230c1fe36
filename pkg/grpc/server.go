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

// Package grpc wraps a gRPC server with the interceptors, keepalive policy
// and health service every proberadar server uses.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/carverauto/proberadar/pkg/logger"
)

// ServerOption is a function type that modifies Server configuration.
type ServerOption func(*Server)

var errInternalError = status.Error(codes.Internal, "internal error")

const shutdownTimer = 5 * time.Second

// Server wraps a gRPC server with additional functionality.
type Server struct {
	srv         *grpc.Server
	healthCheck *health.Server
	addr        string
	logger      logger.Logger
	serverOpts  []grpc.ServerOption

	mu       sync.Mutex
	services map[string]struct{}
	lis      net.Listener
}

// NewServer creates a new gRPC server listening on addr once started.
func NewServer(addr string, log logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		logger:   log,
		services: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	defaultOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(log),
			RecoveryInterceptor(log),
		),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     10 * time.Minute,
			MaxConnectionAge:      24 * time.Hour,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  120 * time.Second,
			Timeout:               20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             60 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s.srv = grpc.NewServer(append(defaultOpts, s.serverOpts...)...)
	s.healthCheck = health.NewServer()

	healthpb.RegisterHealthServer(s.srv, s.healthCheck)
	reflection.Register(s.srv)

	return s
}

// WithCredentials sets transport credentials. Nil leaves the server in
// plaintext.
func WithCredentials(creds credentials.TransportCredentials) ServerOption {
	return func(s *Server) {
		if creds != nil {
			s.serverOpts = append(s.serverOpts, grpc.Creds(creds))
		}
	}
}

// WithMaxRecvSize sets the maximum receive message size.
func WithMaxRecvSize(size int) ServerOption {
	return func(s *Server) {
		s.serverOpts = append(s.serverOpts, grpc.MaxRecvMsgSize(size))
	}
}

// RegisterService registers a service and marks it serving.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.services[desc.ServiceName] = struct{}{}
	s.srv.RegisterService(desc, impl)
	s.healthCheck.SetServingStatus(desc.ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Listen binds the configured address. Addr is valid afterwards.
func (s *Server) Listen(ctx context.Context) error {
	lc := &net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()

	return nil
}

// Addr is the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lis != nil {
		return s.lis.Addr().String()
	}

	return s.addr
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")

	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve: %w", err)
	}

	return nil
}

// Start listens if needed and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()

	if lis == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}

		s.mu.Lock()
		lis = s.lis
		s.mu.Unlock()
	}

	return s.Serve(lis)
}

// Stop drains in-flight calls, forcing a stop after a short grace period
// or when ctx ends.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	for service := range s.services {
		s.healthCheck.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.mu.Unlock()

	stopped := make(chan struct{})

	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()

	timer := time.NewTimer(shutdownTimer)
	defer timer.Stop()

	select {
	case <-stopped:
		s.logger.Info().Msg("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn().Msg("gRPC server shutdown cancelled, forcing stop")
		s.srv.Stop()
	case <-timer.C:
		s.logger.Warn().Msg("gRPC server shutdown timed out, forcing stop")
		s.srv.Stop()
	}
}

// LoggingInterceptor logs each unary call at debug level.
func LoggingInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		log.Debug().
			Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Err(err).
			Msg("gRPC call")

		return resp, err
	}
}

// RecoveryInterceptor handles panics in RPC handlers.
func RecoveryInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("method", info.FullMethod).Interface("panic", r).Msg("Recovered from panic")

				err = errInternalError
			}
		}()

		return handler(ctx, req)
	}
}

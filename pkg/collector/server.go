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
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/proberadar/pkg/grpc"
	"github.com/carverauto/proberadar/pkg/logger"
	"github.com/carverauto/proberadar/pkg/natsutil"
	"github.com/carverauto/proberadar/pkg/session"
	"github.com/carverauto/proberadar/pkg/version"
)

const readHeaderTimeout = 10 * time.Second

// Server runs the enabled frontends around one Collector. It implements
// lifecycle.Service.
type Server struct {
	cfg       Config
	collector *Collector
	logger    logger.Logger

	mu       sync.Mutex
	listened bool
	httpSrv  *http.Server
	httpLis  net.Listener
	grpcSrv  *grpc.Server
	nc       *nats.Conn
	sub      *nats.Subscription
}

// NewServer creates the collector and its frontends.
func NewServer(cfg Config, log logger.Logger) (*Server, error) {
	cfg.ApplyDefaults()

	c, err := New(cfg, log)
	if err != nil {
		return nil, err
	}

	return &Server{cfg: cfg, collector: c, logger: log}, nil
}

// Collector exposes the in-memory state.
func (s *Server) Collector() *Collector {
	return s.collector
}

// HTTPAddr is the bound HTTP address after Listen.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpLis == nil {
		return ""
	}

	return s.httpLis.Addr().String()
}

// GRPCAddr is the bound gRPC address after Listen.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcSrv == nil {
		return ""
	}

	return s.grpcSrv.Addr()
}

// Listen binds every configured frontend without serving yet. The NATS
// responder is subscribed immediately.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listened {
		return nil
	}

	tc, err := grpc.ServerTLS(s.cfg.TLS, s.logger)
	if err != nil {
		return err
	}

	if s.cfg.HTTPAddr != "" {
		lc := &net.ListenConfig{}

		lis, err := lc.Listen(ctx, "tcp", s.cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen http: %w", err)
		}

		s.httpLis = lis
		s.httpSrv = &http.Server{
			Handler:           NewRouter(s.collector, s.logger),
			ReadHeaderTimeout: readHeaderTimeout,
			TLSConfig:         tc,
		}
	}

	if s.cfg.GRPCAddr != "" {
		creds, err := grpc.ServerCredentials(s.cfg.TLS, s.logger)
		if err != nil {
			return err
		}

		s.grpcSrv = grpc.NewServer(s.cfg.GRPCAddr, s.logger,
			grpc.WithCredentials(creds),
			grpc.WithMaxRecvSize(maxRequestBodyBytes))
		s.grpcSrv.RegisterService(&session.DeviceGatewayServiceDesc, NewGatewayServer(s.collector))

		if err := s.grpcSrv.Listen(ctx); err != nil {
			return err
		}
	}

	if s.cfg.NATSURL != "" {
		nc, err := natsutil.Connect(s.cfg.NATSURL, "proberadar-collector/"+version.GetVersion(), s.cfg.NATSTLS, s.logger)
		if err != nil {
			return err
		}

		if s.cfg.EventStream != "" {
			pub, err := natsutil.NewEventPublisher(ctx, nc, s.cfg.EventStream)
			if err != nil {
				nc.Close()
				return err
			}

			s.collector.SetEventSink(&jetStreamEvents{pub: pub, logger: s.logger})
			s.logger.Info().Str("stream", pub.Stream()).Msg("Publishing collector events")
		}

		sub, err := ServeNATS(nc, s.cfg.SubjectPrefix, s.collector, s.logger)
		if err != nil {
			nc.Close()
			return fmt.Errorf("subscribe nats: %w", err)
		}

		s.nc, s.sub = nc, sub

		s.logger.Info().Str("subject", sub.Subject).Msg("NATS responder subscribed")
	}

	s.listened = true

	return nil
}

// Start serves until ctx is done or a frontend fails.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	s.mu.Lock()
	httpSrv, httpLis, grpcSrv := s.httpSrv, s.httpLis, s.grpcSrv
	s.mu.Unlock()

	if httpSrv != nil {
		go func() {
			s.logger.Info().Str("addr", httpLis.Addr().String()).Msg("HTTP server listening")

			var err error
			if httpSrv.TLSConfig != nil {
				err = httpSrv.ServeTLS(httpLis, "", "")
			} else {
				err = httpSrv.Serve(httpLis)
			}

			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.Start(ctx); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop shuts every frontend down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if s.httpLis != nil {
		_ = s.httpLis.Close()
	}

	if s.grpcSrv != nil {
		s.grpcSrv.Stop(ctx)
	}

	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("nats unsubscribe: %w", err))
		}
	}

	if s.nc != nil {
		s.nc.Close()
	}

	return errors.Join(errs...)
}

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// MetricsServer exposes prometheus metrics via HTTP on its own listener
type MetricsServer struct {
	cancel   context.CancelFunc
	listener net.Listener
	server   *http.Server
}

// NewHttpServer creates a metrics server listening on address:port
func NewHttpServer(ctx context.Context, address string, port uint) (*MetricsServer, error) {
	addr := fmt.Sprintf("%s:%d", address, port)
	listener, err := net.Listen("tcp", addr) // assigns a port if port is 0
	if err != nil {
		return nil, err
	}

	exporter, err := NewExporter()
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("cannot create the prometheus stats exporter: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter)

	return &MetricsServer{
		cancel:   cancel,
		listener: listener,
		server: &http.Server{
			BaseContext: func(net.Listener) context.Context { return ctx },
			Handler:     mux,
		},
	}, nil
}

// Addr returns the listening address of the server
func (s *MetricsServer) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Close is called
func (s *MetricsServer) Start() error {
	logger.Infow("starting metrics server", "listen_addr", s.listener.Addr())
	err := s.server.Serve(s.listener)
	if !errors.Is(err, http.ErrServerClosed) {
		logger.Errorw("metrics server failed", "err", err)
		return err
	}
	return nil
}

// Close shuts down the server and cancels its context
func (s *MetricsServer) Close() error {
	logger.Info("closing metrics server")
	s.cancel()
	return s.server.Shutdown(context.Background())
}

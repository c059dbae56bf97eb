package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"ndb/internal/metrics"
	"ndb/internal/transport/wire"
)

type Config struct {
	Listen  string
	Timeout time.Duration
}

// Server hosts the command service and, when the node keeps an oplog, the
// replication service on one listener.
type Server struct {
	cfg      Config
	commands wire.CommandServer
	repl     wire.ReplicationServer

	Server   *grpc.Server
	listener net.Listener
}

func NewServer(cfg Config, commands wire.CommandServer, repl wire.ReplicationServer) *Server {
	return &Server{cfg: cfg, commands: commands, repl: repl}
}

func (ts *Server) Start() (net.Listener, error) {
	lis, err := net.Listen("tcp", ts.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ts.cfg.Listen, err)
	}

	timeout := ts.cfg.Timeout
	if timeout <= 0 {
		slog.Warn("Timeout can't be less than 1 second. Setting transport timeout to 1 second.")
		timeout = time.Second
	}

	ts.Server = grpc.NewServer(
		grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor(), timeoutInterceptor(timeout)),
		grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
	)

	ts.Server.RegisterService(&wire.CommandServiceDesc, ts.commands)
	if ts.repl != nil {
		ts.Server.RegisterService(&wire.ReplicationServiceDesc, ts.repl)
	}

	ts.listener = lis
	slog.Info("transport listening", "addr", lis.Addr().String(), "replication", ts.repl != nil)

	go func() {
		if err := ts.Server.Serve(lis); err != nil {
			slog.Error("failed to serve listener", "error", err)
		}
	}()

	return lis, nil
}

func (ts *Server) Addr() net.Addr {
	if ts.listener == nil {
		return nil
	}
	return ts.listener.Addr()
}

// Stop drains in-flight calls until ctx ends, then closes what is left.
// Replication streams never finish on their own, so they are cut at ctx.
func (ts *Server) Stop(ctx context.Context) {
	if ts.Server == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		ts.Server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		ts.Server.Stop()
		<-done
	}
	slog.Info("transport stopped")
}

func timeoutInterceptor(d time.Duration) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return handler(ctx, req)
	}
}

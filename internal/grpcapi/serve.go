package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// Serve runs srv on lis until ctx is cancelled, then marks the health
// service NOT_SERVING and stops gracefully.
func Serve(ctx context.Context, lis net.Listener, srv *grpc.Server, hs *health.Server) error {
	log.Printf("grpc listening at %v", lis.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		if hs != nil {
			hs.Shutdown()
		}
		srv.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

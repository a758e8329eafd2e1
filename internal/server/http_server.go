package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// WriteTimeout is left unset because upgraded connections outlive any
// single response.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve serves on ln until the server is shut down. A clean shutdown
// returns nil.
func Serve(server *http.Server, ln net.Listener, logger *zap.Logger) error {
	logger.Info("server listening", zap.String("addr", ln.Addr().String()))
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting new connections and waits for in-flight
// HTTP requests, up to timeout. Upgraded WebSocket connections are not
// tracked by net/http; Hub.Shutdown closes those.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("http server shutdown completed")
	return nil
}

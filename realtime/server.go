// This file contains the Server struct which manages the HTTP server hosting
// the gateway: the WebSocket endpoint, a health check that reports Redis
// reachability, the Prometheus metrics endpoint, and graceful shutdown.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	server    *http.Server
	gateway   *Gateway
	client    redis.UniversalClient
	mutex     sync.RWMutex
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a server hosting the realtime gateway on /ws, with
// /healthz and /metrics alongside. If no options are provided, defaults are
// used.
func NewServer(client redis.UniversalClient, options *ServerOptions) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if options == nil {
		options = &ServerOptions{}
	}

	opts := options.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	gateway := NewGateway(ctx, client, opts)

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}

	s := &Server{
		ctx:     ctx,
		cancel:  cancel,
		gateway: gateway,
		client:  client,
	}

	router := mux.NewRouter()

	router.Handle("/ws", gateway)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  options.ServerReadTimeout,
		WriteTimeout: options.ServerWriteTimeout,
		IdleTimeout:  options.ServerIdleTimeout,
		TLSConfig:    options.ServerTLSConfig,
	}

	return s
}

// Gateway returns the gateway instance so the embedding application can
// broadcast domain events after HTTP mutations.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":      "ok",
		"connections": s.gateway.Registry().Len(),
	}
	code := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)

	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(status)
}

// Start begins listening on the configured address in a background goroutine
// and returns immediately. Returns an error if the server is already running.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return internal("server", "Server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		if s.server.TLSConfig != nil {
			_ = s.server.ListenAndServeTLS("", "")
		} else {
			_ = s.server.ListenAndServe()
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until a shutdown signal is received
// (SIGINT or SIGTERM), then waits up to 30 seconds for active connections to
// close during shutdown.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	if err := s.Stop(30 * time.Second); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop gracefully shuts down the server: open sockets are closed, the
// heartbeat timer is cleared, and the HTTP listener drains within the given
// timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.isRunning = false
	s.mutex.Unlock()

	s.gateway.Close()

	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)

	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return wrapF(err, "failed to shut down HTTP server")
	}
	return nil
}

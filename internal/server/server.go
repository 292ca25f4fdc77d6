// Package server exposes the agent's control surface over HTTP: a JSON
// API for inspection and control, and a WebSocket endpoint that streams
// the event bus to connected clients.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arvell/drops-agent/internal/bus"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/core"
	"github.com/arvell/drops-agent/internal/logger"
)

// Server serves the control API for a single agent.
type Server struct {
	addr   string
	log    *logger.Logger
	agent  *core.Agent
	events *bus.Bus
	icons  *iconCache
	srv    *http.Server
}

// New creates a Server bound to the given address. cacheDir holds
// downloaded campaign and game art.
func New(addr string, agent *core.Agent, events *bus.Bus, cacheDir string, log *logger.Logger) *Server {
	s := &Server{
		addr:   addr,
		log:    log,
		agent:  agent,
		events: events,
		icons:  newIconCache(cacheDir),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/channels", s.handleChannels)
	mux.HandleFunc("GET /api/inventory", s.handleInventory)
	mux.HandleFunc("GET /api/icon", s.handleIcon)
	mux.HandleFunc("POST /api/channel/select", s.handleSelectChannel)
	mux.HandleFunc("POST /api/channel/manual/exit", s.handleExitManualMode)
	mux.HandleFunc("POST /api/reload", s.handleReload)
	mux.HandleFunc("POST /api/settings", s.handleSettings)
	mux.HandleFunc("POST /api/proxy/verify", s.handleVerifyProxy)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           withLogging(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return s
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("Control server starting", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Control server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultGracefulShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("control server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func withLogging(log *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

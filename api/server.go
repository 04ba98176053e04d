// Package api provides the REST API of the equipment pipelines.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"daqlink/config"
	"daqlink/engine"
	"daqlink/logging"
)

// Server is the REST API server.
type Server struct {
	engine   *engine.Engine
	config   *config.RESTConfig
	handlers *handlers
	server   *http.Server
	log      *zap.SugaredLogger
	running  bool
	mu       sync.RWMutex
}

// NewServer creates a new REST API server.
func NewServer(eng *engine.Engine, cfg *config.RESTConfig) *Server {
	return &Server{
		engine: eng,
		config: cfg,
		log:    logging.For(logging.ComponentAPI),
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.handlers = newHandlers(s.engine)
	handler := corsMiddleware(basicAuth(s.config.Username, s.config.PasswordHash, s.handlers.routes()))

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.handlers.close()
		s.handlers = nil
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			s.log.Errorf("rest api stopped: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.log.Infof("rest api listening on %s", ln.Addr())
	s.running = true
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	s.handlers.close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.handlers = nil
	return err
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

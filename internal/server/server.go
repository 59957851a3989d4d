// Package server exposes the optimizer's status over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the status server settings
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the status server
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Validate checks the listener settings of an enabled server
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("cert_file and key_file are required when tls is enabled")
		}
		for _, path := range []string{c.TLS.CertFile, c.TLS.KeyFile} {
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("tls file: %w", err)
			}
		}
	}
	return nil
}

// StatusProvider reports the live progress of a run
type StatusProvider interface {
	Progress() models.Progress
}

// Server serves /health, /ready, /status and /metrics
type Server struct {
	config     Config
	status     StatusProvider
	metrics    http.Handler
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool
	wg         sync.WaitGroup
}

// New creates a status server. metrics may be nil.
func New(config Config, status StatusProvider, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:  config,
		status:  status,
		metrics: metrics,
		logger:  logger.Named("server"),
	}
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.readinessHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// SetReady marks the server ready once the run has started
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start listens and serves in the background
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.config.TLS.Enabled {
			err = s.httpServer.ServeTLS(lis, s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = s.httpServer.Serve(lis)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server error", zap.Error(err))
		}
	}()

	s.logger.Info("Status server started",
		zap.String("addr", lis.Addr().String()),
		zap.Bool("tls", s.config.TLS.Enabled))
	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "osd-equalizer"})
}

func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "service": "osd-equalizer"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "osd-equalizer"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no run in progress"})
		return
	}
	writeJSON(w, http.StatusOK, s.status.Progress())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

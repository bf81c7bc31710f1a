// Package http provides the http server wiring for zimi services.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zimi/zimi/zim"
)

// Middleware function signature required by chi.Router.Use()
type Middleware func(http.Handler) http.Handler

// Config contains options for the http Server
type Config struct {
	ListenAddr         string        // Port to listen on
	BaseURL            string        // prefix to strip from URLs
	ServerReadTimeout  time.Duration // Timeout for server reading data
	ServerWriteTimeout time.Duration // Timeout for server writing data
	MaxHeaderBytes     int           // Maximum size of request header
	AllowOrigin        string        // AllowOrigin sets the Access-Control-Allow-Origin header
}

// DefaultCfg is the default values used for Config
func DefaultCfg() Config {
	return Config{
		ListenAddr:         ":8899",
		ServerReadTimeout:  30 * time.Second,
		ServerWriteTimeout: 1 * time.Hour, // large media bodies to slow clients
		MaxHeaderBytes:     4096,
		AllowOrigin:        "*",
	}
}

// Server contains info about the running http server
type Server struct {
	wg         sync.WaitGroup
	mux        chi.Router
	cfg        Config
	listener   net.Listener
	httpServer *http.Server
	url        string
}

// Option allows customizing the server
type Option func(*Server)

// WithConfig option applies the Config to the server, overriding defaults
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// NewServer instantiates a new http server using the provided options
func NewServer(ctx context.Context, options ...Option) (*Server, error) {
	s := &Server{
		mux: chi.NewRouter(),
		cfg: DefaultCfg(),
	}

	for _, opt := range options {
		opt(s)
	}

	// Build base router
	s.mux.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})
	s.mux.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	// Ignore passing "/" for BaseURL
	s.cfg.BaseURL = strings.Trim(s.cfg.BaseURL, "/")
	if s.cfg.BaseURL != "" {
		s.cfg.BaseURL = "/" + s.cfg.BaseURL
		s.mux.Use(MiddlewareStripPrefix(s.cfg.BaseURL))
	}

	s.mux.Use(MiddlewareCORS(s.cfg.AllowOrigin))

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("start listener: %w", err)
	}
	s.listener = listener
	s.url = fmt.Sprintf("http://%s%s/", listener.Addr().String(), s.cfg.BaseURL)
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ServerReadTimeout,
		WriteTimeout:      s.cfg.ServerWriteTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		ReadHeaderTimeout: 10 * time.Second, // time to send the headers
		IdleTimeout:       60 * time.Second, // time to keep idle connections open
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	return s, nil
}

// Serve starts the HTTP server in a goroutine
func (s *Server) Serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpServer.Serve(s.listener)
		if err != http.ErrServerClosed && err != nil {
			zim.Logf(nil, "%s: unexpected error: %s", s.listener.Addr(), err.Error())
		}
	}()
}

// Wait blocks while the server is serving requests
func (s *Server) Wait() {
	s.wg.Wait()
}

// Router returns the server base router
func (s *Server) Router() chi.Router {
	return s.mux
}

// Time to wait to Shutdown an HTTP server
const gracefulShutdownTime = 10 * time.Second

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	expiry := time.Now().Add(gracefulShutdownTime)
	ctx, cancel := context.WithDeadline(context.Background(), expiry)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		zim.Logf(nil, "error shutting down server: %s", err)
	}
	s.wg.Wait()
	return nil
}

// URL returns the serving address
func (s *Server) URL() string {
	return s.url
}

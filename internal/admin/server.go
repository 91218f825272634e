// Package admin exposes the JWT-protected reporting API: aggregate service
// stats and per-user usage computed from the same durable log the quota
// tracker falls back to.
package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/docfold/docfold/internal/quota"
	"github.com/docfold/docfold/internal/storage"
)

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	Username        string
	Password        string
	JWTSecret       string
	TokenExpiration time.Duration
}

// Server is the reporting HTTP server.
type Server struct {
	config   Config
	store    storage.Store
	tracker  *quota.Tracker
	auth     *AuthService
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates the reporting server.
func NewServer(cfg Config, store storage.Store, tracker *quota.Tracker, logger zerolog.Logger) (*Server, error) {
	auth, err := NewAuthService(cfg.Username, cfg.Password, cfg.JWTSecret, cfg.TokenExpiration)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		store:   store,
		tracker: tracker,
		auth:    auth,
		router:  mux.NewRouter(),
		logger:  logger.With().Str("component", "admin").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(s.auth))
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/users", s.handleListUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{id}/usage", s.handleUserUsage).Methods(http.MethodGet)
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting admin server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated admin listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping admin server")
	return s.server.Shutdown(ctx)
}

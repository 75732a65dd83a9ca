// Package server exposes the HTTP surface: the public event beacon and the
// token-protected rollout management API.
package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flagramp/flagramp/internal/analytics"
	"github.com/flagramp/flagramp/internal/event"
	"github.com/flagramp/flagramp/internal/rollout"
	"github.com/flagramp/flagramp/internal/store"
)

type Server struct {
	store      *store.SQLiteStore
	recorder   *event.Recorder
	controller *rollout.Controller
	analytics  *analytics.Service

	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
}

func New(s *store.SQLiteStore, rec *event.Recorder, ctrl *rollout.Controller, an *analytics.Service, port int, tokenFile string) *Server {
	srv := &Server{
		store:      s,
		recorder:   rec,
		controller: ctrl,
		analytics:  an,
		port:       port,
		token:      generateToken(),
		tokenFile:  tokenFile,
		router:     http.NewServeMux(),
		startTime:  time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/e", s.handleEvents)
	s.router.Handle("/metrics", promhttp.Handler())

	// Management endpoints (protected)
	s.router.Handle("/api/rollouts", s.authMiddleware(http.HandlerFunc(s.handleRollouts)))
	s.router.Handle("/api/rollouts/", s.authMiddleware(http.HandlerFunc(s.handleRolloutByID)))
	s.router.Handle("/api/analyze", s.authMiddleware(http.HandlerFunc(s.handleAnalyze)))
}

func (s *Server) Start() error {
	// Write token to file for the otp command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			fmt.Printf("Warning: failed to write token file: %v\n", err)
		}
	}

	fmt.Println()
	fmt.Printf("flagramp running on http://localhost:%d\n", s.port)
	fmt.Printf("Management API token: %s\n", s.token)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	return http.ListenAndServe(fmt.Sprintf(":%d", s.port), s.router)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a simple token if crypto/rand fails
		return "a1b2c3d4"
	}
	return hex.EncodeToString(bytes)
}

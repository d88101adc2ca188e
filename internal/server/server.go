// Package server exposes the ledger over HTTP: read-only views of beacons,
// proxies, and recent events, plus token-gated invoke, upgrade, and beacon
// owner endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/beaconctl/internal/auth"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/ledger"
	"github.com/danmuck/beaconctl/internal/observability"
	"github.com/danmuck/beaconctl/internal/upgrade"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const defaultEventBuffer = 256

// Options configures a Server. A nil Validator leaves write endpoints open.
// Save receives a fresh snapshot after every successful mutation. It runs
// inside the ledger submission, so snapshots are saved in the order the
// mutations committed. EventBuffer bounds GET /events.
type Options struct {
	Name        string
	CORSOrigins []string
	Validator   auth.Validator
	Save        func(ctx context.Context, snap ledger.Snapshot) error
	OnUpgrade   func(ctx context.Context, report upgrade.Report) error
	EventBuffer int
}

type Server struct {
	name         string
	ledger       *ledger.Ledger
	orchestrator *upgrade.Orchestrator
	validator    auth.Validator
	save         func(ctx context.Context, snap ledger.Snapshot) error
	onUpgrade    func(ctx context.Context, report upgrade.Report) error
	recent       *events.Recorder
	router       *gin.Engine
	appeared     time.Time
}

func New(l *ledger.Ledger, opts Options) *Server {
	observability.RegisterMetrics()
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "beaconctl"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetrics(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	recent := events.NewRecorder(buffer)
	l.Bus().Subscribe(recent.Handle)

	s := &Server{
		name:         name,
		ledger:       l,
		orchestrator: upgrade.NewOrchestrator(l),
		validator:    opts.Validator,
		save:         opts.Save,
		onUpgrade:    opts.OnUpgrade,
		recent:       recent,
		router:       r,
		appeared:     time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("server", s.name).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("server", s.name).Msg("http server stopped")
		return nil
	}
}

// requireToken rejects requests whose bearer token fails the validator.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.validator == nil {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "kind": "unauthenticated"})
			return
		}
		if err := s.validator.Validate(strings.TrimSpace(token)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "kind": "unauthenticated"})
			return
		}
		c.Next()
	}
}

func (s *Server) committed(c *gin.Context) {
	if s.save == nil {
		return
	}
	if err := s.ledger.Persist(c.Request.Context(), s.save); err != nil {
		_ = c.Error(err)
		log.Error().Err(err).Str("path", c.FullPath()).Msg("snapshot save failed")
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

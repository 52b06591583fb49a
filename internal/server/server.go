/*
Copyright (C) 2026 üWave contributors

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server assembles the daemon: the durable and ephemeral stores,
// the broadcast bus, the booth, and the ops HTTP shell exposing health,
// readiness, metrics and the current play.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/u-wave/core-go/internal/booth"
	"github.com/u-wave/core-go/internal/broadcast"
	"github.com/u-wave/core-go/internal/config"
	"github.com/u-wave/core-go/internal/db"
	"github.com/u-wave/core-go/internal/lease"
	"github.com/u-wave/core-go/internal/models"
	"github.com/u-wave/core-go/internal/playlists"
	"github.com/u-wave/core-go/internal/roomstate"
	"github.com/u-wave/core-go/internal/sources"
	"github.com/u-wave/core-go/internal/telemetry"
)

// Server bundles the booth services and the HTTP shell.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db        *gorm.DB
	redis     *redis.Client
	bus       broadcast.Bus
	resolver  *sources.Resolver
	playlists *playlists.Service
	booth     *booth.Booth

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("uwave-core-api"))
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(30 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: srv.router,
		// Header deadline protects against slowloris; the middleware
		// timeout bounds the rest.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	if err := db.RegisterCallbacks(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	s.redis = client
	s.DeferClose(client.Close)

	state := roomstate.New(client, s.logger)

	bus, err := broadcast.New(s.cfg, client, s.logger)
	if err != nil {
		return fmt.Errorf("create broadcast bus: %w", err)
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	s.resolver = sources.NewResolver(s.db, s.logger)
	s.playlists = playlists.NewService(s.db, s.resolver, s.logger)

	mutex := lease.NewMutex(client, "", 0, s.logger)
	s.booth = booth.New(s.db, state, mutex, s.playlists, s.bus, s.logger)

	return nil
}

// Start recovers the booth from the shared stores and begins the
// background workers. The HTTP listener is the caller's to run.
func (s *Server) Start(ctx context.Context) error {
	if err := s.booth.Start(ctx); err != nil {
		return fmt.Errorf("start booth: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				db.UpdateConnectionMetrics(s.db)
			}
		}
	}()

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// BoothErr surfaces store failures from the booth's timer-driven path.
// The daemon treats these as fatal.
func (s *Server) BoothErr() <-chan error {
	return s.booth.Err()
}

// Sources returns the media source resolver so the embedding process can
// register source adapters before Start.
func (s *Server) Sources() *sources.Resolver {
	return s.resolver
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	if s.booth != nil {
		s.booth.Stop()
	}
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Handle("/metrics", telemetry.Handler())
	s.router.Get("/api/now", s.handleNow)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports whether both stores answer, so load balancers keep
// instances with a dead store out of rotation.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("readiness: redis unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "redis": err.Error()})
		return
	}

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("readiness: database unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// nowPlaying mirrors the advance:complete payload with the live vote
// tallies attached.
type nowPlaying struct {
	HistoryID string               `json:"historyID"`
	UserID    string               `json:"userID"`
	Media     models.MediaSnapshot `json:"media"`
	PlayedAt  int64                `json:"playedAt"`
	Upvotes   []string             `json:"upvotes"`
	Downvotes []string             `json:"downvotes"`
	Favorites []string             `json:"favorites"`
}

type nowResponse struct {
	Entry    *nowPlaying `json:"entry"`
	Waitlist []string    `json:"waitlist"`
}

// handleNow is the diagnostic view of the room: the current play with
// live tallies, plus the waitlist in play order.
func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	var resp nowResponse

	entry, err := s.booth.CurrentEntry(r.Context())
	switch {
	case errors.Is(err, booth.ErrNoCurrentPlay):
	case err != nil:
		s.logger.Error().Err(err).Msg("read current play failed")
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	default:
		resp.Entry = &nowPlaying{
			HistoryID: entry.ID,
			UserID:    entry.UserID,
			Media:     entry.Media,
			PlayedAt:  entry.PlayedAt.UnixMilli(),
			Upvotes:   entry.Upvotes,
			Downvotes: entry.Downvotes,
			Favorites: entry.Favorites,
		}
	}

	waitlist, err := s.booth.Waitlist(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("read waitlist failed")
		writeError(w, http.StatusInternalServerError, "store_error")
		return
	}
	resp.Waitlist = waitlist

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/u-wave/core-go/internal/config"
	"github.com/u-wave/core-go/internal/logging"
	"github.com/u-wave/core-go/internal/server"
	"github.com/u-wave/core-go/internal/telemetry"
	"github.com/u-wave/core-go/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "uwaved",
	Short:   "üWave booth advancement core",
	Long:    "uwaved runs the üWave collaborative listening room core: the DJ booth state machine, waitlist rotation, vote tallying and transition broadcasting, coordinated across instances through Redis.",
	Version: fmt.Sprintf("%s (%s)", version.Version, version.Commit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the booth daemon",
	Long:  "Recover the booth from the shared stores, arm the end-of-track timer, and serve the ops HTTP endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("üWave core starting")

	// Initialize OpenTelemetry tracing
	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "uwave-core",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		_ = srv.Close()
		return fmt.Errorf("start booth: %w", err)
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr()).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// A store failure on the timer-driven path means this instance can no
	// longer advance the booth; exit and let the supervisor restart it.
	select {
	case <-quit:
		logger.Info().Msg("shutting down gracefully...")
	case err := <-srv.BoothErr():
		logger.Error().Err(err).Msg("booth store failure, shutting down")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("üWave core stopped")
	return nil
}

// connectRedis dials the shared ephemeral store (used by the booth
// subcommands, which talk to Redis without the full server).
func connectRedis(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

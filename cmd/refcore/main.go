package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/refnet/refcore/internal/config"
	"github.com/refnet/refcore/internal/database"
	"github.com/refnet/refcore/internal/logger"
	"github.com/refnet/refcore/internal/nonce"
	"github.com/refnet/refcore/internal/risk"
	"github.com/rs/zerolog"
)

// maintenanceInterval paces the nonce and risk-event purge loop.
const maintenanceInterval = 15 * time.Minute

func main() {
	// Parse command-line arguments
	envFile := flag.String("envFile", ".env", "Path to .env file")
	flag.Parse()

	// Load environment variables from the specified file
	if err := godotenv.Load(*envFile); err != nil {
		log.Printf("No .env file found at %s, using environment variables", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		logg.Fatal().Err(err).Msg("Failed to connect to database")
	}

	nonces := nonce.NewStore(db, time.Duration(cfg.NonceTTLSeconds)*time.Second, nil)
	riskLog := risk.NewLog(db, logg, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prometheus endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		logg.Info().Str("port", cfg.MetricsPort).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	runMaintenance(ctx, logg, nonces, riskLog, time.Duration(cfg.RiskRetentionDays)*24*time.Hour)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error().Err(err).Msg("Metrics server shutdown failed")
	}
	logg.Info().Msg("Shutdown complete")
}

// runMaintenance purges expired nonces and aged-out risk events on a fixed
// interval until the context is cancelled.
func runMaintenance(ctx context.Context, logg zerolog.Logger, nonces *nonce.Store, riskLog *risk.Log, retention time.Duration) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		purged, err := nonces.PurgeExpired(ctx)
		if err != nil {
			logg.Error().Err(err).Msg("Nonce purge failed")
		} else if purged > 0 {
			logg.Info().Int64("count", purged).Msg("Purged expired nonces")
		}

		if _, err := riskLog.Purge(ctx, retention); err != nil {
			logg.Error().Err(err).Msg("Risk event purge failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docuvault/api/internal/app"
	"docuvault/api/internal/config"
	"docuvault/api/internal/lockcache"
	"docuvault/api/internal/logging"
	"docuvault/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New(os.Stderr, cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	service := app.New(dataStore, log)

	// Redis is an optional read-through mirror for lock leases; the
	// coordinator is fully functional without it.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		leaseCache, err := lockcache.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer leaseCache.Close()
		service = service.WithLeaseCache(leaseCache)
		log.Info().Msg("lock lease mirroring enabled")
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	reaper := app.NewReaper(service, cfg.ReaperInterval)
	go reaper.Run(reaperCtx)

	httpServer := app.NewHTTPServer(service)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("docuvault API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

// Package main runs the clinicsync desktop sidecar. The clinic UI talks to
// it over REST/WebSocket on localhost; it owns the connection arbitration
// loop, the offline mutation queue, and the cached session.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsante/clinicsync/cmd/desktop/handlers"
	"github.com/opsante/clinicsync/internal/cloud"
	"github.com/opsante/clinicsync/internal/config"
	"github.com/opsante/clinicsync/internal/db"
	"github.com/opsante/clinicsync/internal/engine"
	"github.com/opsante/clinicsync/internal/logging"
	"github.com/opsante/clinicsync/internal/metrics"
)

func main() {
	logging.Init(os.Stdout, logging.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	cloudClient := cloud.New(cfg.CloudAPIURL, cfg.APIKey, cfg.ReplayTimeout)

	eng := engine.New(cfg, repo, engine.Options{
		Applier:     cloudClient,
		RoleFetcher: cloudClient,
		Metrics:     engineMetrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)
	defer eng.Stop()

	hub := NewWSHub()
	detach := hub.BridgeStatusEvents(eng.Publisher())
	defer detach()

	statusHandler := handlers.NewStatusHandler(eng)
	syncHandler := handlers.NewSyncHandler(eng)
	sessionHandler := handlers.NewSessionHandler(eng)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"clinicsync-desktop"}`))
	})

	mux.HandleFunc("GET /api/connection", statusHandler.GetConnection)
	mux.HandleFunc("POST /api/connection/check", statusHandler.CheckConnection)
	mux.HandleFunc("POST /api/connection/notify", statusHandler.NotifyConnectivity)
	mux.HandleFunc("GET /api/sync/status", statusHandler.GetSyncStatus)
	mux.HandleFunc("GET /api/sync/pending", statusHandler.GetSyncPending)

	mux.HandleFunc("POST /api/sync/process", syncHandler.ProcessQueue)
	mux.HandleFunc("POST /api/sync/initial", syncHandler.InitialSync)
	mux.HandleFunc("POST /api/mutations", syncHandler.SubmitMutation)

	mux.HandleFunc("POST /api/session", sessionHandler.CacheSession)
	mux.HandleFunc("GET /api/session", sessionHandler.GetCachedUser)
	mux.HandleFunc("DELETE /api/session", sessionHandler.ClearSession)
	mux.HandleFunc("GET /api/session/roles", sessionHandler.GetRoles)

	mux.Handle("GET /ws", HandleWebSocket(hub))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{
			"addr": cfg.ListenAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}

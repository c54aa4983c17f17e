package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	internalhttp "github.com/musterhq/muster/internal/api/http"
	"github.com/musterhq/muster/internal/blob"
	"github.com/musterhq/muster/internal/db"
	"github.com/musterhq/muster/internal/hub"
	"github.com/musterhq/muster/internal/metrics"
	"github.com/musterhq/muster/internal/store"
	"github.com/musterhq/muster/internal/store/memory"
	pgstore "github.com/musterhq/muster/internal/store/postgres"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Muster Server", "version", AppVersion)

	st, err := openStore()
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	blobDir := config.Blob.Dir
	if blobDir == "" {
		blobDir = "./data/blobs"
	}
	blobs, err := blob.NewStore(blobDir)
	if err != nil {
		slog.Error("Failed to open blob store", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()

	core := hub.New(hub.Config{
		Store:              st,
		Blobs:              blobs,
		Metrics:            metrics.New(registry),
		DefaultPollSeconds: config.Poll.DefaultIntervalSeconds,
	})

	services := &internalhttp.Services{
		Hub:     core,
		Metrics: registry,
	}

	allowOrigins := config.Http.CORS.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"*"}
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		core.Shutdown(ctx)
		slog.Info("Hub stopped")
	}()

	wg.Wait()

	if err := st.Close(); err != nil {
		slog.Error("Store close error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// openStore builds the configured store backend. The memory driver serves
// development and tests; postgres is the durable deployment.
func openStore() (store.Store, error) {
	switch config.Store.Driver {
	case "", "memory":
		slog.Info("Using in-memory store")
		return memory.New(), nil
	case "postgres":
		if err := db.RunMigrations(config.Store.Url, config.Store.Schema); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := db.Connect(context.Background(), config.Store.Url, config.Store.Schema)
		if err != nil {
			return nil, err
		}
		return pgstore.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", config.Store.Driver)
	}
}

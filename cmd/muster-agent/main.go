package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/musterhq/muster/internal/agentsim"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Muster Agent Simulator", "version", AppVersion)

	client := agentsim.New(agentsim.Config{
		ServerURL:    config.Agent.ServerURL,
		AgentID:      config.Agent.ID,
		Model:        config.Agent.Model,
		Manufacturer: config.Agent.Manufacturer,
		Release:      config.Agent.Release,
		AppVersion:   config.Agent.AppVersion,
	})
	if err := client.Start(); err != nil {
		slog.Error("Failed to start agent client", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	slog.Info("Received shutdown signal", "signal", sig)

	if err := client.Stop(); err != nil {
		slog.Error("Agent client stop error", "error", err)
	}

	slog.Info("Shutdown complete")
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spawn-mcp/research-coordinator/pkg/config"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
	"github.com/spawn-mcp/research-coordinator/pkg/types"
	"github.com/spawn-mcp/research-coordinator/pkg/wiring"
)

func main() {
	cfg, err := config.Load(os.Getenv("DRONE_CONFIG"))
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	logging.Setup(level, cfg.Logging.Format)
	log := logging.For("drone")

	role := types.WorkerRole(getEnvOrDefault("DRONE_ROLE", string(types.RoleSearcher)))
	addr := ":" + getEnvOrDefault("PORT", "8080")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := wiring.BuildDrone(ctx, cfg, role)
	if err != nil {
		log.Error("Failed to create drone", slog.String("role", string(role)), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn("Error closing drone", slog.String("error", err.Error()))
		}
	}()

	log.Info("Starting drone", slog.String("role", string(role)), slog.String("addr", addr))
	if err := d.Server.ListenAndServe(ctx, addr); err != nil {
		log.Error("Server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("Drone stopped")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

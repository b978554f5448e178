package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/nighthost/backend/internal/infrastructure/server"
)

func main() {
	// Startup logger until the server builds its own from config
	log := logging.NewOrNop(logging.DefaultConfig())
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	// Flags override the environment
	port := flag.String("port", cfg.Server.Port, "Server port")
	driver := flag.String("driver", cfg.Sandbox.Driver, "Sandbox driver: auto, docker or simulated")
	dev := flag.Bool("dev", cfg.Logging.Development, "Development logging")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Sandbox.Driver = *driver
	cfg.Logging.Development = *dev
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid flags", zap.Error(err))
	}

	log.Info("🚀 Night Hosting API")

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Info("🛑 Shutting down gracefully...")
		if err := srv.Close(); err != nil {
			log.Error("Error during shutdown", zap.Error(err))
			_ = log.Sync()
			os.Exit(1)
		}
	case err := <-errChan:
		if err != nil {
			_ = srv.Close()
			log.Fatal("Server error", zap.Error(err))
		}
	}
}

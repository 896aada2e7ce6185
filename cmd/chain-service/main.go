package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/synaptica-ai/eventchain/pkg/api"
	"github.com/synaptica-ai/eventchain/pkg/common/config"
	"github.com/synaptica-ai/eventchain/pkg/common/logger"
	"github.com/synaptica-ai/eventchain/pkg/runs"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Log.Debug("No .env file found, using environment")
	}
	logger.Init()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load config")
	}

	runner, cleanup, err := runs.FromConfig(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to initialize runner")
	}
	defer cleanup()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:           api.NewHandler(runner).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Chain Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Chain Service...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Chain Service stopped")
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"walletsync/config"
	"walletsync/internal/directory"
	"walletsync/internal/hub"
	"walletsync/internal/monitor"
	"walletsync/internal/prices"
	"walletsync/internal/provider"
	"walletsync/internal/server"
	"walletsync/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	if config.IsProductionLike(env) && cfg.Provider.APIKey == "" {
		log.Error("provider API key is required in production-like environments")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Walletsync.Name,
		"version":     cfg.Walletsync.Version,
		"environment": env,
	}).Info("starting walletsync server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch("", "", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	prov := provider.NewClient(cfg)
	dir := directory.NewResolver(prov)

	h := hub.NewHub(cfg.Server, dir, nil, prov)
	mon := monitor.NewMonitor(cfg.Monitor, prov, dir, h)
	h.SetMonitor(mon)

	priceLoop := prices.NewLoop(cfg.Prices, h)
	srv := server.NewServer(cfg.Server, h)

	var wg sync.WaitGroup

	if err := priceLoop.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start price loop")
		os.Exit(1)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			log.WithError(err).Error("server exited with error")
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping wallet monitoring")
	mon.StopAll()

	log.Info("stopping price loop")
	priceLoop.Stop()

	log.Info("closing connections")
	h.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(cfg.Server.ShutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("walletsync stopped")
}

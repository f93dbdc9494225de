package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"adastrip-controller/internal/agent"
	"adastrip-controller/internal/config"
	"adastrip-controller/internal/logger"
	"adastrip-controller/internal/watchdog"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the optional JSON config file")
	flag.Parse()

	log := logger.GetProjectLogger()
	log.Infof("Starting AdaStrip Controller version: %s, commit: %s, built: %s", version, commit, date)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("Ignoring invalid log level")
	}

	a, err := agent.NewAgent(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to create agent")
	}

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()

	// Wait for termination signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down agent...")
		a.Shutdown()
		<-runErr
		log.Info("Agent shut down gracefully.")
	case err := <-runErr:
		a.Shutdown()
		if errors.Is(err, watchdog.ErrConnectivityLost) {
			log.WithError(err).Error("Exiting after connectivity loss")
			os.Exit(1)
		}
		if err != nil {
			log.WithError(err).Fatal("Agent stopped")
		}
	}
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/expungio/expunge/internal/config"
	"github.com/expungio/expunge/internal/engine"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to configuration file")
		dataDir    = flag.String("data-dir", "", "Data directory (overrides config)")
		serverAddr = flag.String("addr", "", "HTTP server address (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *dataDir, *serverAddr, *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	eng, err := engine.CreateEngine(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Caught signal, shutting down")
		cancel()
	}()

	if err := eng.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Engine exited with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown finished with error")
		os.Exit(1)
	}
}

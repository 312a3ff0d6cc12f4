package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/merchsense/merchsense/pkg/cache"
	"github.com/merchsense/merchsense/pkg/config"
	"github.com/merchsense/merchsense/pkg/consensus"
	"github.com/merchsense/merchsense/pkg/evictor"
	"github.com/merchsense/merchsense/pkg/logx"
	"github.com/merchsense/merchsense/pkg/metrics"
	"github.com/merchsense/merchsense/pkg/mqtt"
	"github.com/merchsense/merchsense/pkg/predictor"
	"github.com/merchsense/merchsense/pkg/session"
	"github.com/merchsense/merchsense/pkg/store"
)

const (
	version = "1.0.0-dev"
	appName = "merchsensed"
)

func main() {
	var (
		configFile  = flag.String("config", "/etc/merchsense/merchsense.yaml", "Config file path")
		logLevel    = flag.String("log-level", "", "Log level override (debug|info|warn|error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)
	logger.Info("starting merchsense daemon",
		"version", version,
		"config", *configFile,
		"log_level", cfg.LogLevel,
	)

	db, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	terminals := cache.NewTerminalCache(db, logger)
	locations := cache.NewLocationCache(db, cfg.Cache.PrecisionMeters, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nTerm, nLoc, err := db.LoadInto(ctx, terminals, locations)
	if err != nil {
		logger.Error("cache rehydration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("caches ready", "terminals", nTerm, "locations", nLoc)

	sessions := session.NewManager(logger)
	merger := consensus.New(cfg.Consensus.Weights, cfg.Consensus.TieBreakMargin)

	engine := predictor.New(predictor.Options{
		NearbyRadiusMeters:  cfg.Predictor.NearbyRadiusMeters,
		NearbyLimit:         cfg.Predictor.NearbyLimit,
		MinNearbyConfidence: cfg.Predictor.MinNearbyConfidence,
	}, terminals, locations, sessions, merger, db, logger)

	metricsServer := metrics.NewServer(engine, logger)

	publisher := mqtt.NewClient(&cfg.MQTT, logger)
	if err := publisher.Connect(); err != nil {
		// The engine runs fine without telemetry; keep going
		logger.Warn("mqtt connect failed", "error", err)
	}
	defer publisher.Disconnect()

	engine.OnPrediction = func(ev predictor.PredictionEvent) {
		metricsServer.RecordPrediction(ev)
		if err := publisher.PublishPrediction(ev); err != nil {
			logger.Warn("prediction publish failed", "error", err)
		}
	}
	engine.OnSession = func(ev predictor.SessionEvent) {
		metricsServer.RecordSessionEvent(ev)
		if err := publisher.PublishSessionEvent(ev); err != nil {
			logger.Warn("session publish failed", "error", err)
		}
	}
	engine.OnStoreError = metricsServer.RecordStoreError

	sweeper := evictor.New(cfg.EvictorConfig(), terminals, locations, sessions, logger)
	sweeper.OnSweep = func(res evictor.Result) {
		metricsServer.RecordSweep(res)
		if err := publisher.PublishSweep(res); err != nil {
			logger.Warn("sweep publish failed", "error", err)
		}
	}
	go sweeper.Run(ctx)

	if err := metricsServer.Start(cfg.MetricsPort); err != nil {
		logger.Error("failed to start metrics server", "error", err)
		os.Exit(1)
	}
	defer metricsServer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	gaugeTicker := time.NewTicker(15 * time.Second)
	defer gaugeTicker.Stop()

	logger.Info("merchsense daemon started", "metrics_port", cfg.MetricsPort)

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, shutting down")
			return
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			return
		case <-gaugeTicker.C:
			metricsServer.UpdateGauges()
			if err := publisher.PublishStatistics(engine.CacheStatistics()); err != nil {
				logger.Warn("statistics publish failed", "error", err)
			}
		}
	}
}

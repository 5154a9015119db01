package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/connsentry/connsentry/internal/config"
	"github.com/connsentry/connsentry/internal/logging"
	"github.com/connsentry/connsentry/internal/manager"
	"github.com/connsentry/connsentry/internal/metrics"
)

func main() {
	// Create logger
	logger := logging.NewLogger("connsentry")
	logger.Info("starting_supervisor")

	configPath := "configs/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("failed_to_load_config", "error", err.Error())
		log.Fatal(err)
	}
	logger.SetLevel(parseLevel(cfg.LogLevel))

	// Create metrics collector
	collector := metrics.NewCollector()

	// The manager is replaced wholesale on config reload; the holder
	// keeps readers pointed at the live instance
	var (
		mu  sync.RWMutex
		mgr = manager.New(managerConfig(cfg), logger, collector)
	)
	current := func() *manager.Manager {
		mu.RLock()
		defer mu.RUnlock()
		return mgr
	}

	// Create context for cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start()

	// Start metrics exporter when exposition is enabled
	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(collector, func() (time.Time, time.Time) {
			s := current().GetStatus()
			return s.LastCheck, s.LastSuccess
		})
		go exporter.Start(ctx)
	}

	// Start config watcher for hot reload
	configWatcher, err := config.NewWatcher(configPath, logger, func(newCfg *config.Config) error {
		logger.Info("applying_config_reload")

		next := manager.New(managerConfig(newCfg), logger, collector)

		mu.Lock()
		old := mgr
		mgr = next
		mu.Unlock()

		old.Stop()
		next.Start()

		logger.Info("supervisor_restarted_with_new_config")
		return nil
	})
	if err != nil {
		logger.Error("failed_to_create_config_watcher", "error", err.Error())
	} else {
		go configWatcher.Start(ctx)
	}

	// Create HTTP server for metrics and status
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s := current().GetStatus()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"state":             s.State.String(),
			"http_healthy":      s.HTTPHealthy,
			"channel_connected": s.ChannelConnected,
			"latency_ms":        s.LatencyMs,
			"error":             s.Error,
			"reconnect_attempt": s.ReconnectAttempt,
			"next_reconnect_ms": s.NextReconnectMs,
		})
	})

	server := &http.Server{
		Addr:    cfg.Metrics.Listen,
		Handler: mux,
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in background
	go func() {
		logger.Info("server_starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_error", "error", err.Error())
			log.Fatal(err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("shutdown_signal_received")

	current().Stop()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", "error", err.Error())
	}
	logger.Info("supervisor_stopped_cleanly")
}

// managerConfig converts file configuration into manager timing constants
func managerConfig(cfg *config.Config) manager.Config {
	d := cfg.Timing.Durations()
	return manager.Config{
		HealthURL:            cfg.Service.HealthURL,
		ChannelURL:           cfg.Service.ChannelURL,
		ConnectedInterval:    d.ConnectedInterval,
		DisconnectedInterval: d.DisconnectedInterval,
		BackoffBase:          d.BackoffBase,
		BackoffCap:           d.BackoffCap,
		ProbeTimeout:         d.ProbeTimeout,
		ChannelBackoffBase:   d.ChannelBackoffBase,
		ChannelBackoffCap:    d.ChannelBackoffCap,
		KeepAliveInterval:    d.KeepAliveInterval,
	}
}

// parseLevel maps the config log level onto logger levels
func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andy6609/chatdir/internal/config"
	"github.com/andy6609/chatdir/internal/directory"
	"github.com/andy6609/chatdir/internal/feed"
	"github.com/andy6609/chatdir/internal/metrics"
	"github.com/andy6609/chatdir/internal/notify"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	configPath := flag.String("config", "", "path to a config file (json, yaml or toml)")
	addr := flag.String("addr", "", "directory listen address, overrides config")
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address, overrides config")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	notifier := notify.New(logger)
	var hub *feed.Hub
	if cfg.MetricsAddr != "" && cfg.EventsPath != "" {
		hub = feed.NewHub(logger)
		notifier = notifier.WithPublisher(hub, "chatdir")
	}
	if cfg.NATSURL != "" {
		n, nc, err := notify.ConnectNATS(notifier, cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			// events still reach the log
			logger.Warn("nats unavailable, publishing disabled", "url", cfg.NATSURL, "error", err)
		} else {
			notifier = n
			defer nc.Close()
		}
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		var routes []metrics.Route
		if hub != nil {
			routes = append(routes, metrics.Route{Pattern: cfg.EventsPath, Handler: hub})
		}
		metricsSrv = metrics.Serve(cfg.MetricsAddr, logger, routes...)
	}

	srv, err := directory.NewServer(cfg, logger, notifier)
	if err != nil {
		logger.Error("invalid server configuration", "error", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	srv.Stop()
	if hub != nil {
		hub.Close()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(ctx)
		cancel()
	}
}

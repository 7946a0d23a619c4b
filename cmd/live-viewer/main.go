package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silviot/surveillx_live_view_go/pkg/metrics"
	"github.com/silviot/surveillx_live_view_go/pkg/stream"
	"github.com/silviot/surveillx_live_view_go/pkg/viewer"
)

func main() {
	// Parse flags
	var (
		port       = flag.String("port", viewer.DefaultListenPort, "HTTP server port")
		configPath = flag.String("config", "", "YAML config file")
		host       = flag.String("host", "", "SurveillX server host")
		hubPort    = flag.Int("hub-port", 0, "Main hub port (JPEG socket, detections, config store)")
		mode       = flag.String("mode", "", "Initial stream mode (jpegws, fastrtc)")
		autoSwitch = flag.Bool("auto-switch", false, "Enable latency-based mode switching")
		token      = flag.String("token", "", "Bearer token for the config store")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Load from environment if flags not set
	if *port == viewer.DefaultListenPort {
		if p := os.Getenv("APP_PORT"); p != "" {
			*port = p
		} else if p := os.Getenv("PORT"); p != "" {
			*port = p
		}
	}
	if *configPath == "" {
		*configPath = os.Getenv("SURVEILLX_CONFIG")
	}
	if *host == "" {
		*host = os.Getenv("SURVEILLX_HOST")
	}
	if *hubPort == 0 {
		if p := os.Getenv("SURVEILLX_PORT"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid SURVEILLX_PORT %q\n", p)
				os.Exit(1)
			}
			*hubPort = n
		}
	}
	if *mode == "" {
		*mode = os.Getenv("SURVEILLX_MODE")
	}
	if *token == "" {
		*token = os.Getenv("SURVEILLX_TOKEN")
	}
	if *logLevel == "info" {
		if ll := os.Getenv("LOG_LEVEL"); ll != "" {
			*logLevel = ll
		}
	}

	// Setup logging
	logger := setupLogger(*logLevel)
	slog.SetDefault(logger)

	cfg := viewer.DefaultConfig()
	if *configPath != "" {
		loaded, err := viewer.LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags and environment override the file
	if *host != "" {
		cfg.Host = *host
	}
	if *hubPort != 0 {
		ep := cfg.Endpoints[stream.ModeJPEGSocket]
		ep.Port = *hubPort
		cfg.Endpoints[stream.ModeJPEGSocket] = ep
	}
	if *mode != "" {
		m, err := stream.ParseMode(*mode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg.Mode = m
	}
	if *autoSwitch {
		cfg.AutoSwitch = true
	}
	if *token != "" {
		cfg.ConfigStore.Token = *token
	}
	if *port != viewer.DefaultListenPort {
		cfg.ListenPort = *port
	}

	logger.Info("starting live viewer",
		"port", cfg.ListenPort,
		"host", cfg.Host,
		"mode", cfg.Mode,
		"auto_switch", cfg.AutoSwitch)

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	v, err := viewer.New(cfg, viewer.Options{Logger: logger, Metrics: m})
	if err != nil {
		logger.Error("failed to create viewer", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := v.Start(ctx); err != nil {
		logger.Error("failed to start viewer", "error", err)
		os.Exit(1)
	}

	// Setup HTTP server
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		status := v.Status()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"connected": status.Connected,
			"mode":      status.Mode,
			"state":     status.State,
			"timestamp": time.Now().Unix(),
		})
	})

	v.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:    ":" + cfg.ListenPort,
		Handler: mux,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("shutdown signal received, gracefully shutting down")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := v.Close(); err != nil {
		logger.Error("viewer shutdown error", "error", err)
	}

	logger.Info("live viewer stopped")
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

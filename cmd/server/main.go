// Package main is the chat hub entrypoint.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dpolygon/climessaging/internal/config"
	"github.com/dpolygon/climessaging/internal/logging"
	"github.com/dpolygon/climessaging/internal/metrics"
	"github.com/dpolygon/climessaging/internal/server"
	"github.com/dpolygon/climessaging/internal/session"
)

const (
	serviceName    = "climessaging-hub"
	serviceVersion = "1.0.0"
	quitToken      = "q"
)

var (
	configPath  string
	bindAddress string
	logLevel    string
	httpEnabled bool
	watchStdin  bool

	rootCmd = &cobra.Command{
		Use:   "server [port]",
		Short: "Starts the UDP chat hub.",
		Long: "Starts the UDP chat hub. Type " + quitToken + " or close standard input " +
			"to say GOODBYE to every session and exit.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	flags.StringVar(&bindAddress, "bind", "", "address to bind the UDP socket to")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&httpEnabled, "http", false, "serve the status API")
	flags.BoolVar(&watchStdin, "stdin", true, "stop on the quit token or end of standard input")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the file and applies command line overrides
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		cfg.Server.UDPPort = port
	}
	if cmd.Flags().Changed("bind") {
		cfg.Server.BindAddress = bindAddress
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("http") {
		cfg.HTTP.Enabled = httpEnabled
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}

	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)
	logger.Info("Configuration loaded",
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("queue_size", cfg.Server.QueueSize),
		slog.Duration("idle_timeout", cfg.Liveness.GetIdleTimeout()),
		slog.Duration("sweep_interval", cfg.Liveness.GetSweepInterval()),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry()
	appMetrics := metrics.NewMetrics()

	udpServer := server.NewUDPServer(&cfg.Server, &cfg.Liveness, logger, registry, appMetrics, os.Stdout)

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, registry, udpServer, appMetrics)
	}

	if err := udpServer.Start(); err != nil {
		return fmt.Errorf("failed to start UDP server: %w", err)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			_ = udpServer.Shutdown()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	if watchStdin {
		quit := make(chan struct{})
		go waitForQuit(os.Stdin, quit, logger)
		go func() {
			select {
			case <-quit:
				stop()
			case <-ctx.Done():
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if err := udpServer.Shutdown(); err != nil {
		logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
	}

	stats := udpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("packets_dropped", stats.PacketsDropped),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	logger.Info("Service stopped")
	return nil
}

// waitForQuit closes quit when r yields the quit token or ends
func waitForQuit(r io.Reader, quit chan<- struct{}, logger *slog.Logger) {
	defer close(quit)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == quitToken {
			logger.Info("Quit token received")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Failed to read standard input", slog.String("error", err.Error()))
		return
	}
	logger.Info("Standard input closed")
}

// Package main is the entry point for the ailens-bridge binary. It accepts
// decrypted flow records from an interception layer, classifies their hosts
// against the AI-service rule bundle, and streams capture events to the
// local sensor socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ailens/ailens-bridge/pkg/bridge"
	"github.com/ailens/ailens-bridge/pkg/config"
	"github.com/ailens/ailens-bridge/pkg/delivery"
	"github.com/ailens/ailens-bridge/pkg/event"
	"github.com/ailens/ailens-bridge/pkg/ingest"
	"github.com/ailens/ailens-bridge/pkg/logging"
	"github.com/ailens/ailens-bridge/pkg/rules"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for ailens-bridge.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ailens-bridge",
		Short: "AI traffic capture bridge",
		Long: `ailens-bridge inspects decrypted HTTP transactions handed over by an
interception proxy, keeps the ones addressed to known AI-service endpoints,
and forwards them as capture events to the local sensor.

Example:
  ailens-bridge --ingest /tmp/ailens-ingest.sock --sensor /tmp/ailens.sock`,
		RunE: runBridge,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().String("ingest", "", "Unix socket to accept flow records on")
	rootCmd.Flags().Bool("stdin", false, "Read flow records from stdin instead of a socket")
	rootCmd.Flags().String("sensor", "", "Unix socket of the downstream sensor")
	rootCmd.Flags().String("bundle", "", "Path to the AI-service rule bundle")
	rootCmd.Flags().Bool("watch", false, "Reload the rule set when the bundle file changes")
	rootCmd.Flags().StringP("output", "o", "", "Also append events to a JSONL file")
	rootCmd.Flags().String("admin-addr", "", "Address of the health/metrics endpoint")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")

	return rootCmd
}

// buildConfig merges the config file with CLI flag overrides.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.LoadFile(os.ExpandEnv(configPath))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if v, _ := cmd.Flags().GetString("ingest"); v != "" {
		cfg.Ingest.SocketPath = v
	}
	if v, _ := cmd.Flags().GetBool("stdin"); v {
		cfg.Ingest.Stdin = true
	}
	if v, _ := cmd.Flags().GetString("sensor"); v != "" {
		cfg.Sensor.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("bundle"); v != "" {
		cfg.Rules.BundlePath = os.ExpandEnv(v)
	}
	if v, _ := cmd.Flags().GetBool("watch"); v {
		cfg.Rules.Watch = true
	}
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		cfg.Output.Path = os.ExpandEnv(v)
	}
	if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
		cfg.Admin.Addr = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, cfg.Validate()
}

// buildSink assembles the configured event destinations. The socket sink is
// returned separately so the admin endpoint can report its connection state.
func buildSink(cfg *config.Config, metrics *bridge.Metrics, logger *slog.Logger) (delivery.Sink, *delivery.SocketSink, error) {
	var sinks []delivery.Sink
	var socketSink *delivery.SocketSink

	if !cfg.Sensor.Disabled {
		opts := []delivery.SocketOption{
			delivery.WithDialTimeout(cfg.Sensor.DialTimeout),
			delivery.WithWriteTimeout(cfg.Sensor.WriteTimeout),
		}
		if metrics != nil {
			opts = append(opts, delivery.WithReconnectHook(metrics.RecordReconnect))
		}
		socketSink = delivery.NewSocketSink(cfg.Sensor.SocketPath, logger, opts...)
		sinks = append(sinks, socketSink)
	}

	if cfg.Output.Path != "" {
		fs, err := delivery.NewFileSink(delivery.FileSinkConfig{
			Path:      cfg.Output.Path,
			Append:    cfg.Output.Append,
			FlushEach: cfg.Output.FlushEach,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open output file: %w", err)
		}
		sinks = append(sinks, fs)
	}

	if cfg.Webhook.URL != "" {
		ws, err := delivery.NewWebhookSink(delivery.WebhookSinkConfig{
			URL:           cfg.Webhook.URL,
			Headers:       cfg.Webhook.Headers,
			Timeout:       cfg.Webhook.Timeout,
			MaxBatchSize:  cfg.Webhook.MaxBatchSize,
			FlushInterval: cfg.Webhook.FlushInterval,
			QueueSize:     cfg.Webhook.QueueSize,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("create webhook sink: %w", err)
		}
		sinks = append(sinks, ws)
	}

	return delivery.NewMultiSink(sinks...), socketSink, nil
}

// runBridge is the main entry point for the bridge command.
func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var metrics *bridge.Metrics
	if cfg.Admin.Metrics {
		metrics = bridge.NewMetrics()
	}

	tracing, err := bridge.NewTracingManager(ctx, &cfg.Tracing)
	if err != nil {
		logger.Warn("Failed to initialize tracing, continuing without it", "error", err)
		tracing = nil
	}
	if tracing != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = tracing.Shutdown(shutdownCtx)
		}()
	}

	// Rule set: bundle path from config, or the well-known locations.
	var bundlePaths []string
	if cfg.Rules.BundlePath != "" {
		bundlePaths = []string{cfg.Rules.BundlePath}
	}
	ruleSet := rules.Load(logger, bundlePaths...)
	classifier := rules.NewClassifier(ruleSet)
	if metrics != nil {
		metrics.RecordRuleReload(ruleSet.Source())
	}

	sink, socketSink, err := buildSink(cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	fb := bridge.New(classifier, event.NewEncoder(), sink, logger, metrics, tracing)

	// Optional bundle hot-reload.
	var watcher *rules.Watcher
	if cfg.Rules.Watch && cfg.Rules.BundlePath != "" {
		watcher, err = rules.NewWatcher(cfg.Rules.BundlePath, classifier, logger)
		if err != nil {
			logger.Warn("Failed to start bundle watcher", "error", err)
		} else {
			if metrics != nil {
				watcher.OnReload(func(rs *rules.RuleSet) {
					metrics.RecordRuleReload(rs.Source())
				})
			}
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("Failed to start bundle watcher", "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	// Admin endpoint.
	var admin *bridge.AdminServer
	if cfg.Admin.Addr != "" {
		var cr bridge.ConnectedReporter
		if socketSink != nil {
			cr = socketSink
		}
		admin = bridge.NewAdminServer(cfg.Admin.Addr, classifier, cr, metrics, logger)
		admin.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = admin.Stop(shutdownCtx)
		}()
	}

	// Signals: SIGINT/SIGTERM shut down, SIGHUP reloads the rule bundle.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sighupChan := make(chan os.Signal, 1)
	signal.Notify(sighupChan, syscall.SIGHUP)

	go func() {
		for {
			select {
			case sig := <-sigChan:
				logger.Info("Received shutdown signal", "signal", sig.String())
				cancel()
				return
			case <-sighupChan:
				logger.Info("Received SIGHUP, reloading rule bundle")
				reloaded := rules.Load(logger, bundlePaths...)
				classifier.Swap(reloaded)
				if metrics != nil {
					metrics.RecordRuleReload(reloaded.Source())
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("Starting ailens-bridge",
		"ingest", cfg.Ingest.SocketPath,
		"stdin", cfg.Ingest.Stdin,
		"sensor", cfg.Sensor.SocketPath,
		"rule_source", ruleSet.Source(),
	)

	if cfg.Ingest.Stdin {
		ingest.ReadRecords(os.Stdin, fb, logger)
		logger.Info("Stdin closed, exiting")
		return nil
	}

	listener, err := ingest.NewListener(cfg.Ingest.SocketPath, fb, logger)
	if err != nil {
		return fmt.Errorf("start ingest listener: %w", err)
	}

	if err := listener.Serve(ctx); err != nil {
		return fmt.Errorf("ingest listener: %w", err)
	}

	logger.Info("Bridge stopped")
	return nil
}

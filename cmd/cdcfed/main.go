package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
)

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "cdcfed",
		Short: "Keep vector, graph and keyword stores in sync with Postgres and query them together",
		Long: `cdcfed captures committed Postgres changes, projects them into a vector store,
a graph store and a keyword index, audits the stores against the source, and
answers hybrid queries fused with Reciprocal Rank Fusion.

Every role runs as its own subcommand; "run" starts all of them in one process.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $CONFIG_PATH)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "debug", "log level")

	root.AddCommand(
		roleCmd("capture", "Stream committed changes from Postgres to the change topic", roleCapture),
		roleCmd("transform", "Enrich change events and fan them out to the sink topics", roleTransform),
		roleCmd("sink", "Apply enriched events to every configured store", roleSinks),
		roleCmd("reconcile", "Periodically compare the source with every store", roleReconcile),
		roleCmd("serve", "Serve the federated query API", roleServe),
		roleCmd("run", "Run every role in one process", roleCapture, roleTransform, roleSinks, roleReconcile, roleServe),
		reconcileOnceCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level = level
	return zapConfig.Build()
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}

// boot loads configuration and a logger and returns a context that ends on
// SIGINT or SIGTERM.
func boot(cmd *cobra.Command) (*app, context.Context, context.CancelFunc, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Config load failed", zap.Error(err))
		return nil, nil, nil, err
	}
	logger.Info("Configuration loaded successfully",
		zap.String("source_type", cfg.Source.Type),
		zap.String("log_type", cfg.Log.Type),
		zap.String("vector_sink", cfg.Sinks.Vector.Type),
		zap.String("embed_provider", cfg.Embed.Provider),
		zap.Int("mappings_count", len(cfg.Mapping)),
		zap.Int("batch_size", cfg.Batching.BatchSize))

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return newApp(cfg, logger), ctx, cancel, nil
}

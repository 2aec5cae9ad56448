package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/cdcfed/internal/api"
	"github.com/mehmetymw/cdcfed/internal/cdc"
	"github.com/mehmetymw/cdcfed/internal/cdc/postgres"
	"github.com/mehmetymw/cdcfed/internal/federation"
	"github.com/mehmetymw/cdcfed/internal/reconcile"
	"github.com/mehmetymw/cdcfed/internal/retry"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/transform"
	"github.com/mehmetymw/cdcfed/internal/types"
)

// role runs one component until ctx ends.
type role func(ctx context.Context, a *app) error

func roleCmd(use, short string, roles ...role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := boot(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.logger.Sync()
			defer a.close()

			if a.memory != nil && len(roles) == 1 {
				a.logger.Warn("The in-process event log only connects roles running in this process",
					zap.String("command", use))
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, r := range roles {
				g.Go(func() error {
					return r(gctx, a)
				})
			}
			a.logger.Info("Application started successfully, waiting for signals", zap.String("command", use))
			if err := g.Wait(); err != nil {
				a.logger.Error("Stopped with error", zap.String("command", use), zap.Error(err))
				return err
			}
			a.logger.Info("Shutdown complete", zap.String("command", use))
			return nil
		},
	}
}

func roleCapture(ctx context.Context, a *app) error {
	if a.cfg.Source.Type != "postgres" {
		return fmt.Errorf("unknown source type %q", a.cfg.Source.Type)
	}
	logger := a.logger.Named("capture")
	checkpoints, err := cdc.NewFileCheckpointStore(a.cfg.Source.CheckpointDir, logger)
	if err != nil {
		return err
	}
	reader := postgres.New(a.cfg.Source.Postgres, a.cfg.Mapping, logger)
	capture := cdc.NewCapture(reader, a.pub, a.cfg.Log.Kafka.ChangeTopic, checkpoints, retry.FromBatching(a.cfg.Batching), logger)
	a.report("capture", func() any {
		return map[string]any{
			"checkpoint": capture.Checkpoint().String(),
			"published":  capture.Published(),
		}
	})
	return capture.Run(ctx)
}

func roleTransform(ctx context.Context, a *app) error {
	logger := a.logger.Named("transform")
	kinds := a.sinks()
	if len(kinds) == 0 {
		return errors.New("no sink is configured for any mapped table")
	}

	var embedder transform.Embedder
	if a.vectorEnabled() {
		cache, err := a.queryEmbedder()
		if err != nil {
			return fmt.Errorf("embedder init failed: %w", err)
		}
		embedder = cache
	}
	enricher := transform.NewEnricher(embedder, a.cfg.Mapping, kinds, a.cfg.Embed.Normalize, logger)

	topics := make(map[types.SinkKind]string, len(kinds))
	for _, k := range kinds {
		topics[k] = a.cfg.Log.SinkTopic(k)
	}
	stage := transform.NewStage(a.consumer(a.cfg.Log.Kafka.ChangeTopic, "transform"), a.pub, a.deadLetters(), enricher, topics, a.cfg.Batching, logger)
	a.report("transform", func() any { return stage.Status() })
	return stage.Run(ctx)
}

// roleSinks runs one writer per store. A writer that halts on a partition
// fatal error stops alone; the others keep applying.
func roleSinks(ctx context.Context, a *app) error {
	kinds := a.sinks()
	if len(kinds) == 0 {
		return errors.New("no sink is configured for any mapped table")
	}
	var g errgroup.Group
	for _, k := range kinds {
		st, err := a.store(ctx, k)
		if err != nil {
			return err
		}
		logger := a.logger.Named("sink." + string(k))
		w := sink.NewWriter(k, a.consumer(a.cfg.Log.SinkTopic(k), "sink-"+string(k)), st, a.deadLetters(), a.cfg.Batching, logger)
		a.report("sink."+string(k), func() any { return w.Status() })
		g.Go(func() error {
			if err := w.Run(ctx); err != nil {
				logger.Error("Sink writer halted", zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func newMonitor(ctx context.Context, a *app) (*reconcile.Monitor, error) {
	logger := a.logger.Named("reconcile")
	source, err := reconcile.NewPostgresSource(ctx, a.cfg.Source.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error {
		source.Close()
		return nil
	})

	scanners := map[types.SinkKind]sink.Scanner{}
	for _, k := range a.sinks() {
		st, err := a.store(ctx, k)
		if err != nil {
			return nil, err
		}
		scanners[k] = st
	}
	reports, err := reconcile.OpenReportLog(a.cfg.Reconcile.ReportPath)
	if err != nil {
		return nil, fmt.Errorf("open report log: %w", err)
	}
	a.onClose(reports.Close)
	return reconcile.NewMonitor(source, scanners, a.cfg.Mapping, a.cfg.Reconcile, a.pub, a.cfg.Log.Kafka.ChangeTopic, reports, logger), nil
}

func roleReconcile(ctx context.Context, a *app) error {
	m, err := newMonitor(ctx, a)
	if err != nil {
		return err
	}
	a.report("reconcile", func() any { return m.Status() })
	return m.Run(ctx)
}

func roleServe(ctx context.Context, a *app) error {
	logger := a.logger.Named("query")
	searchers := map[types.SinkKind]sink.Searcher{}
	for _, k := range a.sinks() {
		st, err := a.store(ctx, k)
		if err != nil {
			return err
		}
		searchers[k] = st
	}
	var embedder federation.QueryEmbedder
	if a.vectorEnabled() {
		cache, err := a.queryEmbedder()
		if err != nil {
			return fmt.Errorf("embedder init failed: %w", err)
		}
		embedder = cache
	}
	svc := federation.NewService(searchers, embedder, a.cfg.Query, logger)
	a.report("query", func() any { return svc.Stats() })

	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.NewServer(svc, a.healthz, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", a.cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func reconcileOnceCmd() *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run one reconciliation pass and print every partition report as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, cancel, err := boot(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			defer a.logger.Sync()
			defer a.close()

			if cmd.Flags().Changed("repair") {
				a.cfg.Reconcile.Repair = repair
			}
			m, err := newMonitor(ctx, a)
			if err != nil {
				return err
			}
			reports, err := m.RunOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			for _, r := range reports {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "re-publish the source state of mismatched keys")
	return cmd
}

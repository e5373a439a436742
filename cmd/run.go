package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/identity-harvester/internal/api"
	"github.com/JakeFAU/identity-harvester/internal/logging"
	"github.com/JakeFAU/identity-harvester/internal/metrics"
)

func newRunCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs a harvest",
		Long: `Runs up to run.cycles harvest passes over the configured site. The command
exits non-zero when the run aborts on a fatal failure or runs out of usable
identities. An interrupt stops the run after flushing stored records.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runHarvest(ctx, opts)
		},
	}
}

func runHarvest(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	h, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer h.close()

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	var runErr error
	g.Go(func() error {
		defer stopServer()
		summary, err := h.controller.Run(gctx)
		logSummary(logger, summary)
		runErr = err
		return nil
	})
	if cfg.Server.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		g.Go(func() error {
			return api.NewServer(h.controller, logger).ListenAndServe(serverCtx, addr)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

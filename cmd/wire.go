package cmd

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/identity-harvester/internal/clock/system"
	"github.com/JakeFAU/identity-harvester/internal/config"
	"github.com/JakeFAU/identity-harvester/internal/controller"
	"github.com/JakeFAU/identity-harvester/internal/driver"
	"github.com/JakeFAU/identity-harvester/internal/driver/browser"
	"github.com/JakeFAU/identity-harvester/internal/driver/httpdriver"
	"github.com/JakeFAU/identity-harvester/internal/export"
	"github.com/JakeFAU/identity-harvester/internal/harvest"
	"github.com/JakeFAU/identity-harvester/internal/id/uuid"
	"github.com/JakeFAU/identity-harvester/internal/identity"
	gcppublisher "github.com/JakeFAU/identity-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/identity-harvester/internal/quarantine"
	"github.com/JakeFAU/identity-harvester/internal/report"
	"github.com/JakeFAU/identity-harvester/internal/results"
	"github.com/JakeFAU/identity-harvester/internal/retry"
	"github.com/JakeFAU/identity-harvester/internal/storage/gcs"
	"github.com/JakeFAU/identity-harvester/internal/storage/local"
	"github.com/JakeFAU/identity-harvester/internal/storage/postgres"
)

// siteDriver is what both driver kinds provide.
type siteDriver interface {
	harvest.Authenticator
	harvest.Fetcher
	harvest.SeedProvider
}

// harvester holds a wired controller and the resources to release after it.
type harvester struct {
	controller *controller.Controller
	closers    []func()
}

func (h *harvester) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*harvester, error) {
	clock := system.New()
	ids := uuid.New()

	ledger := openLedger(cfg, logger)
	creds, egress, err := loadIdentities(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := results.Open(cfg.Files.Results, logger, clock.Now)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}

	target, err := driver.NewTarget(cfg.Site)
	if err != nil {
		return nil, fmt.Errorf("site: %w", err)
	}
	drv := newDriver(cfg, target, logger)

	manager, err := identity.NewManager(
		identity.Config{
			CapMin:        cfg.Session.CapMin,
			CapMax:        cfg.Session.CapMax,
			LoginAttempts: cfg.Session.LoginAttempts,
		},
		identity.Deps{
			Auth:   drv,
			Ledger: ledger,
			Tokens: identity.NewTokenCache(cfg.Files.TokensDir),
			IDs:    ids,
			Clock:  clock,
			Logger: logger,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("identity manager: %w", err)
	}

	h := &harvester{}
	if err := h.addSinks(ctx, cfg, store, clock, logger); err != nil {
		h.close()
		return nil, err
	}

	seeds := make([]harvest.Item, 0, len(cfg.Seed.Items))
	for _, s := range cfg.Seed.Items {
		seeds = append(seeds, harvest.Item(strings.TrimSpace(s)))
	}

	ctrl, err := controller.New(
		controller.Config{
			MaxItems:         cfg.Run.MaxItems,
			Cycles:           cfg.Run.Cycles,
			Cooldown:         cfg.Run.Cooldown,
			Workers:          cfg.Run.Workers,
			FlushEvery:       cfg.Run.FlushEvery,
			MaxTopicAttempts: cfg.Seed.MaxTopicAttempts,
			MaxPagesPerTopic: cfg.Seed.MaxPagesPerTopic,
			SeedItems:        seeds,
			ExpectedFields:   target.FieldNames(),
			FetchTimeout:     cfg.Driver.Timeout,
		},
		controller.Deps{
			Manager:     manager,
			Ledger:      ledger,
			Credentials: creds,
			Egress:      egress,
			Store:       store,
			Fetcher:     drv,
			Seeds:       drv,
			Policy: retry.NewPolicy(retry.Config{
				MaxTransient:   cfg.Retry.MaxTransient,
				MaxStructural:  cfg.Retry.MaxStructural,
				TransientPause: cfg.Retry.TransientPause,
			}),
			Clock:    clock,
			IDs:      ids,
			Reporter: report.NewFileReporter(cfg.Files.Report),
			Logger:   logger,
		},
	)
	if err != nil {
		h.close()
		return nil, fmt.Errorf("controller: %w", err)
	}
	h.controller = ctrl
	return h, nil
}

func openLedger(cfg *config.Config, logger *zap.Logger) *quarantine.Ledger {
	return quarantine.Open(quarantine.Paths{
		Credentials: cfg.Files.BannedCredentials,
		Egress:      cfg.Files.BannedEgress,
	}, nil, logger)
}

// loadIdentities reads credentials and egress points. Malformed egress lines
// are logged and skipped.
func loadIdentities(cfg *config.Config, logger *zap.Logger) ([]harvest.Credential, []harvest.EgressPoint, error) {
	creds, err := identity.LoadCredentials(cfg.Files.Credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}
	egress, err := identity.LoadEgress(cfg.Files.Egress)
	if err != nil {
		if len(egress) == 0 {
			return nil, nil, fmt.Errorf("load egress points: %w", err)
		}
		logger.Warn("skipping malformed egress points", zap.Error(err))
	}
	return creds, egress, nil
}

func newDriver(cfg *config.Config, target *driver.Target, logger *zap.Logger) siteDriver {
	if cfg.Driver.Kind == config.DriverBrowser {
		return browser.New(target, browser.Config{
			UserAgent:  cfg.Driver.UserAgent,
			Timeout:    cfg.Driver.Timeout,
			Headless:   cfg.Driver.Headless,
			PaceMin:    cfg.Driver.PaceMin,
			PaceMax:    cfg.Driver.PaceMax,
			MaxQPS:     cfg.Driver.MaxQPS,
			Topics:     cfg.Seed.Topics,
			TopicOrder: cfg.Seed.TopicOrder,
		}, logger)
	}
	return httpdriver.New(target, httpdriver.Config{
		UserAgent:  cfg.Driver.UserAgent,
		Timeout:    cfg.Driver.Timeout,
		PaceMin:    cfg.Driver.PaceMin,
		PaceMax:    cfg.Driver.PaceMax,
		Topics:     cfg.Seed.Topics,
		TopicOrder: cfg.Seed.TopicOrder,
	}, logger)
}

// addSinks registers every configured export destination with the store.
func (h *harvester) addSinks(ctx context.Context, cfg *config.Config, store *results.Store, clock harvest.Clock, logger *zap.Logger) error {
	exp := cfg.Export

	if exp.LocalDir != "" {
		blobs, err := local.New(local.Config{BaseDir: exp.LocalDir})
		if err != nil {
			return fmt.Errorf("local export: %w", err)
		}
		sink, err := export.NewBlobSink("local", blobs, exp.Prefix, clock)
		if err != nil {
			return err
		}
		store.AddSink(sink)
	}

	if exp.GCSBucket != "" {
		blobs, closeClient, err := gcs.Dial(ctx, gcs.Config{Bucket: exp.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs export: %w", err)
		}
		h.closers = append(h.closers, func() {
			if err := closeClient(); err != nil {
				logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		sink, err := export.NewBlobSink("gcs", blobs, exp.Prefix, clock)
		if err != nil {
			return err
		}
		store.AddSink(sink)
	}

	if exp.PubSubTopic != "" {
		pub, err := gcppublisher.Dial(ctx, exp.PubSubProject, true)
		if err != nil {
			return fmt.Errorf("pubsub export: %w", err)
		}
		h.closers = append(h.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub client close failed", zap.Error(err))
			}
		})
		sink, err := export.NewPublishSink("pubsub", pub, exp.PubSubTopic)
		if err != nil {
			return err
		}
		store.AddSink(sink)
	}

	if exp.PostgresDSN != "" {
		pg, err := postgres.New(ctx, postgres.Config{DSN: exp.PostgresDSN, Table: exp.PostgresTable})
		if err != nil {
			return fmt.Errorf("postgres export: %w", err)
		}
		h.closers = append(h.closers, pg.Close)
		if err := pg.EnsureTable(ctx); err != nil {
			return fmt.Errorf("postgres export: %w", err)
		}
		store.AddSink(pg)
	}
	return nil
}

func logSummary(logger *zap.Logger, s controller.Summary) {
	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("reason", string(s.Reason)),
		zap.Int("cycles", s.Cycles),
		zap.Int("completed", s.Completed),
		zap.Int("incomplete", s.Incomplete),
		zap.Int("skipped", s.Skipped),
		zap.Int("stored", s.Stored),
		zap.Int("sessions", s.Sessions),
		zap.Duration("duration", s.Duration()),
	}
	if s.Err != nil {
		fields = append(fields, zap.Error(s.Err))
	}
	if s.Reason.Failed() {
		logger.Error("harvest aborted", fields...)
		return
	}
	logger.Info("harvest finished", fields...)
}

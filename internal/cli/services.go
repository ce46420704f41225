package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/sartap/keel/internal/config"
	"github.com/sartap/keel/internal/logger"
	"github.com/sartap/keel/pkg/credits"
	"github.com/sartap/keel/pkg/lane"
	"github.com/sartap/keel/pkg/maintenance"
	"github.com/sartap/keel/pkg/runner"
	"github.com/sartap/keel/pkg/store"
	"github.com/sartap/keel/pkg/tools"
)

// services holds the wired service graph behind the start and run commands.
type services struct {
	cfg       *config.Config
	logger    *logger.Logger
	store     *store.Store
	registry  *tools.Registry
	converter *credits.Converter
	runner    *runner.Runner
	scheduler *lane.Scheduler
	maint     *maintenance.Service
}

// buildServices loads configuration and wires store, tool registry, credit
// converter, execution runner, lane scheduler and maintenance jobs.
func buildServices(console bool) (*services, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := log.GetZerolog()

	st, err := store.Open(store.Config{Path: cfg.DBPath, Logger: zl})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	registry := tools.NewRegistry(zl)
	if err := tools.RegisterBuiltins(registry, st); err != nil {
		st.Close()
		log.Close()
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	converter := credits.NewConverter(st, credits.Config{
		MarkupMultiplier:  cfg.Credits.MarkupMultiplier,
		CreditValueUSD:    cfg.Credits.CreditValueUSD,
		MinimumCreditCost: cfg.Credits.MinimumCreditCost,
		CacheTTL:          time.Duration(cfg.Credits.CacheTTLSeconds) * time.Second,
	}, zl)

	keys := runner.APIKeys{}
	for _, p := range cfg.Providers {
		keys[p.Name] = p.APIKey
	}

	run, err := runner.New(runner.Config{
		Store:                   st,
		Registry:                registry,
		Converter:               converter,
		Providers:               runner.NewFactory(keys),
		Logger:                  zl,
		HistoryLimit:            cfg.Runs.HistoryLimit,
		CompactTokenThreshold:   cfg.Compaction.TokenThreshold,
		CompactMessageThreshold: cfg.Compaction.MessageThreshold,
		KeepRecentMessages:      cfg.Compaction.KeepRecentMessages,
	})
	if err != nil {
		st.Close()
		log.Close()
		return nil, fmt.Errorf("failed to create runner: %w", err)
	}

	scheduler, err := lane.New(lane.Config{
		Store:    st,
		Executor: run,
		Logger:   zl,
	})
	if err != nil {
		st.Close()
		log.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	var maint *maintenance.Service
	if cfg.Maintenance.Enabled {
		maint, err = maintenance.New(maintenance.Config{
			Store:        st,
			Logger:       zl,
			Schedule:     cfg.Maintenance.Schedule,
			ArchiveAfter: time.Duration(cfg.Maintenance.ArchiveAfterMinutes) * time.Minute,
			PurgeAfter:   time.Duration(cfg.Maintenance.PurgeRunsAfterDays) * 24 * time.Hour,
		})
		if err != nil {
			scheduler.Close()
			st.Close()
			log.Close()
			return nil, fmt.Errorf("failed to create maintenance service: %w", err)
		}
	}

	return &services{
		cfg:       cfg,
		logger:    log,
		store:     st,
		registry:  registry,
		converter: converter,
		runner:    run,
		scheduler: scheduler,
		maint:     maint,
	}, nil
}

// close tears the graph down in reverse dependency order.
func (s *services) close() {
	if s.maint != nil {
		s.maint.Stop()
	}
	s.scheduler.Close()
	s.store.Close()
	s.logger.Close()
}

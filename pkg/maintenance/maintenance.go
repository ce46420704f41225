package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sartap/keel/pkg/store"
)

// Defaults for the background jobs.
const (
	DefaultSchedule     = "*/15 * * * *"
	DefaultArchiveAfter = 30 * time.Minute
	DefaultPurgeAfter   = 30 * 24 * time.Hour
)

// Config tunes the background maintenance jobs.
type Config struct {
	Store        *store.Store
	Logger       zerolog.Logger
	Schedule     string
	ArchiveAfter time.Duration
	PurgeAfter   time.Duration
}

// Service archives idle sessions and purges old terminal runs on a cron
// schedule.
type Service struct {
	store        *store.Store
	logger       zerolog.Logger
	cron         *cron.Cron
	archiveAfter time.Duration
	purgeAfter   time.Duration
}

// New creates a maintenance service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = DefaultArchiveAfter
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = DefaultPurgeAfter
	}

	s := &Service{
		store:        cfg.Store,
		logger:       cfg.Logger.With().Str("component", "maintenance").Logger(),
		cron:         cron.New(),
		archiveAfter: cfg.ArchiveAfter,
		purgeAfter:   cfg.PurgeAfter,
	}

	if _, err := s.cron.AddFunc(cfg.Schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule: %w", err)
	}

	return s, nil
}

// Start begins the schedule.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info().
		Dur("archive_after", s.archiveAfter).
		Dur("purge_after", s.purgeAfter).
		Msg("Maintenance service started")
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Maintenance service stopped")
}

func (s *Service) runOnce() {
	ctx := context.Background()
	if err := s.RunPass(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Maintenance pass failed")
	}
}

// RunPass executes one archive-and-purge sweep.
func (s *Service) RunPass(ctx context.Context) error {
	now := time.Now()

	archived, err := s.store.ArchiveIdleSessions(ctx, now.Add(-s.archiveAfter))
	if err != nil {
		return fmt.Errorf("failed to archive idle sessions: %w", err)
	}

	purged, err := s.store.PurgeTerminalRuns(ctx, now.Add(-s.purgeAfter))
	if err != nil {
		return fmt.Errorf("failed to purge terminal runs: %w", err)
	}

	if archived > 0 || purged > 0 {
		s.logger.Info().
			Int64("sessions_archived", archived).
			Int64("runs_purged", purged).
			Msg("Maintenance pass completed")
	}
	return nil
}

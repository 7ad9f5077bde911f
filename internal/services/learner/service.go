// Package learner runs the periodic maintenance jobs: recomputing engagement
// rates and adjustments from the raw counters, refreshing frequency metrics,
// and enforcing retention.
package learner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifiq/internal/engine"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

type Config struct {
	RecalcSchedule      string // cron spec or "@every d", default "@every 6h"
	CleanupSchedule     string // default "@every 24h"
	RetentionDays       int    // default 30
	SilentRetentionDays int    // default 2
	Timezone            string // IANA name, default local
}

// ignoreAfter is how long an un-interacted notification sits before it counts
// as ignored. Must stay below the silent retention window or silent rows
// would be deleted before they teach anything.
const ignoreAfter = 24 * time.Hour

const jobTimeout = 5 * time.Minute

type Service struct {
	mu    sync.Mutex
	cfg   Config
	store storage.Store
	log   logx.Logger

	c       *cron.Cron
	baseCtx context.Context
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RecalcSchedule == "" {
		cfg.RecalcSchedule = "@every 6h"
	}
	if cfg.CleanupSchedule == "" {
		cfg.CleanupSchedule = "@every 24h"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.SilentRetentionDays <= 0 {
		cfg.SilentRetentionDays = 2
	}
	return &Service{cfg: cfg, store: store, log: log}
}

// Start registers the cron jobs and begins scheduling. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return fmt.Errorf("learner: timezone: %w", err)
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(s.cfg.RecalcSchedule, s.wrap("recalc", s.Recalc)); err != nil {
		return fmt.Errorf("learner: recalc schedule: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, s.wrap("cleanup", s.Cleanup)); err != nil {
		return fmt.Errorf("learner: cleanup schedule: %w", err)
	}

	s.baseCtx = ctx
	s.c = c
	c.Start()
	s.log.Info("learner started",
		logx.String("recalc", s.cfg.RecalcSchedule),
		logx.String("cleanup", s.cfg.CleanupSchedule))
	return nil
}

// Stop halts scheduling and waits for running jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) wrap(name string, job func(ctx context.Context) error) func() {
	return func() {
		s.mu.Lock()
		base := s.baseCtx
		s.mu.Unlock()
		if base == nil {
			base = context.Background()
		}
		ctx, cancel := context.WithTimeout(base, jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job(ctx); err != nil {
			s.log.Warn("learner job failed", logx.String("job", name), logx.Err(err))
			return
		}
		s.log.Debug("learner job done", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}
}

// Recalc folds ignored notifications into the counters, refreshes the
// frequency windows and rederives rates and adjustments for every app and
// content row.
func (s *Service) Recalc(ctx context.Context) error {
	now := time.Now()

	flagged, err := s.store.MarkIgnoredBefore(ctx, now.Add(-ignoreAfter))
	if err != nil {
		return fmt.Errorf("mark ignored: %w", err)
	}
	if flagged > 0 {
		s.log.Debug("ignored notifications counted", logx.Int64("rows", flagged))
	}

	if err := s.store.RefreshFrequencyMetrics(ctx, now); err != nil {
		return fmt.Errorf("frequency metrics: %w", err)
	}

	apps, err := s.store.ListAppBehaviors(ctx)
	if err != nil {
		return fmt.Errorf("list apps: %w", err)
	}
	for _, b := range apps {
		updated := engine.RecalculateRates(b, now)
		if err := s.store.UpdateAppLearning(ctx, updated); err != nil {
			return fmt.Errorf("update app %s: %w", b.AppID, err)
		}
		if engine.ShouldSuggestAutoSilence(updated) {
			s.log.Info("app is a silence candidate",
				logx.String("app", updated.AppID),
				logx.String("why", engine.ExplainAdjustment(updated)))
		} else if engine.ShouldSuggestUpgrade(updated) {
			s.log.Info("app is an upgrade candidate",
				logx.String("app", updated.AppID),
				logx.String("why", engine.ExplainAdjustment(updated)))
		}
	}

	contents, err := s.store.ListContentBehaviors(ctx)
	if err != nil {
		return fmt.Errorf("list contents: %w", err)
	}
	for _, b := range contents {
		if err := s.store.UpdateContentLearning(ctx, engine.RecalculateContentRates(b, now)); err != nil {
			return fmt.Errorf("update content %s/%s: %w", b.AppID, b.ContentID, err)
		}
	}
	return nil
}

// Cleanup enforces retention: silent notifications go early, everything else
// goes at the general retention age.
func (s *Service) Cleanup(ctx context.Context) error {
	now := time.Now()

	silent, err := s.store.DeleteSilentNotificationsBefore(ctx,
		now.Add(-time.Duration(s.cfg.SilentRetentionDays)*24*time.Hour))
	if err != nil {
		return fmt.Errorf("delete silent: %w", err)
	}
	aged, err := s.store.DeleteNotificationsBefore(ctx,
		now.Add(-time.Duration(s.cfg.RetentionDays)*24*time.Hour))
	if err != nil {
		return fmt.Errorf("delete aged: %w", err)
	}
	if silent > 0 || aged > 0 {
		s.log.Info("retention cleanup",
			logx.Int64("silent", silent), logx.Int64("aged", aged))
	}
	return nil
}

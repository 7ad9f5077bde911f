// Package app wires config, storage and the services into one daemon and
// owns their lifecycle: ordered startup, hot reload, ordered shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifiq/internal/advisory"
	"notifiq/internal/config"
	"notifiq/internal/engine"
	"notifiq/internal/ingest"
	"notifiq/internal/observability/debug"
	rtsup "notifiq/internal/runtime/supervisor"
	"notifiq/internal/services/delivery"
	"notifiq/internal/services/learner"
	"notifiq/internal/services/pipeline"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

// App is the composed daemon.
type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	store   storage.Store
	pipe    *pipeline.Service
	ing     *ingest.Service
	sup     *rtsup.Supervisor
	reloads chan *config.Config

	mu      sync.Mutex
	cur     *config.Config
	learn   *learner.Service
	deliver *delivery.Service
	dbg     *debug.Service
	// overridden tracks app ids locked by the current config so a reload
	// that drops an override can release the lock.
	overridden map[string]bool
}

// New loads and validates the config file, then builds every component in
// dependency order. Nothing is started yet.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgMgr:     mgr,
		logs:       logs,
		log:        log,
		cur:        cfg,
		overridden: map[string]bool{},
	}

	stCfg, err := mapStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var advisor pipeline.Advisor
	if cfg.Advisory.Enabled {
		advisor, err = buildAdvisor(cfg.Advisory, log)
		if err != nil {
			return nil, err
		}
	}

	var sink pipeline.Sink
	if cfg.Delivery.Enabled {
		a.deliver, err = buildDelivery(cfg.Delivery, a.store, log)
		if err != nil {
			return nil, err
		}
		sink = a.deliver
	}

	plCfg, err := mapPipeline(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	a.pipe = pipeline.New(plCfg, a.store, advisor, sink, log.With(logx.String("comp", "pipeline")))

	if cfg.Learner.Enabled {
		a.learn = learner.New(mapLearner(cfg.Learner), a.store, log.With(logx.String("comp", "learner")))
	}

	a.ing, err = ingest.New(cfg.Ingest.SpoolDir, a.pipe, log.With(logx.String("comp", "ingest")))
	if err != nil {
		return nil, err
	}

	a.dbg = debug.New(mapDebug(cfg.Debug), a.store, log)

	return a, nil
}

// Logger returns the root daemon logger.
func (a *App) Logger() logx.Logger { return a.log }

// Start brings the services up and begins consuming the spool. The returned
// error is fatal; anything recoverable is handled by restart loops.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(false),
	)

	if err := a.syncRules(ctx, a.cur); err != nil {
		return fmt.Errorf("apply rules: %w", err)
	}

	if a.deliver != nil {
		a.deliver.Start(a.sup.Context())
	}
	a.pipe.Start(a.sup.Context())
	if a.learn != nil {
		if err := a.learn.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start learner: %w", err)
		}
	}

	a.dbg.Start(a.sup.Context())

	a.sup.GoRestart("ingest", a.ing.Run)

	a.cfgMgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return validate(cfg)
	})
	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)

	a.reloads = a.cfgMgr.Subscribe(1)
	reloads := a.reloads
	a.sup.Go0("config.apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-reloads:
				if !ok {
					return
				}
				// Coalesce a burst of edits down to the newest snapshot.
				for {
					select {
					case next, ok := <-reloads:
						if !ok {
							return
						}
						cfg = next
						continue
					default:
					}
					break
				}
				a.applyReload(ctx, cfg)
			}
		}
	})

	a.log.Info("daemon started",
		logx.Bool("advisory", a.cur.Advisory.Enabled),
		logx.Bool("delivery", a.cur.Delivery.Enabled),
		logx.Bool("learner", a.cur.Learner.Enabled))
	return nil
}

// Stop shuts the daemon down in reverse dependency order: intake first so
// nothing new enters, then the pipeline drains, then the outbound side.
// Each step gets its own slice of the ctx deadline; a stuck step is logged
// and abandoned rather than wedging the whole shutdown.
func (a *App) Stop(ctx context.Context) {
	step := func(name string, max time.Duration, fn func(ctx context.Context)) {
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("shutdown step panicked",
						logx.String("step", name), logx.Any("panic", r))
				}
			}()
			fn(sctx)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			a.log.Warn("shutdown step abandoned at deadline", logx.String("step", name))
		}
	}

	if a.reloads != nil {
		a.cfgMgr.Unsubscribe(a.reloads)
		a.reloads = nil
	}
	if a.sup != nil {
		step("supervisor", 5*time.Second, func(c context.Context) { _ = a.sup.Stop(c) })
	}
	step("pipeline", 10*time.Second, a.pipe.Stop)

	a.mu.Lock()
	learn, deliver := a.learn, a.deliver
	a.mu.Unlock()
	if learn != nil {
		step("learner", 5*time.Second, learn.Stop)
	}
	if deliver != nil {
		step("delivery", 10*time.Second, deliver.Stop)
	}

	a.mu.Lock()
	dbg := a.dbg
	a.mu.Unlock()
	if dbg != nil {
		step("debug", 3*time.Second, dbg.Stop)
	}

	step("storage", 5*time.Second, func(context.Context) { _ = a.store.Close() })
	_ = a.logs.Close()
}

// applyReload applies a validated config snapshot to the running daemon.
// Logging, rules, advisory, delivery and the learner apply live; storage,
// ingest and pipeline shape changes need a restart and are only reported.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	prev := a.cur
	a.cur = cfg
	a.mu.Unlock()

	a.logs.Apply(mapLogging(cfg.Logging))

	if err := a.syncRules(ctx, cfg); err != nil {
		a.log.Warn("rule sync failed", logx.Err(err))
	}

	if cfg.Advisory != prev.Advisory {
		var advisor pipeline.Advisor
		ok := true
		if cfg.Advisory.Enabled {
			c, err := buildAdvisor(cfg.Advisory, a.log)
			if err != nil {
				// validate() vets this section, so only keep the old client
				// on the off chance something slipped through.
				a.log.Warn("advisory reload failed; keeping previous client", logx.Err(err))
				ok = false
			} else {
				advisor = c
			}
		}
		if ok {
			a.pipe.SetAdvisor(advisor)
			a.log.Info("advisory reconfigured", logx.Bool("enabled", cfg.Advisory.Enabled))
		}
	}

	if cfg.Delivery != prev.Delivery {
		a.swapDelivery(ctx, cfg.Delivery)
	}

	if cfg.Learner != prev.Learner {
		a.swapLearner(ctx, cfg.Learner)
	}

	if cfg.Debug != prev.Debug {
		a.mu.Lock()
		old := a.dbg
		next := debug.New(mapDebug(cfg.Debug), a.store, a.log)
		a.dbg = next
		a.mu.Unlock()
		if old != nil {
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			old.Stop(sctx)
			cancel()
		}
		next.Start(a.sup.Context())
		a.log.Info("debug endpoint reconfigured", logx.Bool("enabled", cfg.Debug.Enabled))
	}

	if cfg.Storage != prev.Storage {
		a.log.Warn("storage config changed; restart required to take effect")
	}
	if cfg.Ingest != prev.Ingest {
		a.log.Warn("ingest config changed; restart required to take effect")
	}
	if cfg.Pipeline != prev.Pipeline {
		a.log.Warn("pipeline config changed; restart required to take effect")
	}
}

func (a *App) swapDelivery(ctx context.Context, dc config.DeliveryConfig) {
	a.mu.Lock()
	old := a.deliver
	a.mu.Unlock()

	var next *delivery.Service
	if dc.Enabled {
		svc, err := buildDelivery(dc, a.store, a.log)
		if err != nil {
			a.log.Warn("delivery reload failed; keeping previous transport", logx.Err(err))
			return
		}
		next = svc
	}

	if next != nil {
		next.Start(a.sup.Context())
		a.pipe.SetSink(next)
	} else {
		a.pipe.SetSink(nil)
	}
	a.mu.Lock()
	a.deliver = next
	a.mu.Unlock()

	if old != nil {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		old.Stop(sctx)
		cancel()
	}
	a.log.Info("delivery reconfigured", logx.Bool("enabled", dc.Enabled))
}

func (a *App) swapLearner(ctx context.Context, lc config.LearnerConfig) {
	a.mu.Lock()
	old := a.learn
	a.mu.Unlock()

	if old != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		old.Stop(sctx)
		cancel()
	}

	var next *learner.Service
	if lc.Enabled {
		next = learner.New(mapLearner(lc), a.store, a.log.With(logx.String("comp", "learner")))
		if err := next.Start(a.sup.Context()); err != nil {
			a.log.Warn("learner reload failed; periodic jobs disabled", logx.Err(err))
			next = nil
		}
	}
	a.mu.Lock()
	a.learn = next
	a.mu.Unlock()
	a.log.Info("learner reconfigured", logx.Bool("enabled", lc.Enabled))
}

// syncRules pushes config-authored keyword rules and app overrides into the
// store. Overrides removed from the config release their lock.
func (a *App) syncRules(ctx context.Context, cfg *config.Config) error {
	rules := make([]engine.KeywordRule, 0, len(cfg.Rules.Keywords))
	for _, k := range cfg.Rules.Keywords {
		class := engine.KeywordClass(strings.ToUpper(strings.TrimSpace(k.Class)))
		mod := k.Modifier
		if mod == 0 {
			mod = defaultModifier(class)
		}
		rules = append(rules, engine.KeywordRule{
			Keyword:  k.Keyword,
			Class:    class,
			Modifier: mod,
			Active:   true,
		})
	}
	if err := a.store.ReplaceConfigKeywords(ctx, rules); err != nil {
		return err
	}

	next := make(map[string]bool, len(cfg.Rules.AppOverrides))
	for _, o := range cfg.Rules.AppOverrides {
		cat := engine.Category(strings.ToUpper(strings.TrimSpace(o.Category)))
		if err := a.store.SetAppLock(ctx, o.AppID, cat, o.BaseScore); err != nil {
			return err
		}
		next[o.AppID] = true
	}

	a.mu.Lock()
	prev := a.overridden
	a.overridden = next
	a.mu.Unlock()

	for appID := range prev {
		if next[appID] {
			continue
		}
		if err := a.store.ClearAppLock(ctx, appID); err != nil {
			return err
		}
	}
	return nil
}

func defaultModifier(class engine.KeywordClass) int {
	switch class {
	case engine.KeywordCritical:
		return 20
	case engine.KeywordSpam:
		return -8
	default:
		return 10
	}
}

func buildAdvisor(ac config.AdvisoryConfig, log logx.Logger) (*advisory.Client, error) {
	cfg, err := mapAdvisory(ac)
	if err != nil {
		return nil, err
	}
	c, err := advisory.New(cfg, log.With(logx.String("comp", "advisory")))
	if err != nil {
		return nil, fmt.Errorf("advisory: %w", err)
	}
	return c, nil
}

func buildDelivery(dc config.DeliveryConfig, store storage.Store, log logx.Logger) (*delivery.Service, error) {
	sender, err := delivery.NewTelegramSender(delivery.TelegramConfig{
		Token:    dc.Token,
		ChatID:   dc.ChatID,
		ThreadID: dc.ThreadID,
	})
	if err != nil {
		return nil, err
	}
	cfg, err := mapDelivery(dc)
	if err != nil {
		return nil, err
	}
	return delivery.New(cfg, sender, store, log.With(logx.String("comp", "delivery"))), nil
}

// ---- config mapping ----

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	}
}

func mapStorage(sc config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDuration("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: sc.Path, BusyTimeout: busy}, nil
}

func mapPipeline(pc config.PipelineConfig) (pipeline.Config, error) {
	qd, err := config.ParseDuration("pipeline.quick_dismiss", pc.QuickDismiss, 0)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Workers:      pc.Workers,
		QueueSize:    pc.QueueSize,
		QuickDismiss: qd,
	}, nil
}

func mapAdvisory(ac config.AdvisoryConfig) (advisory.Config, error) {
	timeout, err := config.ParseDuration("advisory.timeout", ac.Timeout, 0)
	if err != nil {
		return advisory.Config{}, err
	}
	return advisory.Config{
		Provider:       ac.Provider,
		APIKey:         ac.APIKey,
		BaseURL:        ac.BaseURL,
		Model:          ac.Model,
		PreferenceHint: ac.PreferenceHint,
		Timeout:        timeout,
		RatePerMin:     ac.RatePerMin,
	}, nil
}

func mapLearner(lc config.LearnerConfig) learner.Config {
	return learner.Config{
		RecalcSchedule:      lc.RecalcSchedule,
		CleanupSchedule:     lc.CleanupSchedule,
		RetentionDays:       lc.RetentionDays,
		SilentRetentionDays: lc.SilentRetentionDays,
		Timezone:            lc.Timezone,
	}
}

func mapDebug(dc config.DebugConfig) debug.Config {
	return debug.Config{Enabled: dc.Enabled, Addr: dc.Addr, Token: dc.Token}
}

func mapDelivery(dc config.DeliveryConfig) (delivery.Config, error) {
	window, err := config.ParseDuration("delivery.dedup_window", dc.DedupWindow, 0)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		Enabled:     dc.Enabled,
		MinCategory: engine.Category(strings.ToUpper(strings.TrimSpace(dc.MinCategory))),
		RatePerSec:  dc.RatePerSec,
		QueueSize:   dc.QueueSize,
		DedupWindow: window,
	}, nil
}

// validate rejects a config before it is committed. Every check here must be
// side-effect free; the same function vets both the initial load and reloads.
func validate(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(cfg.Ingest.SpoolDir) == "" {
		return fmt.Errorf("ingest.spool_dir is required")
	}
	if _, err := mapStorage(cfg.Storage); err != nil {
		return err
	}
	if _, err := mapPipeline(cfg.Pipeline); err != nil {
		return err
	}

	if cfg.Advisory.Enabled {
		acfg, err := mapAdvisory(cfg.Advisory)
		if err != nil {
			return err
		}
		// New performs no I/O, so a dry construction covers the provider,
		// key and endpoint checks.
		if _, err := advisory.New(acfg, logx.Nop()); err != nil {
			return err
		}
	}

	if cfg.Delivery.Enabled {
		if strings.TrimSpace(cfg.Delivery.Token) == "" {
			return fmt.Errorf("delivery.token is required when delivery is enabled")
		}
		if cfg.Delivery.ChatID == 0 {
			return fmt.Errorf("delivery.chat_id is required when delivery is enabled")
		}
		if dc, err := mapDelivery(cfg.Delivery); err != nil {
			return err
		} else if dc.MinCategory != "" && !validCategory(dc.MinCategory) {
			return fmt.Errorf("delivery.min_category: unknown category %q", cfg.Delivery.MinCategory)
		}
	}

	if cfg.Learner.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		for field, spec := range map[string]string{
			"learner.recalc_schedule":  cfg.Learner.RecalcSchedule,
			"learner.cleanup_schedule": cfg.Learner.CleanupSchedule,
		} {
			if spec == "" {
				continue
			}
			if _, err := parser.Parse(spec); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
		}
		if tz := strings.TrimSpace(cfg.Learner.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("learner.timezone: %w", err)
			}
		}
	}

	for i, k := range cfg.Rules.Keywords {
		if strings.TrimSpace(k.Keyword) == "" {
			return fmt.Errorf("rules.keywords[%d]: keyword is empty", i)
		}
		switch engine.KeywordClass(strings.ToUpper(strings.TrimSpace(k.Class))) {
		case engine.KeywordCritical, engine.KeywordImportant, engine.KeywordSpam:
		default:
			return fmt.Errorf("rules.keywords[%d]: unknown class %q", i, k.Class)
		}
		if k.Modifier < -50 || k.Modifier > 50 {
			return fmt.Errorf("rules.keywords[%d]: modifier %d out of range [-50,50]", i, k.Modifier)
		}
	}
	for i, o := range cfg.Rules.AppOverrides {
		if strings.TrimSpace(o.AppID) == "" {
			return fmt.Errorf("rules.app_overrides[%d]: app_id is empty", i)
		}
		if o.Category == "" && o.BaseScore == nil {
			return fmt.Errorf("rules.app_overrides[%d]: needs category or base_score", i)
		}
		if o.Category != "" && !validCategory(engine.Category(strings.ToUpper(o.Category))) {
			return fmt.Errorf("rules.app_overrides[%d]: unknown category %q", i, o.Category)
		}
		if o.BaseScore != nil && (*o.BaseScore < 0 || *o.BaseScore > 100) {
			return fmt.Errorf("rules.app_overrides[%d]: base_score %d out of range [0,100]", i, *o.BaseScore)
		}
	}
	return nil
}

func validCategory(c engine.Category) bool {
	switch c {
	case engine.CategoryCritical, engine.CategoryImportant, engine.CategoryNormal, engine.CategorySilent:
		return true
	}
	return false
}

// Package app wires the services together: config, logging, storage, the
// scheduler, the review engine and its collaborators.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codebridger/subturtle-core/internal/board"
	"github.com/codebridger/subturtle-core/internal/config"
	"github.com/codebridger/subturtle-core/internal/eventbus"
	"github.com/codebridger/subturtle-core/internal/jobs"
	"github.com/codebridger/subturtle-core/internal/leitner"
	"github.com/codebridger/subturtle-core/internal/phrase"
	"github.com/codebridger/subturtle-core/internal/profile"
	"github.com/codebridger/subturtle-core/internal/runtime/supervisor"
	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	db   *storage.DB

	registry *jobs.Registry
	sched    *jobs.Service
	engine   *leitner.Service
	phrases  *phrase.Service
	profiles *profile.Service
	board    *board.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	toastEvery, err := config.ParseDurationField("board.toast_every", cfg.Board.ToastEvery)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		db:       db,
		registry: jobs.NewRegistry(),
		phrases:  phrase.New(db, log),
		profiles: profile.New(db, log),
		board: board.New(board.Config{
			ToastEvery: toastEvery,
			ToastBurst: cfg.Board.ToastBurst,
		}, db, bus, log),
	}
	return a, nil
}

// Bus exposes the event bus for embedding callers (dashboards, tests).
func (a *App) Bus() eventbus.Bus { return a.bus }

// Scheduler is available after Start.
func (a *App) Scheduler() *jobs.Service { return a.sched }

func (a *App) Engine() *leitner.Service   { return a.engine }
func (a *App) Phrases() *phrase.Service   { return a.phrases }
func (a *App) Profiles() *profile.Service { return a.profiles }

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	catchUp, err := config.ParseDurationField("scheduler.catch_up_window", cfg.Scheduler.CatchUpWindow)
	if err != nil {
		return err
	}
	a.sched, err = jobs.New(jobs.Config{
		DefaultTimeZone: cfg.Scheduler.Timezone,
		CatchUpWindow:   catchUp,
	}, jobs.Deps{
		Store:      jobs.NewStore(a.db),
		Registry:   a.registry,
		Bus:        a.bus,
		Supervisor: a.sup,
		Log:        a.log,
	})
	if err != nil {
		return err
	}

	a.engine, err = leitner.New(leitner.Deps{
		Store:     leitner.NewStore(a.db),
		Scheduler: a.sched,
		Profiles:  a.profiles,
		Phrases:   a.phrases,
		Board:     a.board,
		Log:       a.log,
		Defaults:  leitnerDefaults(cfg.Leitner),
	})
	if err != nil {
		return err
	}

	// Cross-service hooks: timezone changes re-derive review jobs, saved
	// phrases may auto-enter box 1.
	a.profiles.SetResyncHook(a.engine.ResyncSchedule)
	a.phrases.SetSavedHook(a.engine.AutoEntry)

	// Callbacks must be bound before Init so persisted jobs reattach.
	if err := a.engine.RegisterCallback(a.registry); err != nil {
		return err
	}

	if cfg.Scheduler.Enabled {
		if err := a.sched.Init(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled by config; persisted jobs will not fire")
	}

	// Config hot reload: validate before commit, apply live sections after.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})
	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		a.applyLoop(ctx, cfg, updates)
	})

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

// applyLoop handles hot-reloaded config. Logging and scheduler apply live;
// storage and board changes need a restart and are only reported.
func (a *App) applyLoop(ctx context.Context, prev *config.Config, updates chan *config.Config) {
	defer a.cfgm.Unsubscribe(updates)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded",
				append(attrs, logx.String("sections", strings.Join(changed, ",")))...)

			if prev.Logging != cfg.Logging {
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
			}
			if prev.Scheduler != cfg.Scheduler && a.sched != nil && cfg.Scheduler.Enabled {
				catchUp, err := config.ParseDurationField(
					"scheduler.catch_up_window", cfg.Scheduler.CatchUpWindow)
				if err == nil {
					err = a.sched.Apply(ctx, jobs.Config{
						DefaultTimeZone: cfg.Scheduler.Timezone,
						CatchUpWindow:   catchUp,
					})
				}
				if err != nil {
					a.log.Error("apply scheduler config", logx.Err(err))
				}
			}
			for _, section := range changed {
				if section != "logging" && section != "scheduler" {
					a.log.Warn("config section needs restart to take effect",
						logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sched != nil {
		a.sched.Stop()
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := config.ParseDurationField("scheduler.catch_up_window", cfg.Scheduler.CatchUpWindow); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("board.toast_every", cfg.Board.ToastEvery); err != nil {
		return err
	}
	if h := cfg.Leitner.DefaultReviewHour; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("leitner.default_review_hour %d out of range", *h)
	}
	return nil
}

// leitnerDefaults overlays config overrides on the built-in defaults.
func leitnerDefaults(lc config.LeitnerConfig) leitner.Settings {
	s := leitner.DefaultSettings()
	if lc.DefaultDailyLimit > 0 {
		s.DailyLimit = lc.DefaultDailyLimit
	}
	if lc.DefaultTotalBoxes > 0 {
		s.TotalBoxes = lc.DefaultTotalBoxes
	}
	if len(lc.DefaultIntervals) > 0 {
		s.BoxIntervals = lc.DefaultIntervals
	}
	if len(lc.DefaultQuotas) > 0 {
		s.BoxQuotas = lc.DefaultQuotas
	}
	if lc.DefaultReviewHour != nil {
		s.ReviewHour = *lc.DefaultReviewHour
	}
	if lc.DefaultIntervalDays > 0 {
		s.ReviewIntervalDays = lc.DefaultIntervalDays
	}
	return s
}

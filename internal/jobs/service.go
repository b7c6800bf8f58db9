package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/codebridger/subturtle-core/internal/eventbus"
	"github.com/codebridger/subturtle-core/internal/runtime/supervisor"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

const (
	EventClaimed  = "job.claimed"
	EventExecuted = "job.executed"
	EventFailed   = "job.failed"
)

// Config configures the scheduler service.
type Config struct {
	// DefaultTimeZone is the zone used for jobs without an explicit one.
	DefaultTimeZone string
	// CatchUpWindow bounds how far back catch-up looks for a missed
	// occurrence. Zero means 35 days.
	CatchUpWindow time.Duration
}

func (c Config) catchUpWindow() time.Duration {
	if c.CatchUpWindow <= 0 {
		return 35 * 24 * time.Hour
	}
	return c.CatchUpWindow
}

// Deps are the collaborators the scheduler is wired with.
type Deps struct {
	Store      *Store
	Registry   *Registry
	Bus        eventbus.Bus
	Supervisor *supervisor.Supervisor
	Log        logx.Logger
}

// Service owns the trigger machinery: a cron runner for recurrent jobs and
// one-off timers, both funneling into the persisted claim protocol.
type Service struct {
	cfg   Config
	store *Store
	reg   *Registry
	bus   eventbus.Bus
	sup   *supervisor.Supervisor
	log   logx.Logger
	loc   *time.Location

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
	// versions invalidates in-flight timer callbacks after re-arm or delete.
	versions map[string]uint64
	started  bool

	kick     chan struct{}
	draining atomic.Bool
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Supervisor == nil {
		return nil, fmt.Errorf("jobs: store, registry and supervisor are required")
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.DefaultTimeZone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("jobs: default time zone %q: %w", tz, err)
		}
		loc = l
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		reg:      deps.Registry,
		bus:      deps.Bus,
		sup:      deps.Supervisor,
		log:      deps.Log.With(logx.String("component", "jobs")),
		loc:      loc,
		cron:     cron.New(cron.WithLocation(loc)),
		entries:  map[string]cron.EntryID{},
		timers:   map[string]*time.Timer{},
		versions: map[string]uint64{},
		kick:     make(chan struct{}, 1),
	}, nil
}

// Init loads persisted jobs, recovers interrupted state, runs catch-up and
// starts the trigger machinery. Callbacks for loaded jobs must already be
// registered before Init; unresolvable ones fail at execution, not here.
func (s *Service) Init(ctx context.Context) error {
	// A row left executing means the process died mid-run.
	n, err := s.store.ResetExecuting(ctx)
	if err != nil {
		return fmt.Errorf("jobs: recover executing rows: %w", err)
	}
	if n > 0 {
		s.log.Warn("marked interrupted executions as failed", logx.Int64("count", n))
	}

	list, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("jobs: load jobs: %w", err)
	}
	now := time.Now()
	for _, j := range list {
		if missed, expected := s.missedOccurrence(j, now); missed {
			s.log.Info("catch-up trigger",
				logx.String("job", j.Name), logx.Time("expected", expected))
			s.fire(ctx, j.Name, expected)
		}
		if j.Type == JobOnce && !j.RunAt.After(now) {
			// Spent one-offs never re-arm; catch-up above already
			// decided whether the missed instant replays.
			continue
		}
		if err := s.arm(j); err != nil {
			s.log.Error("arm job", logx.String("job", j.Name), logx.Err(err))
		}
	}

	s.mu.Lock()
	s.cron.Start()
	s.started = true
	s.mu.Unlock()

	s.sup.GoRestart("jobs.drain", s.drainLoop)
	// Queued rows may have survived a restart.
	s.kickDrain()

	s.log.Info("scheduler started",
		logx.Int("jobs", len(list)), logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts triggers. Queued work stays persisted for the next start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.cron.Stop()
		s.started = false
	}
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
		s.versions[name]++
	}
}

// Apply handles a live config change. A default timezone change rebuilds
// the cron runner in the new zone and re-arms every persisted job, the
// equivalent of a restart without dropping queued work.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	newTZ := strings.TrimSpace(cfg.DefaultTimeZone)
	if newTZ == strings.TrimSpace(s.cfg.DefaultTimeZone) {
		s.cfg.CatchUpWindow = cfg.CatchUpWindow
		return nil
	}
	loc := time.Local
	if newTZ != "" {
		l, err := time.LoadLocation(newTZ)
		if err != nil {
			return fmt.Errorf("jobs: default time zone %q: %w", newTZ, err)
		}
		loc = l
	}
	list, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("jobs: reload jobs: %w", err)
	}

	s.mu.Lock()
	if s.started {
		s.cron.Stop()
	}
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
		s.versions[name]++
	}
	for name := range s.entries {
		delete(s.entries, name)
	}
	s.loc = loc
	s.cfg.DefaultTimeZone = cfg.DefaultTimeZone
	s.cfg.CatchUpWindow = cfg.CatchUpWindow
	s.cron = cron.New(cron.WithLocation(loc))
	if s.started {
		s.cron.Start()
	}
	s.mu.Unlock()

	now := time.Now()
	for _, j := range list {
		if j.Type == JobOnce && !j.RunAt.After(now) {
			continue
		}
		if err := s.arm(j); err != nil {
			s.log.Error("re-arm job", logx.String("job", j.Name), logx.Err(err))
		}
	}
	s.log.Info("default timezone applied",
		logx.String("tz", loc.String()), logx.Int("jobs", len(list)))
	return nil
}

// CreateJob persists the definition and arms its trigger. An existing job
// with the same name is replaced; its state resets to scheduled.
func (s *Service) CreateJob(ctx context.Context, name, functionID string, opts Options) error {
	j, err := buildJob(name, functionID, opts)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, j); err != nil {
		return fmt.Errorf("jobs: persist %s: %w", name, err)
	}
	if err := s.arm(j); err != nil {
		return fmt.Errorf("jobs: arm %s: %w", name, err)
	}
	s.log.Debug("job created",
		logx.String("job", name), logx.String("function", functionID),
		logx.String("type", string(j.Type)))
	return nil
}

// DeleteJob disarms the trigger and removes the definition. Run history
// stays. Deleting an unknown job is a no-op.
func (s *Service) DeleteJob(ctx context.Context, name string) error {
	s.disarm(name)
	return s.store.Delete(ctx, name)
}

// Get returns the persisted definition and state of a job.
func (s *Service) Get(ctx context.Context, name string) (Job, error) {
	return s.store.Get(ctx, name)
}

// Runs returns the most recent execution records of a job, newest first.
func (s *Service) Runs(ctx context.Context, name string, limit int) ([]Run, error) {
	return s.store.Runs(ctx, name, limit)
}

// Trigger fires a job out of schedule with the current instant as its
// expected time. The normal claim rules apply, so an in-flight job is
// skipped rather than run twice.
func (s *Service) Trigger(ctx context.Context, name string) error {
	if _, err := s.store.Get(ctx, name); err != nil {
		return err
	}
	s.fire(ctx, name, time.Now())
	return nil
}

func buildJob(name, functionID string, opts Options) (Job, error) {
	if strings.TrimSpace(name) == "" {
		return Job{}, fmt.Errorf("jobs: empty job name")
	}
	if strings.TrimSpace(functionID) == "" {
		return Job{}, fmt.Errorf("jobs: %s: empty function id", name)
	}
	hasCron := strings.TrimSpace(opts.CronExpr) != ""
	hasRunAt := !opts.RunAt.IsZero()
	if hasCron == hasRunAt {
		return Job{}, fmt.Errorf("jobs: %s: exactly one of cron expression and run-at is required", name)
	}
	if tz := strings.TrimSpace(opts.TimeZone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return Job{}, fmt.Errorf("jobs: %s: time zone %q: %w", name, tz, err)
		}
	}
	exec := opts.Execution
	if exec == "" {
		exec = ExecNormal
	}
	if exec != ExecNormal && exec != ExecImmediate {
		return Job{}, fmt.Errorf("jobs: %s: unknown execution type %q", name, exec)
	}
	j := Job{
		Name:          name,
		FunctionID:    functionID,
		TimeZone:      strings.TrimSpace(opts.TimeZone),
		Args:          opts.Args,
		ExecutionType: exec,
		CatchUp:       opts.CatchUp,
		State:         StateScheduled,
	}
	if hasCron {
		j.Type = JobRecurrent
		j.CronExpr = strings.TrimSpace(opts.CronExpr)
		if _, err := cron.ParseStandard(cronSpec(j)); err != nil {
			return Job{}, fmt.Errorf("jobs: %s: cron %q: %w", name, j.CronExpr, err)
		}
	} else {
		j.Type = JobOnce
		j.RunAt = opts.RunAt
	}
	return j, nil
}

// cronSpec prefixes per-job zones so one cron runner serves all zones.
func cronSpec(j Job) string {
	if j.TimeZone == "" {
		return j.CronExpr
	}
	return "CRON_TZ=" + j.TimeZone + " " + j.CronExpr
}

func (s *Service) arm(j Job) error {
	s.disarm(j.Name)

	switch j.Type {
	case JobRecurrent:
		name := j.Name
		id, err := s.cron.AddFunc(cronSpec(j), func() {
			s.fire(s.sup.Context(), name, time.Now().Truncate(time.Second))
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.entries[j.Name] = id
		s.mu.Unlock()
		return nil

	case JobOnce:
		d := time.Until(j.RunAt)
		if d <= 0 {
			// Init and Apply never arm spent one-offs, so a past run-at
			// here is a live CreateJob; it fires right away.
			s.fire(s.sup.Context(), j.Name, j.RunAt)
			return nil
		}
		s.mu.Lock()
		s.versions[j.Name]++
		ver := s.versions[j.Name]
		name, runAt := j.Name, j.RunAt
		s.timers[j.Name] = time.AfterFunc(d, func() {
			s.mu.Lock()
			live := s.versions[name] == ver
			delete(s.timers, name)
			s.mu.Unlock()
			if live {
				s.fire(s.sup.Context(), name, runAt)
			}
		})
		s.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("unknown job type %q", j.Type)
	}
}

func (s *Service) disarm(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
	s.versions[name]++
}

// fire runs the claim protocol for one trigger. Losing the claim means the
// job is already in flight and the trigger is dropped; this is the only
// overlap control the scheduler has.
func (s *Service) fire(ctx context.Context, name string, expected time.Time) {
	j, err := s.store.Get(ctx, name)
	if err != nil {
		s.log.Warn("fire: job vanished", logx.String("job", name), logx.Err(err))
		return
	}

	toState := StateQueued
	if j.ExecutionType == ExecImmediate {
		toState = StateExecuting
	}
	ok, err := s.store.Claim(ctx, name, toState, expected)
	if err != nil {
		s.log.Error("claim", logx.String("job", name), logx.Err(err))
		return
	}
	if !ok {
		s.log.Debug("trigger skipped, job in flight", logx.String("job", name))
		return
	}
	s.publish(EventClaimed, j, expected, nil)

	if j.ExecutionType == ExecImmediate {
		s.sup.Go0("jobs.exec."+name, func(ctx context.Context) {
			s.execute(ctx, j, expected)
		})
		return
	}
	s.kickDrain()
}

// execute runs the callback and settles the row. Panics inside callbacks
// are contained and recorded as failures.
func (s *Service) execute(ctx context.Context, j Job, expected time.Time) {
	started := time.Now()
	runErr := s.invoke(ctx, j, expected, started)

	// Recurrent jobs return to scheduled; only one-offs go terminal.
	state := StateExecuted
	if j.Type == JobRecurrent {
		state = StateScheduled
	}
	if runErr != nil {
		state = StateFailed
	}
	run := Run{
		ID:           uuid.NewString(),
		JobName:      j.Name,
		ExpectedTime: expected,
		ExecutedTime: started,
		Duration:     time.Since(started),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.store.AppendRun(ctx, run); err != nil {
		s.log.Error("append run", logx.String("job", j.Name), logx.Err(err))
	}
	if err := s.store.Finish(ctx, j.Name, state, started); err != nil {
		s.log.Error("finish job", logx.String("job", j.Name), logx.Err(err))
	}

	if runErr != nil {
		s.publish(EventFailed, j, expected, runErr)
		s.log.Error("job failed",
			logx.String("job", j.Name), logx.String("function", j.FunctionID),
			logx.Duration("took", run.Duration), logx.Err(runErr))
		return
	}
	s.publish(EventExecuted, j, expected, nil)
	s.log.Info("job executed",
		logx.String("job", j.Name), logx.String("function", j.FunctionID),
		logx.Duration("took", run.Duration))
}

func (s *Service) invoke(ctx context.Context, j Job, expected, started time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	fn, err := s.reg.Resolve(j.FunctionID)
	if err != nil {
		return err
	}
	return fn(ctx, Invocation{
		Job:          j.Name,
		Args:         j.Args,
		ExpectedTime: expected,
		ExecutedTime: started,
	})
}

func (s *Service) publish(typ string, j Job, expected time.Time, err error) {
	if s.bus == nil {
		return
	}
	ev := JobEvent{
		Name:       j.Name,
		FunctionID: j.FunctionID,
		Expected:   expected,
	}
	switch typ {
	case EventClaimed:
		ev.State = StateQueued
		if j.ExecutionType == ExecImmediate {
			ev.State = StateExecuting
		}
	case EventExecuted:
		ev.State = StateExecuted
	case EventFailed:
		ev.State = StateFailed
		if err != nil {
			ev.Error = err.Error()
		}
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codebridger/subturtle-core/internal/runtime/supervisor"
	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

func newTestService(t *testing.T) (*Service, *Store, *Registry) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	sup := supervisor.NewSupervisor(context.Background())
	t.Cleanup(func() { sup.Cancel() })

	store := NewStore(db)
	reg := NewRegistry()
	svc, err := New(Config{DefaultTimeZone: "UTC"}, Deps{
		Store:      store,
		Registry:   reg,
		Supervisor: sup,
		Log:        logx.Nop(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc, store, reg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	future := time.Now().Add(time.Hour)
	cases := []struct {
		name string
		job  string
		fn   string
		opts Options
	}{
		{"empty name", "", "fn", Options{CronExpr: "* * * * *"}},
		{"empty function", "j", "", Options{CronExpr: "* * * * *"}},
		{"no trigger", "j", "fn", Options{}},
		{"both triggers", "j", "fn", Options{CronExpr: "* * * * *", RunAt: future}},
		{"bad cron", "j", "fn", Options{CronExpr: "not a cron"}},
		{"bad zone", "j", "fn", Options{CronExpr: "* * * * *", TimeZone: "Mars/Olympus"}},
		{"bad execution", "j", "fn", Options{CronExpr: "* * * * *", Execution: "eventually"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if err := svc.CreateJob(ctx, tc.job, tc.fn, tc.opts); err == nil {
				t.Fatalf("CreateJob %s accepted", tc.name)
			}
		})
	}
}

func TestCreateJobPersistsScheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	err := svc.CreateJob(ctx, "daily", "fn", Options{
		CronExpr: "0 9 * * *",
		TimeZone: "Asia/Tehran",
		CatchUp:  true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	j, err := store.Get(ctx, "daily")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != StateScheduled || j.Type != JobRecurrent {
		t.Fatalf("state=%q type=%q", j.State, j.Type)
	}
	if j.ExecutionType != ExecNormal {
		t.Fatalf("execution default = %q, want normal", j.ExecutionType)
	}
}

func TestImmediateOneOffExecutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, reg := newTestService(t)

	got := make(chan Invocation, 1)
	_ = reg.Register("fn", func(_ context.Context, inv Invocation) error {
		got <- inv
		return nil
	})

	runAt := time.Now().Add(-time.Minute)
	err := svc.CreateJob(ctx, "now", "fn", Options{
		RunAt:     runAt,
		Execution: ExecImmediate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var inv Invocation
	select {
	case inv = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}
	if inv.Job != "now" {
		t.Fatalf("invocation job = %q", inv.Job)
	}
	if !inv.ExpectedTime.Equal(runAt) {
		t.Fatalf("expected = %v, want %v", inv.ExpectedTime, runAt)
	}

	waitFor(t, func() bool {
		j, err := store.Get(ctx, "now")
		return err == nil && j.State == StateExecuted
	}, "job never settled to executed")
}

func TestNormalJobsDrainInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, reg := newTestService(t)

	var (
		mu       sync.Mutex
		order    []string
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	_ = reg.Register("fn", func(_ context.Context, inv Invocation) error {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, inv.Job)
		mu.Unlock()
		inFlight.Add(-1)
		return nil
	})

	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	for _, name := range []string{"first", "second", "third"} {
		if err := svc.CreateJob(ctx, name, "fn", Options{RunAt: past}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "queue never drained")

	if overlap.Load() {
		t.Fatal("normal-mode executions overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestFailureRecordsRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, reg := newTestService(t)

	done := make(chan struct{}, 1)
	_ = reg.Register("fn", func(context.Context, Invocation) error {
		done <- struct{}{}
		panic("boom")
	})

	err := svc.CreateJob(ctx, "bad", "fn", Options{
		RunAt:     time.Now().Add(-time.Second),
		Execution: ExecImmediate,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-done

	waitFor(t, func() bool {
		j, err := store.Get(ctx, "bad")
		return err == nil && j.State == StateFailed
	}, "panicking job never settled to failed")

	runs, err := store.Runs(ctx, "bad", 10)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Error == "" {
		t.Fatalf("runs = %+v, want one failed record", runs)
	}
}

func TestInitReplaysMissedOccurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, reg := newTestService(t)

	got := make(chan Invocation, 1)
	_ = reg.Register("fn", func(_ context.Context, inv Invocation) error {
		got <- inv
		return nil
	})

	// Persist directly so the trigger machinery only sees it at Init.
	job := Job{
		Name: "daily", Type: JobRecurrent, CronExpr: "0 9 * * *",
		TimeZone: "UTC", FunctionID: "fn",
		ExecutionType: ExecNormal, CatchUp: true,
	}
	if err := store.Upsert(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	lastRun := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.Finish(ctx, "daily", StateExecuted, lastRun); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	var inv Invocation
	select {
	case inv = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("missed occurrence never replayed")
	}

	now := time.Now().UTC()
	wantExpected := time.Date(now.Year(), now.Month(), now.Day(), 9, 0, 0, 0, time.UTC)
	if !wantExpected.Before(now) {
		wantExpected = wantExpected.Add(-24 * time.Hour)
	}
	if !inv.ExpectedTime.Equal(wantExpected) {
		t.Fatalf("expected = %v, want %v", inv.ExpectedTime, wantExpected)
	}

	// Exactly one replay.
	select {
	case <-got:
		t.Fatal("more than one missed occurrence replayed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInitSkipsSpentOneOff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, reg := newTestService(t)

	fired := make(chan struct{}, 1)
	_ = reg.Register("fn", func(context.Context, Invocation) error {
		fired <- struct{}{}
		return nil
	})

	job := Job{
		Name: "done", Type: JobOnce, FunctionID: "fn",
		RunAt: time.Now().UTC().Add(-time.Hour), ExecutionType: ExecImmediate,
	}
	if err := store.Upsert(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Finish(ctx, "done", StateExecuted, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("spent one-off re-fired at startup")
	case <-time.After(100 * time.Millisecond):
	}
	j, err := store.Get(ctx, "done")
	if err != nil || j.State != StateExecuted {
		t.Fatalf("state = %q err=%v, want executed", j.State, err)
	}
}

func TestTriggerRunsOutOfSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, reg := newTestService(t)

	got := make(chan Invocation, 1)
	_ = reg.Register("fn", func(_ context.Context, inv Invocation) error {
		got <- inv
		return nil
	})
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	err := svc.CreateJob(ctx, "weekly", "fn", Options{CronExpr: "0 9 * * 1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Trigger(ctx, "weekly"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	select {
	case inv := <-got:
		if inv.Job != "weekly" {
			t.Fatalf("job = %q", inv.Job)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("manual trigger never executed")
	}

	if err := svc.Trigger(ctx, "missing"); err == nil {
		t.Fatal("trigger of unknown job succeeded")
	}
}

func TestDeleteJobDisarms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, reg := newTestService(t)

	var calls atomic.Int32
	_ = reg.Register("fn", func(context.Context, Invocation) error {
		calls.Add(1)
		return nil
	})
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	err := svc.CreateJob(ctx, "soon", "fn", Options{RunAt: time.Now().Add(30 * time.Millisecond)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.DeleteJob(ctx, "soon"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("deleted job ran %d times", n)
	}
	if _, err := store.Get(ctx, "soon"); err == nil {
		t.Fatal("row survived delete")
	}
}

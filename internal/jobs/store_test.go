package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreUpsertGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	job := Job{
		Name:          "leitner-review-u1",
		Type:          JobRecurrent,
		CronExpr:      "0 9 * * *",
		TimeZone:      "Europe/Berlin",
		FunctionID:    "leitner-review-job",
		Args:          map[string]any{"user_id": "u1"},
		ExecutionType: ExecNormal,
		CatchUp:       true,
	}
	if err := st.Upsert(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := st.Get(ctx, job.Name)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateScheduled {
		t.Fatalf("state = %q, want scheduled", got.State)
	}
	if got.CronExpr != job.CronExpr || got.TimeZone != job.TimeZone || got.FunctionID != job.FunctionID {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Args["user_id"] != "u1" {
		t.Fatalf("args = %v", got.Args)
	}
	if !got.CatchUp {
		t.Fatal("catch_up lost")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not set")
	}
}

func TestStoreUpsertResetsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	job := Job{Name: "j", Type: JobRecurrent, CronExpr: "* * * * *", FunctionID: "fn", ExecutionType: ExecNormal}
	if err := st.Upsert(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.Claim(ctx, "j", StateQueued, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	job.CronExpr = "*/5 * * * *"
	if err := st.Upsert(ctx, job); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := st.Get(ctx, "j")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateScheduled {
		t.Fatalf("state after re-upsert = %q, want scheduled", got.State)
	}
	if got.CronExpr != "*/5 * * * *" {
		t.Fatalf("cron = %q", got.CronExpr)
	}
}

func TestStoreGetMissing(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestStoreClaimStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name  string
		setup func(t *testing.T, st *Store)
		want  bool
	}{
		{"scheduled", func(*testing.T, *Store) {}, true},
		{"executed", func(t *testing.T, st *Store) {
			if err := st.Finish(ctx, "j", StateExecuted, time.Now()); err != nil {
				t.Fatalf("finish: %v", err)
			}
		}, true},
		{"failed", func(t *testing.T, st *Store) {
			if err := st.Finish(ctx, "j", StateFailed, time.Now()); err != nil {
				t.Fatalf("finish: %v", err)
			}
		}, true},
		{"queued", func(t *testing.T, st *Store) {
			if _, err := st.Claim(ctx, "j", StateQueued, time.Now()); err != nil {
				t.Fatalf("pre-claim: %v", err)
			}
		}, false},
		{"executing", func(t *testing.T, st *Store) {
			if _, err := st.Claim(ctx, "j", StateExecuting, time.Now()); err != nil {
				t.Fatalf("pre-claim: %v", err)
			}
		}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newTestStore(t)
			if err := st.Upsert(ctx, Job{Name: "j", Type: JobRecurrent, CronExpr: "* * * * *", FunctionID: "fn", ExecutionType: ExecNormal}); err != nil {
				t.Fatalf("upsert: %v", err)
			}
			tc.setup(t, st)

			got, err := st.Claim(ctx, "j", StateQueued, time.Now())
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if got != tc.want {
				t.Fatalf("claim from %s = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestStoreClaimSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Upsert(ctx, Job{Name: "j", Type: JobRecurrent, CronExpr: "* * * * *", FunctionID: "fn", ExecutionType: ExecNormal}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.Claim(ctx, "j", StateQueued, time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
}

func TestStoreClaimNextQueuedFIFO(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	for _, name := range []string{"a", "b", "c"} {
		if err := st.Upsert(ctx, Job{Name: name, Type: JobRecurrent, CronExpr: "* * * * *", FunctionID: "fn", ExecutionType: ExecNormal}); err != nil {
			t.Fatalf("upsert %s: %v", name, err)
		}
	}
	// Claim order defines queue order.
	for _, name := range []string{"b", "a", "c"} {
		if ok, err := st.Claim(ctx, name, StateQueued, time.Now()); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", name, ok, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	var got []string
	for {
		j, ok, err := st.ClaimNextQueued(ctx)
		if err != nil {
			t.Fatalf("claim next: %v", err)
		}
		if !ok {
			break
		}
		if j.State != StateExecuting {
			t.Fatalf("dequeued state = %q", j.State)
		}
		got = append(got, j.Name)
		if err := st.Finish(ctx, j.Name, StateExecuted, time.Now()); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("drained %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("drained %v, want %v", got, want)
		}
	}
}

func TestStoreClaimCarriesExpectedTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Upsert(ctx, Job{Name: "j", Type: JobOnce, RunAt: time.Now(), FunctionID: "fn", ExecutionType: ExecNormal}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	expected := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if ok, err := st.Claim(ctx, "j", StateQueued, expected); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	j, ok, err := st.ClaimNextQueued(ctx)
	if err != nil || !ok {
		t.Fatalf("claim next: ok=%v err=%v", ok, err)
	}
	if !j.ExpectedTime.Equal(expected) {
		t.Fatalf("expected_time = %v, want %v", j.ExpectedTime, expected)
	}
}

func TestStoreResetExecuting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.Upsert(ctx, Job{Name: "j", Type: JobRecurrent, CronExpr: "* * * * *", FunctionID: "fn", ExecutionType: ExecImmediate}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.Claim(ctx, "j", StateExecuting, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := st.ResetExecuting(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count = %d", n)
	}
	j, err := st.Get(ctx, "j")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != StateFailed {
		t.Fatalf("state = %q, want failed", j.State)
	}
}

func TestStoreRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := st.AppendRun(ctx, Run{
			ID:           string(rune('a' + i)),
			JobName:      "j",
			ExpectedTime: base.Add(time.Duration(i) * time.Hour),
			ExecutedTime: base.Add(time.Duration(i) * time.Hour),
			Duration:     50 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("append run %d: %v", i, err)
		}
	}

	runs, err := st.Runs(ctx, "j", 2)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d", len(runs))
	}
	if runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("order = %s,%s, want newest first", runs[0].ID, runs[1].ID)
	}
	if runs[0].Duration != 50*time.Millisecond {
		t.Fatalf("duration = %v", runs[0].Duration)
	}
}

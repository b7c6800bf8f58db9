package board

import (
	"context"
	"testing"
	"time"

	"github.com/codebridger/subturtle-core/internal/eventbus"
	"github.com/codebridger/subturtle-core/internal/storage"
	logx "github.com/codebridger/subturtle-core/pkg/logx"
)

func newTestBoard(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	bus := eventbus.New()
	return New(cfg, db, bus, logx.Nop()), bus
}

func TestRefreshActivityUpserts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestBoard(t, Config{})

	svc.RefreshActivity(ctx, "u1", "leitner_review",
		map[string]any{"dueCount": 3, "isActive": true},
		Options{Toast: true, ToastType: "singleton", Persistent: true})
	svc.RefreshActivity(ctx, "u1", "leitner_review",
		map[string]any{"dueCount": 5, "isActive": true},
		Options{Toast: true, ToastType: "singleton", Persistent: true})

	acts, err := svc.Activities(ctx, "u1")
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("rows = %d, want upsert to keep one per (user, type)", len(acts))
	}
	a := acts[0]
	if !a.IsActive || !a.Persistent {
		t.Fatalf("activity = %+v", a)
	}
	// Meta roundtrips through JSON, so numbers come back as float64.
	if a.Meta["dueCount"] != float64(5) {
		t.Fatalf("meta = %v, want latest write", a.Meta)
	}
}

func TestRefreshActivityIdleSignal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _ := newTestBoard(t, Config{})

	svc.RefreshActivity(ctx, "u1", "leitner_review",
		map[string]any{"dueCount": 0, "isActive": false},
		Options{Persistent: true})

	acts, err := svc.Activities(ctx, "u1")
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 || acts[0].IsActive {
		t.Fatalf("activities = %+v, want inactive row", acts)
	}
}

func TestRefreshPublishesEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, bus := newTestBoard(t, Config{})

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	svc.RefreshActivity(ctx, "u1", "leitner_review",
		map[string]any{"dueCount": 2, "isActive": true},
		Options{Toast: true, Persistent: true})

	select {
	case ev := <-ch:
		if ev.Type != EventRefresh {
			t.Fatalf("event type = %q", ev.Type)
		}
		re, ok := ev.Data.(RefreshEvent)
		if !ok {
			t.Fatalf("data = %T", ev.Data)
		}
		if re.UserID != "u1" || !re.Active || !re.Toast {
			t.Fatalf("event = %+v", re)
		}
	case <-time.After(time.Second):
		t.Fatal("no refresh event published")
	}
}

func TestToastRateLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, bus := newTestBoard(t, Config{ToastEvery: time.Hour, ToastBurst: 1})

	ch, unsub := bus.Subscribe(8)
	defer unsub()

	for i := 0; i < 3; i++ {
		svc.RefreshActivity(ctx, "u1", "leitner_review",
			map[string]any{"dueCount": i, "isActive": true}, Options{Toast: true})
	}

	toasts := 0
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			if re, ok := ev.Data.(RefreshEvent); ok && re.Toast {
				toasts++
			}
		case <-time.After(time.Second):
			t.Fatal("missing refresh event")
		}
	}
	if toasts != 1 {
		t.Fatalf("toasts = %d, want burst of 1", toasts)
	}
}
